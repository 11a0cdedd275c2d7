package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"mybooklist/pkg/domain"
)

// MemoryStore keeps catalog and library state in-process. It mirrors the
// GormStore semantics (including the status-only add-or-update and the
// genre get-or-create defaults) and backs handler and app tests.
type MemoryStore struct {
	mu      sync.RWMutex
	books   map[string]domain.Book
	genres  map[string]domain.Genre // key: genre ID
	joins   map[string][]string     // book ID -> genre IDs
	users   map[string]domain.User
	library map[string]domain.LibraryEntry // key: userID + "\x00" + bookID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]domain.Book),
		genres:  make(map[string]domain.Genre),
		joins:   make(map[string][]string),
		users:   make(map[string]domain.User),
		library: make(map[string]domain.LibraryEntry),
	}
}

func libraryKey(userID, bookID string) string {
	return userID + "\x00" + bookID
}

// ListBooks filters, counts, sorts by rating descending and paginates.
func (m *MemoryStore) ListBooks(q BookQuery) ([]domain.Book, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]domain.Book, 0, len(m.books))
	for id, b := range m.books {
		if q.Genre != "" && q.Genre != "all" && !m.bookHasGenre(id, q.Genre) {
			continue
		}
		if q.Search != "" && !matchesSearch(b, q.Search) {
			continue
		}
		if q.Featured && !b.IsFeatured {
			continue
		}
		matched = append(matched, m.withGenres(b))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Rating != matched[j].Rating {
			return matched[i].Rating > matched[j].Rating
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return matched[start:end], total, nil
}

func matchesSearch(b domain.Book, term string) bool {
	term = strings.ToLower(term)
	return strings.Contains(strings.ToLower(b.Title), term) ||
		strings.Contains(strings.ToLower(b.Author), term) ||
		strings.Contains(strings.ToLower(b.Description), term)
}

func (m *MemoryStore) bookHasGenre(bookID, name string) bool {
	for _, genreID := range m.joins[bookID] {
		if g, ok := m.genres[genreID]; ok && g.Name == name {
			return true
		}
	}
	return false
}

func (m *MemoryStore) withGenres(b domain.Book) domain.Book {
	names := make([]string, 0, len(m.joins[b.ID]))
	for _, genreID := range m.joins[b.ID] {
		if g, ok := m.genres[genreID]; ok {
			names = append(names, g.Name)
		}
	}
	sort.Strings(names)
	b.Genres = names
	return b
}

// GetBook retrieves a book with resolved genre names.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return m.withGenres(b), true, nil
}

// SaveBook inserts a new catalog record.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = b
	return nil
}

// UpdateBook applies non-nil patch fields; genre joins are left alone.
func (m *MemoryStore) UpdateBook(id string, patch BookPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return false, nil
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Author != nil {
		b.Author = *patch.Author
	}
	if patch.Description != nil {
		b.Description = *patch.Description
	}
	if patch.CoverURL != nil {
		b.CoverURL = *patch.CoverURL
	}
	if patch.CoverKey != nil {
		b.CoverKey = *patch.CoverKey
	}
	if patch.Rating != nil {
		b.Rating = *patch.Rating
	}
	if patch.TotalRatings != nil {
		b.TotalRatings = *patch.TotalRatings
	}
	if patch.PublishedYear != nil {
		b.PublishedYear = *patch.PublishedYear
	}
	if patch.Pages != nil {
		b.Pages = *patch.Pages
	}
	if patch.ISBN != nil {
		b.ISBN = *patch.ISBN
	}
	if patch.Language != nil {
		b.Language = *patch.Language
	}
	if patch.Publisher != nil {
		b.Publisher = *patch.Publisher
	}
	if patch.IsFeatured != nil {
		b.IsFeatured = *patch.IsFeatured
	}
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return true, nil
}

// DeleteBook removes the book, its joins and any library entries for it.
func (m *MemoryStore) DeleteBook(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return false, nil
	}
	delete(m.books, id)
	delete(m.joins, id)
	for key, entry := range m.library {
		if entry.BookID == id {
			delete(m.library, key)
		}
	}
	return true, nil
}

// ReplaceBookGenres rebuilds the join set for a book from the name list.
func (m *MemoryStore) ReplaceBookGenres(bookID string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	joins := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		joins = append(joins, m.getOrCreateGenre(name))
	}
	m.joins[bookID] = joins
	return nil
}

func (m *MemoryStore) getOrCreateGenre(name string) string {
	for id, g := range m.genres {
		if g.Name == name {
			return id
		}
	}
	id := uuid.NewString()
	m.genres[id] = domain.Genre{ID: id, Name: name, Color: defaultGenreColor, Description: name}
	return id
}

// ListGenres returns all genres ordered by name.
func (m *MemoryStore) ListGenres() ([]domain.Genre, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	genres := make([]domain.Genre, 0, len(m.genres))
	for _, g := range m.genres {
		genres = append(genres, g)
	}
	sort.Slice(genres, func(i, j int) bool { return genres[i].Name < genres[j].Name })
	return genres, nil
}

// GetUser returns a user profile by ID.
func (m *MemoryStore) GetUser(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	return u, true, nil
}

// SaveUser registers or refreshes a user profile.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		existing.Name = u.Name
		existing.Email = u.Email
		existing.AvatarURL = u.AvatarURL
		existing.UpdatedAt = time.Now().UTC()
		m.users[u.ID] = existing
		return nil
	}
	if u.FavoriteGenres == nil {
		u.FavoriteGenres = []string{}
	}
	m.users[u.ID] = u
	return nil
}

// UpdateUser applies non-nil profile patch fields.
func (m *MemoryStore) UpdateUser(id string, patch ProfilePatch) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, false, nil
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.FavoriteGenres != nil {
		u.FavoriteGenres = append([]string(nil), (*patch.FavoriteGenres)...)
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[id] = u
	return u, true, nil
}

// ListLibrary returns a user's entries newest-added first with books embedded.
func (m *MemoryStore) ListLibrary(userID string, status domain.ReadingStatus) ([]domain.LibraryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]domain.LibraryEntry, 0)
	for _, entry := range m.library {
		if entry.UserID != userID {
			continue
		}
		if status != "" && entry.Status != status {
			continue
		}
		if b, ok := m.books[entry.BookID]; ok {
			book := m.withGenres(b)
			entry.Book = &book
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DateAdded.After(entries[j].DateAdded)
	})
	return entries, nil
}

// GetLibraryEntry returns one pairing without the embedded book.
func (m *MemoryStore) GetLibraryEntry(userID, bookID string) (domain.LibraryEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.library[libraryKey(userID, bookID)]
	if !ok {
		return domain.LibraryEntry{}, false, nil
	}
	return entry, true, nil
}

// AddOrUpdateLibraryEntry inserts the entry, or updates only the status of
// an existing pairing, matching the GormStore upsert.
func (m *MemoryStore) AddOrUpdateLibraryEntry(e domain.LibraryEntry) (domain.LibraryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := libraryKey(e.UserID, e.BookID)
	if existing, ok := m.library[key]; ok {
		existing.Status = e.Status
		existing.UpdatedAt = time.Now().UTC()
		m.library[key] = existing
		return existing, nil
	}
	m.library[key] = e
	return e, nil
}

// UpdateLibraryEntry applies the patch to an existing pairing.
func (m *MemoryStore) UpdateLibraryEntry(userID, bookID string, patch LibraryPatch) (domain.LibraryEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := libraryKey(userID, bookID)
	entry, ok := m.library[key]
	if !ok {
		return domain.LibraryEntry{}, false, nil
	}
	if patch.Status != nil && *patch.Status != "" {
		entry.Status = *patch.Status
	}
	if patch.UserRating != nil {
		rating := *patch.UserRating
		entry.UserRating = &rating
	}
	if patch.Progress != nil {
		entry.Progress = *patch.Progress
	}
	if patch.Notes != nil {
		entry.Notes = *patch.Notes
	}
	if patch.DateCompleted != nil {
		completed := patch.DateCompleted.UTC()
		entry.DateCompleted = &completed
	}
	entry.UpdatedAt = time.Now().UTC()
	m.library[key] = entry
	return entry, true, nil
}

// RemoveLibraryEntry deletes the pairing and reports whether it existed.
func (m *MemoryStore) RemoveLibraryEntry(userID, bookID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := libraryKey(userID, bookID)
	if _, ok := m.library[key]; !ok {
		return false, nil
	}
	delete(m.library, key)
	return true, nil
}
