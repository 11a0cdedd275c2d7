package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"mybooklist/internal/usertoken"
	"mybooklist/pkg/domain"
	"mybooklist/pkg/storage"
	"mybooklist/pkg/store"
)

const (
	defaultPageLimit    = 20
	coverPresignExpiry  = 7 * 24 * time.Hour
	completionThreshold = 100
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL    string
	Store          store.Store
	Objects        storage.ObjectStore
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store   store.Store
	objects storage.ObjectStore
}

// New constructs the application. Store and Objects can be injected for
// tests; otherwise they are built from the database URL and MinIO settings.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}
	return &App{store: dataStore, objects: objects}, nil
}

// BookInput carries the writable catalog fields of a book.
type BookInput struct {
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	Description   string   `json:"description"`
	CoverURL      string   `json:"coverUrl"`
	Rating        float64  `json:"rating"`
	TotalRatings  int      `json:"totalRatings"`
	Genres        []string `json:"genre"`
	PublishedYear int      `json:"publishedYear"`
	Pages         int      `json:"pages"`
	ISBN          string   `json:"isbn"`
	Language      string   `json:"language"`
	Publisher     string   `json:"publisher"`
	IsFeatured    bool     `json:"isFeatured"`
}

// ListBooks returns one catalog page. Page and limit fall back to 1 and 20;
// filters compose with AND.
func (a *App) ListBooks(genre, search string, featured bool, page, limit int) (domain.BookPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	// "all" is the frontend's no-filter sentinel.
	if strings.EqualFold(genre, "all") {
		genre = ""
	}
	books, total, err := a.store.ListBooks(store.BookQuery{
		Genre:    strings.TrimSpace(genre),
		Search:   strings.TrimSpace(search),
		Featured: featured,
		Offset:   (page - 1) * limit,
		Limit:    limit,
	})
	if err != nil {
		return domain.BookPage{}, err
	}
	totalPages := (total + limit - 1) / limit
	return domain.BookPage{
		Books:      books,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}, nil
}

// GetBook retrieves a single catalog record.
func (a *App) GetBook(id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// CreateBook inserts a catalog record and reconciles its genre joins.
func (a *App) CreateBook(in BookInput) (domain.Book, error) {
	now := time.Now().UTC()
	book := domain.Book{
		ID:            uuid.NewString(),
		Title:         in.Title,
		Author:        in.Author,
		Description:   in.Description,
		CoverURL:      in.CoverURL,
		Rating:        in.Rating,
		TotalRatings:  in.TotalRatings,
		PublishedYear: in.PublishedYear,
		Pages:         in.Pages,
		ISBN:          in.ISBN,
		Language:      in.Language,
		Publisher:     in.Publisher,
		IsFeatured:    in.IsFeatured,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	if len(in.Genres) > 0 {
		if err := a.store.ReplaceBookGenres(book.ID, in.Genres); err != nil {
			return domain.Book{}, fmt.Errorf("reconcile genres: %w", err)
		}
	}
	return a.GetBook(book.ID)
}

// UpdateBook applies a partial update. A non-nil Genres field replaces the
// book's genre joins wholesale.
func (a *App) UpdateBook(id string, patch store.BookPatch) (domain.Book, error) {
	found, err := a.store.UpdateBook(id, patch)
	if err != nil {
		return domain.Book{}, err
	}
	if !found {
		return domain.Book{}, ErrBookNotFound
	}
	if patch.Genres != nil {
		if err := a.store.ReplaceBookGenres(id, *patch.Genres); err != nil {
			return domain.Book{}, fmt.Errorf("reconcile genres: %w", err)
		}
	}
	return a.GetBook(id)
}

// DeleteBook removes the catalog record, its joins and library rows, then
// drops the stored cover if one exists.
func (a *App) DeleteBook(id string) error {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBookNotFound
	}
	found, err := a.store.DeleteBook(id)
	if err != nil {
		return err
	}
	if !found {
		return ErrBookNotFound
	}
	if book.CoverKey != "" {
		// Best effort: the catalog row is already gone.
		_ = a.objects.Delete(context.Background(), book.CoverKey)
	}
	return nil
}

// ListGenres returns every genre row.
func (a *App) ListGenres() ([]domain.Genre, error) {
	return a.store.ListGenres()
}

// UploadCover stores a cover image and points the book at it.
func (a *App) UploadCover(bookID, filename string, r io.Reader, size int64) (domain.Book, error) {
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return domain.Book{}, err
	} else if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := "covers/" + bookID + "/" + filepath.Base(filename)
	if err := a.objects.Put(context.Background(), key, r, size, contentType); err != nil {
		return domain.Book{}, fmt.Errorf("save cover: %w", err)
	}
	url, err := a.objects.PresignGet(context.Background(), key, coverPresignExpiry)
	if err != nil {
		return domain.Book{}, fmt.Errorf("presign cover: %w", err)
	}
	found, err := a.store.UpdateBook(bookID, store.BookPatch{CoverURL: &url, CoverKey: &key})
	if err != nil {
		return domain.Book{}, err
	}
	if !found {
		_ = a.objects.Delete(context.Background(), key)
		return domain.Book{}, ErrBookNotFound
	}
	return a.GetBook(bookID)
}

// AddToLibrary pairs a book with the user's library. Adding a book that is
// already in the library only moves its status; progress, rating and notes
// survive.
func (a *App) AddToLibrary(userID, bookID string, status domain.ReadingStatus) (domain.LibraryEntry, error) {
	if status == "" {
		status = domain.StatusWishlist
	}
	if _, ok, err := a.store.GetBook(bookID); err != nil {
		return domain.LibraryEntry{}, err
	} else if !ok {
		return domain.LibraryEntry{}, ErrBookNotFound
	}
	now := time.Now().UTC()
	return a.store.AddOrUpdateLibraryEntry(domain.LibraryEntry{
		UserID:    userID,
		BookID:    bookID,
		Status:    status,
		DateAdded: now,
		UpdatedAt: now,
	})
}

// LibraryUpdate carries the writable fields of a library entry. Nil fields
// are left untouched.
type LibraryUpdate struct {
	Status     *domain.ReadingStatus `json:"status"`
	UserRating *float64              `json:"userRating"`
	Progress   *int                  `json:"progress"`
	Notes      *string               `json:"notes"`
}

// UpdateLibraryEntry applies a partial update to one pairing. The completion
// date is stamped only when the same call sets status to completed and
// progress to 100.
func (a *App) UpdateLibraryEntry(userID, bookID string, in LibraryUpdate) (domain.LibraryEntry, error) {
	patch := store.LibraryPatch{
		Status:     in.Status,
		UserRating: in.UserRating,
		Progress:   in.Progress,
		Notes:      in.Notes,
	}
	if in.Status != nil && *in.Status == domain.StatusCompleted &&
		in.Progress != nil && *in.Progress == completionThreshold {
		completed := time.Now().UTC()
		patch.DateCompleted = &completed
	}
	entry, found, err := a.store.UpdateLibraryEntry(userID, bookID, patch)
	if err != nil {
		return domain.LibraryEntry{}, err
	}
	if !found {
		return domain.LibraryEntry{}, ErrLibraryEntryNotFound
	}
	return entry, nil
}

// RemoveFromLibrary deletes one pairing.
func (a *App) RemoveFromLibrary(userID, bookID string) error {
	found, err := a.store.RemoveLibraryEntry(userID, bookID)
	if err != nil {
		return err
	}
	if !found {
		return ErrLibraryEntryNotFound
	}
	return nil
}

// ListLibrary returns the user's library, newest first, optionally filtered
// by status.
func (a *App) ListLibrary(userID string, status domain.ReadingStatus) ([]domain.LibraryEntry, error) {
	return a.store.ListLibrary(userID, status)
}

// GetProfile returns the user's profile row, creating it from the verified
// token claims on first sight.
func (a *App) GetProfile(user usertoken.AuthUser) (domain.User, error) {
	profile, ok, err := a.store.GetUser(user.ID)
	if err != nil {
		return domain.User{}, err
	}
	if ok {
		return profile, nil
	}
	now := time.Now().UTC()
	profile = domain.User{
		ID:             user.ID,
		Name:           nameFromEmail(user.Email),
		Email:          user.Email,
		FavoriteGenres: []string{},
		JoinDate:       now,
		UpdatedAt:      now,
	}
	if err := a.store.SaveUser(profile); err != nil {
		return domain.User{}, fmt.Errorf("create profile: %w", err)
	}
	return profile, nil
}

// UpdateProfile applies a partial update to the user's profile.
func (a *App) UpdateProfile(userID string, patch store.ProfilePatch) (domain.User, error) {
	profile, found, err := a.store.UpdateUser(userID, patch)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, ErrProfileNotFound
	}
	return profile, nil
}

func nameFromEmail(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
