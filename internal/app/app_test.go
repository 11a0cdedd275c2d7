package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"mybooklist/internal/usertoken"
	"mybooklist/pkg/domain"
	"mybooklist/pkg/store"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.local/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func newTestApp(t *testing.T) (*App, *fakeObjects) {
	t.Helper()
	objects := newFakeObjects()
	a, err := New(Config{Store: store.NewMemoryStore(), Objects: objects})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, objects
}

func seedBook(t *testing.T, a *App, title string, genres ...string) domain.Book {
	t.Helper()
	book, err := a.CreateBook(BookInput{
		Title:  title,
		Author: "Author",
		Genres: genres,
	})
	if err != nil {
		t.Fatalf("create book %q: %v", title, err)
	}
	return book
}

func TestListBooksPaginationDefaults(t *testing.T) {
	a, _ := newTestApp(t)
	for i := 0; i < 25; i++ {
		seedBook(t, a, "Book")
	}

	page, err := a.ListBooks("", "", false, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Page != 1 || page.Limit != 20 {
		t.Fatalf("defaults = page %d limit %d", page.Page, page.Limit)
	}
	if page.Total != 25 || page.TotalPages != 2 {
		t.Fatalf("total = %d totalPages = %d", page.Total, page.TotalPages)
	}
	if len(page.Books) != 20 {
		t.Fatalf("len(books) = %d", len(page.Books))
	}

	page2, err := a.ListBooks("", "", false, 2, 20)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page2.Books) != 5 {
		t.Fatalf("len(page 2) = %d", len(page2.Books))
	}

	middle, err := a.ListBooks("", "", false, 2, 10)
	if err != nil {
		t.Fatalf("list page 2 limit 10: %v", err)
	}
	if len(middle.Books) != 10 || middle.TotalPages != 3 {
		t.Fatalf("page 2 limit 10: %d books, totalPages %d", len(middle.Books), middle.TotalPages)
	}

	// The all sentinel disables the genre filter.
	all, err := a.ListBooks("all", "", false, 1, 50)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if all.Total != 25 {
		t.Fatalf("genre=all total = %d, want 25", all.Total)
	}
}

func TestCreateBookReconcilesGenres(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune", "Sci-Fi", "Classic", "Sci-Fi")

	if len(book.Genres) != 2 {
		t.Fatalf("genres = %v, want deduplicated pair", book.Genres)
	}
	genres, err := a.ListGenres()
	if err != nil {
		t.Fatalf("list genres: %v", err)
	}
	if len(genres) != 2 {
		t.Fatalf("genre rows = %d, want 2", len(genres))
	}
	for _, g := range genres {
		if g.Color != "#6366f1" {
			t.Fatalf("genre %q color = %q", g.Name, g.Color)
		}
		if g.Description != g.Name {
			t.Fatalf("genre %q description = %q", g.Name, g.Description)
		}
	}

	// A second book sharing a genre must reuse the existing row.
	seedBook(t, a, "Foundation", "Sci-Fi")
	genres, _ = a.ListGenres()
	if len(genres) != 2 {
		t.Fatalf("genre rows after reuse = %d, want 2", len(genres))
	}
}

func TestUpdateBookReplacesGenresWholesale(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune", "Sci-Fi", "Classic")

	newGenres := []string{"Fantasy"}
	updated, err := a.UpdateBook(book.ID, store.BookPatch{Genres: &newGenres})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Genres) != 1 || updated.Genres[0] != "Fantasy" {
		t.Fatalf("genres = %v, want [Fantasy]", updated.Genres)
	}

	// Nil Genres leaves joins untouched.
	title := "Dune (1965)"
	updated, err = a.UpdateBook(book.ID, store.BookPatch{Title: &title})
	if err != nil {
		t.Fatalf("update title: %v", err)
	}
	if updated.Title != "Dune (1965)" || len(updated.Genres) != 1 {
		t.Fatalf("after title update: %+v", updated)
	}
}

func TestUpdateBookNotFound(t *testing.T) {
	a, _ := newTestApp(t)
	title := "x"
	if _, err := a.UpdateBook("missing", store.BookPatch{Title: &title}); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("err = %v, want ErrBookNotFound", err)
	}
}

func TestDeleteBookRemovesCoverAndLibraryRows(t *testing.T) {
	a, objects := newTestApp(t)
	book := seedBook(t, a, "Dune")
	if _, err := a.UploadCover(book.ID, "cover.jpg", bytes.NewReader([]byte("img")), 3); err != nil {
		t.Fatalf("upload cover: %v", err)
	}
	if _, err := a.AddToLibrary("user-1", book.ID, ""); err != nil {
		t.Fatalf("add to library: %v", err)
	}

	if err := a.DeleteBook(book.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := a.GetBook(book.ID); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("get after delete = %v", err)
	}
	entries, err := a.ListLibrary("user-1", "")
	if err != nil {
		t.Fatalf("list library: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("library rows after book delete = %d, want 0", len(entries))
	}
	if len(objects.deleted) != 1 {
		t.Fatalf("deleted objects = %v, want the cover", objects.deleted)
	}
}

func TestUploadCoverSetsURL(t *testing.T) {
	a, objects := newTestApp(t)
	book := seedBook(t, a, "Dune")

	updated, err := a.UploadCover(book.ID, "cover.png", bytes.NewReader([]byte("img")), 3)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	wantKey := "covers/" + book.ID + "/cover.png"
	if updated.CoverURL != "https://objects.local/"+wantKey {
		t.Fatalf("coverUrl = %q", updated.CoverURL)
	}
	if _, ok := objects.objects[wantKey]; !ok {
		t.Fatalf("object %q not stored", wantKey)
	}
}

func TestAddToLibraryDefaultsAndBookCheck(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune")

	entry, err := a.AddToLibrary("user-1", book.ID, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if entry.Status != domain.StatusWishlist {
		t.Fatalf("status = %q, want wishlist", entry.Status)
	}
	if _, err := a.AddToLibrary("user-1", "missing", ""); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("add missing book = %v, want ErrBookNotFound", err)
	}
}

func TestAddExistingPairingOnlyMovesStatus(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune")
	if _, err := a.AddToLibrary("user-1", book.ID, domain.StatusReading); err != nil {
		t.Fatalf("add: %v", err)
	}
	progress := 40
	notes := "halfway"
	if _, err := a.UpdateLibraryEntry("user-1", book.ID, LibraryUpdate{Progress: &progress, Notes: &notes}); err != nil {
		t.Fatalf("update: %v", err)
	}

	entry, err := a.AddToLibrary("user-1", book.ID, domain.StatusDropped)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if entry.Status != domain.StatusDropped {
		t.Fatalf("status = %q, want dropped", entry.Status)
	}
	if entry.Progress != 40 || entry.Notes != "halfway" {
		t.Fatalf("re-add clobbered fields: %+v", entry)
	}
}

func TestCompletionDateStampedOnlyInSameCall(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune")
	if _, err := a.AddToLibrary("user-1", book.ID, domain.StatusReading); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Progress alone, then status alone: no completion date.
	progress := 100
	entry, err := a.UpdateLibraryEntry("user-1", book.ID, LibraryUpdate{Progress: &progress})
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if entry.DateCompleted != nil {
		t.Fatalf("dateCompleted set by progress-only update")
	}
	completed := domain.StatusCompleted
	entry, err = a.UpdateLibraryEntry("user-1", book.ID, LibraryUpdate{Status: &completed})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if entry.DateCompleted != nil {
		t.Fatalf("dateCompleted set by status-only update")
	}

	// Both in one call stamps it.
	entry, err = a.UpdateLibraryEntry("user-1", book.ID, LibraryUpdate{Status: &completed, Progress: &progress})
	if err != nil {
		t.Fatalf("update both: %v", err)
	}
	if entry.DateCompleted == nil {
		t.Fatalf("dateCompleted not stamped by combined update")
	}
}

func TestUpdateLibraryEntryIgnoresEmptyStatus(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune")
	if _, err := a.AddToLibrary("user-1", book.ID, domain.StatusReading); err != nil {
		t.Fatalf("add: %v", err)
	}
	empty := domain.ReadingStatus("")
	progress := 10
	entry, err := a.UpdateLibraryEntry("user-1", book.ID, LibraryUpdate{Status: &empty, Progress: &progress})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if entry.Status != domain.StatusReading {
		t.Fatalf("status = %q, want reading preserved", entry.Status)
	}
	if entry.Progress != 10 {
		t.Fatalf("progress = %d, want 10", entry.Progress)
	}
}

func TestRemoveFromLibrary(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune")
	if _, err := a.AddToLibrary("user-1", book.ID, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.RemoveFromLibrary("user-1", book.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := a.RemoveFromLibrary("user-1", book.ID); !errors.Is(err, ErrLibraryEntryNotFound) {
		t.Fatalf("second remove = %v, want ErrLibraryEntryNotFound", err)
	}
}

func TestLibraryIsolatedPerUser(t *testing.T) {
	a, _ := newTestApp(t)
	book := seedBook(t, a, "Dune")
	if _, err := a.AddToLibrary("user-1", book.ID, ""); err != nil {
		t.Fatalf("add user-1: %v", err)
	}
	entries, err := a.ListLibrary("user-2", "")
	if err != nil {
		t.Fatalf("list user-2: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("user-2 sees %d entries, want 0", len(entries))
	}
	if _, err := a.UpdateLibraryEntry("user-2", book.ID, LibraryUpdate{}); !errors.Is(err, ErrLibraryEntryNotFound) {
		t.Fatalf("cross-user update = %v, want ErrLibraryEntryNotFound", err)
	}
}

func TestGetProfileCreatesFromClaims(t *testing.T) {
	a, _ := newTestApp(t)
	user := usertoken.AuthUser{ID: "user-1", Email: "frank.herbert@example.com"}

	profile, err := a.GetProfile(user)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.ID != "user-1" || profile.Email != "frank.herbert@example.com" {
		t.Fatalf("profile = %+v", profile)
	}
	if profile.Name != "frank.herbert" {
		t.Fatalf("name = %q, want email local part", profile.Name)
	}
	if profile.JoinDate.IsZero() {
		t.Fatalf("joinDate not set")
	}

	// Second call returns the stored row, not a fresh one.
	name := "Frank Herbert"
	if _, err := a.UpdateProfile("user-1", store.ProfilePatch{Name: &name}); err != nil {
		t.Fatalf("update profile: %v", err)
	}
	profile, err = a.GetProfile(user)
	if err != nil {
		t.Fatalf("get profile again: %v", err)
	}
	if profile.Name != "Frank Herbert" {
		t.Fatalf("name after update = %q", profile.Name)
	}
}

func TestUpdateProfileFavoriteGenres(t *testing.T) {
	a, _ := newTestApp(t)
	if _, err := a.GetProfile(usertoken.AuthUser{ID: "user-1", Email: "x@example.com"}); err != nil {
		t.Fatalf("get profile: %v", err)
	}
	genres := []string{"Sci-Fi", "Fantasy"}
	profile, err := a.UpdateProfile("user-1", store.ProfilePatch{FavoriteGenres: &genres})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(profile.FavoriteGenres) != 2 {
		t.Fatalf("favoriteGenres = %v", profile.FavoriteGenres)
	}
	if _, err := a.UpdateProfile("missing", store.ProfilePatch{}); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("update missing = %v, want ErrProfileNotFound", err)
	}
}
