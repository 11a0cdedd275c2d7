package store

import (
	"time"

	"mybooklist/pkg/domain"
)

// BookQuery holds catalog listing filters. Filters compose with AND;
// the zero value lists everything.
type BookQuery struct {
	Genre    string
	Search   string
	Featured bool
	Offset   int
	Limit    int
}

// BookPatch is a partial book update. Nil fields are left untouched.
// Genres nil means "do not touch the joins"; an empty non-nil slice
// clears them.
type BookPatch struct {
	Title         *string
	Author        *string
	Description   *string
	CoverURL      *string
	CoverKey      *string
	Rating        *float64
	TotalRatings  *int
	PublishedYear *int
	Pages         *int
	ISBN          *string
	Language      *string
	Publisher     *string
	IsFeatured    *bool
	Genres        *[]string
}

// LibraryPatch is a partial library-entry update. Status is applied only
// when non-nil and non-empty. DateCompleted is stamped by the caller when
// the completion rule fires; stores apply it verbatim.
type LibraryPatch struct {
	Status        *domain.ReadingStatus
	UserRating    *float64
	Progress      *int
	Notes         *string
	DateCompleted *time.Time
}

// ProfilePatch is a partial user-profile update.
type ProfilePatch struct {
	Name           *string
	FavoriteGenres *[]string
}

// Store defines persistence operations against the catalog and library
// tables. Lookups report absence as (zero, false, nil).
type Store interface {
	// catalog
	ListBooks(q BookQuery) ([]domain.Book, int, error)
	GetBook(id string) (domain.Book, bool, error)
	SaveBook(b domain.Book) error
	UpdateBook(id string, patch BookPatch) (bool, error)
	DeleteBook(id string) (bool, error)
	ReplaceBookGenres(bookID string, names []string) error
	ListGenres() ([]domain.Genre, error)

	// profiles
	GetUser(id string) (domain.User, bool, error)
	SaveUser(u domain.User) error
	UpdateUser(id string, patch ProfilePatch) (domain.User, bool, error)

	// library
	ListLibrary(userID string, status domain.ReadingStatus) ([]domain.LibraryEntry, error)
	GetLibraryEntry(userID, bookID string) (domain.LibraryEntry, bool, error)
	AddOrUpdateLibraryEntry(e domain.LibraryEntry) (domain.LibraryEntry, error)
	UpdateLibraryEntry(userID, bookID string, patch LibraryPatch) (domain.LibraryEntry, bool, error)
	RemoveLibraryEntry(userID, bookID string) (bool, error)
}
