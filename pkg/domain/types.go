package domain

import "time"

type ReadingStatus string

const (
	StatusWishlist  ReadingStatus = "wishlist"
	StatusReading   ReadingStatus = "reading"
	StatusCompleted ReadingStatus = "completed"
	StatusDropped   ReadingStatus = "dropped"
)

// Book is a catalog record. Genres carries the resolved genre names from the
// book_genres join, not a column of the books table.
type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Description   string    `json:"description"`
	CoverURL      string    `json:"coverUrl"`
	CoverKey      string    `json:"-"`
	Rating        float64   `json:"rating"`
	TotalRatings  int       `json:"totalRatings"`
	Genres        []string  `json:"genre"`
	PublishedYear int       `json:"publishedYear"`
	Pages         int       `json:"pages"`
	ISBN          string    `json:"isbn"`
	Language      string    `json:"language"`
	Publisher     string    `json:"publisher"`
	IsFeatured    bool      `json:"isFeatured"`
	CreatedAt     time.Time `json:"-"`
	UpdatedAt     time.Time `json:"-"`
}

type Genre struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
}

// User is the profile row keyed by the identity-provider subject.
// The aggregate counters default to zero and are not maintained by any
// write path; they exist because the frontend renders them.
type User struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	AvatarURL        string    `json:"avatar"`
	TotalBooks       int       `json:"totalBooks"`
	BooksRead        int       `json:"booksRead"`
	CurrentlyReading int       `json:"currentlyReading"`
	FavoriteGenres   []string  `json:"favoriteGenres"`
	JoinDate         time.Time `json:"joinDate"`
	UpdatedAt        time.Time `json:"-"`
}

// LibraryEntry is one (user, book) pairing with reading state.
type LibraryEntry struct {
	UserID        string        `json:"-"`
	BookID        string        `json:"bookId"`
	Book          *Book         `json:"book,omitempty"`
	Status        ReadingStatus `json:"status"`
	UserRating    *float64      `json:"userRating,omitempty"`
	Progress      int           `json:"progress"`
	Notes         string        `json:"notes"`
	DateAdded     time.Time     `json:"dateAdded"`
	DateCompleted *time.Time    `json:"dateCompleted,omitempty"`
	UpdatedAt     time.Time     `json:"-"`
}

// BookPage is a paginated catalog listing.
type BookPage struct {
	Books      []Book `json:"books"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalPages int    `json:"totalPages"`
}
