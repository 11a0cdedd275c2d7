package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names match the original
// Supabase schema rather than GORM's pluralized struct names.

type BookModel struct {
	ID            string `gorm:"primaryKey"`
	Title         string `gorm:"not null"`
	Author        string `gorm:"not null;index"`
	Description   string `gorm:"type:text"`
	CoverURL      string
	CoverKey      string
	Rating        float64 `gorm:"not null;default:0;index"`
	TotalRatings  int     `gorm:"not null;default:0"`
	PublishedYear int
	Pages         int
	ISBN          string
	Language      string
	Publisher     string
	IsFeatured    bool      `gorm:"not null;default:false;index"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

func (BookModel) TableName() string { return "books" }

type GenreModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;not null"`
	Color       string `gorm:"not null"`
	Description string
}

func (GenreModel) TableName() string { return "genres" }

// BookGenreModel rows have no identity of their own; the join is fully
// recomputed by ReplaceBookGenres.
type BookGenreModel struct {
	BookID  string `gorm:"primaryKey"`
	GenreID string `gorm:"primaryKey"`
}

func (BookGenreModel) TableName() string { return "book_genres" }

type UserModel struct {
	ID               string `gorm:"primaryKey"`
	Name             string `gorm:"not null"`
	Email            string `gorm:"uniqueIndex;not null"`
	AvatarURL        string
	TotalBooks       int            `gorm:"not null;default:0"`
	BooksRead        int            `gorm:"not null;default:0"`
	CurrentlyReading int            `gorm:"not null;default:0"`
	FavoriteGenres   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time
}

func (UserModel) TableName() string { return "users" }

// UserBookModel enforces at most one row per (user, book) through its
// composite primary key; add-or-update rides on the resulting conflict.
type UserBookModel struct {
	UserID        string `gorm:"primaryKey"`
	BookID        string `gorm:"primaryKey"`
	Status        string `gorm:"not null;index"`
	Progress      int    `gorm:"not null;default:0"`
	UserRating    *float64
	Notes         string     `gorm:"type:text"`
	DateAdded     time.Time  `gorm:"not null;index"`
	DateCompleted *time.Time
	UpdatedAt     time.Time
}

func (UserBookModel) TableName() string { return "user_books" }
