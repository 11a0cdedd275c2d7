package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"mybooklist/pkg/domain"
)

const migrateLockID int64 = 52305230

// defaultGenreColor is assigned to genres created implicitly during a
// book write, matching the catalog's seed palette.
const defaultGenreColor = "#6366f1"

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory
// lock so concurrent replicas don't race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &GenreModel{}, &BookGenreModel{}, &UserModel{}, &UserBookModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// ListBooks returns one page of catalog rows matching the filters plus the
// pre-pagination total, ordered by rating descending (id breaks ties).
func (s *GormStore) ListBooks(q BookQuery) ([]domain.Book, int, error) {
	base := func() *gorm.DB {
		tx := s.db.Model(&BookModel{})
		if q.Genre != "" && q.Genre != "all" {
			sub := s.db.Table("book_genres").
				Select("book_genres.book_id").
				Joins("JOIN genres ON genres.id = book_genres.genre_id").
				Where("genres.name = ?", q.Genre)
			tx = tx.Where("id IN (?)", sub)
		}
		if q.Search != "" {
			pattern := "%" + q.Search + "%"
			tx = tx.Where("title ILIKE ? OR author ILIKE ? OR description ILIKE ?", pattern, pattern, pattern)
		}
		if q.Featured {
			tx = tx.Where("is_featured = ?", true)
		}
		return tx
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []BookModel
	tx := base().Order("rating DESC").Order("id ASC")
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, 0, err
	}

	books, err := s.attachGenres(models)
	if err != nil {
		return nil, 0, err
	}
	return books, int(total), nil
}

// GetBook retrieves a book with its genre names.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	books, err := s.attachGenres([]BookModel{model})
	if err != nil {
		return domain.Book{}, false, err
	}
	return books[0], true, nil
}

// SaveBook inserts a new catalog row.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Create(&model).Error
}

// UpdateBook applies the non-nil patch fields. Genre joins are not touched
// here; callers run ReplaceBookGenres separately.
func (s *GormStore) UpdateBook(id string, patch BookPatch) (bool, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		updates["title"] = *patch.Title
	}
	if patch.Author != nil {
		updates["author"] = *patch.Author
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.CoverURL != nil {
		updates["cover_url"] = *patch.CoverURL
	}
	if patch.CoverKey != nil {
		updates["cover_key"] = *patch.CoverKey
	}
	if patch.Rating != nil {
		updates["rating"] = *patch.Rating
	}
	if patch.TotalRatings != nil {
		updates["total_ratings"] = *patch.TotalRatings
	}
	if patch.PublishedYear != nil {
		updates["published_year"] = *patch.PublishedYear
	}
	if patch.Pages != nil {
		updates["pages"] = *patch.Pages
	}
	if patch.ISBN != nil {
		updates["isbn"] = *patch.ISBN
	}
	if patch.Language != nil {
		updates["language"] = *patch.Language
	}
	if patch.Publisher != nil {
		updates["publisher"] = *patch.Publisher
	}
	if patch.IsFeatured != nil {
		updates["is_featured"] = *patch.IsFeatured
	}
	res := s.db.Model(&BookModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DeleteBook removes the book together with its join rows and any library
// entries referencing it, all-or-nothing.
func (s *GormStore) DeleteBook(id string) (bool, error) {
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&BookGenreModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&UserBookModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		found = res.RowsAffected > 0
		return nil
	})
	return found, err
}

// ReplaceBookGenres makes the book_genres join match the given name list
// exactly: all existing rows for the book are dropped and one row per
// resolved genre is inserted, inside a single transaction. Unknown names
// are created with the default color and a description equal to the name.
func (s *GormStore) ReplaceBookGenres(bookID string, names []string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&BookGenreModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		joins := make([]BookGenreModel, 0, len(names))
		seen := make(map[string]struct{}, len(names))
		for _, name := range names {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			genreID, err := getOrCreateGenre(tx, name)
			if err != nil {
				return err
			}
			joins = append(joins, BookGenreModel{BookID: bookID, GenreID: genreID})
		}
		if len(joins) == 0 {
			return nil
		}
		return tx.Create(&joins).Error
	})
	if err != nil {
		return fmt.Errorf("update book genres: %w", err)
	}
	return nil
}

// getOrCreateGenre resolves a genre id by exact name. The insert rides on
// the unique name index; a concurrent create is absorbed by re-selecting
// after ON CONFLICT DO NOTHING.
func getOrCreateGenre(tx *gorm.DB, name string) (string, error) {
	var genre GenreModel
	err := tx.Where("name = ?", name).First(&genre).Error
	if err == nil {
		return genre.ID, nil
	}
	if err != gorm.ErrRecordNotFound {
		return "", err
	}
	genre = GenreModel{
		ID:          uuid.NewString(),
		Name:        name,
		Color:       defaultGenreColor,
		Description: name,
	}
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&genre).Error; err != nil {
		return "", err
	}
	if err := tx.Where("name = ?", name).First(&genre).Error; err != nil {
		return "", err
	}
	return genre.ID, nil
}

// ListGenres returns all genres ordered by name.
func (s *GormStore) ListGenres() ([]domain.Genre, error) {
	var models []GenreModel
	if err := s.db.Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	genres := make([]domain.Genre, 0, len(models))
	for _, m := range models {
		genres = append(genres, genreFromModel(m))
	}
	return genres, nil
}

// GetUser returns a user profile by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveUser registers or refreshes a user profile.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "avatar_url", "updated_at"}),
	}).Create(&model).Error
}

// UpdateUser applies the non-nil profile patch fields.
func (s *GormStore) UpdateUser(id string, patch ProfilePatch) (domain.User, bool, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.FavoriteGenres != nil {
		raw, err := json.Marshal(*patch.FavoriteGenres)
		if err != nil {
			return domain.User{}, false, err
		}
		updates["favorite_genres"] = raw
	}
	res := s.db.Model(&UserModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return domain.User{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.User{}, false, nil
	}
	return s.GetUser(id)
}

// ListLibrary returns a user's library entries newest-added first, each
// with its embedded book. An empty status lists all entries.
func (s *GormStore) ListLibrary(userID string, status domain.ReadingStatus) ([]domain.LibraryEntry, error) {
	tx := s.db.Where("user_id = ?", userID)
	if status != "" {
		tx = tx.Where("status = ?", string(status))
	}
	var models []UserBookModel
	if err := tx.Order("date_added DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return []domain.LibraryEntry{}, nil
	}

	bookIDs := make([]string, 0, len(models))
	for _, m := range models {
		bookIDs = append(bookIDs, m.BookID)
	}
	var bookModels []BookModel
	if err := s.db.Where("id IN ?", bookIDs).Find(&bookModels).Error; err != nil {
		return nil, err
	}
	books, err := s.attachGenres(bookModels)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Book, len(books))
	for _, b := range books {
		byID[b.ID] = b
	}

	entries := make([]domain.LibraryEntry, 0, len(models))
	for _, m := range models {
		entry := libraryFromModel(m)
		if b, ok := byID[m.BookID]; ok {
			book := b
			entry.Book = &book
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetLibraryEntry returns one (user, book) pairing without the embedded book.
func (s *GormStore) GetLibraryEntry(userID, bookID string) (domain.LibraryEntry, bool, error) {
	var model UserBookModel
	if err := s.db.First(&model, "user_id = ? AND book_id = ?", userID, bookID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.LibraryEntry{}, false, nil
		}
		return domain.LibraryEntry{}, false, err
	}
	return libraryFromModel(model), true, nil
}

// AddOrUpdateLibraryEntry inserts the entry, or on an existing (user, book)
// pair updates only the status. The conflict on the composite key is the
// signal that the pairing exists; date_added and the other fields of an
// existing row are never touched by an add.
func (s *GormStore) AddOrUpdateLibraryEntry(e domain.LibraryEntry) (domain.LibraryEntry, error) {
	model := libraryToModel(e)
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.LibraryEntry{}, err
	}
	entry, _, err := s.GetLibraryEntry(e.UserID, e.BookID)
	return entry, err
}

// UpdateLibraryEntry applies the patch to an existing pairing. Absent
// pairings report (zero, false, nil).
func (s *GormStore) UpdateLibraryEntry(userID, bookID string, patch LibraryPatch) (domain.LibraryEntry, bool, error) {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if patch.Status != nil && *patch.Status != "" {
		updates["status"] = string(*patch.Status)
	}
	if patch.UserRating != nil {
		updates["user_rating"] = *patch.UserRating
	}
	if patch.Progress != nil {
		updates["progress"] = *patch.Progress
	}
	if patch.Notes != nil {
		updates["notes"] = *patch.Notes
	}
	if patch.DateCompleted != nil {
		updates["date_completed"] = patch.DateCompleted.UTC()
	}
	res := s.db.Model(&UserBookModel{}).
		Where("user_id = ? AND book_id = ?", userID, bookID).
		Updates(updates)
	if res.Error != nil {
		return domain.LibraryEntry{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.LibraryEntry{}, false, nil
	}
	return s.GetLibraryEntry(userID, bookID)
}

// RemoveLibraryEntry deletes the pairing and reports whether a row existed.
func (s *GormStore) RemoveLibraryEntry(userID, bookID string) (bool, error) {
	res := s.db.Delete(&UserBookModel{}, "user_id = ? AND book_id = ?", userID, bookID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// attachGenres maps book models to domain books with their genre names
// resolved through one batched join query.
func (s *GormStore) attachGenres(models []BookModel) ([]domain.Book, error) {
	books := make([]domain.Book, 0, len(models))
	if len(models) == 0 {
		return books, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	type joinRow struct {
		BookID string
		Name   string
	}
	var rows []joinRow
	if err := s.db.Table("book_genres").
		Select("book_genres.book_id, genres.name").
		Joins("JOIN genres ON genres.id = book_genres.genre_id").
		Where("book_genres.book_id IN ?", ids).
		Order("genres.name ASC").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	byBook := make(map[string][]string, len(models))
	for _, row := range rows {
		byBook[row.BookID] = append(byBook[row.BookID], row.Name)
	}
	for _, m := range models {
		books = append(books, bookFromModel(m, byBook[m.ID]))
	}
	return books, nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:            b.ID,
		Title:         b.Title,
		Author:        b.Author,
		Description:   b.Description,
		CoverURL:      b.CoverURL,
		CoverKey:      b.CoverKey,
		Rating:        b.Rating,
		TotalRatings:  b.TotalRatings,
		PublishedYear: b.PublishedYear,
		Pages:         b.Pages,
		ISBN:          b.ISBN,
		Language:      b.Language,
		Publisher:     b.Publisher,
		IsFeatured:    b.IsFeatured,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookFromModel(m BookModel, genres []string) domain.Book {
	if genres == nil {
		genres = []string{}
	}
	return domain.Book{
		ID:            m.ID,
		Title:         m.Title,
		Author:        m.Author,
		Description:   m.Description,
		CoverURL:      m.CoverURL,
		CoverKey:      m.CoverKey,
		Rating:        m.Rating,
		TotalRatings:  m.TotalRatings,
		Genres:        genres,
		PublishedYear: m.PublishedYear,
		Pages:         m.Pages,
		ISBN:          m.ISBN,
		Language:      m.Language,
		Publisher:     m.Publisher,
		IsFeatured:    m.IsFeatured,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func genreFromModel(m GenreModel) domain.Genre {
	return domain.Genre{
		ID:          m.ID,
		Name:        m.Name,
		Color:       m.Color,
		Description: m.Description,
	}
}

func userToModel(u domain.User) UserModel {
	genres := u.FavoriteGenres
	if genres == nil {
		genres = []string{}
	}
	raw, _ := json.Marshal(genres)
	return UserModel{
		ID:               u.ID,
		Name:             u.Name,
		Email:            u.Email,
		AvatarURL:        u.AvatarURL,
		TotalBooks:       u.TotalBooks,
		BooksRead:        u.BooksRead,
		CurrentlyReading: u.CurrentlyReading,
		FavoriteGenres:   raw,
		CreatedAt:        u.JoinDate,
		UpdatedAt:        u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	var genres []string
	if len(m.FavoriteGenres) > 0 {
		_ = json.Unmarshal(m.FavoriteGenres, &genres)
	}
	if genres == nil {
		genres = []string{}
	}
	return domain.User{
		ID:               m.ID,
		Name:             m.Name,
		Email:            m.Email,
		AvatarURL:        m.AvatarURL,
		TotalBooks:       m.TotalBooks,
		BooksRead:        m.BooksRead,
		CurrentlyReading: m.CurrentlyReading,
		FavoriteGenres:   genres,
		JoinDate:         m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func libraryToModel(e domain.LibraryEntry) UserBookModel {
	return UserBookModel{
		UserID:        e.UserID,
		BookID:        e.BookID,
		Status:        string(e.Status),
		Progress:      e.Progress,
		UserRating:    e.UserRating,
		Notes:         e.Notes,
		DateAdded:     e.DateAdded,
		DateCompleted: e.DateCompleted,
		UpdatedAt:     e.UpdatedAt,
	}
}

func libraryFromModel(m UserBookModel) domain.LibraryEntry {
	return domain.LibraryEntry{
		UserID:        m.UserID,
		BookID:        m.BookID,
		Status:        domain.ReadingStatus(m.Status),
		Progress:      m.Progress,
		UserRating:    m.UserRating,
		Notes:         m.Notes,
		DateAdded:     m.DateAdded,
		DateCompleted: m.DateCompleted,
		UpdatedAt:     m.UpdatedAt,
	}
}
