package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mybooklist/internal/config"
	"mybooklist/internal/util"
	"mybooklist/pkg/domain"
	"mybooklist/pkg/store"
)

const openLibraryURL = "https://openlibrary.org/api/books"

// seed populates the catalog from a list of ISBNs, one per line.
func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	isbnFile := flag.String("isbns", "isbns.txt", "file with one ISBN per line")
	concurrency := flag.Int("concurrency", 4, "parallel metadata fetches")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	isbns, err := readISBNs(*isbnFile)
	if err != nil {
		log.Fatalf("failed to read ISBN list: %v", err)
	}
	if len(isbns) == 0 {
		log.Fatalf("no ISBNs in %s", *isbnFile)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	var g errgroup.Group
	g.SetLimit(*concurrency)
	for _, isbn := range isbns {
		isbn := isbn
		g.Go(func() error {
			record, ok, err := fetchBook(client, isbn)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", isbn, err)
			}
			if !ok {
				slog.Warn("no metadata for isbn", "isbn", isbn)
				return nil
			}
			if err := insertBook(dataStore, record); err != nil {
				return fmt.Errorf("insert %s: %w", isbn, err)
			}
			slog.Info("seeded book", "isbn", isbn, "title", record.Title)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("seeding failed: %v", err)
	}
	slog.Info("seeding complete", "count", len(isbns))
}

func readISBNs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var isbns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		isbns = append(isbns, line)
	}
	return isbns, nil
}

type openLibraryBook struct {
	Title   string `json:"title"`
	Authors []struct {
		Name string `json:"name"`
	} `json:"authors"`
	NumberOfPages int    `json:"number_of_pages"`
	PublishDate   string `json:"publish_date"`
	Publishers    []struct {
		Name string `json:"name"`
	} `json:"publishers"`
	Subjects []struct {
		Name string `json:"name"`
	} `json:"subjects"`
	Cover struct {
		Large string `json:"large"`
	} `json:"cover"`
}

type bookRecord struct {
	ISBN   string
	Title  string
	Book   openLibraryBook
	Genres []string
}

func fetchBook(client *http.Client, isbn string) (bookRecord, bool, error) {
	url := fmt.Sprintf("%s?bibkeys=ISBN:%s&format=json&jscmd=data", openLibraryURL, isbn)
	resp, err := client.Get(url)
	if err != nil {
		return bookRecord{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bookRecord{}, false, fmt.Errorf("open library returned %d", resp.StatusCode)
	}
	var payload map[string]openLibraryBook
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return bookRecord{}, false, err
	}
	book, ok := payload["ISBN:"+isbn]
	if !ok || book.Title == "" {
		return bookRecord{}, false, nil
	}
	// The first few subjects serve as genres; the full list is noisy.
	genres := make([]string, 0, 3)
	for _, s := range book.Subjects {
		if len(genres) == 3 {
			break
		}
		genres = append(genres, s.Name)
	}
	return bookRecord{ISBN: isbn, Title: book.Title, Book: book, Genres: genres}, true, nil
}

func insertBook(dataStore store.Store, record bookRecord) error {
	now := time.Now().UTC()
	book := domain.Book{
		ID:            uuid.NewString(),
		Title:         record.Book.Title,
		CoverURL:      record.Book.Cover.Large,
		Pages:         record.Book.NumberOfPages,
		ISBN:          record.ISBN,
		PublishedYear: yearFromDate(record.Book.PublishDate),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(record.Book.Authors) > 0 {
		book.Author = record.Book.Authors[0].Name
	}
	if len(record.Book.Publishers) > 0 {
		book.Publisher = record.Book.Publishers[0].Name
	}
	if err := dataStore.SaveBook(book); err != nil {
		return err
	}
	if len(record.Genres) > 0 {
		return dataStore.ReplaceBookGenres(book.ID, record.Genres)
	}
	return nil
}

// yearFromDate pulls the trailing year out of dates like "May 1, 1994".
func yearFromDate(date string) int {
	fields := strings.Fields(date)
	if len(fields) == 0 {
		return 0
	}
	year, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0
	}
	return year
}
