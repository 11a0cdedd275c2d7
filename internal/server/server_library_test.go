package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"mybooklist/pkg/domain"
)

func TestLibraryFlow(t *testing.T) {
	env := newTestEnv(t, "http://auth.invalid")
	token := mustSignUserToken(t, env.signer, "user-1", "reader@example.com")
	book := createBook(t, env, map[string]any{"title": "Dune"})

	// Library routes reject anonymous callers.
	resp := env.do(t, http.MethodGet, "/api/users/library", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list expected 401, got %d", resp.StatusCode)
	}

	// Add with default status.
	resp = env.do(t, http.MethodPost, "/api/users/library", token, map[string]any{"bookId": book.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add expected 201, got %d", resp.StatusCode)
	}
	var entry domain.LibraryEntry
	decodeBody(t, resp, &entry)
	if entry.Status != domain.StatusWishlist {
		t.Fatalf("status = %q, want wishlist", entry.Status)
	}

	// Adding a missing book is a 404, not a silent insert.
	resp = env.do(t, http.MethodPost, "/api/users/library", token, map[string]any{"bookId": "missing"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("add missing book expected 404, got %d", resp.StatusCode)
	}

	// List is a bare array with the resolved book embedded.
	var entries []domain.LibraryEntry
	resp = env.do(t, http.MethodGet, "/api/users/library", token, nil)
	decodeBody(t, resp, &entries)
	if len(entries) != 1 || entries[0].Book == nil || entries[0].Book.Title != "Dune" {
		t.Fatalf("list = %+v", entries)
	}

	// Status filter.
	resp = env.do(t, http.MethodGet, "/api/users/library?status=reading", token, nil)
	decodeBody(t, resp, &entries)
	if len(entries) != 0 {
		t.Fatalf("status filter count = %d, want 0", len(entries))
	}

	// Update stamps the completion date only when status and progress land together.
	resp = env.do(t, http.MethodPut, "/api/users/library/"+book.ID, token, map[string]any{
		"status":   "completed",
		"progress": 100,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update expected 200, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &entry)
	if entry.Status != domain.StatusCompleted || entry.DateCompleted == nil {
		t.Fatalf("entry after completion = %+v", entry)
	}

	// Remove, then a second remove is a 404.
	resp = env.do(t, http.MethodDelete, "/api/users/library/"+book.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove expected 200, got %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodDelete, "/api/users/library/"+book.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove expected 404, got %d", resp.StatusCode)
	}
}

func TestLibraryEntryAlwaysCarriesNotes(t *testing.T) {
	env := newTestEnv(t, "http://auth.invalid")
	token := mustSignUserToken(t, env.signer, "user-1", "reader@example.com")
	book := createBook(t, env, map[string]any{"title": "Dune"})

	resp := env.do(t, http.MethodPost, "/api/users/library", token, map[string]any{"bookId": book.ID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add expected 201, got %d", resp.StatusCode)
	}
	var raw map[string]json.RawMessage
	decodeBody(t, resp, &raw)
	if _, ok := raw["notes"]; !ok {
		t.Fatal("entry without notes should still serialize the notes field")
	}
}

func TestLibraryIsScopedToTokenSubject(t *testing.T) {
	env := newTestEnv(t, "http://auth.invalid")
	tokenA := mustSignUserToken(t, env.signer, "user-a", "a@example.com")
	tokenB := mustSignUserToken(t, env.signer, "user-b", "b@example.com")
	book := createBook(t, env, map[string]any{"title": "Dune"})

	resp := env.do(t, http.MethodPost, "/api/users/library", tokenA, map[string]any{"bookId": book.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add expected 201, got %d", resp.StatusCode)
	}

	var entries []domain.LibraryEntry
	resp = env.do(t, http.MethodGet, "/api/users/library", tokenB, nil)
	decodeBody(t, resp, &entries)
	if len(entries) != 0 {
		t.Fatalf("user-b entries = %+v", entries)
	}

	resp = env.do(t, http.MethodPut, "/api/users/library/"+book.ID, tokenB, map[string]any{"progress": 10})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user update expected 404, got %d", resp.StatusCode)
	}
}

func TestProfileUpdate(t *testing.T) {
	env := newTestEnv(t, "http://auth.invalid")
	token := mustSignUserToken(t, env.signer, "user-1", "reader@example.com")

	resp := env.do(t, http.MethodPut, "/api/users/profile", token, map[string]any{
		"name":           "Reader One",
		"favoriteGenres": []string{"Sci-Fi"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update expected 200, got %d", resp.StatusCode)
	}
	var profile domain.User
	decodeBody(t, resp, &profile)
	if profile.Name != "Reader One" || len(profile.FavoriteGenres) != 1 {
		t.Fatalf("profile = %+v", profile)
	}
	if profile.Email != "reader@example.com" {
		t.Fatalf("email = %q", profile.Email)
	}
}
