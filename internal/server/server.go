package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mybooklist/internal/app"
	"mybooklist/internal/authclient"
	"mybooklist/internal/ratelimit"
	"mybooklist/internal/usertoken"
	"mybooklist/internal/util"
	"mybooklist/pkg/domain"
	"mybooklist/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	Auth                     *authclient.Client
	TokenVerifier            *usertoken.Verifier
	RedisAddr                string
	RedisPassword            string
	SignupRateLimitPerMinute int
	SigninRateLimitPerMinute int
	MaxCoverBytes            int64
	TrustedProxyCIDRs        []string
}

// Server exposes the HTTP API.
type Server struct {
	app           *app.App
	auth          *authclient.Client
	tokenVerifier *usertoken.Verifier
	mux           *http.ServeMux
	maxCoverBytes int64
	trusted       *util.TrustedProxies
	signupLimiter *ratelimit.FixedWindowLimiter
	signinLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	signinLimit := cfg.SigninRateLimitPerMinute
	if signinLimit <= 0 {
		signinLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "mybooklist:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	signinLimiter, err := newLimiter("signin", signinLimit)
	if err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:           cfg.App,
		auth:          cfg.Auth,
		tokenVerifier: cfg.TokenVerifier,
		mux:           http.NewServeMux(),
		maxCoverBytes: normalizeMaxBytes(cfg.MaxCoverBytes),
		trusted:       trusted,
		signupLimiter: signupLimiter,
		signinLimiter: signinLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/signin", s.handleSignin)
	s.mux.Handle("/api/auth/signout", s.authenticated(s.handleSignout))

	// catalog
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookByID)

	// per-user
	s.mux.Handle("/api/users/profile", s.authenticated(s.handleProfile))
	s.mux.Handle("/api/users/library", s.authenticated(s.handleLibrary))
	s.mux.Handle("/api/users/library/", s.authenticated(s.handleLibraryByBook))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, usertoken.AuthUser)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.VerifyUser(token)
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// auth handlers

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "api.signup", "rate_limited")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	sess, err := s.auth.SignUp(req.Email, req.Password)
	if err != nil {
		s.audit(r, "api.signup", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	// Provision the profile row eagerly; signup itself already succeeded, so
	// a failure here only delays creation until the first profile read.
	if sess.User.ID != "" {
		if _, err := s.app.GetProfile(usertoken.AuthUser{ID: sess.User.ID, Email: sess.User.Email}); err != nil {
			slog.Warn("profile provisioning after signup failed", "user_id", sess.User.ID, "error", err)
		} else if req.Name != "" {
			if _, err := s.app.UpdateProfile(sess.User.ID, store.ProfilePatch{Name: &req.Name}); err != nil {
				slog.Warn("profile name after signup failed", "user_id", sess.User.ID, "error", err)
			}
		}
	}
	s.audit(r, "api.signup", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signinLimiter, "too many signin attempts") {
		s.audit(r, "api.signin", "rate_limited")
		return
	}
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	sess, err := s.auth.SignIn(req.Email, req.Password)
	if err != nil {
		s.audit(r, "api.signin", "fail", "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "api.signin", "success", "user_id", sess.User.ID)
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request, user usertoken.AuthUser) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.auth.SignOut(token); err != nil {
		s.audit(r, "api.signout", "fail", "user_id", user.ID, "reason", err.Error())
		writeAuthError(w, err)
		return
	}
	s.audit(r, "api.signout", "success", "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

// catalog handlers

// TODO: restrict catalog writes once an admin role lands in the token claims.
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListBooks(w, r)
	case http.MethodPost:
		s.handleCreateBook(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	featured := q.Get("featured") == "true"
	pageResult, err := s.app.ListBooks(q.Get("genre"), q.Get("search"), featured, page, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageResult)
}

func (s *Server) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var in app.BookInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	book, err := s.app.CreateBook(in)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// /api/books/genres, /api/books/{id}, /api/books/{id}/cover
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if id == "genres" && len(parts) == 1 {
		s.handleGenres(w, r)
		return
	}
	if len(parts) == 2 && parts[1] == "cover" {
		s.handleUploadCover(w, r, id)
		return
	}
	if len(parts) == 2 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPut:
		s.handleUpdateBook(w, r, id)
	case http.MethodDelete:
		if err := s.app.DeleteBook(id); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// bookUpdateRequest distinguishes absent fields from zero values.
type bookUpdateRequest struct {
	Title         *string   `json:"title"`
	Author        *string   `json:"author"`
	Description   *string   `json:"description"`
	CoverURL      *string   `json:"coverUrl"`
	Rating        *float64  `json:"rating"`
	TotalRatings  *int      `json:"totalRatings"`
	Genres        *[]string `json:"genre"`
	PublishedYear *int      `json:"publishedYear"`
	Pages         *int      `json:"pages"`
	ISBN          *string   `json:"isbn"`
	Language      *string   `json:"language"`
	Publisher     *string   `json:"publisher"`
	IsFeatured    *bool     `json:"isFeatured"`
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request, id string) {
	var req bookUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	book, err := s.app.UpdateBook(id, store.BookPatch{
		Title:         req.Title,
		Author:        req.Author,
		Description:   req.Description,
		CoverURL:      req.CoverURL,
		Rating:        req.Rating,
		TotalRatings:  req.TotalRatings,
		PublishedYear: req.PublishedYear,
		Pages:         req.Pages,
		ISBN:          req.ISBN,
		Language:      req.Language,
		Publisher:     req.Publisher,
		IsFeatured:    req.IsFeatured,
		Genres:        req.Genres,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleUploadCover(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.maxCoverBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxCoverBytes)
	}
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("cover")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: cover)")
		return
	}
	defer file.Close()
	book, err := s.app.UploadCover(id, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleGenres(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	genres, err := s.app.ListGenres()
	if err != nil {
		writeAppError(w, err)
		return
	}
	if genres == nil {
		genres = []domain.Genre{}
	}
	writeJSON(w, http.StatusOK, genres)
}

// profile handlers

type profileUpdateRequest struct {
	Name           *string   `json:"name"`
	FavoriteGenres *[]string `json:"favoriteGenres"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, user usertoken.AuthUser) {
	switch r.Method {
	case http.MethodGet:
		profile, err := s.app.GetProfile(user)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	case http.MethodPut:
		var req profileUpdateRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		// First write may land before any profile read; create the row first.
		if _, err := s.app.GetProfile(user); err != nil {
			writeAppError(w, err)
			return
		}
		profile, err := s.app.UpdateProfile(user.ID, store.ProfilePatch{
			Name:           req.Name,
			FavoriteGenres: req.FavoriteGenres,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	default:
		methodNotAllowed(w)
	}
}

// library handlers

type libraryAddRequest struct {
	BookID string               `json:"bookId"`
	Status domain.ReadingStatus `json:"status"`
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request, user usertoken.AuthUser) {
	switch r.Method {
	case http.MethodGet:
		status := domain.ReadingStatus(r.URL.Query().Get("status"))
		entries, err := s.app.ListLibrary(user.ID, status)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if entries == nil {
			entries = []domain.LibraryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		var req libraryAddRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.BookID) == "" {
			writeError(w, http.StatusBadRequest, "bookId is required")
			return
		}
		entry, err := s.app.AddToLibrary(user.ID, req.BookID, req.Status)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	default:
		methodNotAllowed(w)
	}
}

// /api/users/library/{bookId}
func (s *Server) handleLibraryByBook(w http.ResponseWriter, r *http.Request, user usertoken.AuthUser) {
	bookID := strings.TrimPrefix(r.URL.Path, "/api/users/library/")
	if bookID == "" || strings.Contains(bookID, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req app.LibraryUpdate
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		entry, err := s.app.UpdateLibraryEntry(user.ID, bookID, req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		if err := s.app.RemoveFromLibrary(user.ID, bookID); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	default:
		methodNotAllowed(w)
	}
}

// helpers

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "library entry not found":
		return "LIBRARY_ENTRY_NOT_FOUND"
	case message == "profile not found":
		return "PROFILE_NOT_FOUND"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case message == "invalid form data":
		return "REQUEST_INVALID_FORM"
	case strings.Contains(message, "file is required"):
		return "COVER_FILE_REQUIRED"
	case strings.Contains(message, "too many"):
		return "RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrBookNotFound):
		writeError(w, http.StatusNotFound, "book not found")
	case errors.Is(err, app.ErrLibraryEntryNotFound):
		writeError(w, http.StatusNotFound, "library entry not found")
	case errors.Is(err, app.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "profile not found")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	var apiErr *authclient.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "auth provider unavailable")
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 5 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
