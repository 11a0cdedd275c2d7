package app

import "errors"

var (
	ErrBookNotFound = errors.New("book not found")
	// ErrLibraryEntryNotFound indicates the (user, book) pairing does not exist.
	ErrLibraryEntryNotFound = errors.New("library entry not found")
	ErrProfileNotFound      = errors.New("profile not found")
)
