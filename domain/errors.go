package domain

import "errors"

var (
	// ErrNotFound is returned by repositories when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by Create when the key is taken. Callers
	// treat it as a lost compare-and-swap and re-read.
	ErrAlreadyExists = errors.New("record already exists")
)
