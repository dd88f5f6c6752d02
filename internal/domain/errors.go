package domain

import "errors"

// Storage errors returned by every repository implementation.
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("version conflict")
	ErrDuplicate = errors.New("already exists")
)
