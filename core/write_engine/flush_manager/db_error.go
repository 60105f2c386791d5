package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound      = errors.New("page not found")
	ErrSerialization     = errors.New("error during serialization")
	ErrDeserialization   = errors.New("error during deserialization")
	ErrIO                = errors.New("i/o error")
	ErrInvalidPageData   = errors.New("invalid page data")
	ErrFileClosed        = errors.New("file is not open")
	ErrInvariant         = errors.New("structural invariant violated")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrInvalidPointer    = errors.New("invalid record pointer")
	ErrRecordNotFound    = errors.New("record not found")
	ErrTreeNotEmpty      = errors.New("tree is not empty")
)
