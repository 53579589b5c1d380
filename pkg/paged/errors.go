package paged

import "errors"

var (
	ErrDuplicateKey      = errors.New("paged: duplicate manifest key")
	ErrManifestFinalized = errors.New("paged: manifest already finalized")
	ErrInvalidKeepFrac   = errors.New("paged: keep fraction must be in (0, 1]")
	ErrInvalidPageSize   = errors.New("paged: page size must be positive")
	ErrIncompleteExport  = errors.New("paged: export has no index.json")
	ErrCorruptExport     = errors.New("paged: corrupt export")
)
