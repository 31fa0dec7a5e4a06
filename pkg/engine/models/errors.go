package models

import "errors"

// Common errors for engine persistence operations.
var (
	// File errors
	ErrFileNotFound   = errors.New("file not found")
	ErrDuplicateFile  = errors.New("file already exists")
	ErrFileNotDone    = errors.New("file has not completed processing")
	ErrFileNotRunning = errors.New("file is not in a runnable state")

	// Chunk errors
	ErrChunkNotFound = errors.New("chunk not found")

	// Result errors
	ErrDuplicateResult = errors.New("result already recorded for this file and phone")
	ErrResultNotFound  = errors.New("result not found")

	// Cache errors
	ErrCacheEntryNotFound = errors.New("cache entry not found")
)
