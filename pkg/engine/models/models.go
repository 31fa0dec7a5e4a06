// Package models defines the persisted entities of the classification
// engine: uploaded files, work chunks, classification results and the
// cross-file verdict cache.
package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&UploadedFile{},
		&Chunk{},
		&Result{},
		&CacheEntry{},
	}
}
