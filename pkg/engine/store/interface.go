// Package store provides the engine persistence layer.
//
// This package implements the Store interface for the durable job state:
// uploaded files, the chunk work queue and the append-only result log.
//
// Two backends are supported:
//   - SQLite (single-node, default)
//   - PostgreSQL
package store

import (
	"context"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// Store provides the engine persistence interface.
//
// Thread Safety: Implementations must be safe for concurrent use from
// multiple goroutines. Acquire operations must guarantee that no two callers
// ever hold the same row: acquisition and the status flip happen inside one
// transaction under an exclusive row lock.
type Store interface {
	// ============================================
	// FILE OPERATIONS
	// ============================================

	// CreateFile creates a new uploaded file record. The ID is generated
	// if empty. Returns models.ErrDuplicateFile on ID collision.
	CreateFile(ctx context.Context, file *models.UploadedFile) (string, error)

	// GetFile returns a file by ID.
	// Returns models.ErrFileNotFound if the file doesn't exist.
	GetFile(ctx context.Context, id string) (*models.UploadedFile, error)

	// ListActiveFiles returns runnable or resumable files, oldest first.
	ListActiveFiles(ctx context.Context) ([]*models.UploadedFile, error)

	// AcquireNextRunnableFile locks and returns the oldest file with
	// remaining work, marking it processing. Returns (nil, nil) when idle.
	AcquireNextRunnableFile(ctx context.Context) (*models.UploadedFile, error)

	// AddProcessed advances the processed count and progress. The offset
	// is monotonic and clamped to the total.
	AddProcessed(ctx context.Context, fileID string, delta int) (*models.UploadedFile, error)

	// SetProcessingOffset overwrites the processed count (repair only).
	SetProcessingOffset(ctx context.Context, fileID string, offset int) error

	// SetFileStatus updates the lifecycle status.
	SetFileStatus(ctx context.Context, fileID string, status models.FileStatus) error

	// SetFileError records the most recent error on the file.
	SetFileError(ctx context.Context, fileID string, msg string) error

	// CompleteFile marks the file completed at 100% progress.
	CompleteFile(ctx context.Context, fileID string, resultsURL *string) error

	// DeleteFile removes the file, its chunks and its results.
	DeleteFile(ctx context.Context, fileID string) error

	// ============================================
	// CHUNK OPERATIONS
	// ============================================

	// CreateChunks inserts a batch of chunks in one transaction.
	CreateChunks(ctx context.Context, chunks []*models.Chunk) error

	// GetChunk returns a chunk by ID.
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)

	// ListChunks returns all chunks of a file ordered by chunk_offset.
	ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error)

	// AcquireNextChunk locks and returns the next runnable chunk, marking
	// it processing. Returns (nil, nil) when none is runnable.
	AcquireNextChunk(ctx context.Context, fileID string, maxRetries int) (*models.Chunk, error)

	// CompleteChunk marks a chunk completed.
	CompleteChunk(ctx context.Context, chunkID string) error

	// FailChunk increments the retry counter; the chunk becomes failed or,
	// once the budget is exhausted, failed_permanent.
	FailChunk(ctx context.Context, chunkID string, errMsg string, maxRetries int) (models.ChunkStatus, error)

	// SplitChunk completes a partially-processed chunk and re-queues the
	// unprocessed suffix, unless that would over-plan the file.
	SplitChunk(ctx context.Context, chunk *models.Chunk, processed int) (bool, error)

	// ResetStuckChunks reclaims chunks orphaned in processing.
	ResetStuckChunks(ctx context.Context, fileID string) (int64, error)

	// DeletePendingChunks drops the not-yet-started queue entries.
	DeletePendingChunks(ctx context.Context, fileID string) (int64, error)

	// DeleteChunksForFile drops every chunk of a file (repair only).
	DeleteChunksForFile(ctx context.Context, fileID string) error

	// CountNonTerminalChunks counts chunks in pending/processing/failed.
	CountNonTerminalChunks(ctx context.Context, fileID string) (int64, error)

	// MaxChunkOffset returns the highest chunk_offset for a file.
	MaxChunkOffset(ctx context.Context, fileID string) (int, error)

	// ============================================
	// RESULT OPERATIONS
	// ============================================

	// InsertResults appends a batch of outcomes atomically; a duplicate
	// (file, e164) pair fails the batch with models.ErrDuplicateResult.
	InsertResults(ctx context.Context, rows []*models.Result) error

	// ListResults returns results in insertion order.
	ListResults(ctx context.Context, fileID string) ([]*models.Result, error)

	// DistinctE164 returns the phones already recorded for a file.
	DistinctE164(ctx context.Context, fileID string) ([]string, error)

	// ExistingE164 filters the given phones to those already recorded.
	ExistingE164(ctx context.Context, fileID string, phones []string) (map[string]struct{}, error)

	// CountResults counts result rows for a file.
	CountResults(ctx context.Context, fileID string) (int64, error)

	// DeleteResult removes one (file, phone) outcome (repair only).
	DeleteResult(ctx context.Context, fileID, e164 string) error

	// ContactTypeBreakdown returns per-verdict counts for a file.
	ContactTypeBreakdown(ctx context.Context, fileID string) (map[models.ContactType]int64, error)

	// Close releases the underlying database connection.
	Close() error
}
