package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// ============================================
// CHUNK OPERATIONS
// ============================================

// CreateChunks inserts a batch of chunks in one transaction, generating IDs
// for any chunk that has none.
func (s *GORMStore) CreateChunks(ctx context.Context, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		if c.ChunkStatus == "" {
			c.ChunkStatus = models.ChunkStatusPending
		}
	}
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(chunks).Error
	})
}

func (s *GORMStore) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	var chunk models.Chunk
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("id = ?", id).First(&chunk).Error
	})
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrChunkNotFound)
	}
	return &chunk, nil
}

func (s *GORMStore) ListChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	err := withRetry(ctx, func() error {
		chunks = nil
		return s.db.WithContext(ctx).
			Where("file_id = ?", fileID).
			Order("chunk_offset ASC").
			Find(&chunks).Error
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// AcquireNextChunk selects the next runnable chunk for a file under an
// exclusive row lock and flips it to processing in the same transaction.
// Runnable means status in {pending, failed} with retry budget remaining.
// Pending chunks are served before failed ones, then by chunk_offset.
// Returns (nil, nil) when the file has no runnable chunk.
func (s *GORMStore) AcquireNextChunk(ctx context.Context, fileID string, maxRetries int) (*models.Chunk, error) {
	var acquired *models.Chunk

	err := withRetry(ctx, func() error {
		acquired = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var chunk models.Chunk
			q := tx.
				Where("file_id = ?", fileID).
				Where("chunk_status IN ?", []models.ChunkStatus{models.ChunkStatusPending, models.ChunkStatusFailed}).
				Where("retry_count < ?", maxRetries).
				Order("CASE WHEN chunk_status = 'pending' THEN 0 ELSE 1 END, chunk_offset ASC")
			for _, c := range s.rowLock("") {
				q = q.Clauses(c)
			}
			if err := q.First(&chunk).Error; err != nil {
				return convertNotFoundError(err, models.ErrChunkNotFound)
			}

			if err := tx.Model(&chunk).
				Update("chunk_status", models.ChunkStatusProcessing).Error; err != nil {
				return err
			}
			chunk.ChunkStatus = models.ChunkStatusProcessing

			acquired = &chunk
			return nil
		})
	})
	if err != nil {
		if err == models.ErrChunkNotFound {
			return nil, nil
		}
		return nil, err
	}
	return acquired, nil
}

func (s *GORMStore) CompleteChunk(ctx context.Context, chunkID string) error {
	return withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Model(&models.Chunk{}).
			Where("id = ?", chunkID).
			Update("chunk_status", models.ChunkStatusCompleted)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrChunkNotFound
		}
		return nil
	})
}

// FailChunk increments the retry counter and records the error. The chunk
// goes back to failed (re-acquirable) while retries remain, otherwise to
// failed_permanent. Returns the resulting status.
func (s *GORMStore) FailChunk(ctx context.Context, chunkID string, errMsg string, maxRetries int) (models.ChunkStatus, error) {
	var status models.ChunkStatus

	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var chunk models.Chunk
			if err := tx.Where("id = ?", chunkID).First(&chunk).Error; err != nil {
				return convertNotFoundError(err, models.ErrChunkNotFound)
			}

			retries := chunk.RetryCount + 1
			status = models.ChunkStatusFailed
			if retries >= maxRetries {
				status = models.ChunkStatusFailedPermanent
			}

			return tx.Model(&chunk).Updates(map[string]any{
				"retry_count":  retries,
				"chunk_status": status,
				"last_error":   errMsg,
			}).Error
		})
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// SplitChunk handles partial chunk completion: the original chunk is marked
// completed and the unprocessed suffix of its payload is re-queued as a new
// pending chunk at chunk_offset + processed.
//
// The split is suppressed when the cumulative planned count (current offset
// plus the phones just processed plus the remainder) would exceed the file's
// total; in that case the remaining payload is duplicate work and the file
// is already accounted for. Returns true when a remainder chunk was created.
func (s *GORMStore) SplitChunk(ctx context.Context, chunk *models.Chunk, processed int) (bool, error) {
	records, err := chunk.Records()
	if err != nil {
		return false, err
	}
	if processed < 0 || processed >= len(records) {
		// Nothing left to split; treat as plain completion.
		return false, s.CompleteChunk(ctx, chunk.ID)
	}
	remainder := records[processed:]

	created := false
	err = withRetry(ctx, func() error {
		created = false
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var file models.UploadedFile
			if err := tx.Where("id = ?", chunk.FileID).First(&file).Error; err != nil {
				return convertNotFoundError(err, models.ErrFileNotFound)
			}

			if err := tx.Model(&models.Chunk{}).
				Where("id = ?", chunk.ID).
				Update("chunk_status", models.ChunkStatusCompleted).Error; err != nil {
				return err
			}

			planned := file.ProcessingOffset + processed + len(remainder)
			if planned > file.ProcessingTotal {
				// Suppressed: queuing the remainder would plan more phones
				// than the file holds.
				return nil
			}

			next := &models.Chunk{
				ID:          uuid.New().String(),
				FileID:      chunk.FileID,
				ChunkOffset: chunk.ChunkOffset + processed,
				ChunkStatus: models.ChunkStatusPending,
			}
			if err := next.SetRecords(remainder); err != nil {
				return err
			}
			if err := tx.Create(next).Error; err != nil {
				return err
			}
			created = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// ResetStuckChunks flips any chunk left in processing back to pending.
// Called at the start of a worker invocation to reclaim chunks orphaned by
// a crashed or aborted run. Returns the number of chunks reclaimed.
func (s *GORMStore) ResetStuckChunks(ctx context.Context, fileID string) (int64, error) {
	var reclaimed int64
	err := withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Model(&models.Chunk{}).
			Where("file_id = ? AND chunk_status = ?", fileID, models.ChunkStatusProcessing).
			Update("chunk_status", models.ChunkStatusPending)
		reclaimed = result.RowsAffected
		return result.Error
	})
	return reclaimed, err
}

// DeletePendingChunks removes the not-yet-started queue entries for a file.
// Used by cancellation: in-flight chunks are left alone and observe the file
// status change on their next progress update.
func (s *GORMStore) DeletePendingChunks(ctx context.Context, fileID string) (int64, error) {
	var deleted int64
	err := withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Where("file_id = ? AND chunk_status = ?", fileID, models.ChunkStatusPending).
			Delete(&models.Chunk{})
		deleted = result.RowsAffected
		return result.Error
	})
	return deleted, err
}

// DeleteChunksForFile removes every chunk of a file regardless of status.
// Only repair uses this, immediately before rebuilding the queue.
func (s *GORMStore) DeleteChunksForFile(ctx context.Context, fileID string) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Where("file_id = ?", fileID).
			Delete(&models.Chunk{}).Error
	})
}

// CountNonTerminalChunks counts chunks still in pending, processing or
// failed. A file may only complete when this reaches zero.
func (s *GORMStore) CountNonTerminalChunks(ctx context.Context, fileID string) (int64, error) {
	var count int64
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Model(&models.Chunk{}).
			Where("file_id = ? AND chunk_status IN ?", fileID,
				[]models.ChunkStatus{models.ChunkStatusPending, models.ChunkStatusProcessing, models.ChunkStatusFailed}).
			Count(&count).Error
	})
	return count, err
}

// MaxChunkOffset returns the highest chunk_offset recorded for a file, or
// zero when the file has no chunks.
func (s *GORMStore) MaxChunkOffset(ctx context.Context, fileID string) (int, error) {
	var max *int
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Model(&models.Chunk{}).
			Where("file_id = ?", fileID).
			Select("MAX(chunk_offset)").
			Scan(&max).Error
	})
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}
