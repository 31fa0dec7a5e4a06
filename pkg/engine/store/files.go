package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// ============================================
// FILE OPERATIONS
// ============================================

func (s *GORMStore) CreateFile(ctx context.Context, file *models.UploadedFile) (string, error) {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	file.UploadedAt = time.Now()
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Create(file).Error
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return "", models.ErrDuplicateFile
		}
		return "", err
	}
	return file.ID, nil
}

func (s *GORMStore) GetFile(ctx context.Context, id string) (*models.UploadedFile, error) {
	var file models.UploadedFile
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Where("id = ?", id).First(&file).Error
	})
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// ListActiveFiles returns files that are runnable or resumable: status in
// {initialized, processing}, or can_resume with progress below 100.
func (s *GORMStore) ListActiveFiles(ctx context.Context) ([]*models.UploadedFile, error) {
	var files []*models.UploadedFile
	err := withRetry(ctx, func() error {
		files = nil
		return s.db.WithContext(ctx).
			Where("processing_status IN ?", []models.FileStatus{models.FileStatusInitialized, models.FileStatusProcessing}).
			Or("can_resume = ? AND processing_progress < ?", true, 100.0).
			Order("uploaded_at ASC").
			Find(&files).Error
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// AcquireNextRunnableFile selects the oldest file with remaining work under
// an exclusive row lock and flips it to processing in the same transaction.
// Returns (nil, nil) when no file is runnable.
//
// On PostgreSQL the SKIP LOCKED option lets concurrent worker invocations
// pick different files instead of queueing on the same row.
func (s *GORMStore) AcquireNextRunnableFile(ctx context.Context) (*models.UploadedFile, error) {
	var acquired *models.UploadedFile

	err := withRetry(ctx, func() error {
		acquired = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var file models.UploadedFile
			q := tx.
				Where("processing_status IN ?", []models.FileStatus{models.FileStatusInitialized, models.FileStatusProcessing}).
				Where("processing_offset < processing_total").
				Order("uploaded_at ASC")
			for _, c := range s.rowLock("SKIP LOCKED") {
				q = q.Clauses(c)
			}
			if err := q.First(&file).Error; err != nil {
				return convertNotFoundError(err, models.ErrFileNotFound)
			}

			if file.ProcessingStatus != models.FileStatusProcessing {
				if err := tx.Model(&file).
					Update("processing_status", models.FileStatusProcessing).Error; err != nil {
					return err
				}
				file.ProcessingStatus = models.FileStatusProcessing
			}

			acquired = &file
			return nil
		})
	})
	if err != nil {
		if err == models.ErrFileNotFound {
			return nil, nil
		}
		return nil, err
	}
	return acquired, nil
}

// AddProcessed advances the file's processed-phone count by delta and
// recomputes the progress percentage. The offset is clamped to the total
// and never decreases.
func (s *GORMStore) AddProcessed(ctx context.Context, fileID string, delta int) (*models.UploadedFile, error) {
	var updated *models.UploadedFile

	err := withRetry(ctx, func() error {
		updated = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var file models.UploadedFile
			q := tx.Where("id = ?", fileID)
			for _, c := range s.rowLock("") {
				q = q.Clauses(c)
			}
			if err := q.First(&file).Error; err != nil {
				return convertNotFoundError(err, models.ErrFileNotFound)
			}

			offset := file.ProcessingOffset + delta
			if offset > file.ProcessingTotal {
				offset = file.ProcessingTotal
			}
			if offset < file.ProcessingOffset {
				offset = file.ProcessingOffset
			}
			progress := models.ProgressPercent(offset, file.ProcessingTotal)

			if err := tx.Model(&file).Updates(map[string]any{
				"processing_offset":   offset,
				"processing_progress": progress,
			}).Error; err != nil {
				return err
			}

			file.ProcessingOffset = offset
			file.ProcessingProgress = progress
			updated = &file
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetProcessingOffset overwrites the processed count. Only repair operations
// use this: unlike AddProcessed it may move the offset backwards to reconcile
// the file with the actual result rows.
func (s *GORMStore) SetProcessingOffset(ctx context.Context, fileID string, offset int) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var file models.UploadedFile
			if err := tx.Where("id = ?", fileID).First(&file).Error; err != nil {
				return convertNotFoundError(err, models.ErrFileNotFound)
			}
			if offset > file.ProcessingTotal {
				offset = file.ProcessingTotal
			}
			return tx.Model(&file).Updates(map[string]any{
				"processing_offset":   offset,
				"processing_progress": models.ProgressPercent(offset, file.ProcessingTotal),
			}).Error
		})
	})
}

func (s *GORMStore) SetFileStatus(ctx context.Context, fileID string, status models.FileStatus) error {
	return withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Model(&models.UploadedFile{}).
			Where("id = ?", fileID).
			Update("processing_status", status)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrFileNotFound
		}
		return nil
	})
}

func (s *GORMStore) SetFileError(ctx context.Context, fileID string, msg string) error {
	return withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Model(&models.UploadedFile{}).
			Where("id = ?", fileID).
			Update("last_error", msg)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrFileNotFound
		}
		return nil
	})
}

// CompleteFile marks the file completed with full progress and an optional
// results location.
func (s *GORMStore) CompleteFile(ctx context.Context, fileID string, resultsURL *string) error {
	updates := map[string]any{
		"processing_status":   models.FileStatusCompleted,
		"processing_progress": 100.0,
		"can_resume":          false,
	}
	if resultsURL != nil {
		updates["results_url"] = *resultsURL
	}

	return withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Model(&models.UploadedFile{}).
			Where("id = ?", fileID).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrFileNotFound
		}
		return nil
	})
}

// DeleteFile removes a file together with its chunks and results.
// This is an explicit admin action; normal processing never deletes files.
func (s *GORMStore) DeleteFile(ctx context.Context, fileID string) error {
	return withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var file models.UploadedFile
			if err := tx.Where("id = ?", fileID).First(&file).Error; err != nil {
				return convertNotFoundError(err, models.ErrFileNotFound)
			}

			if err := tx.Where("file_id = ?", fileID).Delete(&models.Chunk{}).Error; err != nil {
				return err
			}
			if err := tx.Where("file_id = ?", fileID).Delete(&models.Result{}).Error; err != nil {
				return err
			}
			return tx.Delete(&file).Error
		})
	})
}
