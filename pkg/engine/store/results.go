package store

import (
	"context"

	"gorm.io/gorm"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

// ============================================
// RESULT OPERATIONS
// ============================================

// InsertResults appends a batch of classification outcomes atomically.
// Either every row lands or none does: a duplicate (file_id, e164) pair
// fails the whole batch with ErrDuplicateResult.
func (s *GORMStore) InsertResults(ctx context.Context, rows []*models.Result) error {
	if len(rows) == 0 {
		return nil
	}
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(rows).Error
		})
	})
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateResult
		}
		return err
	}
	return nil
}

// ListResults returns a file's results in insertion order for CSV emission.
func (s *GORMStore) ListResults(ctx context.Context, fileID string) ([]*models.Result, error) {
	var rows []*models.Result
	err := withRetry(ctx, func() error {
		rows = nil
		return s.db.WithContext(ctx).
			Where("file_id = ?", fileID).
			Order("id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DistinctE164 returns the set of phones already recorded for a file.
// Repair uses this to compute which phones still need work.
func (s *GORMStore) DistinctE164(ctx context.Context, fileID string) ([]string, error) {
	var phones []string
	err := withRetry(ctx, func() error {
		phones = nil
		return s.db.WithContext(ctx).
			Model(&models.Result{}).
			Where("file_id = ?", fileID).
			Distinct("e164").
			Pluck("e164", &phones).Error
	})
	if err != nil {
		return nil, err
	}
	return phones, nil
}

// ExistingE164 returns which of the given phones already have a result row
// for the file. The chunk worker consults this before re-running a reclaimed
// chunk so that re-inserts cannot violate the append-only result log.
func (s *GORMStore) ExistingE164(ctx context.Context, fileID string, phones []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(phones) == 0 {
		return existing, nil
	}

	var found []string
	err := withRetry(ctx, func() error {
		found = nil
		return s.db.WithContext(ctx).
			Model(&models.Result{}).
			Where("file_id = ? AND e164 IN ?", fileID, phones).
			Pluck("e164", &found).Error
	})
	if err != nil {
		return nil, err
	}
	for _, p := range found {
		existing[p] = struct{}{}
	}
	return existing, nil
}

func (s *GORMStore) CountResults(ctx context.Context, fileID string) (int64, error) {
	var count int64
	err := withRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Model(&models.Result{}).
			Where("file_id = ?", fileID).
			Count(&count).Error
	})
	return count, err
}

// DeleteResult removes a single (file, phone) outcome. Only the
// reprocess-single repair path uses this.
func (s *GORMStore) DeleteResult(ctx context.Context, fileID, e164 string) error {
	return withRetry(ctx, func() error {
		result := s.db.WithContext(ctx).
			Where("file_id = ? AND e164 = ?", fileID, e164).
			Delete(&models.Result{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrResultNotFound
		}
		return nil
	})
}

// ContactTypeBreakdown returns the per-verdict row counts for a file.
// The completion quality check turns these into percentages.
func (s *GORMStore) ContactTypeBreakdown(ctx context.Context, fileID string) (map[models.ContactType]int64, error) {
	type row struct {
		ContactType models.ContactType
		Count       int64
	}

	var rows []row
	err := withRetry(ctx, func() error {
		rows = nil
		return s.db.WithContext(ctx).
			Model(&models.Result{}).
			Where("file_id = ?", fileID).
			Select("contact_type, COUNT(*) as count").
			Group("contact_type").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	breakdown := make(map[models.ContactType]int64, len(rows))
	for _, r := range rows {
		breakdown[r.ContactType] = r.Count
	}
	return breakdown, nil
}
