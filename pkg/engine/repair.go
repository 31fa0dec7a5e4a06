package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/pkg/engine/models"
)

// Repair operations reconcile a file whose chunk queue and result log have
// drifted apart (crashes at unlucky points, operator cancellations, bugs in
// earlier versions). They are manual, operator-invoked, and always rebuild
// from the durable result log as the source of truth.

// RebuildReport describes the outcome of a queue rebuild.
type RebuildReport struct {
	FileID        string `json:"file_id"`
	TotalPhones   int    `json:"total_phones"`
	AlreadyDone   int    `json:"already_done"`
	Requeued      int    `json:"requeued"`
	ChunksCreated int    `json:"chunks_created"`
}

// RebuildChunks reconstructs the chunk queue for a file from scratch: the
// union of all chunk payloads, minus the phones already in the result log,
// becomes a fresh pending queue. The processed offset is reset to the
// durable result count so progress reflects reality.
//
// This clears failed_permanent chunks as a side effect: their unfinished
// phones are requeued with a fresh retry budget.
func (s *Service) RebuildChunks(ctx context.Context, fileID string) (*RebuildReport, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.ProcessingStatus == models.FileStatusCompleted {
		return nil, fmt.Errorf("cannot rebuild %s: file already completed", fileID)
	}

	chunks, err := s.store.ListChunks(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// Union of every payload in offset order. Payloads may overlap after
	// splits or duplicated repair chunks; first occurrence wins.
	seen := make(map[string]struct{})
	var union []models.PhoneRecord
	for _, chunk := range chunks {
		records, err := chunk.Records()
		if err != nil {
			logger.Warn("Skipping chunk with undecodable payload during rebuild",
				"file_id", fileID, "chunk_id", chunk.ID, "error", err)
			continue
		}
		for _, rec := range records {
			if _, dup := seen[rec.E164]; dup {
				continue
			}
			seen[rec.E164] = struct{}{}
			union = append(union, rec)
		}
	}

	done, err := s.store.DistinctE164(ctx, fileID)
	if err != nil {
		return nil, err
	}
	doneSet := make(map[string]struct{}, len(done))
	for _, e164 := range done {
		doneSet[e164] = struct{}{}
	}

	var remaining []models.PhoneRecord
	for _, rec := range union {
		if _, ok := doneSet[rec.E164]; !ok {
			remaining = append(remaining, rec)
		}
	}

	if err := s.store.DeleteChunksForFile(ctx, fileID); err != nil {
		return nil, fmt.Errorf("failed to drop old chunks: %w", err)
	}

	fresh, err := partitionRecords(fileID, remaining, s.config.ChunkSize)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateChunks(ctx, fresh); err != nil {
		return nil, fmt.Errorf("failed to enqueue rebuilt chunks: %w", err)
	}

	if err := s.store.SetProcessingOffset(ctx, fileID, len(done)); err != nil {
		return nil, err
	}
	if err := s.store.SetFileStatus(ctx, fileID, models.FileStatusProcessing); err != nil {
		return nil, err
	}

	report := &RebuildReport{
		FileID:        fileID,
		TotalPhones:   len(union),
		AlreadyDone:   len(done),
		Requeued:      len(remaining),
		ChunksCreated: len(fresh),
	}
	logger.Info("Chunk queue rebuilt",
		"file_id", fileID,
		"already_done", report.AlreadyDone,
		"requeued", report.Requeued,
		"chunks", report.ChunksCreated,
	)
	return report, nil
}

// CreateMissingChunks requeues phones that appear in no live chunk payload
// and have no result yet. Unlike RebuildChunks it leaves existing chunks
// untouched; new chunks are appended past the current offset range so they
// run after the live queue drains.
func (s *Service) CreateMissingChunks(ctx context.Context, fileID string) (int, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return 0, err
	}
	if file.ProcessingStatus == models.FileStatusCompleted {
		return 0, fmt.Errorf("cannot repair %s: file already completed", fileID)
	}

	chunks, err := s.store.ListChunks(ctx, fileID)
	if err != nil {
		return 0, err
	}

	// A phone is missing when no non-terminal chunk covers it and the
	// result log has no row for it. Terminal chunks only contribute to
	// the known-phone universe.
	seen := make(map[string]struct{})
	var universe []models.PhoneRecord
	live := make(map[string]struct{})
	for _, chunk := range chunks {
		records, err := chunk.Records()
		if err != nil {
			continue
		}
		for _, rec := range records {
			if _, dup := seen[rec.E164]; !dup {
				seen[rec.E164] = struct{}{}
				universe = append(universe, rec)
			}
			if !chunk.ChunkStatus.IsTerminal() {
				live[rec.E164] = struct{}{}
			}
		}
	}

	done, err := s.store.DistinctE164(ctx, fileID)
	if err != nil {
		return 0, err
	}
	doneSet := make(map[string]struct{}, len(done))
	for _, e164 := range done {
		doneSet[e164] = struct{}{}
	}

	var missing []models.PhoneRecord
	for _, rec := range universe {
		if _, inLive := live[rec.E164]; inLive {
			continue
		}
		if _, hasResult := doneSet[rec.E164]; hasResult {
			continue
		}
		missing = append(missing, rec)
	}
	if len(missing) == 0 {
		return 0, nil
	}

	// Append past every existing offset so acquisition ordering keeps the
	// original queue ahead of the repair chunks.
	maxOffset, err := s.store.MaxChunkOffset(ctx, fileID)
	if err != nil {
		return 0, err
	}
	base := maxOffset + file.ProcessingTotal + 1

	var fresh []*models.Chunk
	size := s.config.ChunkSize
	for offset := 0; offset < len(missing); offset += size {
		end := offset + size
		if end > len(missing) {
			end = len(missing)
		}
		chunk := &models.Chunk{
			ID:          uuid.New().String(),
			FileID:      fileID,
			ChunkOffset: base + offset,
			ChunkStatus: models.ChunkStatusPending,
		}
		if err := chunk.SetRecords(missing[offset:end]); err != nil {
			return 0, err
		}
		fresh = append(fresh, chunk)
	}

	if err := s.store.CreateChunks(ctx, fresh); err != nil {
		return 0, fmt.Errorf("failed to enqueue repair chunks: %w", err)
	}

	logger.Info("Created missing chunks",
		"file_id", fileID,
		"phones", len(missing),
		"chunks", len(fresh),
	)
	return len(missing), nil
}

// ReprocessPhone forces a fresh classification for one phone of a file:
// the existing result row is deleted, the cached verdict invalidated, and
// the phone classified again against the live upstream. The offset is
// untouched, so the file's progress accounting is preserved.
func (s *Service) ReprocessPhone(ctx context.Context, fileID, e164 string) (*models.Result, error) {
	rows, err := s.store.ListResults(ctx, fileID)
	if err != nil {
		return nil, err
	}

	var previous *models.Result
	for _, row := range rows {
		if row.E164 == e164 {
			previous = row
			break
		}
	}
	if previous == nil {
		return nil, fmt.Errorf("no result for %s in file %s: %w", e164, fileID, models.ErrResultNotFound)
	}

	if err := s.store.DeleteResult(ctx, fileID, e164); err != nil {
		return nil, err
	}
	if err := s.classifier.Invalidate(ctx, e164); err != nil {
		logger.Warn("Failed to invalidate cached verdict", "e164", e164, "error", err)
	}

	verdict, err := s.classifier.Classify(ctx, e164, nil)
	if err != nil {
		return nil, err
	}

	row := &models.Result{
		FileID:           fileID,
		E164:             e164,
		PhoneNumber:      previous.PhoneNumber,
		IsIOS:            verdict.IsIOS,
		SupportsIMessage: verdict.SupportsIMessage,
		SupportsSMS:      verdict.SupportsSMS,
		ContactType:      verdict.ContactType,
		FromCache:        verdict.FromCache,
	}
	if verdict.IsError() {
		msg := verdict.Err
		row.Error = &msg
	}

	if err := s.store.InsertResults(ctx, []*models.Result{row}); err != nil {
		if errors.Is(err, models.ErrDuplicateResult) {
			return nil, fmt.Errorf("result for %s reappeared during reprocess: %w", e164, err)
		}
		return nil, err
	}

	logger.Info("Phone reprocessed",
		"file_id", fileID,
		"e164", e164,
		"previous", previous.ContactType,
		"verdict", row.ContactType,
	)
	return row, nil
}
