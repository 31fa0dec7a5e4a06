// Package engine implements the durable chunked job engine: file lifecycle,
// the chunk worker, repair operations and the progress surface.
//
// The engine accepts an initialized file, partitions its validated phones
// into persistent work chunks, and drives them through the cache-first,
// rate-limited classifier inside bounded-wall-time worker invocations.
// All state lives in the store, so a crashed process resumes where it
// stopped and loses at most the phone that was in flight.
package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/pkg/blooio"
	"github.com/carriersift/carriersift/pkg/engine/models"
	"github.com/carriersift/carriersift/pkg/engine/store"
)

// Service exposes the engine's file lifecycle and progress operations.
type Service struct {
	store      store.Store
	classifier *blooio.Classifier
	config     Config

	snapMu    sync.Mutex
	snapshots map[string]progressSnapshot
}

// Progress is the read-only progress view served to clients.
type Progress struct {
	FileID    string            `json:"file_id"`
	FileName  string            `json:"file_name"`
	Status    models.FileStatus `json:"status"`
	Offset    int               `json:"offset"`
	Total     int               `json:"total"`
	Progress  float64           `json:"progress"`
	LastError *string           `json:"last_error,omitempty"`
}

type progressSnapshot struct {
	progress Progress
	takenAt  time.Time
}

// NewService creates the engine service.
func NewService(st store.Store, classifier *blooio.Classifier, config Config) *Service {
	config.ApplyDefaults()
	return &Service{
		store:      st,
		classifier: classifier,
		config:     config,
		snapshots:  make(map[string]progressSnapshot),
	}
}

// Store returns the underlying engine store.
func (s *Service) Store() store.Store {
	return s.store
}

// chunkSizeFor returns the partition size for a service variant.
func (s *Service) chunkSizeFor(service models.ServiceType) int {
	if service == models.ServiceBlooioBulk {
		return s.BulkChunkSize()
	}
	return s.config.ChunkSize
}

// BulkChunkSize returns the configured bulk partition size.
func (s *Service) BulkChunkSize() int {
	return s.config.BulkChunkSize
}

// InitFile creates the file record and partitions its validated phones into
// pending chunks. Called exactly once per uploaded file, after ingestion
// has normalized the phone list.
func (s *Service) InitFile(ctx context.Context, fileName string, service models.ServiceType, records []models.PhoneRecord) (*models.UploadedFile, error) {
	if !service.IsValid() {
		return nil, fmt.Errorf("unknown service type: %s", service)
	}

	// The result log admits one row per (file, e164), so a repeated phone in
	// the upload can never produce a second result. Keep the first occurrence
	// and size the file by the unique set.
	seen := make(map[string]struct{}, len(records))
	unique := make([]models.PhoneRecord, 0, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.E164]; dup {
			continue
		}
		seen[rec.E164] = struct{}{}
		unique = append(unique, rec)
	}
	if dropped := len(records) - len(unique); dropped > 0 {
		logger.Warn("Dropped duplicate phones from upload", "file_name", fileName, "duplicates", dropped)
	}
	records = unique

	file := &models.UploadedFile{
		ID:               uuid.New().String(),
		FileName:         fileName,
		Service:          service,
		ProcessingTotal:  len(records),
		ProcessingStatus: models.FileStatusInitialized,
		CanResume:        true,
	}

	if _, err := s.store.CreateFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	chunks, err := partitionRecords(file.ID, records, s.chunkSizeFor(service))
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateChunks(ctx, chunks); err != nil {
		return nil, fmt.Errorf("failed to enqueue chunks: %w", err)
	}

	logger.Info("File initialized",
		"file_id", file.ID,
		"file_name", fileName,
		"service", service,
		"phones", len(records),
		"chunks", len(chunks),
	)
	return file, nil
}

// partitionRecords slices the validated phone sequence into chunk payloads
// of at most size phones, stamping each chunk with its position in the
// sequence.
func partitionRecords(fileID string, records []models.PhoneRecord, size int) ([]*models.Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}

	var chunks []*models.Chunk
	for offset := 0; offset < len(records); offset += size {
		end := offset + size
		if end > len(records) {
			end = len(records)
		}

		chunk := &models.Chunk{
			ID:          uuid.New().String(),
			FileID:      fileID,
			ChunkOffset: offset,
			ChunkStatus: models.ChunkStatusPending,
		}
		if err := chunk.SetRecords(records[offset:end]); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// FileProgress returns the progress view for a file. Snapshots may be
// served up to ProgressStale old so that aggressive pollers do not hammer
// the database.
func (s *Service) FileProgress(ctx context.Context, fileID string) (Progress, error) {
	s.snapMu.Lock()
	snap, ok := s.snapshots[fileID]
	s.snapMu.Unlock()
	if ok && time.Since(snap.takenAt) < s.config.ProgressStale {
		return snap.progress, nil
	}

	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return Progress{}, err
	}

	progress := Progress{
		FileID:    file.ID,
		FileName:  file.FileName,
		Status:    file.ProcessingStatus,
		Offset:    file.ProcessingOffset,
		Total:     file.ProcessingTotal,
		Progress:  file.ProcessingProgress,
		LastError: file.LastError,
	}

	s.snapMu.Lock()
	s.snapshots[fileID] = progressSnapshot{progress: progress, takenAt: time.Now()}
	s.snapMu.Unlock()

	return progress, nil
}

// ActiveFiles returns files that are runnable or resumable.
func (s *Service) ActiveFiles(ctx context.Context) ([]*models.UploadedFile, error) {
	return s.store.ListActiveFiles(ctx)
}

// Cancel stops processing for a file: pending queue entries are deleted and
// the file is marked failed. An in-flight chunk finishes its current phone;
// the worker observes the status change before acquiring the next chunk.
func (s *Service) Cancel(ctx context.Context, fileID string) error {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.ProcessingStatus == models.FileStatusCompleted {
		return fmt.Errorf("cannot cancel %s: %w", fileID, models.ErrFileNotRunning)
	}

	deleted, err := s.store.DeletePendingChunks(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to drain pending chunks: %w", err)
	}
	if err := s.store.SetFileError(ctx, fileID, "processing cancelled"); err != nil {
		return err
	}
	if err := s.store.SetFileStatus(ctx, fileID, models.FileStatusFailed); err != nil {
		return err
	}

	logger.Info("File cancelled", "file_id", fileID, "chunks_dropped", deleted)
	return nil
}

// Resume returns a failed or stalled file to the worker's rotation. Chunks
// dropped by a cancellation are recreated for whatever phones have no
// result yet.
func (s *Service) Resume(ctx context.Context, fileID string) error {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.ProcessingStatus == models.FileStatusCompleted {
		return fmt.Errorf("cannot resume %s: %w", fileID, models.ErrFileNotDone)
	}

	// A cancelled file lost its pending chunks; put the unfinished work
	// back on the queue before the worker picks the file up again.
	if _, err := s.CreateMissingChunks(ctx, fileID); err != nil {
		return err
	}

	if err := s.store.SetFileStatus(ctx, fileID, models.FileStatusProcessing); err != nil {
		return err
	}

	logger.Info("File resumed", "file_id", fileID, "offset", file.ProcessingOffset, "total", file.ProcessingTotal)
	return nil
}

// WriteResultsCSV streams the final result set for a completed file:
// a header row followed by one row per result in insertion order.
func (s *Service) WriteResultsCSV(ctx context.Context, fileID string, w io.Writer) error {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.ProcessingStatus != models.FileStatusCompleted {
		return fmt.Errorf("results for %s unavailable: %w", fileID, models.ErrFileNotDone)
	}

	rows, err := s.store.ListResults(ctx, fileID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"phone_number", "e164", "supports_imessage", "supports_sms", "contact_type", "error"}); err != nil {
		return err
	}

	for _, row := range rows {
		errMsg := ""
		if row.Error != nil {
			errMsg = *row.Error
		}
		record := []string{
			row.PhoneNumber,
			row.E164,
			strconv.FormatBool(row.SupportsIMessage),
			strconv.FormatBool(row.SupportsSMS),
			string(row.ContactType),
			errMsg,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
