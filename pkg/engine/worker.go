package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/internal/telemetry"
	"github.com/carriersift/carriersift/pkg/blooio"
	"github.com/carriersift/carriersift/pkg/engine/models"
	"github.com/carriersift/carriersift/pkg/metrics"
)

// Worker drives one file at a time through its chunk queue.
//
// A worker invocation (RunOnce) is bounded by the wall-time budget: it
// acquires the oldest runnable file, reclaims orphaned chunks, then loops
// acquire-process-commit until the budget expires or the file drains. A
// chunk interrupted by the budget is split so the next invocation resumes
// mid-chunk. Multiple workers may run concurrently against the same store;
// row-locked acquisition keeps them off each other's chunks.
type Worker struct {
	service    *Service
	classifier *blooio.Classifier
	config     Config
}

// NewWorker creates a chunk worker bound to the engine service.
func NewWorker(service *Service, classifier *blooio.Classifier, config Config) *Worker {
	config.ApplyDefaults()
	return &Worker{
		service:    service,
		classifier: classifier,
		config:     config,
	}
}

// RunOnce performs one bounded worker invocation. It returns true when the
// invocation advanced work — a chunk transitioned or a file completed — and
// an immediate follow-up invocation may find more. It returns false when the
// queue was idle or the acquired file had nothing runnable (stalled on
// failed_permanent chunks, or short of its total with a drained queue): such
// files wait for repair or the next poll instead of being re-acquired in a
// tight loop.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveWorkerInvocation(time.Since(start))
	}()

	st := w.service.Store()
	advanced := false

	file, err := st.AcquireNextRunnableFile(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire runnable file: %w", err)
	}
	if file == nil {
		return false, nil
	}

	logger.Info("Worker acquired file",
		"file_id", file.ID,
		"file_name", file.FileName,
		"offset", file.ProcessingOffset,
		"total", file.ProcessingTotal,
	)

	// Chunks left in processing belong to a crashed invocation; their
	// already-committed phones are deduplicated when they run again.
	reclaimed, err := st.ResetStuckChunks(ctx, file.ID)
	if err != nil {
		return advanced, fmt.Errorf("failed to reset stuck chunks: %w", err)
	}
	if reclaimed > 0 {
		logger.Warn("Reclaimed orphaned chunks", "file_id", file.ID, "count", reclaimed)
	}

	deadline := start.Add(w.config.MaxWallTime)

	for {
		if err := ctx.Err(); err != nil {
			return advanced, err
		}
		if !time.Now().Before(deadline) {
			logger.Info("Worker budget expired", "file_id", file.ID, "elapsed", time.Since(start))
			return advanced, nil
		}

		// Refetch so a concurrent cancel is observed between chunks.
		current, err := st.GetFile(ctx, file.ID)
		if err != nil {
			return advanced, err
		}
		if current.ProcessingStatus != models.FileStatusProcessing {
			logger.Info("File left processing state, stopping", "file_id", file.ID, "status", current.ProcessingStatus)
			return advanced, nil
		}

		chunk, err := st.AcquireNextChunk(ctx, file.ID, w.config.MaxRetries)
		if err != nil {
			return advanced, fmt.Errorf("failed to acquire chunk: %w", err)
		}
		if chunk == nil {
			completed, err := w.finishFile(ctx, current)
			return advanced || completed, err
		}

		err = telemetry.TraceChunk(ctx, file.ID, chunk.ID, func(ctx context.Context) error {
			return w.processChunk(ctx, current, chunk, deadline)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return advanced, err
			}

			status, ferr := st.FailChunk(ctx, chunk.ID, err.Error(), w.config.MaxRetries)
			if ferr != nil {
				return advanced, fmt.Errorf("failed to fail chunk %s: %w", chunk.ID, ferr)
			}
			metrics.ObserveChunkTransition(string(status))
			if serr := st.SetFileError(ctx, file.ID, err.Error()); serr != nil {
				return advanced, serr
			}
			logger.Error("Chunk failed",
				"file_id", file.ID,
				"chunk_id", chunk.ID,
				"status", status,
				"error", err,
			)
		}
		advanced = true
	}
}

// processChunk classifies a chunk's phones and commits the outcome. The
// durable commit order is results, then chunk transition, then progress:
// a crash between steps is repaired by result-dedup on the next run, and
// progress never counts a phone whose result is not durable.
func (w *Worker) processChunk(ctx context.Context, file *models.UploadedFile, chunk *models.Chunk, deadline time.Time) error {
	st := w.service.Store()

	records, err := chunk.Records()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		if err := st.CompleteChunk(ctx, chunk.ID); err != nil {
			return err
		}
		metrics.ObserveChunkTransition(string(models.ChunkStatusCompleted))
		return nil
	}

	phones := make([]string, len(records))
	for i, rec := range records {
		phones[i] = rec.E164
	}

	// Phones already in the result log (a prior crashed or split run of
	// this chunk) count toward progress but are not classified again.
	existing, err := st.ExistingE164(ctx, file.ID, phones)
	if err != nil {
		return fmt.Errorf("failed to check existing results: %w", err)
	}

	cached, err := w.classifier.LookupCached(ctx, phones)
	if err != nil {
		return fmt.Errorf("cache lookup failed: %w", err)
	}

	var (
		rows      []*models.Result
		processed int
	)

	// Guards the batch against a repeated phone inside one payload (legacy
	// or hand-repaired chunks): a duplicate row would fail the atomic insert
	// and burn the chunk's whole retry budget.
	batched := make(map[string]struct{}, len(records))

	for _, rec := range records {
		if !time.Now().Before(deadline) {
			break
		}
		if _, done := existing[rec.E164]; done {
			processed++
			continue
		}
		if _, dup := batched[rec.E164]; dup {
			processed++
			continue
		}
		batched[rec.E164] = struct{}{}

		verdict, err := w.classifier.Classify(ctx, rec.E164, cached[rec.E164])
		if err != nil {
			// Cancellation mid-chunk: commit what is already classified
			// before surfacing the error.
			if cerr := w.commitChunk(ctx, file, chunk, rows, processed, len(records)); cerr != nil {
				return cerr
			}
			return err
		}

		row := &models.Result{
			FileID:           file.ID,
			E164:             rec.E164,
			PhoneNumber:      rec.Original,
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
		rows = append(rows, row)
		processed++
	}

	return w.commitChunk(ctx, file, chunk, rows, processed, len(records))
}

// commitChunk writes the chunk's outcome in the durable order: results
// first, then the chunk transition (complete or split), then progress.
func (w *Worker) commitChunk(ctx context.Context, file *models.UploadedFile, chunk *models.Chunk, rows []*models.Result, processed, total int) error {
	st := w.service.Store()

	if len(rows) > 0 {
		if err := st.InsertResults(ctx, rows); err != nil {
			if errors.Is(err, models.ErrDuplicateResult) {
				// Another run committed these phones between our dedup
				// check and now; the chunk is retried and dedup wins then.
				return fmt.Errorf("concurrent result insert for chunk %s: %w", chunk.ID, err)
			}
			return fmt.Errorf("failed to insert results: %w", err)
		}
		for _, row := range rows {
			metrics.ObservePhoneClassified(string(row.ContactType))
		}
	}

	if processed >= total {
		if err := st.CompleteChunk(ctx, chunk.ID); err != nil {
			return err
		}
		metrics.ObserveChunkTransition(string(models.ChunkStatusCompleted))
	} else {
		created, err := st.SplitChunk(ctx, chunk, processed)
		if err != nil {
			return err
		}
		metrics.ObserveChunkTransition("split")
		logger.Info("Chunk split",
			"chunk_id", chunk.ID,
			"processed", processed,
			"remainder", total-processed,
			"requeued", created,
		)
	}

	if processed > 0 {
		if _, err := st.AddProcessed(ctx, file.ID, processed); err != nil {
			return fmt.Errorf("failed to advance progress: %w", err)
		}
	}
	return nil
}

// finishFile runs when the chunk queue has drained. The file completes only
// when the offset covers the total and no non-terminal chunk remains;
// otherwise it stays in processing for the repair surface to inspect.
// Returns true when the file was completed.
func (w *Worker) finishFile(ctx context.Context, file *models.UploadedFile) (bool, error) {
	st := w.service.Store()

	current, err := st.GetFile(ctx, file.ID)
	if err != nil {
		return false, err
	}

	remaining, err := st.CountNonTerminalChunks(ctx, file.ID)
	if err != nil {
		return false, err
	}

	if current.ProcessingOffset >= current.ProcessingTotal && remaining == 0 {
		if err := st.CompleteFile(ctx, file.ID, nil); err != nil {
			return false, err
		}
		metrics.ObserveFileCompleted()
		logger.Info("File completed", "file_id", file.ID, "total", current.ProcessingTotal)

		w.service.qualityCheck(ctx, file.ID, current.ProcessingTotal)
		return true, nil
	}

	if remaining > 0 {
		// Only failed_permanent chunks can remain here with nothing
		// runnable; the file is stalled until repaired or resumed.
		logger.Warn("File stalled with unrunnable chunks",
			"file_id", file.ID,
			"offset", current.ProcessingOffset,
			"total", current.ProcessingTotal,
			"non_terminal_chunks", remaining,
		)
	} else {
		logger.Warn("Chunk queue drained before file covered its total",
			"file_id", file.ID,
			"offset", current.ProcessingOffset,
			"total", current.ProcessingTotal,
		)
	}
	return false, nil
}
