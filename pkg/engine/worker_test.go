//go:build integration

package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

func TestWorkerCompletesFile(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file, err := eng.service.InitFile(ctx, "happy.csv", models.ServiceBlooio, testPhones(7))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}

	advanced, err := eng.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !advanced {
		t.Fatal("Expected the worker to report progress on the file")
	}

	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusCompleted {
		t.Errorf("Expected completed, got %s", got.ProcessingStatus)
	}
	if got.ProcessingOffset != 7 {
		t.Errorf("Expected offset 7, got %d", got.ProcessingOffset)
	}
	if got.ProcessingProgress != 100.0 {
		t.Errorf("Expected progress 100.0, got %.2f", got.ProcessingProgress)
	}

	rows, err := eng.store.ListResults(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListResults failed: %v", err)
	}
	if len(rows) != 7 {
		t.Fatalf("Expected 7 results, got %d", len(rows))
	}
	for _, row := range rows {
		if row.ContactType != models.ContactTypeIPhone {
			t.Errorf("Phone %s: expected iPhone, got %s", row.E164, row.ContactType)
		}
		if row.FromCache {
			t.Errorf("Phone %s: unexpected cache provenance on first run", row.E164)
		}
	}

	if calls := eng.upstream.calls.Load(); calls != 7 {
		t.Errorf("Expected 7 upstream calls, got %d", calls)
	}

	// Successful verdicts are written through to the cache.
	phones := make([]string, 7)
	for i := range phones {
		phones[i] = testE164(i)
	}
	hits, err := eng.cache.LookupBatch(ctx, phones)
	if err != nil {
		t.Fatalf("LookupBatch failed: %v", err)
	}
	if len(hits) != 7 {
		t.Errorf("Expected 7 cache entries, got %d", len(hits))
	}

	// The queue is now idle.
	advanced, err = eng.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("Second RunOnce failed: %v", err)
	}
	if advanced {
		t.Error("Expected idle queue after completion")
	}
}

func TestWorkerCacheHitsSkipUpstream(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	// Half the phones already have a fresh cached verdict.
	for i := 0; i < 3; i++ {
		err := eng.cache.Upsert(ctx, &models.CacheEntry{
			E164:             testE164(i),
			IsIOS:            false,
			SupportsIMessage: false,
			SupportsSMS:      true,
			ContactType:      models.ContactTypeAndroid,
		})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	file, err := eng.service.InitFile(ctx, "cached.csv", models.ServiceBlooio, testPhones(6))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}
	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if calls := eng.upstream.calls.Load(); calls != 3 {
		t.Errorf("Expected 3 upstream calls for 3 cache misses, got %d", calls)
	}

	rows, err := eng.store.ListResults(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListResults failed: %v", err)
	}
	var fromCache int
	for _, row := range rows {
		if row.FromCache {
			fromCache++
			if row.ContactType != models.ContactTypeAndroid {
				t.Errorf("Cached phone %s: expected Android, got %s", row.E164, row.ContactType)
			}
		}
	}
	if fromCache != 3 {
		t.Errorf("Expected 3 results from cache, got %d", fromCache)
	}
}

func TestWorkerRecordsErrorVerdicts(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	bad := testE164(1)
	eng.upstream.setStatus(bad, http.StatusBadRequest)

	file, err := eng.service.InitFile(ctx, "errors.csv", models.ServiceBlooio, testPhones(3))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}
	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// The error verdict counts as processed; the file still completes.
	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusCompleted {
		t.Errorf("Expected completed despite error verdict, got %s", got.ProcessingStatus)
	}

	rows, err := eng.store.ListResults(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListResults failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(rows))
	}
	for _, row := range rows {
		if row.E164 != bad {
			continue
		}
		if row.ContactType != models.ContactTypeError {
			t.Errorf("Expected ERROR verdict, got %s", row.ContactType)
		}
		if row.Error == nil || *row.Error != "API 400" {
			t.Errorf("Expected error 'API 400', got %v", row.Error)
		}
	}

	// Error verdicts are never cached.
	hits, err := eng.cache.LookupBatch(ctx, []string{bad})
	if err != nil {
		t.Fatalf("LookupBatch failed: %v", err)
	}
	if len(hits) != 0 {
		t.Error("Error verdict must not be cached")
	}
}

func TestWorkerDeduplicatesExistingResults(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file, err := eng.service.InitFile(ctx, "crashed.csv", models.ServiceBlooio, testPhones(5))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}

	// Simulate a crash after the result insert but before the chunk
	// transition: two phones already have durable rows.
	err = eng.store.InsertResults(ctx, []*models.Result{
		{FileID: file.ID, E164: testE164(0), PhoneNumber: testE164(0), ContactType: models.ContactTypeIPhone},
		{FileID: file.ID, E164: testE164(1), PhoneNumber: testE164(1), ContactType: models.ContactTypeIPhone},
	})
	if err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	count, err := eng.store.CountResults(ctx, file.ID)
	if err != nil {
		t.Fatalf("CountResults failed: %v", err)
	}
	if count != 5 {
		t.Errorf("Expected exactly 5 results, got %d", count)
	}
	if calls := eng.upstream.calls.Load(); calls != 3 {
		t.Errorf("Expected 3 upstream calls for the 3 unclassified phones, got %d", calls)
	}

	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusCompleted {
		t.Errorf("Expected completed, got %s", got.ProcessingStatus)
	}
	if got.ProcessingOffset != 5 {
		t.Errorf("Expected offset 5, got %d", got.ProcessingOffset)
	}
}

func TestWorkerBudgetSplitsChunk(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWallTime = 80 * time.Millisecond
	cfg.ChunkSize = 6

	eng := newTestEngine(t, cfg)
	eng.upstream.setDelay(30 * time.Millisecond)
	ctx := context.Background()

	file, err := eng.service.InitFile(ctx, "slow.csv", models.ServiceBlooio, testPhones(6))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}

	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusProcessing {
		t.Fatalf("Expected file still processing after budget expiry, got %s", got.ProcessingStatus)
	}
	if got.ProcessingOffset == 0 || got.ProcessingOffset >= 6 {
		t.Fatalf("Expected partial progress, got offset %d", got.ProcessingOffset)
	}

	// The interrupted chunk was split: a pending remainder picks up exactly
	// where the budget stopped.
	chunks, err := eng.store.ListChunks(ctx, file.ID)
	if err != nil {
		t.Fatalf("ListChunks failed: %v", err)
	}
	var pending *models.Chunk
	for _, c := range chunks {
		if c.ChunkStatus == models.ChunkStatusPending {
			pending = c
		}
	}
	if pending == nil {
		t.Fatal("Expected a pending remainder chunk")
	}
	if pending.ChunkOffset != got.ProcessingOffset {
		t.Errorf("Expected remainder offset %d, got %d", got.ProcessingOffset, pending.ChunkOffset)
	}

	// A fresh invocation with a real budget finishes the file without
	// duplicating any phone.
	eng.upstream.setDelay(0)
	finisher := NewWorker(eng.service, eng.worker.classifier, testConfig())
	if _, err := finisher.RunOnce(ctx); err != nil {
		t.Fatalf("Second RunOnce failed: %v", err)
	}

	got, err = eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusCompleted {
		t.Errorf("Expected completed, got %s", got.ProcessingStatus)
	}
	count, err := eng.store.CountResults(ctx, file.ID)
	if err != nil {
		t.Fatalf("CountResults failed: %v", err)
	}
	if count != 6 {
		t.Errorf("Expected 6 results total, got %d", count)
	}
}

func TestWorkerReclaimsStuckChunks(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file, err := eng.service.InitFile(ctx, "orphaned.csv", models.ServiceBlooio, testPhones(3))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}
	if err := eng.store.SetFileStatus(ctx, file.ID, models.FileStatusProcessing); err != nil {
		t.Fatalf("SetFileStatus failed: %v", err)
	}

	// A crashed invocation left the chunk in processing.
	if _, err := eng.store.AcquireNextChunk(ctx, file.ID, 3); err != nil {
		t.Fatalf("AcquireNextChunk failed: %v", err)
	}

	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusCompleted {
		t.Errorf("Expected orphaned chunk reclaimed and file completed, got %s", got.ProcessingStatus)
	}
}

func TestWorkerFailsUndecodableChunk(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file := &models.UploadedFile{
		FileName:         "corrupt.csv",
		Service:          models.ServiceBlooio,
		ProcessingTotal:  3,
		ProcessingStatus: models.FileStatusProcessing,
	}
	if _, err := eng.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	chunk := &models.Chunk{
		FileID:    file.ID,
		ChunkData: "not json",
	}
	if err := eng.store.CreateChunks(ctx, []*models.Chunk{chunk}); err != nil {
		t.Fatalf("CreateChunks failed: %v", err)
	}

	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// The chunk burned its whole retry budget within one invocation and is
	// now permanently failed; the file stays incomplete with the error
	// recorded.
	reloaded, err := eng.store.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if reloaded.ChunkStatus != models.ChunkStatusFailedPermanent {
		t.Errorf("Expected failed_permanent, got %s", reloaded.ChunkStatus)
	}

	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus == models.FileStatusCompleted {
		t.Error("File with a permanently failed chunk must not complete")
	}
	if got.LastError == nil {
		t.Error("Expected last_error recorded on the file")
	}
}

func TestWorkerIdlesOnStalledFile(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file := &models.UploadedFile{
		FileName:         "stalled.csv",
		Service:          models.ServiceBlooio,
		ProcessingTotal:  3,
		ProcessingStatus: models.FileStatusProcessing,
	}
	if _, err := eng.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	chunk := &models.Chunk{
		FileID:    file.ID,
		ChunkData: "not json",
	}
	if err := eng.store.CreateChunks(ctx, []*models.Chunk{chunk}); err != nil {
		t.Fatalf("CreateChunks failed: %v", err)
	}

	// The first invocation burns the chunk's retry budget and reports the
	// transitions as progress.
	advanced, err := eng.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !advanced {
		t.Fatal("Expected the failing invocation to report progress")
	}

	// The file is now stalled at offset 0 with a permanently failed chunk.
	// Every further invocation still acquires it but must report no progress,
	// so the runner falls back to its poll interval instead of spinning.
	for i := 0; i < 5; i++ {
		advanced, err := eng.worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("Invocation %d failed: %v", i, err)
		}
		if advanced {
			t.Fatalf("Invocation %d: stalled file must not report progress", i)
		}
	}
}

func TestWorkerIdlesWhenQueueDrainedShortOfTotal(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	// A file claiming three phones but carrying no chunks at all: runnable by
	// the acquisition predicate, yet nothing can ever advance it.
	file := &models.UploadedFile{
		FileName:         "uncovered.csv",
		Service:          models.ServiceBlooio,
		ProcessingTotal:  3,
		ProcessingStatus: models.FileStatusProcessing,
	}
	if _, err := eng.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		advanced, err := eng.worker.RunOnce(ctx)
		if err != nil {
			t.Fatalf("Invocation %d failed: %v", i, err)
		}
		if advanced {
			t.Fatalf("Invocation %d: drained file must not report progress", i)
		}
	}
}

func TestWorkerCompletesChunkWithRepeatedPhones(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file := &models.UploadedFile{
		FileName:         "repeated.csv",
		Service:          models.ServiceBlooio,
		ProcessingTotal:  3,
		ProcessingStatus: models.FileStatusProcessing,
	}
	if _, err := eng.store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}

	// A chunk whose payload repeats a phone, as a hand-repaired queue might.
	// The repeat must not poison the atomic result insert.
	chunk := &models.Chunk{FileID: file.ID}
	err := chunk.SetRecords([]models.PhoneRecord{
		{Original: testE164(0), E164: testE164(0)},
		{Original: testE164(0), E164: testE164(0)},
		{Original: testE164(1), E164: testE164(1)},
	})
	if err != nil {
		t.Fatalf("SetRecords failed: %v", err)
	}
	if err := eng.store.CreateChunks(ctx, []*models.Chunk{chunk}); err != nil {
		t.Fatalf("CreateChunks failed: %v", err)
	}

	if _, err := eng.worker.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	reloaded, err := eng.store.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if reloaded.ChunkStatus != models.ChunkStatusCompleted {
		t.Errorf("Expected completed chunk, got %s", reloaded.ChunkStatus)
	}

	got, err := eng.store.GetFile(ctx, file.ID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got.ProcessingStatus != models.FileStatusCompleted {
		t.Errorf("Expected completed file, got %s", got.ProcessingStatus)
	}
	if got.ProcessingOffset != 3 {
		t.Errorf("Expected offset 3, got %d", got.ProcessingOffset)
	}

	// One durable row per distinct phone.
	count, err := eng.store.CountResults(ctx, file.ID)
	if err != nil {
		t.Fatalf("CountResults failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 results for 2 distinct phones, got %d", count)
	}
}

func TestWorkerStopsOnCancelledFile(t *testing.T) {
	eng := newTestEngine(t, testConfig())
	ctx := context.Background()

	file, err := eng.service.InitFile(ctx, "cancelled.csv", models.ServiceBlooio, testPhones(3))
	if err != nil {
		t.Fatalf("InitFile failed: %v", err)
	}
	if err := eng.service.Cancel(ctx, file.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	advanced, err := eng.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if advanced {
		t.Error("Expected cancelled file to be unrunnable")
	}
	if calls := eng.upstream.calls.Load(); calls != 0 {
		t.Errorf("Expected no upstream calls for a cancelled file, got %d", calls)
	}
}
