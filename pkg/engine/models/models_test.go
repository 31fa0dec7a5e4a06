package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carriersift/carriersift/pkg/engine/models"
)

func TestFileStatusLifecycle(t *testing.T) {
	tests := []struct {
		status   models.FileStatus
		valid    bool
		runnable bool
	}{
		{models.FileStatusUploading, true, false},
		{models.FileStatusInitialized, true, true},
		{models.FileStatusProcessing, true, true},
		{models.FileStatusCompleted, true, false},
		{models.FileStatusFailed, true, false},
		{models.FileStatus("archived"), false, false},
		{models.FileStatus(""), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.runnable, tt.status.IsRunnable())
		})
	}
}

func TestChunkStatusLifecycle(t *testing.T) {
	tests := []struct {
		status   models.ChunkStatus
		valid    bool
		terminal bool
	}{
		{models.ChunkStatusPending, true, false},
		{models.ChunkStatusProcessing, true, false},
		{models.ChunkStatusFailed, true, false},
		{models.ChunkStatusCompleted, true, true},
		{models.ChunkStatusFailedPermanent, true, true},
		{models.ChunkStatus("paused"), false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestContactTypeValidity(t *testing.T) {
	for _, ct := range []models.ContactType{
		models.ContactTypeIPhone,
		models.ContactTypeAndroid,
		models.ContactTypeUnknown,
		models.ContactTypeError,
	} {
		assert.True(t, ct.IsValid(), "expected %s to be valid", ct)
	}
	assert.False(t, models.ContactType("BlackBerry").IsValid())
}

func TestServiceTypeValidity(t *testing.T) {
	assert.True(t, models.ServiceBlooio.IsValid())
	assert.True(t, models.ServiceBlooioBulk.IsValid())
	assert.False(t, models.ServiceType("twilio").IsValid())
}

func TestProgressPercent(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		total  int
		want   float64
	}{
		{"zero total", 0, 0, 0},
		{"negative total", 5, -1, 0},
		{"start", 0, 100, 0},
		{"half", 50, 100, 50},
		{"done", 100, 100, 100},
		{"rounds to two decimals", 1, 3, 33.33},
		{"rounds up", 2, 3, 66.67},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, models.ProgressPercent(tt.offset, tt.total), 0.001)
		})
	}
}

func TestChunkPayloadRoundTrip(t *testing.T) {
	records := []models.PhoneRecord{
		{Original: "(555) 000-1234", E164: "+15550001234"},
		{Original: "555 000 5678", E164: "+15550005678"},
	}

	chunk := &models.Chunk{ID: "chunk-1", FileID: "file-1"}
	require.NoError(t, chunk.SetRecords(records))

	decoded, err := chunk.Records()
	require.NoError(t, err)
	assert.Equal(t, records, decoded)
}

func TestChunkPayloadMalformed(t *testing.T) {
	chunk := &models.Chunk{ID: "chunk-1", ChunkData: "not json"}

	_, err := chunk.Records()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk-1")
}

func TestCacheEntryFreshness(t *testing.T) {
	now := time.Now()
	ttl := time.Hour

	fresh := &models.CacheEntry{E164: "+15550001234", LastChecked: now.Add(-30 * time.Minute)}
	stale := &models.CacheEntry{E164: "+15550005678", LastChecked: now.Add(-2 * time.Hour)}
	boundary := &models.CacheEntry{E164: "+15550009999", LastChecked: now.Add(-ttl)}

	assert.True(t, fresh.FreshAt(now, ttl))
	assert.False(t, stale.FreshAt(now, ttl))
	assert.False(t, boundary.FreshAt(now, ttl), "an entry exactly at the TTL is a miss")
}
