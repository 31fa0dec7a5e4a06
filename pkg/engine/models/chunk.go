package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChunkStatus represents the lifecycle state of a work chunk.
type ChunkStatus string

const (
	ChunkStatusPending         ChunkStatus = "pending"
	ChunkStatusProcessing      ChunkStatus = "processing"
	ChunkStatusCompleted       ChunkStatus = "completed"
	ChunkStatusFailed          ChunkStatus = "failed"
	ChunkStatusFailedPermanent ChunkStatus = "failed_permanent"
)

// IsValid checks if the status is a known ChunkStatus.
func (s ChunkStatus) IsValid() bool {
	switch s {
	case ChunkStatusPending, ChunkStatusProcessing, ChunkStatusCompleted,
		ChunkStatusFailed, ChunkStatusFailedPermanent:
		return true
	}
	return false
}

// IsTerminal reports whether the chunk will never be picked up again.
func (s ChunkStatus) IsTerminal() bool {
	return s == ChunkStatusCompleted || s == ChunkStatusFailedPermanent
}

// PhoneRecord is one payload element: the phone as uploaded plus its
// normalized E.164 form.
type PhoneRecord struct {
	Original string `json:"original"`
	E164     string `json:"e164"`
}

// Chunk is a persistent unit of work: an ordered slice of a file's validated
// phone sequence.
//
// ChunkOffset is the position within the file's validated phone sequence at
// which this chunk's payload begins. It is used for acquisition ordering and
// repair, not for progress accounting.
//
// The payload is stored as opaque JSON text so a chunk survives process
// restart without any sidecar state.
type Chunk struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"`
	FileID      string      `gorm:"size:36;not null;index:idx_chunks_file_status" json:"file_id"`
	ChunkOffset int         `gorm:"not null;default:0" json:"chunk_offset"`
	ChunkData   string      `gorm:"type:text;not null" json:"-"`
	ChunkStatus ChunkStatus `gorm:"size:20;not null;default:pending;index:idx_chunks_file_status" json:"chunk_status"`
	RetryCount  int         `gorm:"not null;default:0" json:"retry_count"`
	LastError   *string     `json:"last_error,omitempty"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Chunk.
func (Chunk) TableName() string {
	return "processing_chunks"
}

// Records decodes the JSON payload into phone records.
func (c *Chunk) Records() ([]PhoneRecord, error) {
	var records []PhoneRecord
	if err := json.Unmarshal([]byte(c.ChunkData), &records); err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s payload: %w", c.ID, err)
	}
	return records, nil
}

// SetRecords encodes phone records into the JSON payload column.
func (c *Chunk) SetRecords(records []PhoneRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode chunk payload: %w", err)
	}
	c.ChunkData = string(data)
	return nil
}
