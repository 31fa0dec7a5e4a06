package models

import (
	"math"
	"time"
)

// ServiceType identifies the classifier variant a file is processed with.
type ServiceType string

const (
	// ServiceBlooio is the rate-limited single-lookup service (default).
	ServiceBlooio ServiceType = "blooio"
	// ServiceBlooioBulk is the bulk service variant. It uses larger chunks
	// but the same single-GET upstream contract.
	ServiceBlooioBulk ServiceType = "blooio_bulk"
)

// IsValid checks if the service type is known.
func (s ServiceType) IsValid() bool {
	return s == ServiceBlooio || s == ServiceBlooioBulk
}

// FileStatus represents the lifecycle state of an uploaded file.
type FileStatus string

const (
	FileStatusUploading   FileStatus = "uploading"
	FileStatusInitialized FileStatus = "initialized"
	FileStatusProcessing  FileStatus = "processing"
	FileStatusCompleted   FileStatus = "completed"
	FileStatusFailed      FileStatus = "failed"
)

// IsValid checks if the status is a known FileStatus.
func (s FileStatus) IsValid() bool {
	switch s {
	case FileStatusUploading, FileStatusInitialized, FileStatusProcessing,
		FileStatusCompleted, FileStatusFailed:
		return true
	}
	return false
}

// IsRunnable reports whether the chunk worker may pick this file up.
func (s FileStatus) IsRunnable() bool {
	return s == FileStatusInitialized || s == FileStatusProcessing
}

// UploadedFile is the authoritative job descriptor for one uploaded batch.
//
// ProcessingOffset counts phones whose classification is durably recorded.
// It is monotonically non-decreasing and never exceeds ProcessingTotal.
// It is a count, not a position in the original file: chunks may complete
// in any order without violating monotonicity.
type UploadedFile struct {
	ID                 string      `gorm:"primaryKey;size:36" json:"id"`
	FileName           string      `gorm:"size:512;not null" json:"file_name"`
	Service            ServiceType `gorm:"size:50;not null;default:blooio" json:"service"`
	ProcessingTotal    int         `gorm:"not null;default:0" json:"processing_total"`
	ProcessingOffset   int         `gorm:"not null;default:0" json:"processing_offset"`
	ProcessingProgress float64     `gorm:"not null;default:0" json:"processing_progress"`
	ProcessingStatus   FileStatus  `gorm:"size:20;not null;default:uploading;index" json:"processing_status"`
	CanResume          bool        `gorm:"default:false" json:"can_resume"`
	LastError          *string     `json:"last_error,omitempty"`
	ResultsURL         *string     `json:"results_url,omitempty"`
	UploadedAt         time.Time   `gorm:"autoCreateTime;index" json:"uploaded_at"`
	UpdatedAt          time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for UploadedFile.
func (UploadedFile) TableName() string {
	return "uploaded_files"
}

// ProgressPercent derives the progress percentage from offset and total,
// rounded to two decimal places. Returns 0 for an empty file that has not
// completed yet.
func ProgressPercent(offset, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(offset)/float64(total)*100*100) / 100
}
