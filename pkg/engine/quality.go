package engine

import (
	"context"

	"github.com/carriersift/carriersift/internal/logger"
	"github.com/carriersift/carriersift/pkg/engine/models"
)

// Quality-check thresholds for a completed file's verdict distribution.
// Ratios outside these bounds usually mean a bad upload (wrong country
// codes, test data) or a degraded upstream, not a genuine population.
const (
	qualityIPhoneMinPercent = 30.0
	qualityIPhoneMaxPercent = 70.0
	qualityErrorMaxPercent  = 10.0
)

// QualityReport summarizes the verdict distribution of a completed file.
type QualityReport struct {
	FileID     string                         `json:"file_id"`
	Total      int64                          `json:"total"`
	Counts     map[models.ContactType]int64   `json:"counts"`
	Percents   map[models.ContactType]float64 `json:"percents"`
	Suspicious bool                           `json:"suspicious"`
	Warnings   []string                       `json:"warnings,omitempty"`
}

// QualityReport computes the verdict distribution for a file.
func (s *Service) QualityReport(ctx context.Context, fileID string) (*QualityReport, error) {
	counts, err := s.store.ContactTypeBreakdown(ctx, fileID)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	report := &QualityReport{
		FileID:   fileID,
		Total:    total,
		Counts:   counts,
		Percents: make(map[models.ContactType]float64, len(counts)),
	}
	if total == 0 {
		return report, nil
	}

	for contactType, n := range counts {
		report.Percents[contactType] = float64(n) / float64(total) * 100
	}

	iphone := report.Percents[models.ContactTypeIPhone]
	errPct := report.Percents[models.ContactTypeError]

	if iphone < qualityIPhoneMinPercent {
		report.Warnings = append(report.Warnings, "iPhone share unusually low")
	}
	if iphone > qualityIPhoneMaxPercent {
		report.Warnings = append(report.Warnings, "iPhone share unusually high")
	}
	if errPct > qualityErrorMaxPercent {
		report.Warnings = append(report.Warnings, "error verdict share above threshold")
	}
	report.Suspicious = len(report.Warnings) > 0

	return report, nil
}

// qualityCheck logs a warning when a freshly completed file's distribution
// looks off. Advisory only; it never affects the file's status.
func (s *Service) qualityCheck(ctx context.Context, fileID string, total int) {
	report, err := s.QualityReport(ctx, fileID)
	if err != nil {
		logger.Warn("Quality check failed", "file_id", fileID, "error", err)
		return
	}
	if !report.Suspicious {
		return
	}

	logger.Warn("Completed file has a suspicious verdict distribution",
		"file_id", fileID,
		"total", total,
		"iphone_pct", report.Percents[models.ContactTypeIPhone],
		"android_pct", report.Percents[models.ContactTypeAndroid],
		"unknown_pct", report.Percents[models.ContactTypeUnknown],
		"error_pct", report.Percents[models.ContactTypeError],
		"warnings", report.Warnings,
	)
}
