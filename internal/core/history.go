package core

import (
	"context"
	"errors"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/logging"
)

// ErrHistoryDisabled is returned by history queries when no recorder is set.
var ErrHistoryDisabled = errors.New("run history is not configured")

// recordTimeout bounds the history write made after each batch.
const recordTimeout = 10 * time.Second

// RunRecord is the persisted summary of one finished batch.
type RunRecord struct {
	ID         string          `json:"id"`
	FileName   string          `json:"file_name"`
	Total      int             `json:"total"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Failures   []UpdateOutcome `json:"failures"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Duration is how long the batch ran.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunRecorder persists run history.
type RunRecorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	PurgeRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// NewRunRecord builds the history entry for a finished batch.
func NewRunRecord(id, fileName string, summary BatchSummary, started, finished time.Time) RunRecord {
	return RunRecord{
		ID:         id,
		FileName:   fileName,
		Total:      summary.Total,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		Failures:   summary.Failures,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
	}
}

// ListRuns returns the most recent runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s.recorder == nil {
		return nil, ErrHistoryDisabled
	}
	return s.recorder.ListRuns(ctx, limit)
}

// recordRun stores a finished batch. History failures are logged, never
// surfaced to the batch.
func (s *Service) recordRun(ctx context.Context, rec RunRecord) {
	if s.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := s.recorder.RecordRun(ctx, rec); err != nil {
		logging.FromContext(ctx).Error("record run history failed", "error", err)
	}
}
