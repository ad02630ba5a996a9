package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/sheet"
	"github.com/google/uuid"
)

// ErrRunNotFound is returned for unknown or evicted run IDs.
var ErrRunNotFound = errors.New("run not found")

// DefaultRunRetention is how long finished runs stay queryable in memory.
const DefaultRunRetention = 15 * time.Minute

// ServiceConfig tunes batch scheduling.
type ServiceConfig struct {
	MaxConcurrent int
	MaxWaitTime   time.Duration
	RunRetention  time.Duration
}

// RunPhase is the lifecycle stage of a run.
type RunPhase string

const (
	PhaseRunning   RunPhase = "running"
	PhaseCompleted RunPhase = "completed"
	PhaseFailed    RunPhase = "failed"
)

// RunProgress is a point-in-time view of a run, fanned out to subscribers.
type RunProgress struct {
	RunID     string       `json:"run_id"`
	FileName  string       `json:"file_name"`
	Phase     RunPhase     `json:"phase"`
	Percent   int          `json:"percent"`
	Processed int          `json:"processed"`
	Total     int          `json:"total"`
	Status    StatusUpdate `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// RunResult is the final state of a run.
type RunResult struct {
	RunID      string       `json:"run_id"`
	FileName   string       `json:"file_name"`
	Sheet      string       `json:"sheet,omitempty"`
	Extract    ExtractStats `json:"extract"`
	Summary    BatchSummary `json:"summary"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Error      string       `json:"error,omitempty"`
}

// Preview is a decoded and extracted file that has not been reconciled.
type Preview struct {
	FileName string             `json:"file_name"`
	Sheet    string             `json:"sheet,omitempty"`
	Format   sheet.Format       `json:"format"`
	Stats    ExtractStats       `json:"stats"`
	Records  []NormalizedRecord `json:"records"`
}

// Service runs reconciliation batches in the background and tracks them.
type Service struct {
	engine    *Engine
	recorder  RunRecorder
	limiter   *UploadLimiter
	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*activeRun
}

// activeRun is a batch in flight or recently finished. It is the engine's
// Observer for that batch.
type activeRun struct {
	id       string
	fileName string

	mu        sync.Mutex
	progress  RunProgress
	result    *RunResult
	listeners []chan RunProgress
	done      chan struct{}
}

// NewService creates a Service. recorder may be nil to disable history.
func NewService(engine *Engine, recorder RunRecorder, cfg ServiceConfig) *Service {
	retention := cfg.RunRetention
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	return &Service{
		engine:    engine,
		recorder:  recorder,
		limiter:   NewUploadLimiter(cfg.MaxConcurrent, cfg.MaxWaitTime),
		retention: retention,
		runs:      make(map[string]*activeRun),
	}
}

// Preview decodes and extracts a file without touching the store.
func (s *Service) Preview(fileName string, r io.Reader) (*Preview, error) {
	decoded, err := sheet.Decode(fileName, r)
	if err != nil {
		return nil, err
	}
	records, stats, err := ExtractWithStats(decoded.Rows)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", fileName, err)
	}
	return &Preview{
		FileName: fileName,
		Sheet:    decoded.Sheet,
		Format:   decoded.Format,
		Stats:    stats,
		Records:  records,
	}, nil
}

// StartUpload decodes and extracts the file, then reconciles it in the
// background. It returns the run ID once the batch has a slot.
//
// Decoding and extraction errors (including ErrEmptyInput) are returned
// before a run exists. Returns ErrTooManyUploads if no slot frees up in time.
// A started batch always runs to completion; ctx only bounds the wait.
func (s *Service) StartUpload(ctx context.Context, fileName string, r io.Reader) (string, error) {
	preview, err := s.Preview(fileName, r)
	if err != nil {
		return "", err
	}
	return s.StartRecords(ctx, preview.FileName, preview.Sheet, preview.Stats, preview.Records)
}

// StartRecords reconciles already extracted records in the background.
func (s *Service) StartRecords(ctx context.Context, fileName, sheetName string, stats ExtractStats, records []NormalizedRecord) (string, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	run := &activeRun{
		id:       runID,
		fileName: fileName,
		progress: RunProgress{
			RunID:    runID,
			FileName: fileName,
			Phase:    PhaseRunning,
			Total:    len(records),
			Status:   StatusUpdate{Text: fmt.Sprintf("Reconciling %d records", len(records)), Severity: SeverityInfo},
		},
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	// Detached from the request: a batch is never cancelled mid-way.
	runCtx := logging.WithRunID(context.Background(), runID)

	go func() {
		defer s.limiter.Release()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in batch run",
					"run_id", runID,
					"file", fileName,
					"panic", r,
				)
				run.fail(fmt.Sprintf("internal error: %v", r))
				s.cleanup(runID, s.retention)
			}
		}()
		s.process(runCtx, run, sheetName, stats, records)
	}()

	return runID, nil
}

func (s *Service) process(ctx context.Context, run *activeRun, sheetName string, stats ExtractStats, records []NormalizedRecord) {
	logger := logging.WithFields(ctx, "file", run.fileName, "records", len(records))
	logger.Info("batch started")

	started := time.Now()
	summary := s.engine.Run(ctx, records, run)
	finished := time.Now()

	result := &RunResult{
		RunID:      run.id,
		FileName:   run.fileName,
		Sheet:      sheetName,
		Extract:    stats,
		Summary:    summary,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
	}

	s.recordRun(ctx, NewRunRecord(run.id, run.fileName, summary, started, finished))
	run.finish(result)
	s.cleanup(run.id, s.retention)

	logger.Info("batch finished",
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration_ms", finished.Sub(started).Milliseconds(),
	)
}

func (s *Service) lookupRun(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// SubscribeProgress returns a channel of progress snapshots. The current
// snapshot is sent first and the channel closes when the run ends.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	run, err := s.lookupRun(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan RunProgress, 10)

	run.mu.Lock()
	defer run.mu.Unlock()

	ch <- run.progress
	if run.result != nil {
		close(ch)
		return ch, nil
	}
	run.listeners = append(run.listeners, ch)
	return ch, nil
}

// GetRunResult blocks until the run finishes or ctx is done.
func (s *Service) GetRunResult(ctx context.Context, runID string) (*RunResult, error) {
	run, err := s.lookupRun(runID)
	if err != nil {
		return nil, err
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, nil
}

// GetRunProgress returns the current progress without blocking.
func (s *Service) GetRunProgress(runID string) (RunProgress, error) {
	run, err := s.lookupRun(runID)
	if err != nil {
		return RunProgress{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, nil
}

// ActiveRuns returns progress for every tracked run.
func (s *Service) ActiveRuns() []RunProgress {
	s.mu.RLock()
	runs := make([]*activeRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	out := make([]RunProgress, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, r.progress)
		r.mu.Unlock()
	}
	return out
}

// LimiterStatus reports batch slot usage.
func (s *Service) LimiterStatus() UploadLimiterStatus {
	return s.limiter.Status()
}

// WaitForRuns blocks until no batch is running or ctx is done.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// cleanup removes the run from tracking after a delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

func (r *activeRun) OnStatus(u StatusUpdate) {
	r.mu.Lock()
	r.progress.Status = u
	r.progress.Processed++
	r.mu.Unlock()
}

func (r *activeRun) OnProgress(percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Percent = percent
	r.notifyLocked()
}

func (r *activeRun) OnComplete(summary BatchSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress.Percent = 100
	r.progress.Status = StatusUpdate{
		Text:     fmt.Sprintf("Finished: %d updated, %d failed", summary.Succeeded, summary.Failed),
		Severity: completionSeverity(summary),
	}
}

func completionSeverity(s BatchSummary) Severity {
	if s.Failed > 0 {
		return SeverityError
	}
	return SeveritySuccess
}

// finish publishes the result and closes all listeners.
func (r *activeRun) finish(result *RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.result = result
	r.progress.Phase = PhaseCompleted
	r.notifyFinalLocked()
	r.closeLocked()
}

// fail ends the run without a summary.
func (r *activeRun) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.result != nil {
		return
	}
	r.progress.Phase = PhaseFailed
	r.progress.Error = msg
	r.progress.Status = StatusUpdate{Text: msg, Severity: SeverityError}
	r.result = &RunResult{
		RunID:      r.id,
		FileName:   r.fileName,
		FinishedAt: time.Now().UTC(),
		Error:      msg,
	}
	r.notifyFinalLocked()
	r.closeLocked()
}

// notifyLocked sends the current progress to every listener without
// blocking. A slow listener misses intermediate snapshots.
func (r *activeRun) notifyLocked() {
	for _, ch := range r.listeners {
		select {
		case ch <- r.progress:
		default:
		}
	}
}

// notifyFinalLocked delivers the terminal snapshot to every listener. When a
// listener's buffer is full the oldest pending snapshot is dropped to make
// room. Only senders holding r.mu write to listeners, so the send after the
// drain cannot block.
func (r *activeRun) notifyFinalLocked() {
	for _, ch := range r.listeners {
		select {
		case ch <- r.progress:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		ch <- r.progress
	}
}

func (r *activeRun) closeLocked() {
	for _, ch := range r.listeners {
		close(ch)
	}
	r.listeners = nil
	close(r.done)
}
