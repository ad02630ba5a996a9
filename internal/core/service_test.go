package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endToEndCSV = "ID,Resp,Notes\nR1,Yes,ok\nR2,,comment\n,ignored,ignored\n"

func newTestService(store RemoteStore, rec RunRecorder) *Service {
	return NewService(NewEngine(store, DefaultEngineConfig()), rec, ServiceConfig{
		MaxConcurrent: 2,
		MaxWaitTime:   time.Second,
		RunRetention:  time.Minute,
	})
}

func TestService_Preview(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	p, err := svc.Preview("answers.csv", strings.NewReader(endToEndCSV))
	require.NoError(t, err)

	assert.Equal(t, []NormalizedRecord{
		{ID: "R1", Response: "Yes", Notes: "ok"},
		{ID: "R2", Notes: "comment"},
	}, p.Records)
	assert.Equal(t, ExtractStats{DataRows: 3, Emitted: 2, Skipped: 1}, p.Stats)
}

func TestService_StartUpload_EmptyInputFailsBeforeRun(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil)

	_, err := svc.StartUpload(context.Background(), "answers.csv", strings.NewReader("ID,Resp,Notes\n"))

	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Empty(t, svc.ActiveRuns())
	assert.Empty(t, store.queries)
	assert.Equal(t, 0, svc.LimiterStatus().Active)
}

func TestService_StartUpload_RunsToCompletion(t *testing.T) {
	store := newFakeStore().add("responses", entity("e1", "R1"))
	rec := &memRecorder{}
	svc := newTestService(store, rec)
	ctx := context.Background()

	runID, err := svc.StartUpload(ctx, "answers.csv", strings.NewReader(endToEndCSV))
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	result, err := svc.GetRunResult(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, runID, result.RunID)
	assert.Equal(t, 1, result.Summary.Succeeded)
	assert.Equal(t, 1, result.Summary.Failed)
	require.Len(t, result.Summary.Failures, 1)
	assert.Equal(t, "R2", result.Summary.Failures[0].RecordID)
	assert.Equal(t, OutcomeNotFound, result.Summary.Failures[0].Kind)

	progress, err := svc.GetRunProgress(runID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, progress.Phase)
	assert.Equal(t, 100, progress.Percent)
	assert.Equal(t, 2, progress.Processed)

	require.NoError(t, svc.WaitForRuns(ctx))
	assert.Equal(t, 1, rec.count())

	runs, err := svc.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "answers.csv", runs[0].FileName)
}

func TestService_SubscribeProgress(t *testing.T) {
	store := newFakeStore().add("responses", entity("e1", "R1"), entity("e2", "R2"))
	svc := newTestService(store, nil)

	runID, err := svc.StartUpload(context.Background(), "answers.csv", strings.NewReader(endToEndCSV))
	require.NoError(t, err)

	ch, err := svc.SubscribeProgress(runID)
	require.NoError(t, err)

	var last RunProgress
	for p := range ch {
		assert.GreaterOrEqual(t, p.Percent, last.Percent)
		last = p
	}
	// The channel closes once the run is done, even for late subscribers.
	assert.Equal(t, PhaseCompleted, last.Phase)
	assert.Equal(t, 100, last.Percent)
}

func TestService_SlowSubscriberStillSeesCompletion(t *testing.T) {
	base := newFakeStore()
	records := make([]NormalizedRecord, 30)
	for i := range records {
		id := fmt.Sprintf("R%d", i+1)
		base.add("responses", entity("e"+id, id))
		records[i] = NormalizedRecord{ID: id, Response: "Yes"}
	}
	store := &blockingStore{fakeStore: base, release: make(chan struct{})}
	svc := newTestService(store, nil)
	ctx := context.Background()

	runID, err := svc.StartRecords(ctx, "answers.csv", "", ExtractStats{}, records)
	require.NoError(t, err)

	ch, err := svc.SubscribeProgress(runID)
	require.NoError(t, err)

	// Nothing is read until the run is over, so the buffer overflows.
	close(store.release)
	_, err = svc.GetRunResult(ctx, runID)
	require.NoError(t, err)

	var last RunProgress
	for p := range ch {
		last = p
	}
	assert.Equal(t, PhaseCompleted, last.Phase)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, 30, last.Processed)
}

func TestService_UnknownRun(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)

	_, err := svc.GetRunProgress("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = svc.SubscribeProgress("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = svc.GetRunResult(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestService_ListRunsWithoutRecorder(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	_, err := svc.ListRuns(context.Background(), 5)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
}

func TestService_UnsupportedFile(t *testing.T) {
	svc := newTestService(newFakeStore(), nil)
	_, err := svc.StartUpload(context.Background(), "answers.pdf", strings.NewReader("%PDF"))
	require.Error(t, err)
	assert.Equal(t, "FILE002", MapError(err).Code)
}

// blockingStore holds every Update until release is closed.
type blockingStore struct {
	*fakeStore
	release chan struct{}
}

func (b *blockingStore) Update(ctx context.Context, collection, id string, payload map[string]any) error {
	<-b.release
	return b.fakeStore.Update(ctx, collection, id, payload)
}

func TestService_BusyWhenSlotsTaken(t *testing.T) {
	store := &blockingStore{
		fakeStore: newFakeStore().add("responses", entity("e1", "R1")),
		release:   make(chan struct{}),
	}
	svc := NewService(NewEngine(store, DefaultEngineConfig()), nil, ServiceConfig{
		MaxConcurrent: 1,
		MaxWaitTime:   50 * time.Millisecond,
	})
	ctx := context.Background()

	first, err := svc.StartUpload(ctx, "a.csv", strings.NewReader("ID,Resp\nR1,Yes\n"))
	require.NoError(t, err)

	_, err = svc.StartUpload(ctx, "b.csv", strings.NewReader("ID,Resp\nR1,Yes\n"))
	assert.ErrorIs(t, err, ErrTooManyUploads)

	close(store.release)
	result, err := svc.GetRunResult(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Succeeded)
}

func TestService_GetRunResultHonoursContext(t *testing.T) {
	store := &blockingStore{
		fakeStore: newFakeStore().add("responses", entity("e1", "R1")),
		release:   make(chan struct{}),
	}
	defer close(store.release)
	svc := newTestService(store, nil)

	runID, err := svc.StartUpload(context.Background(), "a.csv", strings.NewReader("ID,Resp\nR1,Yes\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.GetRunResult(ctx, runID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_RunPurgeJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &memRecorder{runs: []RunRecord{
		{ID: "old", FinishedAt: now.AddDate(0, 0, -120)},
		{ID: "recent", FinishedAt: now.AddDate(0, 0, -10)},
	}}
	svc := newTestService(newFakeStore(), rec)

	purged := svc.runPurgeJob(context.Background(), PurgeConfig{RetentionDays: 90}.withDefaults(), now)

	assert.Equal(t, int64(1), purged)
	runs, err := rec.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "recent", runs[0].ID)
}

func TestService_StartHistoryPurgeStopsWithContext(t *testing.T) {
	svc := newTestService(newFakeStore(), &memRecorder{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.StartHistoryPurge(ctx, PurgeConfig{Interval: time.Hour})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartHistoryPurge did not stop after cancel")
	}
}
