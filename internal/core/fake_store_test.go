package core

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errUnreachable = errors.New("connection refused")

// fakeStore is an in-memory RemoteStore. Keyed queries against collections
// listed in broken fail with errUnreachable; Probe fails with probeErr.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string][]Entity
	broken      map[string]bool
	probeErr    error
	updateErr   error

	queries []string // "collection:key"
	probes  []string
	updates []fakeUpdate
}

type fakeUpdate struct {
	collection string
	entityID   string
	payload    map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string][]Entity),
		broken:      make(map[string]bool),
	}
}

func (f *fakeStore) add(collection string, entities ...Entity) *fakeStore {
	f.collections[collection] = append(f.collections[collection], entities...)
	return f
}

func (f *fakeStore) QueryByKey(ctx context.Context, collection, keyField, keyValue string) ([]Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, collection+":"+keyValue)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.broken[collection] {
		return nil, errUnreachable
	}

	var out []Entity
	for _, e := range f.collections[collection] {
		if e[keyField] == keyValue {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) Probe(ctx context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.probes = append(f.probes, collection)
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.probeErr
}

func (f *fakeStore) Update(ctx context.Context, collection, entityID string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, fakeUpdate{collection: collection, entityID: entityID, payload: payload})
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.updateErr
}

func (f *fakeStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

// memRecorder is an in-memory RunRecorder.
type memRecorder struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (m *memRecorder) RecordRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRecorder) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RunRecord, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.runs[i])
	}
	return out, nil
}

func (m *memRecorder) PurgeRuns(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.runs[:0]
	var purged int64
	for _, r := range m.runs {
		if r.FinishedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	m.runs = kept
	return purged, nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
