package core

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/logging"
)

// EngineConfig names the collections and fields the engine reads and writes.
type EngineConfig struct {
	PrimaryCollection  string
	FallbackCollection string // "" disables the fallback strategy
	KeyField           string
	IDField            string
	ResponseField      string
	NotesField         string
}

// DefaultEngineConfig matches the defaults of the RECONCILE_* settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PrimaryCollection:  "responses",
		FallbackCollection: "response",
		KeyField:           "record_id",
		IDField:            "id",
		ResponseField:      "response",
		NotesField:         "notes",
	}
}

// EngineConfigFrom maps the RECONCILE_* settings onto an EngineConfig.
func EngineConfigFrom(c config.ReconcileConfig) EngineConfig {
	return EngineConfig{
		PrimaryCollection:  c.PrimaryCollection,
		FallbackCollection: c.Fallback(),
		KeyField:           c.KeyField,
		IDField:            c.IDField,
		ResponseField:      c.ResponseField,
		NotesField:         c.NotesField,
	}
}

// Engine reconciles records against a RemoteStore one at a time.
type Engine struct {
	store      RemoteStore
	cfg        EngineConfig
	strategies []lookupStrategy
}

// NewEngine creates an engine for store.
func NewEngine(store RemoteStore, cfg EngineConfig) *Engine {
	e := &Engine{store: store, cfg: cfg}
	e.strategies = e.buildStrategies()
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// Run reconciles records strictly in order. After each record the observer
// receives a status line and the rounded completion percentage; after the
// last record it receives the summary. Record failures never stop the batch.
//
// Once started a batch runs to completion: cancelling ctx does not reach the
// store calls. Context values such as the run ID are kept.
func (e *Engine) Run(ctx context.Context, records []NormalizedRecord, obs Observer) BatchSummary {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	ctx = context.WithoutCancel(ctx)

	logger := logging.FromContext(ctx)
	start := time.Now()
	total := len(records)
	outcomes := make([]UpdateOutcome, 0, total)

	for i, rec := range records {
		outcome := e.ReconcileOne(ctx, rec)
		outcomes = append(outcomes, outcome)

		obs.OnStatus(statusFor(outcome))
		obs.OnProgress(progressPercent(i+1, total))
	}

	summary := Summarize(outcomes)
	logger.Info("batch reconciled",
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	obs.OnComplete(summary)
	return summary
}

// ReconcileOne looks up the record's entity, builds the partial update and
// applies it. Every failure is returned as outcome data.
func (e *Engine) ReconcileOne(ctx context.Context, rec NormalizedRecord) UpdateOutcome {
	res := e.lookup(ctx, rec.ID)

	switch res.status {
	case lookupTransportError:
		return UpdateOutcome{
			RecordID:   rec.ID,
			Kind:       OutcomeAccessError,
			Detail:     fmt.Sprintf("collection %s is not accessible: %v", res.collection, res.err),
			Collection: res.collection,
		}
	case lookupNotFound:
		return UpdateOutcome{
			RecordID:   rec.ID,
			Kind:       OutcomeNotFound,
			Detail:     fmt.Sprintf("record %s not found", rec.ID),
			Collection: res.collection,
		}
	}

	id, ok := entityID(res.entity, e.cfg.IDField)

	payload := e.buildPayload(rec)
	if len(payload) == 0 {
		return UpdateOutcome{
			RecordID:   rec.ID,
			Kind:       OutcomeNoOp,
			Detail:     "nothing to update",
			EntityID:   id,
			Collection: res.collection,
		}
	}

	if !ok {
		return UpdateOutcome{
			RecordID:   rec.ID,
			Kind:       OutcomeUpdateFailed,
			Detail:     fmt.Sprintf("update failed: entity has no %s", e.cfg.IDField),
			Collection: res.collection,
		}
	}

	if err := e.store.Update(ctx, res.collection, id, payload); err != nil {
		return UpdateOutcome{
			RecordID:   rec.ID,
			Kind:       OutcomeUpdateFailed,
			Detail:     fmt.Sprintf("update failed: %v", err),
			EntityID:   id,
			Collection: res.collection,
		}
	}

	return UpdateOutcome{
		RecordID:   rec.ID,
		Kind:       OutcomeUpdated,
		EntityID:   id,
		Collection: res.collection,
	}
}

// buildPayload includes only the fields that are non-blank after trimming.
func (e *Engine) buildPayload(rec NormalizedRecord) map[string]any {
	payload := make(map[string]any, 2)
	if v := strings.TrimSpace(rec.Response); v != "" {
		payload[e.cfg.ResponseField] = v
	}
	if v := strings.TrimSpace(rec.Notes); v != "" {
		payload[e.cfg.NotesField] = v
	}
	return payload
}

// progressPercent is round(done/total*100).
func progressPercent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
