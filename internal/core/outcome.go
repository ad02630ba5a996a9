package core

import (
	"fmt"
)

// OutcomeKind is the terminal state of reconciling one record.
type OutcomeKind int

const (
	// OutcomeUpdated means the entity was found and the update applied.
	OutcomeUpdated OutcomeKind = iota
	// OutcomeNotFound means a lookup ran and matched no entity.
	OutcomeNotFound
	// OutcomeAccessError means no collection could be queried at all.
	OutcomeAccessError
	// OutcomeNoOp means the record had neither a response nor notes.
	OutcomeNoOp
	// OutcomeUpdateFailed means the store rejected the update.
	OutcomeUpdateFailed
)

var outcomeNames = [...]string{
	OutcomeUpdated:      "updated",
	OutcomeNotFound:     "not_found",
	OutcomeAccessError:  "access_error",
	OutcomeNoOp:         "no_op",
	OutcomeUpdateFailed: "update_failed",
}

// String returns the snake_case name used in logs, JSON and CSV exports.
func (k OutcomeKind) String() string {
	if k < 0 || int(k) >= len(outcomeNames) {
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
	return outcomeNames[k]
}

// MarshalText encodes the kind by name.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(outcomeNames) {
		return nil, fmt.Errorf("invalid outcome kind %d", int(k))
	}
	return []byte(outcomeNames[k]), nil
}

// UnmarshalText decodes a kind written by MarshalText.
func (k *OutcomeKind) UnmarshalText(text []byte) error {
	for i, name := range outcomeNames {
		if name == string(text) {
			*k = OutcomeKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", text)
}

// UpdateOutcome is the result of reconciling one record. Outcomes are
// created once and never modified.
type UpdateOutcome struct {
	RecordID   string      `json:"record_id"`
	Kind       OutcomeKind `json:"outcome"`
	Detail     string      `json:"detail,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	Collection string      `json:"collection,omitempty"`
}

// Success reports whether the record was updated.
func (o UpdateOutcome) Success() bool {
	return o.Kind == OutcomeUpdated
}

// BatchSummary aggregates the outcomes of one batch.
type BatchSummary struct {
	Total     int             `json:"total"`
	Succeeded int             `json:"succeeded"`
	Failed    int             `json:"failed"`
	Failures  []UpdateOutcome `json:"failures"`
	Outcomes  []UpdateOutcome `json:"outcomes"`
}

// Summarize counts outcomes and collects failures in input order.
func Summarize(outcomes []UpdateOutcome) BatchSummary {
	summary := BatchSummary{
		Total:    len(outcomes),
		Failures: []UpdateOutcome{},
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		if o.Success() {
			summary.Succeeded++
			continue
		}
		summary.Failed++
		summary.Failures = append(summary.Failures, o)
	}
	return summary
}

// CountByKind tallies outcomes per kind.
func (s BatchSummary) CountByKind() map[OutcomeKind]int {
	counts := make(map[OutcomeKind]int)
	for _, o := range s.Outcomes {
		counts[o.Kind]++
	}
	return counts
}
