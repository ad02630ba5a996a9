package core

// Severity classifies a status line.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// StatusUpdate is the latest human-readable status of a batch.
type StatusUpdate struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
}

// Observer receives batch events. Calls happen on the batch goroutine in
// order: a status and a progress value after each record, then one
// completion event. Observers must not block for long.
type Observer interface {
	OnStatus(StatusUpdate)
	OnProgress(percent int)
	OnComplete(BatchSummary)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Status   func(StatusUpdate)
	Progress func(int)
	Complete func(BatchSummary)
}

func (f ObserverFuncs) OnStatus(u StatusUpdate) {
	if f.Status != nil {
		f.Status(u)
	}
}

func (f ObserverFuncs) OnProgress(p int) {
	if f.Progress != nil {
		f.Progress(p)
	}
}

func (f ObserverFuncs) OnComplete(s BatchSummary) {
	if f.Complete != nil {
		f.Complete(s)
	}
}

// statusFor renders the status line emitted after a record.
func statusFor(o UpdateOutcome) StatusUpdate {
	switch o.Kind {
	case OutcomeUpdated:
		return StatusUpdate{Text: "Updated " + o.RecordID, Severity: SeveritySuccess}
	case OutcomeNoOp:
		return StatusUpdate{Text: "Skipped " + o.RecordID + ": " + o.Detail, Severity: SeverityInfo}
	default:
		return StatusUpdate{Text: "Failed " + o.RecordID + ": " + o.Detail, Severity: SeverityError}
	}
}
