package pipeline

import (
	"fmt"

	"invoice-collector-go/internal/model"
)

// Event drives a record from one status to the next.
type Event string

const (
	EvInvoice    Event = "classified-invoice"
	EvNotInvoice Event = "classified-not-invoice"
	EvAmbiguous  Event = "classified-ambiguous"
	EvDuplicate  Event = "duplicate-fingerprint"
	EvUploaded   Event = "upload-ok"
	EvTransient  Event = "transient-error"
	EvConflict   Event = "upload-conflict"
	EvError      Event = "unexpected-error"
	EvRetry      Event = "retry"
)

type transition struct {
	from  model.Status
	event Event
}

// transitions is the complete per-attachment state machine. Any pair not
// listed is rejected.
var transitions = map[transition]model.Status{
	{model.StatusDiscovered, EvInvoice}:    model.StatusClassified,
	{model.StatusDiscovered, EvNotInvoice}: model.StatusSkipped,
	{model.StatusDiscovered, EvAmbiguous}:  model.StatusSkipped,
	{model.StatusDiscovered, EvDuplicate}:  model.StatusSkipped,
	{model.StatusClassified, EvUploaded}:   model.StatusUploaded,

	{model.StatusDiscovered, EvTransient}: model.StatusDiscovered,
	{model.StatusClassified, EvTransient}: model.StatusDiscovered,
	{model.StatusDiscovered, EvError}:     model.StatusFailed,
	{model.StatusClassified, EvError}:     model.StatusFailed,
	{model.StatusClassified, EvConflict}:  model.StatusFailed,

	{model.StatusFailed, EvRetry}:     model.StatusDiscovered,
	{model.StatusDiscovered, EvRetry}: model.StatusDiscovered,
}

// Next returns the status reached from from on ev.
func Next(from model.Status, ev Event) (model.Status, error) {
	to, ok := transitions[transition{from, ev}]
	if !ok {
		return "", fmt.Errorf("invalid transition %s --(%s)-->", from, ev)
	}
	return to, nil
}

// machine applies events to a record and enforces the retry bound.
type machine struct {
	rec         *model.AttachmentRecord
	maxAttempts int
}

// apply moves the record on ev. Error events count an attempt; when the
// bound is reached, or on a conflict, the record becomes terminal failed.
func (m *machine) apply(ev Event, cause error) error {
	if m.rec.Terminal {
		return fmt.Errorf("record %s/%s is terminal (%s)", m.rec.MessageID, m.rec.AttachmentID, m.rec.Status)
	}
	to, err := Next(m.rec.Status, ev)
	if err != nil {
		return err
	}

	switch ev {
	case EvTransient, EvError:
		m.rec.Attempts++
		if m.rec.Attempts >= m.maxAttempts {
			to = model.StatusFailed
			m.rec.Terminal = true
			m.rec.FailureReason = fmt.Sprintf("giving up after %d attempts: %v", m.rec.Attempts, cause)
		} else if to == model.StatusFailed {
			m.rec.FailureReason = cause.Error()
		}
	case EvConflict:
		m.rec.Terminal = true
		m.rec.FailureReason = cause.Error()
	case EvRetry:
		m.rec.FailureReason = ""
	}

	if to != model.StatusFailed {
		m.rec.FailureReason = ""
	}
	if to != model.StatusUploaded {
		m.rec.RemotePath = ""
		m.rec.RemoteLink = ""
	}
	if to == model.StatusUploaded || to == model.StatusSkipped {
		m.rec.Terminal = true
	}
	m.rec.Status = to
	return nil
}
