package mailq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/laurafang/swish/internal/event"
)

// State is a record's retry state.
//
//   - StateNew: never attempted from the queue, or re-queued after a failed
//     immediate send (which does not consume retry budget).
//   - StateRetry: failed at least once from the queue; Remaining counts the
//     delivery attempts still allowed.
type State string

const (
	StateNew   State = "new"
	StateRetry State = "retry"
)

// Record is one queued notification, self-describing and independently
// parseable (one JSON line in the queue file).
type Record struct {
	Account  string          `json:"account"`
	Document string          `json:"document"`
	Kind     event.Kind      `json:"kind"`
	Payload  json.RawMessage `json:"payload"`

	State     State     `json:"state"`
	Remaining int       `json:"remaining,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// NewRecord builds a fresh (state "new") record for delivering ev to account.
func NewRecord(ev event.Event, account string) (Record, error) {
	kind, payload, err := event.Encode(ev)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Account:  account,
		Document: ev.Document(),
		Kind:     kind,
		Payload:  payload,
		State:    StateNew,
		QueuedAt: time.Now().UTC(),
	}, nil
}

// Event decodes the embedded event payload.
func (r Record) Event() (event.Event, error) {
	ev, err := event.Decode(r.Kind, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("mailq: record for %s/%s: %w", r.Document, r.Account, err)
	}
	return ev, nil
}
