// Package event defines the wire records accepted by the behavior log
// ingest endpoint, and a Builder that stamps them with a participant
// identity and timestamp.
package event

import (
	"time"

	"github.com/coder/quartz"
)

// Type discriminates event_data payloads on the wire. The vocabulary is
// fixed by the ingest side; adding a value here requires a matching
// change on the server.
type Type string

const (
	TypeCodeEdit              Type = "code_edit"
	TypeUserIdle              Type = "user_idle"
	TypePageClick             Type = "page_click"
	TypeSignificantEdit       Type = "significant_edit"
	TypeSignificantEditsBatch Type = "significant_edits_batch"
	TypeCodingProblem         Type = "coding_problem"
	TypePageFocusChange       Type = "page_focus_change"
	TypeIdleHintDisplayed     Type = "idle_hint_displayed"
	TypeProblemHintDisplayed  Type = "problem_hint_displayed"
)

// Envelope is the single wire record. Every field is required;
// envelopes are never constructed without a participant id.
type Envelope struct {
	ParticipantID string    `json:"participant_id"`
	Type          Type      `json:"event_type"`
	Data          any       `json:"event_data"`
	Timestamp     time.Time `json:"timestamp"`
}

// IdentityResolver reports the participant id under which events are
// recorded. ok is false when no identity is resolvable.
type IdentityResolver interface {
	Resolve() (id string, ok bool)
}

// Builder assembles envelopes. It is a pure query layer: a failed Build
// has no side effects and the candidate event is simply not created.
type Builder struct {
	identity IdentityResolver
	clock    quartz.Clock
}

func NewBuilder(identity IdentityResolver, clock quartz.Clock) *Builder {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Builder{identity: identity, clock: clock}
}

// Build returns a stamped envelope, or ok=false when no participant
// identity is resolvable. Callers must drop the event in that case;
// buffering for a later identity is deliberately not supported.
func (b *Builder) Build(t Type, data any) (*Envelope, bool) {
	id, ok := b.identity.Resolve()
	if !ok {
		return nil, false
	}
	return &Envelope{
		ParticipantID: id,
		Type:          t,
		Data:          data,
		Timestamp:     b.clock.Now(),
	}, true
}
