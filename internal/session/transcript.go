package session

import (
	"strings"
	"time"

	"github.com/MrWong99/rehearsal/pkg/types"
)

// Accumulator collects the partial transcripts of the current turn.
//
// Participant and persona deltas are concatenated until a turn boundary,
// when [Accumulator.Flush] turns them into finalized messages and resets
// both buffers. Typed participant messages are recorded when sent; they are
// also queued as pending so that a turn without a spoken transcript consumes
// one of them instead of producing an empty participant entry.
//
// Not safe for concurrent use; the pipeline goroutine owns it.
type Accumulator struct {
	participant strings.Builder
	persona     strings.Builder
	pending     []string
}

// AddParticipant appends a participant transcript delta.
func (a *Accumulator) AddParticipant(delta string) {
	a.participant.WriteString(delta)
}

// AddPersona appends a persona transcript delta.
func (a *Accumulator) AddPersona(delta string) {
	a.persona.WriteString(delta)
}

// PushPending queues a typed participant message.
func (a *Accumulator) PushPending(text string) {
	a.pending = append(a.pending, text)
}

// Pending returns the number of queued typed messages.
func (a *Accumulator) Pending() int { return len(a.pending) }

// Preview returns the in-progress participant and persona text.
func (a *Accumulator) Preview() (participant, persona string) {
	return a.participant.String(), a.persona.String()
}

// Flush closes the current turn. When no participant text was transcribed
// and typed messages are pending, exactly one pending message is consumed.
// It returns the participant message (if any) followed by the persona
// message (if any), both stamped with now, and resets the buffers.
func (a *Accumulator) Flush(now time.Time) []types.Message {
	participant, persona := a.Preview()
	if participant == "" && len(a.pending) > 0 {
		a.pending = a.pending[1:]
	}

	var out []types.Message
	if participant != "" {
		out = append(out, types.Message{Role: types.RoleUser, Text: participant, Timestamp: now})
	}
	if persona != "" {
		out = append(out, types.Message{Role: types.RoleModel, Text: persona, Timestamp: now})
	}
	a.participant.Reset()
	a.persona.Reset()
	return out
}
