// Package types defines the shared types used across the rehearsal packages.
//
// These types form the lingua franca between the session pipeline, the report
// contract and the archive. Each package defines its own domain types; only the
// finalized conversation log lives here to avoid circular imports.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies the speaker of a finalized [Message].
type Role string

const (
	// RoleUser marks a message spoken or typed by the participant.
	RoleUser Role = "user"

	// RoleModel marks a message produced by the persona.
	RoleModel Role = "model"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleModel
}

// Message is one finalized conversation turn. Messages are immutable once
// created and are only ever appended to a [Log].
type Message struct {
	// Role is the speaker of this turn.
	Role Role `json:"role"`

	// Text is the full text of the turn.
	Text string `json:"text"`

	// Timestamp is when the turn was finalized.
	Timestamp time.Time `json:"timestamp"`
}

// String renders the message as a "role: text" transcript line.
func (m Message) String() string {
	return fmt.Sprintf("%s: %s", m.Role, m.Text)
}

// Log is an append-only, ordered list of finalized messages.
// It is not safe for concurrent use; the session pipeline owns it exclusively.
type Log struct {
	messages []Message
}

// Append adds m to the end of the log.
func (l *Log) Append(m Message) {
	l.messages = append(l.messages, m)
}

// Len returns the number of messages in the log.
func (l *Log) Len() int { return len(l.messages) }

// Messages returns a copy of the log contents in order.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Transcript renders messages as "role: text" lines joined by newlines.
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.String())
	}
	return b.String()
}
