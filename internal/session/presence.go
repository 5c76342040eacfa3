package session

// Presence is the persona's visible activity while a session is active.
type Presence int

const (
	PresenceIdle Presence = iota
	PresenceListening
	PresenceProcessing
	PresenceSpeaking
)

// String returns the lower-case presence name.
func (p Presence) String() string {
	switch p {
	case PresenceIdle:
		return "idle"
	case PresenceListening:
		return "listening"
	case PresenceProcessing:
		return "processing"
	case PresenceSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}
