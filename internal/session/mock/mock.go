// Package mock provides in-memory implementations of the session pipeline's
// link and ringer for use in unit tests.
//
// All mocks are safe for concurrent use and record their calls.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rehearsal/pkg/live"
)

// Link is a mock relay link. Tests drive it with [Link.Emit] and [Link.End].
type Link struct {
	mu sync.Mutex

	// SetupErr is returned by Setup when non-nil.
	SetupErr error

	// SendErr is returned by SendAudio and SendText when non-nil.
	SendErr error

	setups []live.Setup
	audio  [][]byte
	texts  []string
	events chan live.Event
	ended  bool
	err    error
	closes int
}

// NewLink returns an open Link.
func NewLink() *Link {
	return &Link{events: make(chan live.Event, 256)}
}

// Setup records s.
func (l *Link) Setup(s live.Setup) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setups = append(l.setups, s)
	return l.SetupErr
}

// SendAudio records pcm.
func (l *Link) SendAudio(pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.audio = append(l.audio, pcm)
	return nil
}

// SendText records text.
func (l *Link) SendText(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.texts = append(l.texts, text)
	return nil
}

// Events implements the link event stream.
func (l *Link) Events() <-chan live.Event { return l.events }

// Err returns the error passed to [Link.End].
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close ends the event stream without an error.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	l.End(nil)
	return nil
}

// Emit delivers ev to the pipeline. Events after End are dropped.
func (l *Link) Emit(ev live.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.events <- ev
}

// End closes the event stream as if the peer closed with err. Only the
// first call has an effect.
func (l *Link) End(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.err = err
	close(l.events)
}

// Setups returns the recorded setup messages.
func (l *Link) Setups() []live.Setup {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]live.Setup(nil), l.setups...)
}

// Texts returns the recorded text sends in order.
func (l *Link) Texts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.texts...)
}

// Audio returns the recorded audio sends in order.
func (l *Link) Audio() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.audio...)
}

// CallCountClose returns how many times Close was called.
func (l *Link) CallCountClose() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closes
}

// Dialer hands out a prepared [Link] and records dials.
type Dialer struct {
	mu sync.Mutex

	// Link is returned by Dial. A fresh one is created when nil.
	Link *Link

	// Err is returned by Dial when non-nil.
	Err error

	calls int
}

// Dial returns d.Link or d.Err.
func (d *Dialer) Dial(context.Context) (*Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Link == nil {
		d.Link = NewLink()
	}
	return d.Link, nil
}

// CallCount returns how many times Dial was called.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Ringer records Start and Stop calls.
type Ringer struct {
	mu sync.Mutex

	// StartErr is returned by Start when non-nil.
	StartErr error

	starts, stops int
	ringing       bool
}

// Start begins ringing.
func (r *Ringer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.StartErr != nil {
		return r.StartErr
	}
	r.ringing = true
	return nil
}

// Stop stops ringing.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.ringing = false
}

// Ringing reports whether Start was called without a later Stop.
func (r *Ringer) Ringing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}

// Counts returns the number of Start and Stop calls.
func (r *Ringer) Counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}
