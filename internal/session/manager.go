package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/rehearsal/internal/scenario"
)

// ErrSessionActive is returned by [Manager.Start] while a previous session is
// still ringing, connecting or active.
var ErrSessionActive = errors.New("session: a session is already active")

// Info identifies the session a [Manager] currently holds.
type Info struct {
	ID       string
	Scenario string
	Case     string
}

// Manager enforces that at most one [Pipeline] is live. A new session may
// only start after the previous one has been torn down. All exported methods
// are safe for concurrent use.
type Manager struct {
	base Config

	mu      sync.Mutex
	current *Pipeline
	info    Info
}

// NewManager returns a Manager that builds pipelines from base. Scenario,
// Participant and Case of base are ignored.
func NewManager(base Config) *Manager {
	return &Manager{base: base}
}

// Start creates a pipeline for scn and p, selects its case and starts it.
func (m *Manager) Start(scn *scenario.Scenario, p *scenario.Participant) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		switch st := m.current.State(); st {
		case StateReady, StateEnded:
			_ = m.current.Close()
			m.current = nil
		default:
			return nil, fmt.Errorf("%w (id=%s, state=%s)", ErrSessionActive, m.info.ID, st)
		}
	}
	if err := scn.CheckRequirements(p); err != nil {
		return nil, fmt.Errorf("session: participant does not meet scenario requirements: %w", err)
	}

	cfg := m.base
	cfg.Scenario = scn
	cfg.Participant = p
	cfg.Case = scn.SelectCase()
	info := Info{ID: uuid.NewString(), Scenario: scn.ID, Case: cfg.Case}
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("session_id", info.ID)
	}

	pl, err := NewPipeline(cfg)
	if err != nil {
		return nil, err
	}
	if err := pl.Start(); err != nil {
		_ = pl.Close()
		return nil, err
	}
	m.current = pl
	m.info = info
	return pl, nil
}

// Current returns the held pipeline and its info, or nil.
func (m *Manager) Current() (*Pipeline, Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.info
}

// Close stops and discards the held pipeline.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close()
	m.current = nil
	return err
}
