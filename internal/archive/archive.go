// Package archive stores finished rehearsal sessions and announces them.
//
// A [Record] holds the finalized transcript of one session together with its
// evaluation report. Records are written to a [Store] (PostgreSQL in
// production, [MemStore] for development and tests) and, when a [Notifier]
// is configured, a short [Summary] is published so that other services can
// react to finished sessions.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/pkg/types"
)

var (
	// ErrNotFound is returned by [Store.Get] for an unknown record ID.
	ErrNotFound = errors.New("archive: record not found")

	// ErrDuplicateID is returned by [Store.Save] when the ID is taken.
	ErrDuplicateID = errors.New("archive: duplicate record id")

	// ErrInvalidRecord is returned by [Archiver.Archive] when validation fails.
	ErrInvalidRecord = errors.New("archive: invalid record")
)

// DefaultListLimit caps [Store.List] when no limit is given.
const DefaultListLimit = 50

// Record is one archived session.
type Record struct {
	ID           string                   `json:"id"`
	SessionID    string                   `json:"sessionId"`
	ScenarioID   string                   `json:"scenarioId"`
	ScenarioName string                   `json:"scenarioName"`
	Participant  string                   `json:"participant"`
	Case         string                   `json:"case,omitempty"`
	Phase        string                   `json:"phase"`
	ElapsedMS    int64                    `json:"elapsedMs"`
	TextOnly     bool                     `json:"textOnly"`
	Messages     []types.Message          `json:"messages"`
	Report       *report.EvaluationReport `json:"report,omitempty"`
	CreatedAt    time.Time                `json:"createdAt"`
}

// Validate checks the fields every stored record must have.
func (r *Record) Validate() error {
	var errs []error
	if r.ScenarioID == "" {
		errs = append(errs, errors.New("scenarioId is required"))
	}
	if r.ElapsedMS < 0 {
		errs = append(errs, fmt.Errorf("elapsedMs must not be negative, got %d", r.ElapsedMS))
	}
	for i, m := range r.Messages {
		if !m.Role.IsValid() {
			errs = append(errs, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role))
		}
	}
	return errors.Join(errs...)
}

// Summary is the announcement published for a saved record.
type Summary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	ScenarioID   string    `json:"scenarioId"`
	Participant  string    `json:"participant"`
	Messages     int       `json:"messages"`
	Score        *float64  `json:"score,omitempty"`
	ElapsedMS    int64     `json:"elapsedMs"`
	CreatedAt    time.Time `json:"createdAt"`
	ScenarioName string    `json:"scenarioName"`
}

// Summarize derives the announcement for r.
func (r *Record) Summarize() Summary {
	s := Summary{
		ID:           r.ID,
		SessionID:    r.SessionID,
		ScenarioID:   r.ScenarioID,
		ScenarioName: r.ScenarioName,
		Participant:  r.Participant,
		Messages:     len(r.Messages),
		ElapsedMS:    r.ElapsedMS,
		CreatedAt:    r.CreatedAt,
	}
	if r.Report != nil {
		score := r.Report.Score
		s.Score = &score
	}
	return s
}

// Store persists records. Implementations are safe for concurrent use.
type Store interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)

	// List returns summaries, newest first. limit <= 0 means [DefaultListLimit].
	List(ctx context.Context, limit int) ([]Summary, error)

	Ping(ctx context.Context) error
	Close()
}

// Notifier announces saved records.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
	Close()
}

// Archiver saves records and announces them.
type Archiver struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

// New returns an Archiver over store. notifier may be nil.
func New(store Store, notifier Notifier) *Archiver {
	return &Archiver{store: store, notifier: notifier, now: time.Now}
}

// Archive validates r, assigns an ID and creation time when missing, saves it
// and announces it. A failed announcement is logged, not returned: the record
// is already durable.
func (a *Archiver) Archive(ctx context.Context, r Record) (Record, error) {
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = a.now().UTC()
	}
	if err := a.store.Save(ctx, r); err != nil {
		return Record{}, fmt.Errorf("archive: save %s: %w", r.ID, err)
	}
	if a.notifier != nil {
		if err := a.notifier.Notify(ctx, r.Summarize()); err != nil {
			slog.Warn("archive: announce failed", "id", r.ID, "err", err)
		}
	}
	return r, nil
}

// Get returns the record with id.
func (a *Archiver) Get(ctx context.Context, id string) (Record, error) {
	return a.store.Get(ctx, id)
}

// List returns the newest summaries.
func (a *Archiver) List(ctx context.Context, limit int) ([]Summary, error) {
	return a.store.List(ctx, limit)
}

// Ping checks the store.
func (a *Archiver) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// Close releases the store and the notifier.
func (a *Archiver) Close() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	a.store.Close()
}
