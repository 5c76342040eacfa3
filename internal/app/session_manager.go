package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/rehearsal/internal/archive"
	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/internal/session"
	"github.com/MrWong99/rehearsal/pkg/types"
)

// ErrNoSession is returned by [SessionManager.Finish] when nothing was started.
var ErrNoSession = errors.New("app: no session started")

// ReportClient requests evaluation reports. Implemented by [report.Client].
type ReportClient interface {
	GenerateReport(ctx context.Context, history []types.Message, scn *scenario.Scenario, p *scenario.Participant, activeCase string) (*report.EvaluationReport, error)
}

// ArchiveClient stores finished sessions. Implemented by [archive.Client].
type ArchiveClient interface {
	Save(ctx context.Context, r archive.Record) (archive.Record, error)
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Sessions runs the pipelines. Required.
	Sessions *session.Manager

	// Reports evaluates finished sessions. Nil skips the report.
	Reports ReportClient

	// Archive stores finished sessions. Nil skips archiving.
	Archive ArchiveClient
}

// Result is everything produced by a finished session.
type Result struct {
	Info    session.Info
	Outcome session.Outcome

	// Report is nil when no report was requested, the transcript was empty,
	// or generation failed (see ReportErr).
	Report    *report.EvaluationReport
	ReportErr error

	// Record is the archived record, or nil. ArchiveErr holds an archive
	// failure; it never fails Finish.
	Record     *archive.Record
	ArchiveErr error
}

// SessionManager runs rehearsal sessions for the console client: it starts
// pipelines through a [session.Manager] and, on Finish, requests the report
// and archives the result. All exported methods are safe for concurrent use.
type SessionManager struct {
	sessions *session.Manager
	reports  ReportClient
	archive  ArchiveClient

	mu          sync.Mutex
	scenario    *scenario.Scenario
	participant *scenario.Participant
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		sessions: cfg.Sessions,
		reports:  cfg.Reports,
		archive:  cfg.Archive,
	}
}

// Start begins a new session for scn and p. It fails with
// [session.ErrSessionActive] while a previous session is still live.
func (sm *SessionManager) Start(scn *scenario.Scenario, p *scenario.Participant) (*session.Pipeline, session.Info, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	pl, err := sm.sessions.Start(scn, p)
	if err != nil {
		return nil, session.Info{}, err
	}
	sm.scenario, sm.participant = scn, p
	_, info := sm.sessions.Current()
	slog.Info("session started", "session_id", info.ID, "scenario", scn.ID, "type", scn.SessionType, "case", info.Case != "")
	return pl, info, nil
}

// Current returns the live pipeline, or nil.
func (sm *SessionManager) Current() *session.Pipeline {
	pl, _ := sm.sessions.Current()
	return pl
}

// Finish ends the current session, requests its report and archives it.
// Only a failure to end the session is returned as an error.
func (sm *SessionManager) Finish(ctx context.Context) (Result, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	pl, info := sm.sessions.Current()
	if pl == nil || sm.scenario == nil {
		return Result{}, ErrNoSession
	}
	outcome, err := pl.Finish()
	if err != nil {
		return Result{}, fmt.Errorf("app: finish session %s: %w", info.ID, err)
	}
	res := Result{Info: info, Outcome: outcome}
	log := slog.With("session_id", info.ID)
	log.Info("session finished", "messages", len(outcome.Messages), "elapsed", outcome.Elapsed)

	if sm.reports != nil && len(outcome.Messages) > 0 {
		res.Report, res.ReportErr = sm.reports.GenerateReport(ctx, outcome.Messages, sm.scenario, sm.participant, outcome.Case)
		if res.ReportErr != nil {
			log.Warn("report generation failed", "err", res.ReportErr)
		}
	}

	if sm.archive != nil {
		rec, err := sm.archive.Save(ctx, archive.Record{
			SessionID:    info.ID,
			ScenarioID:   sm.scenario.ID,
			ScenarioName: sm.scenario.Name,
			Participant:  sm.participant.Name,
			Case:         outcome.Case,
			Phase:        outcome.Phase,
			ElapsedMS:    outcome.Elapsed.Milliseconds(),
			TextOnly:     outcome.TextOnly,
			Messages:     outcome.Messages,
			Report:       res.Report,
		})
		if err != nil {
			log.Warn("archiving failed", "err", err)
			res.ArchiveErr = err
		} else {
			res.Record = &rec
			log.Info("session archived", "record_id", rec.ID)
		}
	}
	return res, nil
}

// Stop ends the current session without a report.
func (sm *SessionManager) Stop() error {
	pl, _ := sm.sessions.Current()
	if pl == nil {
		return nil
	}
	return pl.Stop()
}

// Close stops and discards any session.
func (sm *SessionManager) Close() error {
	return sm.sessions.Close()
}
