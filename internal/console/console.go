// Package console is the terminal front end of the rehearsal client. It
// reads commands and typed messages line by line, drives the session through
// an [app.SessionManager] and prints the transcript and the final report.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/rehearsal/internal/app"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/internal/session"
	"github.com/MrWong99/rehearsal/pkg/audio"
)

// Speech-rate bounds accepted by /speed.
const (
	MinSpeechRate = 0.5
	MaxSpeechRate = 2.0
)

// errQuit ends [Console.Run].
var errQuit = errors.New("console: quit")

// PreviewClient fetches voice samples. Implemented by [report.Client].
type PreviewClient interface {
	VoicePreview(ctx context.Context, voice string) ([]byte, error)
}

// Config holds the dependencies of a [Console].
type Config struct {
	In  io.Reader
	Out io.Writer

	// Printer must be the observer the session pipelines report to.
	Printer *Printer

	Sessions    *app.SessionManager
	Scenario    *scenario.Scenario
	Participant *scenario.Participant

	// Previews serves /preview. Nil disables the command.
	Previews PreviewClient

	// Speaker opens the device previews are played on. Nil prints the
	// preview size only.
	Speaker func() (audio.Output, error)

	// AutoStart starts a session as soon as Run begins.
	AutoStart bool
}

// Console is the interactive terminal session.
type Console struct {
	cfg    Config
	out    *Printer
	router *Router

	previews sync.WaitGroup
	done     chan struct{}
}

// New creates a Console and registers its commands.
func New(cfg Config) *Console {
	if cfg.Printer == nil {
		cfg.Printer = NewPrinter(cfg.Out, false)
	}
	c := &Console{
		cfg:    cfg,
		out:    cfg.Printer,
		router: NewRouter(),
		done:   make(chan struct{}),
	}

	c.router.Register("start", "/start", "start a session with the loaded scenario", c.cmdStart)
	c.router.Register("accept", "/accept", "answer a ringing call", c.cmdAccept)
	c.router.Register("decline", "/decline", "reject a ringing call", c.cmdDecline)
	c.router.Register("stop", "/stop", "end the session without a report", c.cmdStop)
	c.router.Register("finish", "/finish", "end the session and request the report", c.cmdFinish)
	c.router.Register("speed", "/speed <rate>", "set the persona speaking rate (0.5 - 2.0)", c.cmdSpeed)
	c.router.Register("status", "/status", "show the session state", c.cmdStatus)
	c.router.Register("help", "/help", "list commands", c.cmdHelp)
	c.router.Register("quit", "/quit", "leave the console", func(context.Context, string) error { return errQuit })
	if cfg.Previews != nil {
		c.router.Register("preview", "/preview [voice]", "play a sample of a voice", c.cmdPreview)
	}
	c.router.HandleText(c.sendText)
	return c
}

// Run reads input until EOF, /quit or ctx cancellation, then stops any live
// session. Command failures are printed and do not end the loop.
func (c *Console) Run(ctx context.Context) error {
	defer func() {
		close(c.done)
		c.previews.Wait()
	}()

	scn := c.cfg.Scenario
	c.out.Printf("%s: %s, %s (%s)", scn.Name, scn.Persona.Name, scn.Persona.Role, scn.SessionType)
	c.out.Printf("Type /help for commands.")
	if c.cfg.AutoStart {
		if err := c.cmdStart(ctx, ""); err != nil {
			c.out.Printf("! %v", err)
		}
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.cfg.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-c.done:
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return c.leave()
		case err := <-readErr:
			if err != nil {
				slog.Warn("console: input error", "err", err)
			}
			return c.leave()
		case line := <-lines:
			err := c.router.Handle(ctx, line)
			if errors.Is(err, errQuit) {
				return c.leave()
			}
			if err != nil {
				c.out.Printf("! %v", err)
			}
		}
	}
}

func (c *Console) leave() error {
	return c.cfg.Sessions.Stop()
}

// current returns the live pipeline or an error naming the command to use.
func (c *Console) current() (*session.Pipeline, error) {
	pl := c.cfg.Sessions.Current()
	if pl == nil {
		return nil, errors.New("no session, use /start")
	}
	return pl, nil
}

func (c *Console) cmdStart(context.Context, string) error {
	c.out.SetPersona(c.cfg.Scenario.Persona.Name)
	_, info, err := c.cfg.Sessions.Start(c.cfg.Scenario, c.cfg.Participant)
	if err != nil {
		return err
	}
	if info.Case != "" {
		c.out.Printf("Case: %s", info.Case)
	}
	return nil
}

func (c *Console) cmdAccept(context.Context, string) error {
	pl, err := c.current()
	if err != nil {
		return err
	}
	return pl.Accept()
}

func (c *Console) cmdDecline(context.Context, string) error {
	pl, err := c.current()
	if err != nil {
		return err
	}
	return pl.Decline()
}

func (c *Console) cmdStop(context.Context, string) error {
	return c.cfg.Sessions.Stop()
}

func (c *Console) cmdFinish(ctx context.Context, _ string) error {
	c.out.Printf("* finishing, requesting report...")
	res, err := c.cfg.Sessions.Finish(ctx)
	if err != nil {
		if errors.Is(err, app.ErrNoSession) {
			return errors.New("no session, use /start")
		}
		return err
	}

	c.out.Printf("%s after %s, %d messages", res.Outcome.Phase, session.FormatElapsed(res.Outcome.Elapsed), len(res.Outcome.Messages))
	switch {
	case res.Report != nil:
		c.out.Report(res.Report)
	case res.ReportErr != nil:
		c.out.Printf("! report unavailable: %v", res.ReportErr)
	case len(res.Outcome.Messages) == 0:
		c.out.Printf("No conversation recorded, no report.")
	}
	switch {
	case res.Record != nil:
		c.out.Printf("Archived as %s", res.Record.ID)
	case res.ArchiveErr != nil:
		c.out.Printf("! archiving failed: %v", res.ArchiveErr)
	}
	return nil
}

func (c *Console) cmdSpeed(_ context.Context, args string) error {
	rate, err := strconv.ParseFloat(strings.TrimSuffix(args, "x"), 64)
	if err != nil {
		return fmt.Errorf("usage: /speed <rate>, e.g. /speed 1.25")
	}
	if rate < MinSpeechRate || rate > MaxSpeechRate {
		return fmt.Errorf("speed must be between %.1f and %.1f", MinSpeechRate, MaxSpeechRate)
	}
	pl, err := c.current()
	if err != nil {
		return err
	}
	if err := pl.SetSpeechRate(rate); err != nil {
		return err
	}
	c.out.Printf("* speaking rate %.2fx", rate)
	return nil
}

func (c *Console) cmdStatus(context.Context, string) error {
	pl := c.cfg.Sessions.Current()
	if pl == nil {
		c.out.Printf("No session.")
		return nil
	}
	s := pl.Snapshot()
	mode := "voice"
	if s.TextOnly {
		mode = "text only"
	}
	c.out.Printf("State %s, %s %s, %s elapsed, %d messages, rate %.2fx, %s",
		s.State, c.cfg.Scenario.Persona.Name, s.Presence, session.FormatElapsed(s.Elapsed), s.Messages, s.SpeechRate, mode)
	return nil
}

func (c *Console) cmdHelp(context.Context, string) error {
	c.out.Printf("Commands (anything else is sent as a message):")
	c.out.Lines(c.router.Help())
	return nil
}

func (c *Console) cmdPreview(ctx context.Context, args string) error {
	voice := args
	if voice == "" {
		voice = c.cfg.Scenario.Persona.VoiceName
	}
	if !scenario.IsVoice(voice) {
		msg := fmt.Sprintf("unknown voice %q", voice)
		if s := scenario.SuggestVoice(voice); s != "" {
			msg += fmt.Sprintf(", did you mean %q?", s)
		}
		return errors.New(msg)
	}
	pcm, err := c.cfg.Previews.VoicePreview(ctx, voice)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		c.out.Printf("* no audio for %s", voice)
		return nil
	}
	if c.cfg.Speaker == nil {
		c.out.Printf("* received %d bytes of audio for %s", len(pcm), voice)
		return nil
	}
	return c.play(pcm)
}

// play schedules pcm on a fresh speaker and closes it once playback ended or
// the console left.
func (c *Console) play(pcm []byte) error {
	out, err := c.cfg.Speaker()
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	ended := make(chan struct{})
	buf := audio.Decode(pcm, audio.PlaybackSampleRate, 1)
	if _, err := out.Schedule(buf, out.Now(), func() { close(ended) }); err != nil {
		_ = out.Close()
		return fmt.Errorf("play preview: %w", err)
	}
	c.previews.Add(1)
	go func() {
		defer c.previews.Done()
		select {
		case <-ended:
		case <-c.done:
		}
		_ = out.Close()
	}()
	return nil
}

func (c *Console) sendText(_ context.Context, text string) error {
	pl, err := c.current()
	if err != nil {
		return err
	}
	if err := pl.SendText(text); err != nil {
		if errors.Is(err, session.ErrNotActive) {
			return errors.New("not connected yet")
		}
		return err
	}
	return nil
}
