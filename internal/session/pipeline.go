package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/pkg/audio"
	"github.com/MrWong99/rehearsal/pkg/live"
	"github.com/MrWong99/rehearsal/pkg/types"
)

// Defaults applied by [NewPipeline] to zero-value [Config] fields.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultTickInterval   = time.Second
	DefaultSpeechRate     = 1.0

	// PhaseCompleted is the phase recorded on a finished session.
	PhaseCompleted = "Voltooid"
)

// Link is the pipeline's view of one relay connection. [*live.Conn]
// satisfies it.
type Link interface {
	Setup(live.Setup) error
	SendAudio(pcm []byte) error
	SendText(text string) error
	Events() <-chan live.Event
	Err() error
	Close() error
}

// Dialer opens a new [Link].
type Dialer func(ctx context.Context) (Link, error)

// LiveDialer returns a Dialer connecting to url with [live.Dial].
func LiveDialer(url string, opts ...live.Option) Dialer {
	return func(ctx context.Context) (Link, error) {
		c, err := live.Dial(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Ringer plays the ringtone while a call session rings.
type Ringer interface {
	Start() error
	Stop()
}

// Observer receives the pipeline's visible changes. Methods are called from
// the pipeline goroutine and must not block or call back into the pipeline.
type Observer interface {
	StateChanged(State)
	PresenceChanged(Presence)
	PreviewChanged(participant, persona string)
	MessageAppended(types.Message)
	ElapsedChanged(time.Duration)
	Failed(error)
}

// NopObserver ignores every notification. Embed it to implement only some
// [Observer] methods.
type NopObserver struct{}

func (NopObserver) StateChanged(State)            {}
func (NopObserver) PresenceChanged(Presence)      {}
func (NopObserver) PreviewChanged(string, string) {}
func (NopObserver) MessageAppended(types.Message) {}
func (NopObserver) ElapsedChanged(time.Duration)  {}
func (NopObserver) Failed(error)                  {}

// Config configures a [Pipeline].
type Config struct {
	// Scenario and Participant frame the conversation. Required.
	Scenario    *scenario.Scenario
	Participant *scenario.Participant

	// Case is the case presented in this session, or "".
	Case string

	// Model is the live model name. Defaults to [live.DefaultModel].
	Model string

	// SpeechRate is the initial speaking-rate multiplier. Default: 1.0.
	SpeechRate float64

	// Dial opens the relay link. Required.
	Dial Dialer

	// Speaker opens the playback device. Required.
	Speaker func() (audio.Output, error)

	// Microphone is the capture device. Nil runs the session text-only.
	Microphone audio.Source

	// CaptureOptions are passed to [audio.NewCapture].
	CaptureOptions []audio.CaptureOption

	// Ringer plays the ringtone of call sessions. Defaults to an
	// [audio.Ringtone] on Speaker.
	Ringer Ringer

	// ConnectTimeout bounds the wait for the setup acknowledgement.
	// Default: 20s.
	ConnectTimeout time.Duration

	// TickInterval is the elapsed-time resolution. Default: 1s.
	TickInterval time.Duration

	Observer Observer
	Metrics  *observe.Metrics
	Logger   *slog.Logger

	// Now is the wall clock used for message timestamps.
	Now func() time.Time
}

// Outcome is the result of a finished session, handed to report generation.
type Outcome struct {
	Messages []types.Message
	Case     string
	Elapsed  time.Duration
	Phase    string
	TextOnly bool
}

// Snapshot is a consistent read of the pipeline state.
type Snapshot struct {
	State      State
	Presence   Presence
	Elapsed    time.Duration
	SpeechRate float64
	TextOnly   bool
	Messages   int
}

// Pipeline runs one session. All exported methods are safe for concurrent
// use; they are forwarded to the pipeline goroutine and wait for it.
type Pipeline struct {
	cfg Config
	obs Observer
	log *slog.Logger

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	// Owned by the pipeline goroutine.
	state    State
	presence Presence
	gen      uint64
	rate     float64
	elapsed  time.Duration
	textOnly bool
	acc      Accumulator
	history  types.Log

	cancelConnect context.CancelFunc
	timeout       *time.Timer
	ticker        *time.Ticker
	link          Link
	sched         *audio.Scheduler
	capture       *audio.Capture
	micStop       chan struct{}
	counted       bool
}

// NewPipeline validates cfg and starts the pipeline goroutine in
// [StateReady]. Call [Pipeline.Close] to stop it.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Scenario == nil || cfg.Participant == nil {
		return nil, errors.New("session: scenario and participant are required")
	}
	if cfg.Dial == nil {
		return nil, errors.New("session: dialer is required")
	}
	if cfg.Speaker == nil {
		return nil, errors.New("session: speaker is required")
	}
	if cfg.SpeechRate <= 0 {
		cfg.SpeechRate = DefaultSpeechRate
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Ringer == nil {
		cfg.Ringer = audio.NewRingtone(cfg.Speaker)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pipeline{
		cfg:   cfg,
		obs:   cfg.Observer,
		log:   cfg.Logger.With("scenario", cfg.Scenario.ID),
		inbox: make(chan func(), 64),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		rate:  cfg.SpeechRate,
	}
	go p.run()
	return p, nil
}

// ── Commands ──────────────────────────────────────────────────────────────────

// Start begins the session: call sessions ring, standard sessions connect.
func (p *Pipeline) Start() error {
	return p.call(func() error {
		if p.state != StateReady {
			return transitionError("start", p.state)
		}
		if p.cfg.Scenario.SessionType == scenario.SessionCall {
			p.setState(StateRinging)
			if err := p.cfg.Ringer.Start(); err != nil {
				p.log.Warn("session: ringtone unavailable", "err", err)
			}
			return nil
		}
		p.beginConnect()
		return nil
	})
}

// Accept answers a ringing call.
func (p *Pipeline) Accept() error {
	return p.call(func() error {
		if p.state != StateRinging {
			return transitionError("accept", p.state)
		}
		p.cfg.Ringer.Stop()
		p.beginConnect()
		return nil
	})
}

// Decline rejects a ringing call and returns to ready without acquiring any
// device or link.
func (p *Pipeline) Decline() error {
	return p.call(func() error {
		if p.state != StateRinging {
			return transitionError("decline", p.state)
		}
		p.cfg.Ringer.Stop()
		p.setState(StateReady)
		return nil
	})
}

// Stop ends the session and releases every resource. It is a no-op in ready
// and ended.
func (p *Pipeline) Stop() error {
	err := p.call(func() error {
		p.end(nil)
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Finish stops the session and returns its outcome for report generation.
func (p *Pipeline) Finish() (Outcome, error) {
	var out Outcome
	err := p.call(func() error {
		p.end(nil)
		out = Outcome{
			Messages: p.history.Messages(),
			Case:     p.cfg.Case,
			Elapsed:  p.elapsed,
			Phase:    PhaseCompleted,
			TextOnly: p.textOnly,
		}
		return nil
	})
	return out, err
}

// SendText sends a typed participant message. It is recorded immediately
// and queued so a turn without a spoken transcript does not record it twice.
func (p *Pipeline) SendText(text string) error {
	return p.call(func() error {
		if p.state != StateActive {
			return ErrNotActive
		}
		msg := types.Message{Role: types.RoleUser, Text: text, Timestamp: p.cfg.Now()}
		p.appendMessage(msg)
		p.acc.PushPending(text)
		p.setPresence(PresenceProcessing)
		p.send("text", func() error { return p.link.SendText(text) })
		return nil
	})
}

// SetSpeechRate stores the speaking-rate multiplier and, while active, sends
// the in-band instruction. The instruction is neither recorded nor a turn
// boundary.
func (p *Pipeline) SetSpeechRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("session: speech rate must be positive, got %v", rate)
	}
	return p.call(func() error {
		p.rate = rate
		if p.state == StateActive {
			instr := SpeedInstruction(rate, p.cfg.Participant.Language)
			p.send("instruction", func() error { return p.link.SendText(instr) })
		}
		return nil
	})
}

// Snapshot returns the current state. A closed pipeline reports
// [StateEnded].
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{State: StateEnded}
	_ = p.call(func() error {
		s = Snapshot{
			State:      p.state,
			Presence:   p.presence,
			Elapsed:    p.elapsed,
			SpeechRate: p.rate,
			TextOnly:   p.textOnly,
			Messages:   p.history.Len(),
		}
		return nil
	})
	return s
}

// State returns the lifecycle state.
func (p *Pipeline) State() State { return p.Snapshot().State }

// Messages returns the finalized conversation log.
func (p *Pipeline) Messages() []types.Message {
	var msgs []types.Message
	_ = p.call(func() error {
		msgs = p.history.Messages()
		return nil
	})
	return msgs
}

// Close ends the session if needed and stops the pipeline goroutine.
// Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.once.Do(func() { close(p.quit) })
	<-p.done
	return nil
}

// call runs fn on the pipeline goroutine and waits for its result.
func (p *Pipeline) call(fn func() error) error {
	res := make(chan error, 1)
	if !p.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// post enqueues fn. It reports false once the pipeline has stopped.
func (p *Pipeline) post(fn func()) bool {
	select {
	case p.inbox <- fn:
		return true
	case <-p.quit:
		return false
	}
}

// ── Loop ──────────────────────────────────────────────────────────────────────

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		var tickC, timeoutC <-chan time.Time
		if p.ticker != nil {
			tickC = p.ticker.C
		}
		if p.timeout != nil {
			timeoutC = p.timeout.C
		}
		select {
		case fn := <-p.inbox:
			fn()
		case <-tickC:
			p.elapsed += p.cfg.TickInterval
			p.obs.ElapsedChanged(p.elapsed)
		case <-timeoutC:
			p.timeout = nil
			if p.state == StateConnecting {
				p.fail(ErrConnectTimeout)
			}
		case <-p.quit:
			p.end(nil)
			return
		}
	}
}

func (p *Pipeline) setState(s State) {
	if p.state == s {
		return
	}
	if !CanTransition(p.state, s) {
		// Every caller checks the state first; reaching this is a bug.
		p.log.Error("session: illegal transition", "from", p.state, "to", s)
		return
	}
	p.log.Debug("session: state", "from", p.state, "to", s)
	p.state = s
	p.obs.StateChanged(s)
}

func (p *Pipeline) setPresence(pr Presence) {
	if p.presence == pr {
		return
	}
	p.presence = pr
	p.obs.PresenceChanged(pr)
}

func (p *Pipeline) appendMessage(m types.Message) {
	p.history.Append(m)
	p.obs.MessageAppended(m)
}

// send performs a fire-and-forget network write. Failures are logged only.
func (p *Pipeline) send(what string, fn func() error) {
	if p.link == nil {
		return
	}
	if err := fn(); err != nil {
		p.log.Warn("session: send failed", "what", what, "err", err)
	}
}

// ── Connecting ────────────────────────────────────────────────────────────────

type connectResult struct {
	speaker audio.Output
	capture *audio.Capture
	link    Link
	err     error
}

func (p *Pipeline) beginConnect() {
	p.setState(StateConnecting)
	p.gen++
	gen := p.gen

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelConnect = cancel
	p.timeout = time.NewTimer(p.cfg.ConnectTimeout)

	setup := live.Setup{
		Model: p.cfg.Model,
		Voice: p.cfg.Scenario.Persona.VoiceName,
		SystemInstruction: Framing{
			Scenario:    p.cfg.Scenario,
			Participant: p.cfg.Participant,
			Case:        p.cfg.Case,
			SpeechRate:  p.rate,
		}.SystemInstruction(),
	}
	go p.connect(ctx, gen, setup)
}

// connect acquires devices and the link off the pipeline goroutine. The
// speaker is required, the microphone is optional.
func (p *Pipeline) connect(ctx context.Context, gen uint64, setup live.Setup) {
	var res connectResult
	deliver := func() {
		if !p.post(func() { p.connected(gen, res) }) {
			releaseResult(res)
		}
	}

	out, err := p.cfg.Speaker()
	if err != nil {
		res.err = fmt.Errorf("session: open speaker: %w", err)
		deliver()
		return
	}
	res.speaker = out

	if p.cfg.Microphone != nil {
		// Held until active: speech during connecting is not replayed later.
		opts := append(slices.Clip(p.cfg.CaptureOptions), audio.WithHeld())
		c := audio.NewCapture(p.cfg.Microphone, opts...)
		if err := c.Start(ctx); err != nil {
			p.log.Warn("session: continuing without microphone", "err", err)
		} else {
			res.capture = c
		}
	}

	link, err := p.cfg.Dial(ctx)
	if err != nil {
		res.err = fmt.Errorf("session: dial relay: %w", err)
		deliver()
		return
	}
	if err := link.Setup(setup); err != nil {
		_ = link.Close()
		res.err = fmt.Errorf("session: send setup: %w", err)
		deliver()
		return
	}
	res.link = link
	deliver()
}

func releaseResult(res connectResult) {
	if res.capture != nil {
		_ = res.capture.Close()
	}
	if res.speaker != nil {
		_ = res.speaker.Close()
	}
	if res.link != nil {
		_ = res.link.Close()
	}
}

func (p *Pipeline) connected(gen uint64, res connectResult) {
	if gen != p.gen || p.state != StateConnecting {
		releaseResult(res)
		return
	}
	p.sched = nil
	if res.speaker != nil {
		p.sched = audio.NewScheduler(res.speaker, audio.WithStatusHandler(p.onPlayback(gen)))
	}
	p.capture = res.capture
	p.textOnly = res.capture == nil
	if res.err != nil {
		p.fail(res.err)
		return
	}
	p.link = res.link
	go p.forwardEvents(gen, res.link)
}

// forwardEvents moves link events onto the inbox until the link ends.
func (p *Pipeline) forwardEvents(gen uint64, link Link) {
	for ev := range link.Events() {
		if !p.post(func() { p.handleEvent(gen, ev) }) {
			return
		}
	}
	err := link.Err()
	p.post(func() { p.linkClosed(gen, err) })
}

// onPlayback returns the scheduler status handler for generation gen. The
// scheduler may report from inside Enqueue, which runs on the pipeline
// goroutine, so the handler must never block on the inbox.
func (p *Pipeline) onPlayback(gen uint64) func(audio.PlaybackStatus) {
	return func(st audio.PlaybackStatus) {
		if st != audio.PlaybackIdle {
			return
		}
		go p.post(func() {
			if gen != p.gen || p.state != StateActive || p.sched == nil || p.sched.Active() > 0 {
				return
			}
			p.setPresence(PresenceIdle)
		})
	}
}

func (p *Pipeline) activate() {
	p.stopTimeout()
	p.setState(StateActive)
	p.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	p.counted = true
	p.ticker = time.NewTicker(p.cfg.TickInterval)
	p.presence = PresenceIdle
	p.obs.PresenceChanged(PresenceIdle)

	if p.cfg.Scenario.SessionType == scenario.SessionStandard {
		p.send("opening", func() error { return p.link.SendText(OpeningText) })
	}
	if p.capture != nil {
		p.capture.Release()
		if n := p.capture.Discarded(); n > 0 {
			p.log.Debug("session: discarded audio captured before activation", "blocks", n)
		}
		p.micStop = make(chan struct{})
		go forwardMicrophone(p.capture.Frames(), p.link, p.micStop, p.log)
	}
	p.log.Info("session: active", "text_only", p.textOnly)
}

// forwardMicrophone sends captured frames until stop is closed or capture
// ends. Sends are fire-and-forget.
func forwardMicrophone(frames <-chan audio.Frame, link Link, stop <-chan struct{}, log *slog.Logger) {
	for {
		select {
		case <-stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := link.SendAudio(f.Data); err != nil {
				log.Debug("session: send audio failed", "err", err)
			}
		}
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func (p *Pipeline) handleEvent(gen uint64, ev live.Event) {
	if gen != p.gen {
		return
	}
	switch p.state {
	case StateConnecting:
		if ev.Err != nil {
			p.fail(ev.Err)
			return
		}
		if ev.SetupComplete {
			p.activate()
		}
		return
	case StateActive:
	default:
		return
	}

	if ev.Err != nil {
		p.end(ev.Err)
		return
	}
	if ev.GoAway {
		p.log.Info("session: upstream announced disconnect")
	}

	for _, pcm := range ev.Audio {
		buf := audio.Decode(pcm, audio.PlaybackSampleRate, 1)
		if _, err := p.sched.Enqueue(buf); err != nil {
			p.log.Warn("session: schedule playback failed", "err", err)
			continue
		}
		p.setPresence(PresenceSpeaking)
	}

	preview := false
	if t := ev.InputTranscription; t != nil {
		p.setPresence(PresenceListening)
		p.acc.AddParticipant(t.Text)
		preview = true
	}
	if t := ev.OutputTranscription; t != nil {
		p.acc.AddPersona(t.Text)
		preview = true
	} else if len(ev.Text) > 0 {
		for _, s := range ev.Text {
			p.acc.AddPersona(s)
		}
		preview = true
	}
	if preview {
		p.obs.PreviewChanged(p.acc.Preview())
	}

	if ev.TurnComplete {
		for _, m := range p.acc.Flush(p.cfg.Now()) {
			p.appendMessage(m)
		}
		p.obs.PreviewChanged("", "")
	}

	if ev.Interrupted {
		p.sched.Interrupt()
		p.setPresence(PresenceListening)
	}
}

func (p *Pipeline) linkClosed(gen uint64, err error) {
	if gen != p.gen {
		return
	}
	switch p.state {
	case StateConnecting:
		if err == nil {
			err = ErrLinkClosed
		} else {
			err = fmt.Errorf("%w: %w", ErrLinkClosed, err)
		}
		p.fail(err)
	case StateActive:
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrLinkClosed, err)
		}
		p.end(err)
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// fail aborts a start attempt: resources are released and the session
// returns to ready with err reported.
func (p *Pipeline) fail(err error) {
	p.log.Warn("session: start failed", "err", err)
	p.release()
	p.presence = PresenceIdle
	p.setState(StateReady)
	p.obs.Failed(err)
}

// end moves to ended, releasing everything. err, if non-nil, is reported.
// Idempotent; a no-op in ready.
func (p *Pipeline) end(err error) {
	if p.state == StateReady || p.state == StateEnded {
		return
	}
	p.release()
	p.setState(StateEnded)
	if err != nil {
		p.log.Warn("session: ended with error", "err", err)
		p.obs.Failed(err)
	} else {
		p.log.Info("session: ended", "messages", p.history.Len(), "elapsed", p.elapsed)
	}
}

// release tears down in a fixed order: ringtone, capture detach, playback
// interrupt and close, microphone close, link close, ticker. Every step runs
// regardless of earlier failures. Later link events are ignored because the
// generation advances.
func (p *Pipeline) release() {
	p.gen++
	p.stopTimeout()
	if p.cancelConnect != nil {
		p.cancelConnect()
		p.cancelConnect = nil
	}

	var errs []error
	p.cfg.Ringer.Stop()
	if p.capture != nil {
		p.capture.Detach()
	}
	if p.micStop != nil {
		close(p.micStop)
		p.micStop = nil
	}
	if p.sched != nil {
		p.sched.Interrupt()
		if err := p.sched.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close speaker: %w", err))
		}
		p.sched = nil
	}
	if p.capture != nil {
		if err := p.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close microphone: %w", err))
		}
		p.capture = nil
	}
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close link: %w", err))
		}
		p.link = nil
	}
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
	if p.counted {
		p.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		p.counted = false
	}
	if err := errors.Join(errs...); err != nil {
		p.log.Warn("session: teardown", "err", err)
	}
}

func (p *Pipeline) stopTimeout() {
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
}

// FormatElapsed renders d as HH:MM:SS.
func FormatElapsed(d time.Duration) string {
	s := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}
