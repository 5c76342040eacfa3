package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/scenario"
	"github.com/MrWong99/rehearsal/internal/session"
	"github.com/MrWong99/rehearsal/internal/session/mock"
	"github.com/MrWong99/rehearsal/pkg/audio"
	audiomock "github.com/MrWong99/rehearsal/pkg/audio/mock"
	"github.com/MrWong99/rehearsal/pkg/live"
	"github.com/MrWong99/rehearsal/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type recorder struct {
	session.NopObserver

	mu        sync.Mutex
	states    []session.State
	presences []session.Presence
	messages  []types.Message
	errs      []error
}

func (r *recorder) StateChanged(s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) PresenceChanged(p session.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presences = append(r.presences, p)
}

func (r *recorder) MessageAppended(m types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) Failed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) States() []session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.State(nil), r.states...)
}

type harness struct {
	p      *session.Pipeline
	dialer *mock.Dialer
	link   *mock.Link
	out    *audiomock.Output
	mic    *audiomock.Source
	ringer *mock.Ringer
	obs    *recorder

	speakerOpens atomic.Int32
}

func testScenario(typ scenario.SessionType) *scenario.Scenario {
	s := &scenario.Scenario{
		ID:   "intake",
		Name: "Intake",
		Persona: scenario.Persona{
			Name:        "Sanne",
			Role:        "Financieel directeur",
			Mood:        scenario.MoodSerious,
			Description: "Kritische klant",
			VoiceName:   "Kore",
		},
		Workflow: []scenario.WorkflowStep{
			{ID: "1", Label: "Introductie", AIInstruction: "Stel je voor."},
			{ID: "2", Label: "Casus", AIInstruction: "Leg de casus voor."},
		},
		SessionType: typ,
	}
	s.ApplyDefaults()
	return s
}

func newHarness(t *testing.T, typ scenario.SessionType, mutate ...func(*session.Config)) *harness {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		link:   mock.NewLink(),
		out:    audiomock.NewOutput(),
		mic:    &audiomock.Source{},
		ringer: &mock.Ringer{},
		obs:    &recorder{},
	}
	h.dialer = &mock.Dialer{Link: h.link}

	cfg := session.Config{
		Scenario:    testScenario(typ),
		Participant: &scenario.Participant{Name: "Jeroen", Language: "Nederlands"},
		Case:        "De maandafsluiting duurt te lang.",
		Dial: func(ctx context.Context) (session.Link, error) {
			l, err := h.dialer.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return l, nil
		},
		Speaker: func() (audio.Output, error) {
			h.speakerOpens.Add(1)
			return h.out, nil
		},
		Microphone:     h.mic,
		CaptureOptions: []audio.CaptureOption{audio.WithBlockSize(160)},
		Ringer:         h.ringer,
		Observer:       h.obs,
		Metrics:        metrics,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := session.NewPipeline(cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	h.p = p
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want session.State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.p.State() == want })
}

func (h *harness) waitPresence(t *testing.T, want session.Presence) {
	t.Helper()
	waitFor(t, "presence "+want.String(), func() bool { return h.p.Snapshot().Presence == want })
}

// activate drives a standard session to active.
func (h *harness) activate(t *testing.T) {
	t.Helper()
	if err := h.p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "setup sent", func() bool { return len(h.link.Setups()) == 1 })
	h.link.Emit(live.Event{SetupComplete: true})
	h.waitState(t, session.StateActive)
}

func transcript(in, out string) live.Event {
	ev := live.Event{}
	if in != "" {
		ev.InputTranscription = &live.Transcription{Text: in}
	}
	if out != "" {
		ev.OutputTranscription = &live.Transcription{Text: out}
	}
	return ev
}

func pcm(samples int) []byte {
	return make([]byte, 2*samples)
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestPipeline_StandardSessionOpensConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	setups := h.link.Setups()
	if setups[0].Voice != "Kore" {
		t.Errorf("setup voice = %q, want Kore", setups[0].Voice)
	}
	for _, want := range []string{"Sanne", "Nederlands", "De maandafsluiting duurt te lang.", "1. Introductie: Stel je voor.", "MODUS: TRANSCRIPT"} {
		if !strings.Contains(setups[0].SystemInstruction, want) {
			t.Errorf("system instruction missing %q", want)
		}
	}

	waitFor(t, "opening text", func() bool { return len(h.link.Texts()) == 1 })
	if got := h.link.Texts()[0]; got != session.OpeningText {
		t.Errorf("first text = %q, want %q", got, session.OpeningText)
	}
	if h.p.Snapshot().Presence != session.PresenceIdle {
		t.Errorf("presence = %v, want idle", h.p.Snapshot().Presence)
	}
	if h.p.Snapshot().TextOnly {
		t.Error("session is text-only despite a working microphone")
	}

	want := []session.State{session.StateConnecting, session.StateActive}
	if got := h.obs.States(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestPipeline_CallDeclineReturnsToReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionCall)
	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	if h.p.State() != session.StateRinging {
		t.Fatalf("state = %v, want ringing", h.p.State())
	}
	if !h.ringer.Ringing() {
		t.Error("ringtone not started")
	}

	if err := h.p.Decline(); err != nil {
		t.Fatal(err)
	}
	if h.p.State() != session.StateReady {
		t.Errorf("state = %v, want ready", h.p.State())
	}
	if h.ringer.Ringing() {
		t.Error("ringtone still playing")
	}
	if n := h.dialer.CallCount(); n != 0 {
		t.Errorf("dialed %d times, want 0", n)
	}
	if n := h.speakerOpens.Load(); n != 0 {
		t.Errorf("speaker opened %d times, want 0", n)
	}
	if h.mic.CallCountOpen != 0 {
		t.Errorf("microphone opened %d times, want 0", h.mic.CallCountOpen)
	}
}

func TestPipeline_CallAcceptDoesNotSendOpening(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionCall)
	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Accept(); err != nil {
		t.Fatal(err)
	}
	if h.ringer.Ringing() {
		t.Error("ringtone still playing after accept")
	}
	waitFor(t, "setup sent", func() bool { return len(h.link.Setups()) == 1 })
	if !strings.Contains(h.link.Setups()[0].SystemInstruction, "MODUS: INKOMEND GESPREK") {
		t.Error("call framing missing")
	}
	h.link.Emit(live.Event{SetupComplete: true})
	h.waitState(t, session.StateActive)

	time.Sleep(20 * time.Millisecond)
	if texts := h.link.Texts(); len(texts) != 0 {
		t.Errorf("texts = %v, want none for a call session", texts)
	}
}

func TestPipeline_InvalidCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	if err := h.p.Accept(); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("Accept in ready = %v", err)
	}
	if err := h.p.Decline(); !errors.Is(err, session.ErrInvalidTransition) {
		t.Errorf("Decline in ready = %v", err)
	}
	if err := h.p.SendText("hoi"); !errors.Is(err, session.ErrNotActive) {
		t.Errorf("SendText in ready = %v", err)
	}
	if err := h.p.Stop(); err != nil {
		t.Errorf("Stop in ready = %v", err)
	}
	if h.p.State() != session.StateReady {
		t.Errorf("state = %v, Stop in ready must be a no-op", h.p.State())
	}
}

func TestPipeline_UpstreamCloseWhileActiveReleasesDevices(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)
	stream := h.mic.Stream()

	h.link.End(nil)
	h.waitState(t, session.StateEnded)

	if !h.out.Closed() {
		t.Error("speaker not closed")
	}
	if stream == nil || !stream.Closed() {
		t.Error("microphone not closed")
	}
	if h.link.CallCountClose() == 0 {
		t.Error("link not closed")
	}
	if errs := h.obs.Errors(); len(errs) != 0 {
		t.Errorf("errors = %v, want none for a normal close", errs)
	}
}

func TestPipeline_UpstreamErrorEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	h.link.End(errors.New("status 1011"))
	h.waitState(t, session.StateEnded)
	errs := h.obs.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], session.ErrLinkClosed) {
		t.Errorf("errors = %v, want one ErrLinkClosed", errs)
	}
}

func TestPipeline_InBandErrorEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)
	h.link.Emit(live.Event{Err: &live.ServerError{Code: 429, Message: "quota"}})
	h.waitState(t, session.StateEnded)
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)
	for range 3 {
		if err := h.p.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if h.p.State() != session.StateEnded {
		t.Errorf("state = %v", h.p.State())
	}
	if n := h.out.CallCountClose; n != 1 {
		t.Errorf("speaker closed %d times, want 1", n)
	}
	_ = h.p.Close()
	if err := h.p.Stop(); err != nil {
		t.Errorf("Stop after Close = %v", err)
	}
}

// ── Start failures ────────────────────────────────────────────────────────────

func TestPipeline_DialFailureReturnsToReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.dialer.Err = errors.New("relay: upstream unavailable")

	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure reported", func() bool { return len(h.obs.Errors()) == 1 })
	if h.p.State() != session.StateReady {
		t.Errorf("state = %v, want ready", h.p.State())
	}
	if !h.out.Closed() {
		t.Error("speaker not released after failed start")
	}
	if s := h.mic.Stream(); s == nil || !s.Closed() {
		t.Error("microphone not released after failed start")
	}

	// A new attempt is allowed from ready.
	h.dialer.Err = nil
	if err := h.p.Start(); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	h.waitState(t, session.StateConnecting)
}

func TestPipeline_SpeakerFailureReturnsToReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard, func(c *session.Config) {
		c.Speaker = func() (audio.Output, error) { return nil, audio.ErrDeviceUnavailable }
	})
	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure reported", func() bool { return len(h.obs.Errors()) == 1 })
	if !errors.Is(h.obs.Errors()[0], audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v", h.obs.Errors()[0])
	}
	if h.dialer.CallCount() != 0 {
		t.Error("dialed without a speaker")
	}
	if h.p.State() != session.StateReady {
		t.Errorf("state = %v, want ready", h.p.State())
	}
}

func TestPipeline_ConnectTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard, func(c *session.Config) {
		c.ConnectTimeout = 30 * time.Millisecond
	})
	if err := h.p.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout reported", func() bool { return len(h.obs.Errors()) == 1 })
	if !errors.Is(h.obs.Errors()[0], session.ErrConnectTimeout) {
		t.Errorf("err = %v, want ErrConnectTimeout", h.obs.Errors()[0])
	}
	if h.p.State() != session.StateReady {
		t.Errorf("state = %v, want ready", h.p.State())
	}
	waitFor(t, "link closed", func() bool { return h.link.CallCountClose() > 0 })
}

func TestPipeline_MicrophoneFailureDegradesToTextOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.mic.OpenErr = audio.ErrPermissionDenied
	h.activate(t)

	if !h.p.Snapshot().TextOnly {
		t.Error("TextOnly = false, want true")
	}
	if err := h.p.SendText("Goedemorgen"); err != nil {
		t.Errorf("SendText in text-only session: %v", err)
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestPipeline_MicrophoneFramesForwardedWhenActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)
	stream := h.mic.Stream()

	stream.Push(make([]float32, 160))
	waitFor(t, "audio sent", func() bool { return len(h.link.Audio()) == 1 })
	if got := len(h.link.Audio()[0]); got != 320 {
		t.Errorf("frame bytes = %d, want 320", got)
	}
}

func TestPipeline_AudioCapturedWhileConnectingIsNotSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	if err := h.p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "setup sent", func() bool { return len(h.link.Setups()) == 1 })
	stream := h.mic.Stream()
	if stream == nil {
		t.Fatal("microphone not opened while connecting")
	}

	// The participant talks before the upstream acknowledged the setup.
	for range 10 {
		stream.Push(make([]float32, 160))
	}
	waitFor(t, "early blocks read", func() bool { return stream.Pending() == 0 })
	if st := h.p.State(); st != session.StateConnecting {
		t.Fatalf("state = %v, want connecting", st)
	}

	h.link.Emit(live.Event{SetupComplete: true})
	h.waitState(t, session.StateActive)

	block := make([]float32, 160)
	block[0] = 0.5
	stream.Push(block)
	waitFor(t, "live audio sent", func() bool { return len(h.link.Audio()) >= 1 })
	time.Sleep(20 * time.Millisecond)

	sent := h.link.Audio()
	if len(sent) != 1 {
		t.Fatalf("frames sent = %d, want only the one captured after activation", len(sent))
	}
	if sent[0][0] != 0 || sent[0][1] != 0x40 {
		t.Errorf("sent frame starts % x, want the post-activation block", sent[0][:2])
	}
}

func TestPipeline_PlaybackPresence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	// Two 100 ms chunks at 24 kHz.
	h.link.Emit(live.Event{Audio: [][]byte{pcm(2400), pcm(2400)}})
	h.waitPresence(t, session.PresenceSpeaking)

	calls := h.out.Scheduled()
	if len(calls) != 2 {
		t.Fatalf("scheduled %d buffers, want 2", len(calls))
	}
	if calls[0].Buffer.SampleRate != audio.PlaybackSampleRate {
		t.Errorf("sample rate = %d", calls[0].Buffer.SampleRate)
	}
	if calls[1].At != calls[0].At+100*time.Millisecond {
		t.Errorf("second chunk at %v, want gapless after %v", calls[1].At, calls[0].At)
	}

	h.out.Advance(200 * time.Millisecond)
	h.waitPresence(t, session.PresenceIdle)
}

func TestPipeline_InterruptionStopsPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	h.link.Emit(live.Event{Audio: [][]byte{pcm(24000)}})
	h.waitPresence(t, session.PresenceSpeaking)
	h.out.Advance(300 * time.Millisecond)

	h.link.Emit(live.Event{Interrupted: true})
	h.waitPresence(t, session.PresenceListening)

	calls := h.out.Scheduled()
	if !calls[0].Voice.Stopped() {
		t.Error("voice not stopped on interruption")
	}

	// The next chunk starts at the device's now, not after the interrupted one.
	h.link.Emit(live.Event{Audio: [][]byte{pcm(2400)}})
	waitFor(t, "second chunk", func() bool { return len(h.out.Scheduled()) == 2 })
	if at := h.out.Scheduled()[1].At; at != 300*time.Millisecond {
		t.Errorf("next chunk at %v, want 300ms", at)
	}
}

// ── Transcript ────────────────────────────────────────────────────────────────

func TestPipeline_TranscriptDeltasFormOneMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	h.link.Emit(transcript("Hel", ""))
	h.link.Emit(transcript("lo", ""))
	h.waitPresence(t, session.PresenceListening)
	h.link.Emit(live.Event{TurnComplete: true})

	waitFor(t, "message", func() bool { return len(h.p.Messages()) == 1 })
	m := h.p.Messages()[0]
	if m.Role != types.RoleUser || m.Text != "Hello" {
		t.Errorf("message = %+v, want user Hello", m)
	}
}

func TestPipeline_OutputTranscriptionSuppressesTextParts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	ev := transcript("", "Goedendag")
	ev.Text = []string{"[denkt na]"}
	h.link.Emit(ev)
	h.link.Emit(live.Event{Text: []string{", welkom"}})
	h.link.Emit(live.Event{TurnComplete: true})

	waitFor(t, "message", func() bool { return len(h.p.Messages()) == 1 })
	if got := h.p.Messages()[0]; got.Role != types.RoleModel || got.Text != "Goedendag, welkom" {
		t.Errorf("message = %+v", got)
	}
}

func TestPipeline_TypedTextRecordedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)
	h.activate(t)

	if err := h.p.SendText("Wat kost het?"); err != nil {
		t.Fatal(err)
	}
	if got := h.p.Snapshot().Presence; got != session.PresenceProcessing {
		t.Errorf("presence = %v, want processing", got)
	}
	texts := h.link.Texts()
	if texts[len(texts)-1] != "Wat kost het?" {
		t.Errorf("last text sent = %q", texts[len(texts)-1])
	}

	h.link.Emit(transcript("", "Dat hangt ervan af."))
	h.link.Emit(live.Event{TurnComplete: true})
	waitFor(t, "messages", func() bool { return len(h.p.Messages()) == 2 })

	// A later spoken turn is recorded normally.
	h.link.Emit(transcript("Oké", "Prima."))
	h.link.Emit(live.Event{TurnComplete: true})
	waitFor(t, "messages", func() bool { return len(h.p.Messages()) == 4 })

	var got []string
	for _, m := range h.p.Messages() {
		got = append(got, string(m.Role)+":"+m.Text)
	}
	want := []string{"user:Wat kost het?", "model:Dat hangt ervan af.", "user:Oké", "model:Prima."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %v, want %v", got, want)
	}
}

func TestPipeline_SpeechRateInstruction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard)

	// Before active the rate only affects the framing.
	if err := h.p.SetSpeechRate(0.5); err != nil {
		t.Fatal(err)
	}
	h.activate(t)
	if !strings.Contains(h.link.Setups()[0].SystemInstruction, "HUIDIG TEMPO: Langzaam") {
		t.Error("framing does not carry the initial tempo")
	}

	if err := h.p.SetSpeechRate(1.5); err != nil {
		t.Fatal(err)
	}
	texts := h.link.Texts()
	want := "[SYSTEEM INSTRUCTIE]: Pas je spreektempo direct aan. Spreek vanaf nu aanzienlijk sneller. Blijf spreken in de taal: Nederlands."
	if texts[len(texts)-1] != want {
		t.Errorf("instruction = %q", texts[len(texts)-1])
	}
	if len(h.p.Messages()) != 0 {
		t.Error("instruction was recorded as a message")
	}
	if err := h.p.SetSpeechRate(0); err == nil {
		t.Error("SetSpeechRate(0) accepted")
	}
}

func TestPipeline_FinishReturnsOutcome(t *testing.T) {
	t.Parallel()

	h := newHarness(t, scenario.SessionStandard, func(c *session.Config) {
		c.TickInterval = 5 * time.Millisecond
	})
	h.activate(t)
	h.link.Emit(transcript("Hallo", "Welkom"))
	h.link.Emit(live.Event{TurnComplete: true})
	waitFor(t, "messages", func() bool { return len(h.p.Messages()) == 2 })
	waitFor(t, "elapsed", func() bool { return h.p.Snapshot().Elapsed >= 20*time.Millisecond })

	out, err := h.p.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if out.Phase != session.PhaseCompleted {
		t.Errorf("phase = %q", out.Phase)
	}
	if len(out.Messages) != 2 || out.Case != "De maandafsluiting duurt te lang." {
		t.Errorf("outcome = %+v", out)
	}
	if out.Elapsed < 20*time.Millisecond {
		t.Errorf("elapsed = %v", out.Elapsed)
	}
	if h.p.State() != session.StateEnded {
		t.Errorf("state = %v", h.p.State())
	}
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{61*time.Minute + 5*time.Second, "01:01:05"},
	}
	for _, tt := range tests {
		if got := session.FormatElapsed(tt.d); got != tt.want {
			t.Errorf("FormatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
