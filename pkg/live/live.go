// Package live is a client for the bidirectional streaming conversation
// protocol of the upstream AI service, spoken through the credential relay.
//
// A [Conn] carries JSON messages over one WebSocket. The caller sends a setup
// message, waits for the SetupComplete event, then streams microphone frames
// and typed text while consuming [Event] values from [Conn.Events]. The
// connection carries no credential; the relay injects it.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultModel is the native-audio conversational model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is used when a persona does not name one.
	DefaultVoice = "Puck"

	// ServicePath is the upstream streaming method appended to the relay base URL.
	ServicePath = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	// AudioMIMEType tags outbound microphone chunks.
	AudioMIMEType = "audio/pcm;rate=16000"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	defaultReadLimit  = 4 << 20
	eventBuffer       = 64
)

// ErrClosed is returned by send methods after the connection ended.
var ErrClosed = errors.New("live: connection closed")

// Endpoint joins a relay base URL (e.g. "ws://localhost:8080/relay") with
// [ServicePath].
func Endpoint(relayBase string) string {
	return strings.TrimRight(relayBase, "/") + ServicePath
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for [Dial].
type Option func(*dialConfig)

type dialConfig struct {
	httpClient *http.Client
	header     http.Header
	readLimit  int64
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(d *dialConfig) { d.httpClient = c }
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(d *dialConfig) { d.header = h }
}

// WithReadLimit caps the size of a single inbound message.
func WithReadLimit(n int64) Option {
	return func(d *dialConfig) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// ── Setup ──────────────────────────────────────────────────────────────────────

// Setup describes the conversation the upstream should host.
type Setup struct {
	// Model without the "models/" prefix. Defaults to [DefaultModel].
	Model string

	// Voice is the prebuilt voice name. Defaults to [DefaultVoice].
	Voice string

	// SystemInstruction is the full system framing text.
	SystemInstruction string
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one live conversation connection. Send methods are safe for
// concurrent use.
type Conn struct {
	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	errVal error
	status websocket.StatusCode
	closed bool
}

// Dial opens a connection to url. It returns once the WebSocket handshake with
// the relay completes; upstream readiness is signalled later by an event with
// SetupComplete set.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	cfg := dialConfig{readLimit: defaultReadLimit}
	for _, o := range opts {
		o(&cfg)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: cfg.httpClient,
		HTTPHeader: cfg.header,
	})
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}
	conn.SetReadLimit(cfg.readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: -1,
	}
	go c.receiveLoop()
	go c.keepaliveLoop()
	return c, nil
}

// Setup sends the setup message. Call exactly once, before any other send.
func (c *Conn) Setup(s Setup) error {
	model := s.Model
	if model == "" {
		model = DefaultModel
	}
	voice := s.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + strings.TrimPrefix(model, "models/"),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if s.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: s.SystemInstruction}},
		}
	}
	return c.writeJSON(msg)
}

// SendAudio delivers one 16 kHz s16le mono PCM frame.
func (c *Conn) SendAudio(pcm []byte) error {
	return c.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: AudioMIMEType,
				Data:     base64.StdEncoding.EncodeToString(pcm),
			}},
		},
	})
}

// SendText delivers typed text or an in-band instruction.
func (c *Conn) SendText(text string) error {
	return c.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{Text: text},
	})
}

// Events returns the channel of server events. It is closed when the
// connection ends; [Conn.Err] and [Conn.CloseStatus] then describe why.
func (c *Conn) Events() <-chan Event { return c.events }

// Done is closed when the receive loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil for a normal close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// CloseStatus returns the close code received from the peer, or -1.
func (c *Conn) CloseStatus() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close terminates the connection with a normal closure. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Close before cancelling: a cancelled read context tears the socket down
	// without a close handshake.
	_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
	c.cancel()
	return nil
}

func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("live: marshal: %w", err)
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("live: write: %w", err)
	}
	return nil
}

// receiveLoop owns the events channel and closes it on exit.
func (c *Conn) receiveLoop() {
	defer close(c.done)
	defer close(c.events)
	defer c.cancel()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.setErr(err)
			return
		}
		ev, err := ParseEvent(data)
		if err != nil {
			continue // skip malformed frames
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code := websocket.CloseStatus(err); code != -1 {
		c.status = code
		if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
			return
		}
	}
	if c.closed {
		return
	}
	if c.errVal == nil {
		c.errVal = err
	}
}

// keepaliveLoop pings the relay so idle conversations are not reaped.
func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}
