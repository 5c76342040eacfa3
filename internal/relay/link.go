package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rehearsal/internal/observe"
)

// StatusBadGateway is sent to the client when the upstream connection cannot
// be established. It is the registered WebSocket code 1014.
const StatusBadGateway websocket.StatusCode = 1014

const (
	sideClient   = "client"
	sideUpstream = "upstream"
)

// message is one WebSocket message kept with its frame type.
type message struct {
	typ  websocket.MessageType
	data []byte
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// link bridges one client connection and one upstream connection.
//
// Client messages that arrive before the upstream is open are appended to
// queue. Opening flushes the queue in order while holding mu and only then
// sets open, so a message read after open can never overtake a queued one.
type link struct {
	id         string
	client     *websocket.Conn
	cancelDial context.CancelFunc
	metrics    *observe.Metrics
	log        *slog.Logger

	mu          sync.Mutex
	upstream    *websocket.Conn
	open        bool
	closing     bool
	closeCode   websocket.StatusCode
	closeReason string
	queue       []message

	closeOnce sync.Once
}

func newLink(id string, client *websocket.Conn, cancelDial context.CancelFunc, m *observe.Metrics, log *slog.Logger) *link {
	return &link{
		id:         id,
		client:     client,
		cancelDial: cancelDial,
		metrics:    m,
		log:        log.With("link_id", id),
	}
}

// run pumps both directions until either side closes. dialed delivers the
// outcome of the upstream dial that was started before the client handshake.
func (l *link) run(ctx context.Context, dialed <-chan dialResult) {
	var g errgroup.Group
	g.Go(func() error {
		l.pumpClient(ctx)
		return nil
	})
	g.Go(func() error {
		l.awaitUpstream(ctx, dialed)
		return nil
	})
	_ = g.Wait()
}

func (l *link) pumpClient(ctx context.Context) {
	for {
		typ, data, err := l.client.Read(ctx)
		if err != nil {
			l.shutdown(ctx, sideClient, err)
			return
		}
		l.forwardUpstream(ctx, message{typ: typ, data: data})
	}
}

func (l *link) forwardUpstream(ctx context.Context, msg message) {
	l.mu.Lock()
	if !l.open {
		if !l.closing {
			l.queue = append(l.queue, msg)
			l.metrics.QueuedMessages.Add(ctx, 1)
		}
		l.mu.Unlock()
		return
	}
	up := l.upstream
	l.mu.Unlock()

	if err := up.Write(ctx, msg.typ, msg.data); err != nil {
		l.log.Debug("relay: write upstream failed", "err", err)
		return
	}
	l.metrics.RecordRelayMessage(ctx, observe.DirectionClientToUpstream)
}

func (l *link) awaitUpstream(ctx context.Context, dialed <-chan dialResult) {
	res := <-dialed
	if res.err != nil {
		l.mu.Lock()
		closing := l.closing
		l.mu.Unlock()
		if !closing {
			l.log.Warn("relay: upstream dial failed", "err", res.err)
			l.closeClient(ctx, StatusBadGateway, "relay: upstream unavailable")
		}
		return
	}
	up := res.conn

	l.mu.Lock()
	if l.closing {
		code, reason := l.closeCode, l.closeReason
		l.mu.Unlock()
		_ = up.Close(code, reason)
		return
	}
	l.upstream = up
	for _, msg := range l.queue {
		if err := up.Write(ctx, msg.typ, msg.data); err != nil {
			l.log.Debug("relay: flush upstream failed", "err", err)
			break
		}
		l.metrics.RecordRelayMessage(ctx, observe.DirectionClientToUpstream)
	}
	flushed := len(l.queue)
	l.queue = nil
	l.open = true
	l.mu.Unlock()

	l.log.Debug("relay: upstream open", "flushed", flushed)
	l.pumpUpstream(ctx, up)
}

func (l *link) pumpUpstream(ctx context.Context, up *websocket.Conn) {
	for {
		typ, data, err := up.Read(ctx)
		if err != nil {
			l.shutdown(ctx, sideUpstream, err)
			return
		}
		if err := l.client.Write(ctx, typ, data); err != nil {
			l.log.Debug("relay: write client failed", "err", err)
			continue
		}
		l.metrics.RecordRelayMessage(ctx, observe.DirectionUpstreamToClient)
	}
}

// shutdown propagates the first close observed on side to the other side.
func (l *link) shutdown(ctx context.Context, side string, err error) {
	code, reason := closeFrame(err)
	l.closeOnce.Do(func() {
		l.log.Info("relay: link closing", "side", side, "code", int(code), "reason", reason)
		l.metrics.RecordLinkClose(ctx, side, int(code))

		l.mu.Lock()
		l.closing = true
		l.closeCode, l.closeReason = code, reason
		l.queue = nil
		up := l.upstream
		l.mu.Unlock()

		if side == sideUpstream {
			_ = l.client.Close(code, reason)
			return
		}
		l.cancelDial()
		if up != nil {
			_ = up.Close(code, reason)
		}
	})
}

func (l *link) closeClient(ctx context.Context, code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() {
		l.metrics.RecordLinkClose(ctx, sideUpstream, int(code))
		l.mu.Lock()
		l.closing = true
		l.queue = nil
		l.mu.Unlock()
		_ = l.client.Close(code, reason)
	})
}

// closeFrame maps a read error to the close code and reason forwarded to the
// other side. Codes that may not appear in a close frame are replaced.
func closeFrame(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.StatusNoStatusRcvd:
			return websocket.StatusNormalClosure, ce.Reason
		case websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
			return websocket.StatusInternalError, ce.Reason
		}
		return ce.Code, ce.Reason
	}
	if errors.Is(err, context.Canceled) {
		return websocket.StatusGoingAway, "relay shutting down"
	}
	return websocket.StatusInternalError, "relay: connection error"
}
