package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/starlight/internal/app"
	"github.com/MrWong99/starlight/internal/session"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/internal/transcript"
	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/gorilla/websocket"
)

// client is one browser socket. It is both the call's UI sink and its
// playback sink. Only writeLoop writes to the socket.
type client struct {
	ws           *websocket.Conn
	out          chan any
	log          *slog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	writerErr chan struct{} // closed when writeLoop returns
}

func newClient(ws *websocket.Conn, opts options, log *slog.Logger) *client {
	return &client{
		ws:           ws,
		out:          make(chan any, opts.sendQueue),
		log:          log,
		writeTimeout: opts.writeTimeout,
		pingInterval: opts.pingInterval,
		closing:      make(chan struct{}),
		writerErr:    make(chan struct{}),
	}
}

// OnConnectionStateChange runs under the session's lock, so it never blocks.
func (c *client) OnConnectionStateChange(st session.State) {
	c.offer(stateMessage(st))
}

func (c *client) OnTranscriptEntry(e transcript.Entry) {
	c.send(context.Background(), transcriptMessage(e))
}

func (c *client) OnToolEvent(ev toolbridge.Event) {
	c.send(context.Background(), toolEventMessage(ev))
}

func (c *client) OnError(kind app.ErrorKind, detail string) {
	c.offer(errorMessage(kind, detail))
}

// Play queues an inbound frame. It blocks while the socket is backed up,
// which in turn lets the player's own bounded queue absorb the burst.
func (c *client) Play(ctx context.Context, f audio.Frame) error {
	if !c.send(ctx, audioMessage(f)) {
		return errors.New("gateway: client gone")
	}
	return nil
}

// send queues m, waiting for room until ctx ends or the writer stops.
func (c *client) send(ctx context.Context, m any) bool {
	select {
	case c.out <- m:
		return true
	case <-ctx.Done():
	case <-c.writerErr:
	case <-c.closing:
	}
	return false
}

// offer queues m without waiting. Messages that do not fit are dropped.
func (c *client) offer(m any) {
	select {
	case c.out <- m:
	default:
		c.log.Warn("gateway: send queue full, dropping message", "type", messageType(m))
	}
}

// close asks the writer to flush what is queued and then close the socket.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

// writeLoop is the only writer of the socket.
func (c *client) writeLoop(ctx context.Context) {
	defer close(c.writerErr)

	ping := time.NewTicker(c.pingInterval)
	defer ping.Stop()

	for {
		select {
		case m := <-c.out:
			if err := c.write(m); err != nil {
				c.log.Debug("gateway: write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Debug("gateway: ping failed", "err", err)
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"),
				time.Now().Add(c.writeTimeout))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *client) flush() {
	for {
		select {
		case m := <-c.out:
			if err := c.write(m); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(m any) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(m)
}

func messageType(m any) string {
	switch v := m.(type) {
	case AudioMessage:
		return v.Type
	case TranscriptMessage:
		return v.Type
	case ToolEventMessage:
		return v.Type
	case StateMessage:
		return v.Type
	case ErrorMessage:
		return v.Type
	default:
		return "unknown"
	}
}
