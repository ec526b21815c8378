// Package gateway exposes calls to browsers over a WebSocket.
//
// Each socket on /ws gets its own [app.Call]. The browser streams captured
// PCM as base64 JSON, toggles push-to-talk and may connect or hang up
// explicitly; the server streams back agent audio, transcript entries, tool
// events, connection states and diagnostics. See protocol.go for the message
// shapes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/starlight/internal/app"
	"github.com/MrWong99/starlight/internal/session"
	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/gorilla/websocket"
)

// Defaults for [Server].
const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
	defaultSendQueue    = 256
	closeTimeout        = 5 * time.Second
)

type options struct {
	allowedOrigins []string
	pingInterval   time.Duration
	writeTimeout   time.Duration
	readLimit      int64
	sendQueue      int
	log            *slog.Logger
}

// Option configures a [Server].
type Option func(*options)

// WithAllowedOrigins sets the host patterns ("example.com", "*.example.com")
// whose pages may open a socket. Without any, only same-origin pages may.
func WithAllowedOrigins(patterns ...string) Option {
	return func(o *options) { o.allowedOrigins = patterns }
}

// WithPingInterval sets the keepalive interval. The read deadline is twice
// the interval.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds every socket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Server serves the call socket.
type Server struct {
	app      *app.App
	opts     options
	upgrader websocket.Upgrader
}

// New returns a server creating its calls from a.
func New(a *app.App, opts ...Option) *Server {
	o := options{
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
		sendQueue:    defaultSendQueue,
		log:          slog.Default(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Server{app: a, opts: o}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Register adds the /ws route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.ServeWS)
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), same-origin pages, and pages whose host matches an allowed
// pattern.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := strings.ToLower(u.Hostname())
	for _, p := range s.opts.allowedOrigins {
		if ok, _ := path.Match(strings.ToLower(p), host); ok {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs one call until either side hangs up.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.opts.log.Warn("gateway: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := s.opts.log.With("remote", r.RemoteAddr)
	c := newClient(ws, s.opts, log)

	call, err := s.app.NewCall(r.Context(), c, c, r.RemoteAddr)
	if err != nil {
		log.Warn("gateway: call rejected", "err", err)
		kind := "internal"
		if errors.Is(err, app.ErrTooManyCalls) || errors.Is(err, app.ErrRegistryClosed) {
			kind = ErrorCapacity
		}
		_ = ws.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
		_ = ws.WriteJSON(errorMessage(kind, err.Error()))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many calls"),
			time.Now().Add(s.opts.writeTimeout))
		return
	}
	log = log.With("call_id", call.ID())
	c.log = log
	log.Info("gateway: client connected")

	go c.writeLoop(ctx)
	go func() {
		select {
		case <-call.Done():
			c.close()
		case <-ctx.Done():
		}
	}()

	if s.app.Config().Call.AutoConnect {
		go s.connect(ctx, call)
	}

	s.readLoop(ctx, ws, c, call)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	if err := call.Close(closeCtx); err != nil {
		log.Warn("gateway: close call", "err", err)
	}
	c.close()
	select {
	case <-c.writerErr:
	case <-closeCtx.Done():
	}
	log.Info("gateway: client disconnected", "transcript_entries", len(call.History()))
}

func (s *Server) connect(ctx context.Context, call *app.Call) {
	// Errors are reported to the client through the call's sink.
	_ = call.RequestConnect(ctx)
}

// readLoop handles client messages until the socket fails or closes.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, c *client, call *app.Call) {
	wait := 2 * s.opts.pingInterval
	ws.SetReadLimit(s.opts.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("gateway: read failed", "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		if mt != websocket.TextMessage {
			continue
		}

		var m ClientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.offer(errorMessage(ErrorBadRequest, "invalid json: "+err.Error()))
			continue
		}
		s.handle(ctx, c, call, m)
	}
}

func (s *Server) handle(ctx context.Context, c *client, call *app.Call, m ClientMessage) {
	switch m.Type {
	case TypeAudio:
		pcm, format, err := audio.DecodeChunk(m.MimeType, m.Data, audio.DefaultSampleRate)
		if err != nil {
			c.offer(errorMessage(ErrorBadRequest, err.Error()))
			return
		}
		call.PushCapture(pcm, format)

	case TypeTalk:
		if err := call.SetTalkState(m.On); err != nil {
			kind := ErrorBadRequest
			if errors.Is(err, session.ErrNotConnected) {
				kind = ErrorNotConnected
			}
			c.offer(errorMessage(kind, err.Error()))
		}

	case TypeConnect:
		go s.connect(ctx, call)

	case TypeHangup:
		go func() {
			if _, err := call.RequestDisconnect(ctx); err != nil {
				c.log.Warn("gateway: hangup", "err", err)
			}
		}()

	default:
		c.offer(errorMessage(ErrorBadRequest, "unknown message type "+strconv.Quote(m.Type)))
	}
}
