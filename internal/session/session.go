// Package session owns the lifecycle of one connection to the upstream voice
// service.
//
// A [Session] moves through Disconnected → Connecting → Connected → Closing →
// Closed. It is single-use: once Closed it never reconnects, and a new call
// needs a new Session. Everything the upstream produces is delivered on one
// ordered channel returned by [Session.Events]; the channel carries exactly
// one [EventClosed] as its last value and is then closed.
//
// All methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/google/uuid"
)

// Default session parameters.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultEventBuffer    = 256
)

var (
	// ErrNotConnected is returned by Send whenever the session is not in
	// the Connected state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyConnected is returned by Connect on a session that is
	// connecting or connected.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrSessionClosed is returned by Connect once the session is closing
	// or closed.
	ErrSessionClosed = errors.New("session: closed")

	// ErrTransportClosed is wrapped by the terminal error of a session whose
	// transport ended without a local Disconnect.
	ErrTransportClosed = errors.New("session: transport closed")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectErrorKind classifies a failed Connect.
type ConnectErrorKind int

const (
	// ConnectTimeout means no ready acknowledgement arrived in time.
	ConnectTimeout ConnectErrorKind = iota

	// ConnectRefused covers handshake failures and transports that ended
	// before becoming ready.
	ConnectRefused

	// ConnectAuthRejected means the upstream refused the credentials.
	ConnectAuthRejected
)

// String returns the snake_case name used in UI error messages.
func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectAuthRejected:
		return "auth_rejected"
	default:
		return fmt.Sprintf("connect_error(%d)", int(k))
	}
}

// ConnectError is returned by Connect when the session could not reach the
// Connected state.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "session: connect " + e.Kind.String()
	}
	return fmt.Sprintf("session: connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config holds per-session parameters.
type Config struct {
	// Upstream is passed to the dialer unchanged.
	Upstream upstream.Config

	// ConnectTimeout bounds the wait for the upstream's ready message.
	// Defaults to 10s if zero.
	ConnectTimeout time.Duration

	// EventBuffer is the capacity of the event channel. Defaults to 256 if
	// zero.
	EventBuffer int
}

// DisconnectResult reports what happened to sends that were in flight when
// Disconnect was called.
type DisconnectResult struct {
	// Flushed is the number of in-flight sends that completed.
	Flushed int

	// Dropped is the number of in-flight sends abandoned because the
	// disconnect context expired first.
	Dropped int
}

// Option configures a [Session].
type Option func(*Session)

// WithStateObserver registers fn to be called on every state transition, in
// order. fn runs while the session's lock is held and must not call back
// into the session.
func WithStateObserver(fn func(State)) Option {
	return func(s *Session) { s.observer = fn }
}

// WithLogger sets the base logger. The session adds its ID to every line.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is one relay connection to the upstream service.
type Session struct {
	id       string
	dialer   upstream.Dialer
	cfg      Config
	observer func(State)
	log      *slog.Logger

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{} // closed after the closed event is emitted

	mu            sync.Mutex
	state         State
	stream        upstream.Stream
	connectCancel context.CancelFunc
	connectDone   chan struct{}
	recvDone      chan struct{}
	result        DisconnectResult

	inflight sync.WaitGroup
	pending  atomic.Int64
	sendSeq  atomic.Uint64
}

// New creates a disconnected session that will open its stream through
// dialer.
func New(dialer upstream.Dialer, cfg Config, opts ...Option) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	s := &Session{
		id:     uuid.NewString(),
		dialer: dialer,
		cfg:    cfg,
		log:    slog.Default(),
		events: make(chan Event, cfg.EventBuffer),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session_id", s.id)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Seq returns the number of sends accepted so far. Diagnostic only.
func (s *Session) Seq() uint64 { return s.sendSeq.Load() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the session's event stream. Consumers must drain it until
// it is closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session has emitted its closed event.
func (s *Session) Done() <-chan struct{} { return s.closed }

// setState records a transition and notifies the observer. Callers hold s.mu.
func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.log.Debug("session state", "from", s.state, "to", st)
	s.state = st
	if s.observer != nil {
		s.observer(st)
	}
}
