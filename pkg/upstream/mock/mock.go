// Package mock provides test doubles for the upstream package interfaces.
//
// Use Dialer to verify Dial calls and hand out controlled streams. Use Stream
// to script inbound messages and inspect what the relay sent.
//
// Example:
//
//	st := mock.NewStream()
//	d := &mock.Dialer{Stream: st}
//	s, _ := d.Dial(ctx, cfg)
//	st.Ready()
//	st.Emit(upstream.Message{Kind: upstream.KindFinalTranscript, Speaker: upstream.SpeakerUser, Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cfg is the Config passed to Dial.
	Cfg upstream.Config
}

// Dialer is a mock implementation of upstream.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Stream is returned by Dial. If nil, Dial returns a fresh NewStream.
	Stream *Stream

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns Stream, DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg upstream.Config) (upstream.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Cfg: cfg})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Stream == nil {
		d.Stream = NewStream()
	}
	return d.Stream, nil
}

// Calls returns a copy of the recorded Dial calls. Thread-safe.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.DialCalls...)
}

// Ensure Dialer implements upstream.Dialer at compile time.
var _ upstream.Dialer = (*Dialer)(nil)

// Stream is a mock implementation of upstream.Stream.
type Stream struct {
	mu sync.Mutex

	messages  chan upstream.Message
	done      chan struct{}
	closeOnce sync.Once
	errVal    error
	closed    bool

	// --- Configurable behaviour ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// Block, if non-nil, makes every send wait until it is closed, the
	// stream is closed, or the send's context ends.
	Block chan struct{}

	// --- Recorded calls ---

	// AudioFrames holds every frame passed to SendAudio, in order.
	AudioFrames []audio.Frame

	// Texts holds every text passed to SendText, in order.
	Texts []string

	// ToolResults holds every result passed to SendToolResult, in order.
	ToolResults []upstream.ToolResult

	// CloseCount is the number of times Close was called.
	CloseCount int
}

// NewStream returns a Stream with a buffered message channel.
func NewStream() *Stream {
	return &Stream{
		messages: make(chan upstream.Message, 64),
		done:     make(chan struct{}),
	}
}

// Ready emits the KindReady message.
func (s *Stream) Ready() { s.Emit(upstream.Message{Kind: upstream.KindReady}) }

// Emit queues m on the message channel. It must not be called after Close
// or Finish.
func (s *Stream) Emit(m upstream.Message) { s.messages <- m }

// Finish simulates the transport ending: err becomes the value of Err and
// the message channel is closed. Pending sends keep blocking until Close.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.messages) })
}

func (s *Stream) wait(ctx context.Context) error {
	if s.Block == nil {
		return nil
	}
	select {
	case <-s.Block:
		return nil
	case <-s.done:
		return upstream.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio records the frame and returns SendAudioErr.
func (s *Stream) SendAudio(ctx context.Context, f audio.Frame) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return upstream.ErrClosed
	}
	s.AudioFrames = append(s.AudioFrames, f)
	return s.SendAudioErr
}

// SendText records the text and returns SendTextErr.
func (s *Stream) SendText(ctx context.Context, text string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return upstream.ErrClosed
	}
	s.Texts = append(s.Texts, text)
	return s.SendTextErr
}

// SendToolResult records the result and returns SendToolResultErr.
func (s *Stream) SendToolResult(ctx context.Context, r upstream.ToolResult) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return upstream.ErrClosed
	}
	s.ToolResults = append(s.ToolResults, r)
	return s.SendToolResultErr
}

// Messages returns the scripted message channel.
func (s *Stream) Messages() <-chan upstream.Message { return s.messages }

// Err returns the error passed to Finish, or nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and closes the message channel. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCount++
	first := !s.closed
	s.closed = true
	s.mu.Unlock()
	if first {
		close(s.done)
	}
	s.closeOnce.Do(func() { close(s.messages) })
	return nil
}

// Snapshot returns copies of the recorded sends. Thread-safe.
func (s *Stream) Snapshot() (frames []audio.Frame, texts []string, results []upstream.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Frame(nil), s.AudioFrames...),
		append([]string(nil), s.Texts...),
		append([]upstream.ToolResult(nil), s.ToolResults...)
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ensure Stream implements upstream.Stream at compile time.
var _ upstream.Stream = (*Stream)(nil)
