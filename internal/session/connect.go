package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/starlight/pkg/audio"
	"github.com/MrWong99/starlight/pkg/upstream"
)

// Connect opens the upstream stream and waits for its ready message, at most
// Config.ConnectTimeout. On failure it returns a *[ConnectError] and the
// session is Disconnected again, so Connect may be retried by the caller.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.connectCancel = cancel
	s.connectDone = make(chan struct{})
	done := s.connectDone
	s.setState(StateConnecting)
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	start := time.Now()
	stream, early, err := s.open(cctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCancel = nil

	if s.state == StateClosing {
		// Disconnect arrived while we were connecting; it finishes the
		// shutdown once done is closed.
		if stream != nil {
			_ = stream.Close()
		}
		return ErrSessionClosed
	}
	if err != nil {
		s.setState(StateDisconnected)
		s.log.Warn("session connect failed", "err", err, "elapsed", time.Since(start))
		return err
	}

	s.stream = stream
	s.recvDone = make(chan struct{})
	s.setState(StateConnected)
	s.log.Info("session connected", "elapsed", time.Since(start))
	go s.receiveLoop(stream, early, s.recvDone)
	return nil
}

// open dials and waits for KindReady. Messages that arrive before ready are
// returned so they can be replayed in order.
func (s *Session) open(ctx context.Context) (upstream.Stream, []upstream.Message, error) {
	stream, err := s.dialer.Dial(ctx, s.cfg.Upstream)
	if err != nil {
		return nil, nil, classify(ctx, err)
	}

	var early []upstream.Message
	for {
		select {
		case m, ok := <-stream.Messages():
			if !ok {
				cause := stream.Err()
				if cause == nil {
					cause = errors.New("stream ended before ready")
				}
				return nil, nil, classify(ctx, cause)
			}
			switch m.Kind {
			case upstream.KindReady:
				return stream, early, nil
			case upstream.KindError:
				_ = stream.Close()
				return nil, nil, classify(ctx, m.Err)
			default:
				early = append(early, m)
			}
		case <-ctx.Done():
			_ = stream.Close()
			return nil, nil, &ConnectError{Kind: ConnectTimeout, Err: ctx.Err()}
		}
	}
}

// classify maps a dial or pre-ready failure onto a [ConnectError].
func classify(ctx context.Context, err error) *ConnectError {
	switch {
	case errors.Is(err, upstream.ErrAuthRejected):
		return &ConnectError{Kind: ConnectAuthRejected, Err: err}
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return &ConnectError{Kind: ConnectTimeout, Err: err}
	default:
		return &ConnectError{Kind: ConnectRefused, Err: err}
	}
}

// receiveLoop converts upstream messages into events until the stream's
// channel closes, then finishes the session.
func (s *Session) receiveLoop(stream upstream.Stream, early []upstream.Message, done chan struct{}) {
	defer close(done)

	var framer *audio.Framer
	dispatch := func(m upstream.Message) {
		ev := Event{At: time.Now()}
		switch m.Kind {
		case upstream.KindAudio:
			if framer == nil {
				framer = audio.NewFramer(audio.Inbound, m.AudioFormat, 0)
			}
			ev.Kind = EventAudio
			ev.Frame = framer.Next(m.Audio)
		case upstream.KindPartialTranscript:
			ev.Kind = EventPartialTranscript
			ev.Speaker, ev.Text = m.Speaker, m.Text
		case upstream.KindFinalTranscript:
			ev.Kind = EventFinalTranscript
			ev.Speaker, ev.Text = m.Speaker, m.Text
		case upstream.KindToolCall:
			ev.Kind = EventToolCall
			ev.ToolCall = m.ToolCall
		case upstream.KindError:
			ev.Kind = EventError
			ev.Err = m.Err
		case upstream.KindInterrupted:
			ev.Kind = EventInterrupted
		default:
			return
		}
		s.events <- ev
	}

	for _, m := range early {
		dispatch(m)
	}
	for m := range stream.Messages() {
		dispatch(m)
	}

	s.mu.Lock()
	local := s.state == StateClosing
	var terminal error
	if !local {
		cause := stream.Err()
		if cause == nil {
			terminal = ErrTransportClosed
		} else {
			terminal = fmt.Errorf("%w: %w", ErrTransportClosed, cause)
		}
		s.log.Warn("session transport closed", "err", cause)
		s.setState(StateClosing)
		_ = stream.Close()
	}
	s.setState(StateClosed)
	s.mu.Unlock()

	s.finish(terminal)
}

// finish emits the closed event and closes the event channel. Only the first
// call has effect.
func (s *Session) finish(err error) {
	s.closeOnce.Do(func() {
		s.events <- Event{Kind: EventClosed, At: time.Now(), Err: err}
		close(s.events)
		close(s.closed)
	})
}
