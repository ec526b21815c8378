package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/starlight/pkg/upstream"
)

// Send forwards out to the upstream. It returns [ErrNotConnected] unless the
// session is Connected, including for a stream that closed underneath the
// call.
func (s *Session) Send(ctx context.Context, out Outbound) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	stream := s.stream
	s.inflight.Add(1)
	s.pending.Add(1)
	s.mu.Unlock()

	defer func() {
		s.pending.Add(-1)
		s.inflight.Done()
	}()

	s.sendSeq.Add(1)

	var err error
	switch out.Kind {
	case OutboundAudio:
		err = stream.SendAudio(ctx, out.Frame)
	case OutboundText:
		err = stream.SendText(ctx, out.Text)
	case OutboundToolResult:
		err = stream.SendToolResult(ctx, out.ToolResult)
	default:
		return fmt.Errorf("session: send: unknown outbound kind %d", out.Kind)
	}
	if errors.Is(err, upstream.ErrClosed) {
		return ErrNotConnected
	}
	if err != nil {
		return fmt.Errorf("session: send %d: %w", out.Kind, err)
	}
	return nil
}

// Disconnect closes the session. Sends already in flight are awaited until
// ctx expires; whatever is still pending then is abandoned and reported as
// dropped. Disconnect is idempotent: later calls wait for the first one and
// return its result.
func (s *Session) Disconnect(ctx context.Context) (DisconnectResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		res := s.result
		s.mu.Unlock()
		return res, nil

	case StateClosing:
		s.mu.Unlock()
		select {
		case <-s.closed:
		case <-ctx.Done():
			return DisconnectResult{}, fmt.Errorf("session: disconnect: %w", ctx.Err())
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, nil

	case StateDisconnected:
		s.setState(StateClosed)
		s.mu.Unlock()
		s.finish(nil)
		return DisconnectResult{}, nil

	case StateConnecting:
		cancel, done := s.connectCancel, s.connectDone
		s.setState(StateClosing)
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		<-done
		s.mu.Lock()
		s.setState(StateClosed)
		s.mu.Unlock()
		s.finish(nil)
		return DisconnectResult{}, nil
	}

	// Connected.
	stream, recvDone := s.stream, s.recvDone
	s.setState(StateClosing)
	s.mu.Unlock()

	res := s.drain(ctx)
	if res.Dropped > 0 {
		s.log.Warn("session disconnect dropped in-flight sends", "dropped", res.Dropped, "flushed", res.Flushed)
	}

	s.mu.Lock()
	s.result = res
	s.mu.Unlock()

	_ = stream.Close()

	select {
	case <-recvDone:
	case <-ctx.Done():
		// The receive loop finishes on its own once the consumer drains the
		// remaining events.
	}
	s.log.Info("session disconnected", "flushed", res.Flushed, "dropped", res.Dropped)
	return res, nil
}

// drain waits for in-flight sends until ctx expires.
func (s *Session) drain(ctx context.Context) DisconnectResult {
	before := int(s.pending.Load())
	if before == 0 {
		return DisconnectResult{}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return DisconnectResult{Flushed: before}
	case <-ctx.Done():
		left := int(s.pending.Load())
		return DisconnectResult{Flushed: before - left, Dropped: left}
	}
}
