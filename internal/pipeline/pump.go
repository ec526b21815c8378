package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/internal/session"
	"github.com/MrWong99/starlight/pkg/audio"
)

// Default pump parameters.
const (
	DefaultCaptureQueue = 64
	DefaultGraceDrain   = 300 * time.Millisecond
)

// Sender is the part of a session the pump needs.
type Sender interface {
	Send(ctx context.Context, out session.Outbound) error
}

// PumpError ends [Pump.Run] when the session can no longer accept audio.
type PumpError struct {
	Err error
}

func (e *PumpError) Error() string { return "pipeline: pump stopped: " + e.Err.Error() }

func (e *PumpError) Unwrap() error { return e.Err }

// PumpConfig configures a [Pump].
type PumpConfig struct {
	// QueueSize bounds the number of captured buffers awaiting framing.
	// Defaults to 64 if zero.
	QueueSize int

	// GraceDrain is how long after talk goes off buffers captured while it
	// was on are still forwarded. Defaults to 300ms if zero; negative
	// disables the grace period.
	GraceDrain time.Duration

	// FrameDuration is the outbound frame length. Defaults to 20ms.
	FrameDuration time.Duration

	// Format is the format the upstream expects. Defaults to 16 kHz mono.
	Format audio.Format
}

// capture is one buffer handed to Push. Only buffers captured while talk
// was on are ever queued.
type capture struct {
	pcm    []byte
	format audio.Format
}

// PumpStats is a snapshot of the pump's counters.
type PumpStats struct {
	Sent       uint64
	Muted      uint64 // captured while talk was off
	Overflowed uint64 // rejected because the queue was full
	Expired    uint64 // captured while on, dequeued after the grace period
}

// Pump forwards captured PCM to a session while talk is on.
//
// Push is called from the capture callback and never blocks; Run does the
// framing and sending on its own goroutine.
type Pump struct {
	talk    *TalkState
	sender  Sender
	grace   time.Duration
	queue   chan capture
	framer  *audio.Framer
	norm    *audio.Normalizer
	metrics *observe.Metrics
	log     *slog.Logger

	sent, muted, overflowed, expired atomic.Uint64
}

// NewPump creates a pump gated by talk. metrics may be nil, in which case
// [observe.DefaultMetrics] is used.
func NewPump(talk *TalkState, sender Sender, cfg PumpConfig, metrics *observe.Metrics, log *slog.Logger) *Pump {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultCaptureQueue
	}
	if cfg.GraceDrain == 0 {
		cfg.GraceDrain = DefaultGraceDrain
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = audio.DefaultFormat
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pump{
		talk:    talk,
		sender:  sender,
		grace:   cfg.GraceDrain,
		queue:   make(chan capture, cfg.QueueSize),
		framer:  audio.NewFramer(audio.Outbound, cfg.Format, cfg.FrameDuration),
		norm:    &audio.Normalizer{Target: cfg.Format},
		metrics: metrics,
		log:     log,
	}
}

// Push queues one captured buffer. It returns false when the buffer was
// dropped, either because talk is off or because the queue is full.
func (p *Pump) Push(pcm []byte, format audio.Format) bool {
	if !p.talk.On() {
		p.muted.Add(1)
		p.metrics.RecordFrameDropped(context.Background(), "outbound", "muted")
		return false
	}
	select {
	case p.queue <- capture{pcm: pcm, format: format}:
		return true
	default:
		p.overflowed.Add(1)
		p.metrics.RecordFrameDropped(context.Background(), "outbound", "overflow")
		return false
	}
}

// Run frames and sends queued buffers until ctx ends or the session reports
// [session.ErrNotConnected], which is returned as a *[PumpError]. Other send
// failures are logged and the offending frame is skipped.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-p.queue:
			if err := p.handle(ctx, c); err != nil {
				return err
			}
		}
	}
}

func (p *Pump) handle(ctx context.Context, c capture) error {
	draining := false
	if offAt, off := p.talk.OffSince(); off {
		if p.grace < 0 || time.Since(offAt) > p.grace {
			p.expired.Add(1)
			p.metrics.RecordFrameDropped(ctx, "outbound", "grace_expired")
			p.framer.Flush() // discard the carried partial frame
			return nil
		}
		draining = true
	}

	frames := p.framer.Frame(p.norm.Normalize(c.pcm, c.format))
	// The last buffer of a turn may not fill a whole frame.
	if draining && len(p.queue) == 0 {
		if f, ok := p.framer.Flush(); ok {
			frames = append(frames, f)
		}
	}

	for _, f := range frames {
		err := p.sender.Send(ctx, session.AudioOut(f))
		switch {
		case err == nil:
			p.sent.Add(1)
			p.metrics.FramesSent.Add(ctx, 1)
		case errors.Is(err, session.ErrNotConnected):
			return &PumpError{Err: err}
		case ctx.Err() != nil:
			return nil
		default:
			p.log.Warn("pipeline: send frame failed", "seq", f.Seq, "err", err)
			p.metrics.RecordFrameDropped(ctx, "outbound", "send_error")
		}
	}
	return nil
}

// Stats returns the pump's counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Sent:       p.sent.Load(),
		Muted:      p.muted.Load(),
		Overflowed: p.overflowed.Load(),
		Expired:    p.expired.Load(),
	}
}

// String summarises the counters for logs.
func (s PumpStats) String() string {
	return fmt.Sprintf("sent=%d muted=%d overflowed=%d expired=%d", s.Sent, s.Muted, s.Overflowed, s.Expired)
}
