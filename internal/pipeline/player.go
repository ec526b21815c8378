package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/pkg/audio"
)

// DefaultPlaybackQueue is the default bound of the playback queue in frames.
const DefaultPlaybackQueue = 32

// ErrBufferOverrun is reported through the overrun callback whenever the
// playback queue was full and its oldest frame had to be dropped.
var ErrBufferOverrun = errors.New("pipeline: playback buffer overrun")

// Sink plays inbound frames, e.g. by writing them to a sound device or a
// client socket. Play is called from a single goroutine.
type Sink interface {
	Play(ctx context.Context, f audio.Frame) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, f audio.Frame) error

// Play calls fn(ctx, f).
func (fn SinkFunc) Play(ctx context.Context, f audio.Frame) error { return fn(ctx, f) }

// PlayerStats is a snapshot of the player's counters.
type PlayerStats struct {
	Played   uint64
	Late     uint64 // arrived after a later frame had already played
	Overruns uint64 // dropped because the queue was full
}

// Player buffers inbound frames and plays them strictly in sequence order.
//
// Enqueue never blocks: when the queue holds its bound, the oldest of the
// queued frames and the incoming one is dropped and an [ErrBufferOverrun] is
// reported.
type Player struct {
	sink      Sink
	bound     int
	onOverrun func(error)
	metrics   *observe.Metrics
	log       *slog.Logger

	mu         sync.Mutex
	queue      frameHeap
	lastPlayed uint64
	stats      PlayerStats

	notify chan struct{}
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithQueueSize sets the queue bound. Values below 1 keep the default.
func WithQueueSize(n int) PlayerOption {
	return func(p *Player) {
		if n > 0 {
			p.bound = n
		}
	}
}

// WithOverrunHandler registers fn to receive overrun diagnostics. fn runs on
// the enqueuing goroutine and must not block.
func WithOverrunHandler(fn func(error)) PlayerOption {
	return func(p *Player) { p.onOverrun = fn }
}

// WithPlayerMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithPlayerMetrics(m *observe.Metrics) PlayerOption {
	return func(p *Player) { p.metrics = m }
}

// WithPlayerLogger sets the logger.
func WithPlayerLogger(l *slog.Logger) PlayerOption {
	return func(p *Player) { p.log = l }
}

// NewPlayer creates a player writing to sink.
func NewPlayer(sink Sink, opts ...PlayerOption) *Player {
	p := &Player{
		sink:   sink,
		bound:  DefaultPlaybackQueue,
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.queue = make(frameHeap, 0, p.bound)
	return p
}

// Enqueue inserts f in sequence order. Frames not newer than the last played
// one are discarded as late.
func (p *Player) Enqueue(f audio.Frame) {
	ctx := context.Background()

	p.mu.Lock()
	if p.lastPlayed > 0 && f.Seq <= p.lastPlayed {
		p.stats.Late++
		p.mu.Unlock()
		p.metrics.RecordFrameDropped(ctx, "inbound", "late")
		return
	}

	var overrun error
	switch {
	case len(p.queue) < p.bound:
		heap.Push(&p.queue, f)
	case f.Seq < p.queue[0].Seq:
		// f is older than everything queued; it is the frame to lose.
		p.stats.Overruns++
		overrun = fmt.Errorf("%w: dropped frame %d (queue %d)", ErrBufferOverrun, f.Seq, p.bound)
	default:
		dropped := heap.Pop(&p.queue).(audio.Frame)
		heap.Push(&p.queue, f)
		p.stats.Overruns++
		overrun = fmt.Errorf("%w: dropped frame %d (queue %d)", ErrBufferOverrun, dropped.Seq, p.bound)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}

	if overrun != nil {
		p.metrics.BufferOverruns.Add(ctx, 1)
		p.metrics.RecordFrameDropped(ctx, "inbound", "overrun")
		if p.onOverrun != nil {
			p.onOverrun(overrun)
		}
	}
}

// Run plays queued frames in order until ctx ends. Sink failures are logged
// and playback continues with the next frame.
func (p *Player) Run(ctx context.Context) error {
	for {
		f, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-p.notify:
				continue
			}
		}
		if err := p.sink.Play(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("pipeline: playback failed", "seq", f.Seq, "err", err)
		}
	}
}

// next pops the oldest frame and marks it played.
func (p *Player) next() (audio.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return audio.Frame{}, false
	}
	f := heap.Pop(&p.queue).(audio.Frame)
	p.lastPlayed = f.Seq
	p.stats.Played++
	return f, true
}

// Clear discards every queued frame, e.g. when the agent is interrupted.
// It returns the number of frames discarded.
func (p *Player) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	p.queue = p.queue[:0]
	return n
}

// Len returns the number of queued frames.
func (p *Player) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns the player's counters.
func (p *Player) Stats() PlayerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
