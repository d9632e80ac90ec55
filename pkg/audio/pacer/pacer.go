// Package pacer releases queued call-leg audio at real-time speed.
//
// The call leg has no flow control, so writing audio as fast as the AI
// produces it would let the far end buffer seconds of speech that can no
// longer be interrupted. [Pacer] keeps at most a few items of lookahead,
// transmits one item, then waits for that item's playback duration before
// sending the next.
package pacer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/telebridge/pkg/audio"
)

// DefaultDepth is the queue depth used when [WithDepth] is not supplied.
const DefaultDepth = 5

var (
	// ErrQueueFull is returned by [Pacer.Enqueue] when the queue is at
	// capacity. The rejected item is dropped.
	ErrQueueFull = errors.New("pacer: queue full")

	// ErrCancelled is returned by [Pacer.Enqueue] for items whose response is
	// no longer playable.
	ErrCancelled = errors.New("pacer: response cancelled")

	// ErrClosed is returned by [Pacer.Enqueue] after [Pacer.Close].
	ErrClosed = errors.New("pacer: closed")
)

// Item is one unit of playback: an encoded frame tagged with the response it
// belongs to.
type Item struct {
	Frame      audio.AudioFrame
	ResponseID uint64
	Duration   time.Duration
}

// NewItem builds an Item whose duration is derived from the frame.
func NewItem(frame audio.AudioFrame, responseID uint64) Item {
	return Item{Frame: frame, ResponseID: responseID, Duration: frame.Duration()}
}

// Sink receives items the pacer has decided to play.
type Sink interface {
	Transmit(ctx context.Context, item Item) error
}

// SinkFunc adapts a plain function to [Sink].
type SinkFunc func(ctx context.Context, item Item) error

// Transmit calls f.
func (f SinkFunc) Transmit(ctx context.Context, item Item) error { return f(ctx, item) }

// Option configures a [Pacer].
type Option func(*Pacer)

// WithDepth sets the maximum number of queued items. Values below one are
// ignored.
func WithDepth(n int) Option {
	return func(p *Pacer) {
		if n > 0 {
			p.depth = n
		}
	}
}

// WithPlayable installs the check consulted at enqueue time and again
// immediately before each transmission. Items for which it returns false are
// never transmitted.
func WithPlayable(fn func(responseID uint64) bool) Option {
	return func(p *Pacer) { p.playable = fn }
}

// WithOnDrop registers a callback for items rejected because the queue was
// full.
func WithOnDrop(fn func(Item)) Option {
	return func(p *Pacer) { p.onDrop = fn }
}

// WithOnSkip registers a callback for items discarded because their response
// was no longer playable.
func WithOnSkip(fn func(Item)) Option {
	return func(p *Pacer) { p.onSkip = fn }
}

// WithOnPlayed registers a callback invoked after each successful transmit.
func WithOnPlayed(fn func(Item)) Option {
	return func(p *Pacer) { p.onPlayed = fn }
}

// WithLogger sets the logger used for drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pacer) {
		if l != nil {
			p.log = l
		}
	}
}

// Pacer is a bounded FIFO with a single consumer. Enqueue, Purge, Len and
// Close are safe for concurrent use; Run must be called from exactly one
// goroutine.
type Pacer struct {
	sink     Sink
	depth    int
	playable func(uint64) bool
	onDrop   func(Item)
	onSkip   func(Item)
	onPlayed func(Item)
	log      *slog.Logger

	// emitMu serialises the playable check plus transmit against Purge, so
	// once Purge returns no purged audio is mid-flight.
	emitMu sync.Mutex

	mu        sync.Mutex
	queue     []Item
	played    time.Duration
	interrupt chan struct{} // closed by Purge to cut the current wait short
	closed    bool

	notify chan struct{}
	done   chan struct{}
}

// New creates a Pacer that plays items through sink. Call [Pacer.Run] to
// start consuming.
func New(sink Sink, opts ...Option) *Pacer {
	p := &Pacer{
		sink:   sink,
		depth:  DefaultDepth,
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make([]Item, 0, p.depth)
	return p
}

// Enqueue appends item to the queue. Items whose response is already
// cancelled are refused with [ErrCancelled]; when the queue is full the new
// item is dropped, logged once and [ErrQueueFull] returned.
func (p *Pacer) Enqueue(item Item) error {
	if !p.isPlayable(item.ResponseID) {
		if p.onSkip != nil {
			p.onSkip(item)
		}
		return ErrCancelled
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if len(p.queue) >= p.depth {
		depth := len(p.queue)
		p.mu.Unlock()
		p.log.Warn("pacer: queue full, dropping item",
			"response_id", item.ResponseID,
			"duration", item.Duration,
			"depth", depth,
		)
		if p.onDrop != nil {
			p.onDrop(item)
		}
		return ErrQueueFull
	}
	p.queue = append(p.queue, item)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Purge discards every queued item and cuts short the wait after the item
// currently playing. It returns the number of discarded items.
func (p *Pacer) Purge() int {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	clear(p.queue)
	p.queue = p.queue[:0]
	if p.interrupt != nil {
		close(p.interrupt)
		p.interrupt = nil
	}
	return n
}

// Len returns the number of queued items.
func (p *Pacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Pending returns the total playback duration still queued.
func (p *Pacer) Pending() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var d time.Duration
	for _, it := range p.queue {
		d += it.Duration
	}
	return d
}

// Played returns the cumulative duration of audio transmitted so far.
func (p *Pacer) Played() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Close discards the queue and stops [Pacer.Run]. It is idempotent.
func (p *Pacer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	clear(p.queue)
	p.queue = p.queue[:0]
	if p.interrupt != nil {
		close(p.interrupt)
		p.interrupt = nil
	}
	p.mu.Unlock()
	close(p.done)
}

// Run consumes the queue until ctx is cancelled, [Pacer.Close] is called, or
// the sink returns an error. Close yields a nil error.
func (p *Pacer) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		item, interrupt, ok := p.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.done:
				return nil
			case <-p.notify:
			}
			continue
		}

		sent, err := p.emit(ctx, item)
		if err != nil {
			return err
		}
		if !sent || item.Duration <= 0 {
			continue
		}

		timer.Reset(item.Duration)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case <-interrupt:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// next pops the head of the queue and arms a fresh interrupt channel for its
// playback wait.
func (p *Pacer) next() (Item, chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.queue) == 0 {
		return Item{}, nil, false
	}
	item := p.queue[0]
	p.queue[0] = Item{}
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.queue = make([]Item, 0, p.depth)
	}
	p.interrupt = make(chan struct{})
	return item, p.interrupt, true
}

// emit transmits item unless its response stopped being playable after it was
// queued.
func (p *Pacer) emit(ctx context.Context, item Item) (bool, error) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	if !p.isPlayable(item.ResponseID) {
		if p.onSkip != nil {
			p.onSkip(item)
		}
		return false, nil
	}
	if err := p.sink.Transmit(ctx, item); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.played += item.Duration
	p.mu.Unlock()
	if p.onPlayed != nil {
		p.onPlayed(item)
	}
	return true, nil
}

func (p *Pacer) isPlayable(id uint64) bool {
	return p.playable == nil || p.playable(id)
}
