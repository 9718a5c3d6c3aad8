package download

import (
	"context"
	"sync"

	"github.com/geoyee/tilevault/internal/model"
)

// ProgressFeed carries the latest progress of a job, in percent. Only the newest
// value is kept: a slow reader skips intermediate values but never sees them out
// of order. The channel is closed when the job's workers have stopped.
type ProgressFeed struct {
	ch        chan float64
	closeOnce sync.Once
}

func NewProgressFeed() *ProgressFeed {
	return &ProgressFeed{ch: make(chan float64, 1)}
}

// C returns the channel to read progress from.
func (f *ProgressFeed) C() <-chan float64 {
	return f.ch
}

// publish replaces any unread value with p. It must only be called by one writer.
func (f *ProgressFeed) publish(p float64) {
	select {
	case <-f.ch:
	default:
	}
	select {
	case f.ch <- p:
	default:
	}
}

func (f *ProgressFeed) close() {
	f.closeOnce.Do(func() { close(f.ch) })
}

// SliceTiles iterates over tiles in order.
func SliceTiles(tiles []model.Tile) func() (model.Tile, bool) {
	i := 0
	return func() (model.Tile, bool) {
		if i >= len(tiles) {
			return model.Tile{}, false
		}
		t := tiles[i]
		i++
		return t, true
	}
}

// Sequencer hands out the tiles of a job, each to exactly one caller, in order.
type Sequencer struct {
	mu        sync.Mutex
	ctx       context.Context
	next      func() (model.Tile, bool)
	total     int64
	consumed  int64
	done      bool
	published float64
	feed      *ProgressFeed
}

// NewSequencer wraps next, which yields total tiles. Progress is published to feed
// (may be nil) while ctx is not done.
func NewSequencer(ctx context.Context, next func() (model.Tile, bool), total int64, feed *ProgressFeed) *Sequencer {
	return &Sequencer{ctx: ctx, next: next, total: total, feed: feed, published: -1}
}

// Next returns the next tile, or false once the sequence is exhausted.
func (s *Sequencer) Next() (model.Tile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return model.Tile{}, false
	}
	t, ok := s.next()
	if !ok {
		s.done = true
		s.publish(100)
		return model.Tile{}, false
	}
	s.consumed++
	s.publish(s.progress())
	return t, true
}

// Progress returns the current progress in percent.
func (s *Sequencer) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 100
	}
	return s.progress()
}

func (s *Sequencer) progress() float64 {
	if s.total <= 0 {
		return 100
	}
	p := float64(s.consumed) / float64(s.total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

func (s *Sequencer) publish(p float64) {
	if s.feed == nil || s.ctx.Err() != nil || p <= s.published {
		return
	}
	s.published = p
	s.feed.publish(p)
}
