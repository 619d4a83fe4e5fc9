package clock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// TickSource emits one event per elapsed second on a bounded channel.
// It does no other work; consumers own all clock state.
type TickSource struct {
	interval time.Duration
	ticks    chan struct{}
	dropped  atomic.Uint64
}

// NewTickSource creates a tick source. buffer bounds how many unconsumed
// ticks may queue up before new ones are dropped.
func NewTickSource(interval time.Duration, buffer int) *TickSource {
	if interval <= 0 {
		interval = time.Second
	}
	if buffer <= 0 {
		buffer = 16
	}
	return &TickSource{
		interval: interval,
		ticks:    make(chan struct{}, buffer),
	}
}

// C returns the tick channel.
func (s *TickSource) C() <-chan struct{} {
	return s.ticks
}

// Dropped returns how many ticks were lost because the consumer fell behind.
func (s *TickSource) Dropped() uint64 {
	return s.dropped.Load()
}

// Run emits ticks until ctx is cancelled.
func (s *TickSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case s.ticks <- struct{}{}:
			default:
				n := s.dropped.Add(1)
				log.Warn().Uint64("dropped", n).Msg("Clock tick dropped, control loop is behind")
			}
		}
	}
}
