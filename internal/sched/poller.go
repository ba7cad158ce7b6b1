// Package sched runs periodic work on an adaptive interval. Every timer
// belongs to a Run call and stops with its context, so nothing outlives
// the component that started it.
package sched

import (
	"context"
	"sync/atomic"
	"time"
)

// Poller calls a tick function on an interval between Min and Max. The
// interval doubles while ticks find no work and resets to Min when one
// does. While hidden the poller waits Max between ticks.
type Poller struct {
	Min time.Duration
	Max time.Duration

	hidden atomic.Bool
	kick   chan struct{}
}

// NewPoller creates a poller. max is raised to min if smaller.
func NewPoller(min, max time.Duration) *Poller {
	if max < min {
		max = min
	}
	return &Poller{Min: min, Max: max, kick: make(chan struct{}, 1)}
}

// SetHidden slows polling to Max while the consumer is not being viewed.
func (p *Poller) SetHidden(hidden bool) {
	p.hidden.Store(hidden)
}

// Kick runs the next tick immediately. Kicks arriving while one is pending
// collapse into it.
func (p *Poller) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Next returns the interval that follows cur given whether the last tick
// found work.
func (p *Poller) Next(cur time.Duration, worked bool) time.Duration {
	if p.hidden.Load() {
		return p.Max
	}
	if worked || cur < p.Min {
		return p.Min
	}
	return min(cur*2, p.Max)
}

// Run blocks, calling tick until ctx is done. tick reports whether it found
// work. It is never called after ctx is done.
func (p *Poller) Run(ctx context.Context, tick func(ctx context.Context) bool) {
	interval := p.Next(0, true)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			interval = 0
		}
		if ctx.Err() != nil {
			return
		}
		worked := tick(ctx)
		interval = p.Next(interval, worked)
		timer.Reset(interval)
	}
}
