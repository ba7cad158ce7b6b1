// Package sync keeps the thread store in step with the mesh daemon's live
// event feed. Events are buffered and applied in batches, topology changes
// trigger debounced full refreshes, and a watchdog refreshes a feed that
// went quiet.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CoteTommy/Weft-App-sub000/internal/contract"
	"github.com/CoteTommy/Weft-App-sub000/internal/sched"
	"github.com/CoteTommy/Weft-App-sub000/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Feed opens the live event subscription. The channel is closed when the
// subscription ends.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// Threads is the thread view the reconciler feeds.
type Threads interface {
	Refresh(ctx context.Context) error
	ApplyBatch(msgs []contract.RuntimeMessage, receipts []contract.Receipt) (missing []string)
	SetDisplayName(name string)
}

// Options controls batching and refresh timing. Zero values take defaults.
type Options struct {
	FlushInterval      time.Duration
	StaleAfter         time.Duration
	WatchdogInterval   time.Duration
	RefreshDebounce    time.Duration
	MinRefreshInterval time.Duration
	ResubscribeDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 40 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 90 * time.Second
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 15 * time.Second
	}
	if o.RefreshDebounce <= 0 {
		o.RefreshDebounce = 250 * time.Millisecond
	}
	if o.MinRefreshInterval <= 0 {
		o.MinRefreshInterval = 2 * time.Second
	}
	if o.ResubscribeDelay <= 0 {
		o.ResubscribeDelay = 3 * time.Second
	}
	return o
}

// Stats describes the feed for status reporting.
type Stats struct {
	State         status.State
	LastEventAt   time.Time
	LastRefreshAt time.Time
	Events        int64
	Refreshes     int64
}

// Reconciler applies live events to the thread view.
type Reconciler struct {
	feed    Feed
	threads Threads
	status  *status.Machine
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
	limiter *rate.Limiter

	refreshReq  chan struct{}
	lastEvent   atomic.Int64
	lastRefresh atomic.Int64
	events      atomic.Int64
	refreshes   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler. machine may be nil.
func NewReconciler(feed Feed, threads Threads, machine *status.Machine, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(nil)
	}
	opts = opts.withDefaults()
	return &Reconciler{
		feed:       feed,
		threads:    threads,
		status:     machine,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		limiter:    rate.NewLimiter(rate.Every(opts.MinRefreshInterval), 1),
		refreshReq: make(chan struct{}, 1),
	}
}

// Start subscribes to the feed and starts the refresh and watchdog loops.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.lastEvent.Store(r.now().UnixMilli())

	for _, loop := range []func(context.Context){r.feedLoop, r.refreshLoop, r.watchdog} {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			loop(ctx)
		}()
	}
}

// Stop cancels every loop and waits for them to return.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RequestRefresh schedules a full refresh. Requests made while one is
// pending collapse into it.
func (r *Reconciler) RequestRefresh() {
	select {
	case r.refreshReq <- struct{}{}:
	default:
	}
}

// Refresh runs a full refresh now, bypassing debounce and rate limiting.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.refresh(ctx)
}

// Stats returns a snapshot of the feed counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		State:         r.status.Current(),
		LastEventAt:   unixMilli(r.lastEvent.Load()),
		LastRefreshAt: unixMilli(r.lastRefresh.Load()),
		Events:        r.events.Load(),
		Refreshes:     r.refreshes.Load(),
	}
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (r *Reconciler) moveTo(s status.State) {
	if err := r.status.Transition(s); err != nil {
		r.logger.Debug("feed state unchanged", zap.Error(err))
	}
}

func (r *Reconciler) feedLoop(ctx context.Context) {
	for {
		r.moveTo(status.Connecting)
		frames, err := r.feed.Subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Warn("event subscription failed", zap.Error(err))
		} else {
			r.logger.Info("event feed connected")
			r.moveTo(status.Live)
			// Catch up on whatever happened while disconnected.
			r.RequestRefresh()
			r.consume(ctx, frames)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("event feed ended")
		}
		r.moveTo(status.Offline)

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.ResubscribeDelay):
		}
	}
}

// consume buffers frames and flushes them on a short timer so a burst of
// events becomes one batch.
func (r *Reconciler) consume(ctx context.Context, frames <-chan []byte) {
	flush := time.NewTimer(r.opts.FlushInterval)
	flush.Stop()
	defer flush.Stop()
	debounce := time.NewTimer(r.opts.RefreshDebounce)
	debounce.Stop()
	defer debounce.Stop()

	var pending [][]byte
	debouncing := false
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-frames:
			if !ok {
				r.applyFrames(pending)
				return
			}
			r.lastEvent.Store(r.now().UnixMilli())
			r.events.Add(1)
			if r.status.Current() == status.Stale {
				r.moveTo(status.Live)
			}
			if len(pending) == 0 {
				flush.Reset(r.opts.FlushInterval)
			}
			pending = append(pending, raw)
		case <-flush.C:
			if r.applyFrames(pending) && !debouncing {
				debouncing = true
				debounce.Reset(r.opts.RefreshDebounce)
			}
			pending = nil
		case <-debounce.C:
			debouncing = false
			r.RequestRefresh()
		}
	}
}

func (r *Reconciler) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.refreshReq:
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		// Requests that arrived while waiting are served by this refresh.
		select {
		case <-r.refreshReq:
		default:
		}
		_ = r.refresh(ctx)
	}
}

func (r *Reconciler) refresh(ctx context.Context) error {
	switch r.status.Current() {
	case status.Connecting, status.Live, status.Stale:
		r.moveTo(status.Resyncing)
	}
	err := r.threads.Refresh(ctx)
	if err != nil {
		r.logger.Warn("refresh failed", zap.Error(err))
	} else {
		r.lastRefresh.Store(r.now().UnixMilli())
		r.refreshes.Add(1)
	}
	if r.status.Current() == status.Resyncing {
		if err != nil {
			r.moveTo(status.Stale)
		} else {
			r.moveTo(status.Live)
		}
	}
	return err
}

// watchdog forces a refresh when neither an event nor a refresh happened
// within StaleAfter.
func (r *Reconciler) watchdog(ctx context.Context) {
	p := sched.NewPoller(r.opts.WatchdogInterval, r.opts.WatchdogInterval)
	p.Run(ctx, func(ctx context.Context) bool {
		last := max(r.lastEvent.Load(), r.lastRefresh.Load())
		quiet := time.Duration(r.now().UnixMilli()-last) * time.Millisecond
		if quiet < r.opts.StaleAfter {
			return false
		}
		r.logger.Info("event feed quiet, forcing refresh", zap.Duration("quiet_for", quiet))
		r.moveTo(status.Stale)
		r.RequestRefresh()
		return true
	})
}
