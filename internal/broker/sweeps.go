// ABOUTME: Background sweeps: idle-session eviction and retention purging.
// ABOUTME: Start launches both loops; Stop cancels them and waits for exit.

package broker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Start launches the idle and purge sweeps. Calling Start while sweeps are
// already running is a no-op. The sweeps exit when ctx is cancelled or Stop
// is called.
func (b *Broker) Start(ctx context.Context) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.stopSweeps != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	b.stopSweeps = cancel
	b.sweepsDone = done

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.runEvery(ctx, "idle", b.cfg.HealthCheckInterval, func() {
			b.SweepIdle()
		})
		return nil
	})
	g.Go(func() error {
		b.runEvery(ctx, "purge", b.cfg.PurgeInterval, func() {
			b.PurgeRecords()
		})
		return nil
	})

	go func() {
		_ = g.Wait()
		close(done)
	}()

	b.logger.Info("broker sweeps started",
		"health_check_interval", b.cfg.HealthCheckInterval,
		"purge_interval", b.cfg.PurgeInterval,
	)
}

// Stop cancels the sweeps and waits for them to exit. Pending requests are
// left to run out their own timeouts.
func (b *Broker) Stop() {
	b.lifecycleMu.Lock()
	cancel, done := b.stopSweeps, b.sweepsDone
	b.stopSweeps, b.sweepsDone = nil, nil
	b.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.logger.Info("broker sweeps stopped")
}

// Close stops the sweeps and fails every pending request with
// ErrBrokerClosed. Later Send calls fail immediately. Sessions stay admitted
// so the transport layer can close them itself.
func (b *Broker) Close() {
	b.Stop()
	if b.closed.Swap(true) {
		return
	}

	b.pendingMu.Lock()
	waiters := b.pending
	b.pending = make(map[string]*waiter)
	b.pendingMu.Unlock()

	for _, w := range waiters {
		w.resolve(result{err: ErrBrokerClosed})
	}
	b.publishGauges()
	b.logger.Info("broker closed", "failed_pending", len(waiters))
}

// runEvery calls fn on each tick until ctx is done. A panicking iteration is
// logged and the loop carries on.
func (b *Broker) runEvery(ctx context.Context, name string, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := safeCall(fn); err != nil {
				b.logger.Error("sweep iteration failed", "sweep", name, "error", err)
			}
		}
	}
}

func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

// SweepIdle evicts every session idle longer than MaxIdleTime and closes its
// transport. It returns the evicted ids.
func (b *Broker) SweepIdle() []string {
	stale := b.health.StaleSessions()
	evicted := make([]string, 0, len(stale))

	for _, id := range stale {
		if b.evictIfIdle(id) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// evictIfIdle removes the session and closes it with CloseIdleTimeout if it
// is still idle past MaxIdleTime. Traffic that arrived after the stale scan
// keeps the session.
func (b *Broker) evictIfIdle(id string) bool {
	idle, tracked := b.health.IdleFor(id)
	if !tracked || idle <= b.cfg.MaxIdleTime {
		return false
	}
	t, ok := b.registry.Get(id)
	if !b.remove(id, "idle") {
		return false
	}
	b.logger.Info("removed stale connection",
		"session_id", id,
		"idle_time", idle,
	)
	if ok {
		if err := t.Close(CloseIdleTimeout, "idle timeout"); err != nil {
			b.logger.Debug("closing idle transport", "session_id", id, "error", err)
		}
	}
	return true
}

// PurgeRecords drops retained records of sessions disconnected longer than
// RecordRetention, history older than the same window, and expired
// late-response markers. It returns the number of session records purged.
func (b *Broker) PurgeRecords() int {
	cutoff := b.now().Add(-b.cfg.RecordRetention)
	purged := b.registry.Purge(cutoff)
	trimmed := b.stats.PurgeHistory(cutoff)
	expired := b.recent.Sweep()

	if purged > 0 || trimmed > 0 {
		b.logger.Info("purged old records",
			"sessions", purged,
			"history_entries", trimmed,
			"late_markers", expired,
		)
	}
	return purged
}
