// internal/browser/netmon/waiter.go
package netmon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"
)

// Distinct terminal causes so callers can tell "cancelled" from "budget
// exhausted".
var (
	ErrIdleTimeout  = errors.New("network idle timeout")
	ErrIdleDisposed = errors.New("network idle wait disposed")
)

// lowSignalResourceTypes are excluded by the default idle filter: they are
// long-lived or fire-and-forget and would keep a page from ever going quiet.
var lowSignalResourceTypes = map[network.ResourceType]bool{
	network.ResourceTypeWebSocket:   true,
	network.ResourceTypeEventSource: true,
	network.ResourceTypeMedia:       true,
	network.ResourceTypeManifest:    true,
	network.ResourceTypeOther:       true,
}

// DefaultIdleFilter is the filter applied when IdleOptions.Filter is nil.
func DefaultIdleFilter(info *RequestInfo) bool {
	return !lowSignalResourceTypes[info.ResourceType]
}

// IdleOptions configures WaitForIdle.
type IdleOptions struct {
	// StartTime bounds which requests count: only those starting at or
	// after it are tracked. Zero means no lower bound, so everything
	// already in flight seeds the wait.
	StartTime time.Time
	// IdleTime is the quiet window that must elapse with zero tracked
	// requests before the wait succeeds.
	IdleTime time.Duration
	// Timeout is the hard budget after which the wait fails. When the
	// caller carved this out of a larger budget, ReportedBudget carries
	// the original figure for the error message.
	Timeout        time.Duration
	ReportedBudget time.Duration
	// Filter decides which requests count toward busyness. Nil applies
	// DefaultIdleFilter.
	Filter func(info *RequestInfo) bool
}

// IdleWaiter is one in-flight idle wait. Wait blocks until settlement;
// Dispose forces immediate failure with ErrIdleDisposed and is safe to call
// any number of times, including after settlement.
type IdleWaiter struct {
	logger *zap.Logger
	opts   IdleOptions

	mu        sync.Mutex
	settled   bool
	err       error
	tracked   map[string]struct{}
	idleTimer *time.Timer
	hardTimer *time.Timer
	removeObs func()

	done chan struct{}
}

// WaitForIdle begins observing the manager's tracked set and returns a
// waiter that settles after opts.IdleTime of continuous emptiness, or fails
// once opts.Timeout elapses. Requests already in flight that started at or
// after opts.StartTime count immediately.
func (m *Manager) WaitForIdle(opts IdleOptions) *IdleWaiter {
	if opts.Filter == nil {
		opts.Filter = DefaultIdleFilter
	}
	if opts.IdleTime <= 0 {
		opts.IdleTime = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ReportedBudget <= 0 {
		opts.ReportedBudget = opts.Timeout
	}

	w := &IdleWaiter{
		logger:  m.logger.Named("idle"),
		opts:    opts,
		tracked: map[string]struct{}{},
		done:    make(chan struct{}),
	}

	// Registration and the in-flight snapshot happen in one manager
	// critical section, and the waiter lock is held until seeding is done,
	// so a finish event can neither slip between snapshot and observer nor
	// land before its request is seeded.
	w.mu.Lock()
	var inflight []*RequestInfo
	w.removeObs, inflight = m.registerWaiter(&Observer{
		OnStarted:  w.onStarted,
		OnFinished: w.onEnded,
		OnFailed:   func(info *RequestInfo, _ string) { w.onEnded(info) },
	})
	for _, info := range inflight {
		if w.counts(info) {
			w.tracked[info.Key] = struct{}{}
		}
	}
	w.hardTimer = time.AfterFunc(opts.Timeout, func() {
		w.settle(fmt.Errorf("network did not reach idle within %v: %w", w.opts.ReportedBudget, ErrIdleTimeout))
	})
	if len(w.tracked) == 0 {
		w.armIdleLocked()
	}
	w.mu.Unlock()

	return w
}

func (w *IdleWaiter) counts(info *RequestInfo) bool {
	return !info.StartedAt.Before(w.opts.StartTime) && w.opts.Filter(info)
}

func (w *IdleWaiter) onStarted(info *RequestInfo) {
	if !w.counts(info) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return
	}
	w.tracked[info.Key] = struct{}{}
	// A new filtered request cancels the quiet window on the spot.
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}

func (w *IdleWaiter) onEnded(info *RequestInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return
	}
	delete(w.tracked, info.Key)
	if len(w.tracked) == 0 {
		w.armIdleLocked()
	}
}

// armIdleLocked (re)arms the quiet-window timer. Caller holds w.mu.
func (w *IdleWaiter) armIdleLocked() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	w.idleTimer = time.AfterFunc(w.opts.IdleTime, func() {
		w.settle(nil)
	})
}

// settle resolves the waiter exactly once and releases every resource it
// holds, whichever exit path fires first.
func (w *IdleWaiter) settle(err error) {
	w.mu.Lock()
	if w.settled {
		w.mu.Unlock()
		return
	}
	w.settled = true
	w.err = err
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
	if w.hardTimer != nil {
		w.hardTimer.Stop()
		w.hardTimer = nil
	}
	remove := w.removeObs
	w.removeObs = nil
	w.mu.Unlock()

	if remove != nil {
		remove()
	}
	close(w.done)
}

// Dispose forces immediate failure and unregisters the observer. Idempotent.
func (w *IdleWaiter) Dispose() {
	w.settle(ErrIdleDisposed)
}

// Done exposes the settlement channel for select-based callers.
func (w *IdleWaiter) Done() <-chan struct{} { return w.done }

// Err returns the terminal error after Done is closed; nil means idle was
// reached.
func (w *IdleWaiter) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until the waiter settles or ctx ends. Context cancellation
// disposes the waiter so no observer leaks behind an abandoned wait.
func (w *IdleWaiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		w.Dispose()
		<-w.done
		return ctx.Err()
	case <-w.done:
		return w.Err()
	}
}
