// internal/browser/page/lifecycle.go
package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagedriver/api/schemas"
	"github.com/xkilldash9x/pagedriver/internal/browser/netmon"
)

var (
	// ErrNavigationTimeout marks a load milestone that was not reached
	// within the configured budget.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrWatcherDisposed marks a watcher cancelled from outside before it
	// settled.
	ErrWatcherDisposed = errors.New("lifecycle watcher disposed")
)

type lifecycleSignalKind int

const (
	signalLifecycleEvent lifecycleSignalKind = iota
	signalDOMContentFired
	signalLoadFired
)

// lifecycleSignal is the page's normalized form of the three load-progress
// event families it listens to.
type lifecycleSignal struct {
	sessionID string
	kind      lifecycleSignalKind
	name      string
	frameID   cdp.FrameID
	loaderID  cdp.LoaderID
}

// LifecycleWatcher resolves once the current main frame reaches a requested
// load milestone. "Current" is re-evaluated at every event, never fixed at
// construction, so a watcher started before a root frame swap still resolves
// against the frame that replaced the root.
type LifecycleWatcher struct {
	page    *Page
	state   schemas.LoadState
	timeout time.Duration
	logger  *zap.Logger

	mu               sync.Mutex
	settled          bool
	err              error
	expectedLoaderID cdp.LoaderID
	timer            *time.Timer
	removeListener   func()
	idle             *netmon.IdleWaiter

	done chan struct{}
}

func (p *Page) newLifecycleWatcher(state schemas.LoadState, timeout time.Duration, startTime time.Time) *LifecycleWatcher {
	w := &LifecycleWatcher{
		page:    p,
		state:   state,
		timeout: timeout,
		logger:  p.logger.Named("lifecycle"),
		done:    make(chan struct{}),
	}
	w.removeListener = p.addLifecycleListener(w.onSignal)
	w.timer = time.AfterFunc(timeout, func() {
		w.settle(fmt.Errorf("%q not reached within %v: %w", state, timeout, ErrNavigationTimeout))
	})

	if state == schemas.LoadStateNetworkIdle {
		w.idle = p.network.WaitForIdle(netmon.IdleOptions{
			StartTime:      startTime,
			IdleTime:       p.cfg.IdleTime,
			Timeout:        timeout,
			ReportedBudget: timeout,
		})
		go func() {
			<-w.idle.Done()
			switch err := w.idle.Err(); {
			case err == nil:
				w.settle(nil)
			case errors.Is(err, netmon.ErrIdleTimeout):
				w.settle(fmt.Errorf("%q not reached: %w", state, err))
			}
			// Disposal of the idle waiter comes from our own settle path;
			// nothing to report.
		}()
	}
	return w
}

// SetExpectedLoaderID narrows lifecycle matching to one document load once
// the navigate command's response is known.
func (w *LifecycleWatcher) SetExpectedLoaderID(id cdp.LoaderID) {
	if id == "" {
		return
	}
	w.mu.Lock()
	w.expectedLoaderID = id
	w.mu.Unlock()
}

func (w *LifecycleWatcher) onSignal(sig lifecycleSignal) {
	mainID := w.page.registry.MainFrameID()

	switch sig.kind {
	case signalLifecycleEvent:
		if sig.frameID != mainID {
			return
		}
		w.mu.Lock()
		expected := w.expectedLoaderID
		w.mu.Unlock()
		if expected != "" && sig.loaderID != "" && sig.loaderID != expected {
			return
		}
		if lifecycleNameMatches(w.state, sig.name) {
			w.settle(nil)
		}
	case signalDOMContentFired, signalLoadFired:
		// Some sites never emit consistent Page.lifecycleEvent entries;
		// the domain-level fired events are the secondary signal. They
		// carry no frame id, so they only count from the session that
		// owns the current main frame.
		if sig.sessionID != w.page.registry.OwnerSessionID(mainID) {
			return
		}
		if sig.kind == signalDOMContentFired && w.state == schemas.LoadStateDOMContentLoaded {
			w.settle(nil)
		}
		if sig.kind == signalLoadFired && w.state == schemas.LoadStateLoad {
			w.settle(nil)
		}
	}
}

func lifecycleNameMatches(state schemas.LoadState, name string) bool {
	switch state {
	case schemas.LoadStateLoad:
		return name == "load"
	case schemas.LoadStateDOMContentLoaded:
		return name == "DOMContentLoaded"
	case schemas.LoadStateNetworkIdle:
		return name == "networkIdle"
	}
	return false
}

// settle resolves the watcher exactly once; every exit path (success,
// timeout, disposal) funnels through here so timers and listeners cannot
// outlive the watcher.
func (w *LifecycleWatcher) settle(err error) {
	w.mu.Lock()
	if w.settled {
		w.mu.Unlock()
		return
	}
	w.settled = true
	w.err = err
	timer := w.timer
	w.timer = nil
	remove := w.removeListener
	w.removeListener = nil
	idle := w.idle
	w.idle = nil
	w.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if remove != nil {
		remove()
	}
	if idle != nil {
		idle.Dispose()
	}
	close(w.done)
}

// Dispose cancels the watcher. Idempotent; a no-op after settlement.
func (w *LifecycleWatcher) Dispose() {
	w.settle(ErrWatcherDisposed)
}

// Wait blocks until the milestone is reached, the budget runs out, the
// watcher is disposed, or ctx ends.
func (w *LifecycleWatcher) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		w.Dispose()
		<-w.done
		return ctx.Err()
	case <-w.done:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
