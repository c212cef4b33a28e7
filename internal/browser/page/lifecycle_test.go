// internal/browser/page/lifecycle_test.go
package page

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagedriver/api/schemas"
)

func TestWatcherSettlesOnMatchingLifecycleEvent(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateDOMContentLoaded, time.Second, time.Now())
	defer w.Dispose()

	p.fanoutLifecycle(lifecycleSignal{
		sessionID: "S-main", kind: signalLifecycleEvent,
		name: "DOMContentLoaded", frameID: "F-root",
	})
	assert.NoError(t, w.Wait(context.Background()))
}

func TestWatcherIgnoresOtherFramesAndNames(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateLoad, 80*time.Millisecond, time.Now())
	defer w.Dispose()

	// Wrong frame, then wrong milestone: neither settles the watcher.
	p.fanoutLifecycle(lifecycleSignal{
		sessionID: "S-main", kind: signalLifecycleEvent, name: "load", frameID: "F-sub",
	})
	p.fanoutLifecycle(lifecycleSignal{
		sessionID: "S-main", kind: signalLifecycleEvent, name: "DOMContentLoaded", frameID: "F-root",
	})
	assert.ErrorIs(t, w.Wait(context.Background()), ErrNavigationTimeout)
}

func TestWatcherRejectsStaleLoader(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateLoad, 80*time.Millisecond, time.Now())
	defer w.Dispose()
	w.SetExpectedLoaderID("L-current")

	p.fanoutLifecycle(lifecycleSignal{
		sessionID: "S-main", kind: signalLifecycleEvent,
		name: "load", frameID: "F-root", loaderID: "L-previous",
	})
	assert.ErrorIs(t, w.Wait(context.Background()), ErrNavigationTimeout)
}

func TestWatcherTracksMainFrameAcrossRootSwap(t *testing.T) {
	p, _, main := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateLoad, time.Second, time.Now())
	defer w.Dispose()

	// The root's identity changes mid-wait; the watcher must follow the
	// replacement, not the frame id that existed at construction.
	main.Emit(cdproto.EventPageFrameNavigated, map[string]any{
		"frame": map[string]any{"id": "F-root2", "url": "https://other.example/", "loaderId": "L9"},
	})
	p.fanoutLifecycle(lifecycleSignal{
		sessionID: "S-main", kind: signalLifecycleEvent, name: "load", frameID: "F-root2",
	})
	assert.NoError(t, w.Wait(context.Background()))
}

func TestWatcherSecondarySignalsFilterBySession(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateLoad, 80*time.Millisecond, time.Now())
	defer w.Dispose()

	// The domain-level fired event carries no frame id; only the session
	// owning the main frame may settle with it.
	p.fanoutLifecycle(lifecycleSignal{sessionID: "S-oopif", kind: signalLoadFired})
	select {
	case <-w.done:
		t.Fatal("settled on a foreign session's load event")
	case <-time.After(20 * time.Millisecond):
	}

	p.fanoutLifecycle(lifecycleSignal{sessionID: "S-main", kind: signalLoadFired})
	assert.NoError(t, w.Wait(context.Background()))
}

func TestWatcherDOMContentSecondarySignal(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateDOMContentLoaded, time.Second, time.Now())
	defer w.Dispose()

	p.fanoutLifecycle(lifecycleSignal{sessionID: "S-main", kind: signalDOMContentFired})
	assert.NoError(t, w.Wait(context.Background()))
}

func TestWatcherNetworkIdle(t *testing.T) {
	p, _, _ := newTestPage(t)
	// No traffic: the idle waiter settles after the quiet window and the
	// watcher follows.
	w := p.newLifecycleWatcher(schemas.LoadStateNetworkIdle, time.Second, time.Now())
	defer w.Dispose()
	assert.NoError(t, w.Wait(context.Background()))
}

func TestWatcherDisposeWinsOverLaterSignals(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateLoad, time.Second, time.Now())

	w.Dispose()
	w.Dispose()
	p.fanoutLifecycle(lifecycleSignal{
		sessionID: "S-main", kind: signalLifecycleEvent, name: "load", frameID: "F-root",
	})
	assert.ErrorIs(t, w.Wait(context.Background()), ErrWatcherDisposed)
}

func TestWatcherWaitHonorsContext(t *testing.T) {
	p, _, _ := newTestPage(t)
	w := p.newLifecycleWatcher(schemas.LoadStateLoad, time.Second, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
