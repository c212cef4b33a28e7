// internal/browser/page/page.go

// Package page presents one stable page abstraction over the shifting tree
// of CDP sessions and frames behind it. A Page owns every session attached
// for one top-level target: the main session plus any adopted for
// out-of-process iframes.
package page

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagedriver/api/schemas"
	"github.com/xkilldash9x/pagedriver/internal/browser/frames"
	"github.com/xkilldash9x/pagedriver/internal/browser/netmon"
	"github.com/xkilldash9x/pagedriver/internal/browser/snapshot"
	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
	"github.com/xkilldash9x/pagedriver/internal/config"
)

// cursorOverlayJS paints a small marker at the pointer position on every new
// document. Pure debugging aid; injection failures are swallowed.
const cursorOverlayJS = `(() => {
  if (window.__pd_cursor) return;
  window.__pd_cursor = true;
  addEventListener('DOMContentLoaded', () => {
    const dot = document.createElement('div');
    dot.style.cssText = 'position:fixed;z-index:2147483647;width:10px;height:10px;border-radius:5px;background:rgba(255,64,64,.75);pointer-events:none;left:-20px;top:-20px';
    document.documentElement.appendChild(dot);
    addEventListener('mousemove', (e) => { dot.style.left = (e.clientX - 5) + 'px'; dot.style.top = (e.clientY - 5) + 'px'; }, true);
  });
})();`

// SessionSource mints Session objects for CDP session ids the browser has
// attached and forgets them once their target detaches. The websocket
// connection implements it; tests substitute fakes.
type SessionSource interface {
	AttachedSession(sessionID string) cdppkg.Session
	RootSession() cdppkg.Session
	ReleaseSession(sessionID string)
}

// Options configures a Page.
type Options struct {
	Browser  config.BrowserConfig
	Snapshot config.SnapshotConfig
	// TargetID, when known, lets Close issue a best-effort
	// Target.closeTarget.
	TargetID target.ID
}

// NavigateOptions tunes one navigation call. Zero values fall back to the
// page's configured defaults.
type NavigateOptions struct {
	WaitUntil schemas.LoadState
	Timeout   time.Duration
	Referrer  string
}

// SnapshotOptions tunes one snapshot call.
type SnapshotOptions struct {
	FocusSelector string
}

// Page orchestrates the frame registry, network manager, lifecycle watchers
// and snapshot engine for one top-level browser target.
type Page struct {
	id       string
	logger   *zap.Logger
	source   SessionSource
	main     cdppkg.Session
	registry *frames.Registry
	network  *netmon.Manager
	engine   *snapshot.Engine
	cfg      config.BrowserConfig
	targetID target.ID

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	sessions     map[string]cdppkg.Session
	sessionOffs  map[string][]func()
	frameCache   map[cdp.FrameID]*Frame
	lastNavStart time.Time

	lifecycleMu   sync.Mutex
	lifecycleSubs map[int64]func(lifecycleSignal)
	lifecycleID   int64

	navSeq     atomic.Int64
	currentNav atomic.Int64
	closed     atomic.Bool

	removeTopology func()
}

// NewPage wires a Page over its main session: enables the Page and Runtime
// domains, turns on lifecycle events, seeds the frame registry from the
// browser's current frame tree and starts network tracking.
func NewPage(ctx context.Context, source SessionSource, main cdppkg.Session, opts Options, logger *zap.Logger) (*Page, error) {
	pageID := uuid.New().String()
	log := logger.Named("page").With(zap.String("page_id", pageID[:8]))

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Page{
		id:            pageID,
		logger:        log,
		source:        source,
		main:          main,
		registry:      frames.NewRegistry(log),
		network:       netmon.NewManager(log),
		cfg:           opts.Browser,
		targetID:      opts.TargetID,
		ctx:           pctx,
		cancel:        cancel,
		sessions:      map[string]cdppkg.Session{},
		sessionOffs:   map[string][]func(){},
		frameCache:    map[cdp.FrameID]*Frame{},
		lifecycleSubs: map[int64]func(lifecycleSignal){},
	}
	p.engine = snapshot.NewEngine(log, opts.Snapshot)
	p.removeTopology = p.registry.OnTopologyChange(p.evictFrameWrapper)

	p.addSession(main)
	p.network.TrackSession(ctx, main)

	if err := main.Send(ctx, cdppage.CommandEnable, nil, nil); err != nil {
		cancel()
		return nil, fmt.Errorf("page: enable Page domain: %w", err)
	}
	if err := main.Send(ctx, cdppage.CommandSetLifecycleEventsEnabled, cdppage.SetLifecycleEventsEnabled(true), nil); err != nil {
		cancel()
		return nil, fmt.Errorf("page: enable lifecycle events: %w", err)
	}
	// Runtime powers the snapshot engine's probes; without it snapshots
	// lose scrollable flags and focus scoping, so degrade rather than fail.
	if err := main.Send(ctx, runtime.CommandEnable, nil, nil); err != nil {
		log.Debug("Runtime enable failed, continuing without.", zap.Error(err))
	}

	var treeRes struct {
		FrameTree *cdppage.FrameTree `json:"frameTree"`
	}
	if err := main.Send(ctx, cdppage.CommandGetFrameTree, nil, &treeRes); err != nil {
		cancel()
		return nil, fmt.Errorf("page: get frame tree: %w", err)
	}
	p.registry.SeedFromFrameTree(main.ID(), treeRes.FrameTree)

	// Auto-attach makes the browser hand us flat-mode sessions for
	// out-of-process iframes as they appear.
	auto := target.SetAutoAttach(true, false).WithFlatten(true)
	if err := main.Send(ctx, target.CommandSetAutoAttach, auto, nil); err != nil {
		log.Debug("Auto-attach failed; out-of-process iframes will not be tracked.", zap.Error(err))
	}

	// Best-effort cursor overlay on new documents.
	overlay := cdppage.AddScriptToEvaluateOnNewDocument(cursorOverlayJS)
	if err := main.Send(ctx, cdppage.CommandAddScriptToEvaluateOnNewDocument, overlay, nil); err != nil {
		log.Debug("Cursor overlay injection failed, continuing without.", zap.Error(err))
	}

	log.Info("Page initialized.",
		zap.String("main_frame_id", string(p.registry.MainFrameID())),
		zap.String("session_id", main.ID()))
	return p, nil
}

// ID returns the page's correlation id.
func (p *Page) ID() string { return p.id }

// Registry exposes the page's frame registry.
func (p *Page) Registry() *frames.Registry { return p.registry }

// Network exposes the page's network manager.
func (p *Page) Network() *netmon.Manager { return p.network }

// IsCurrentNavigationCommand reports whether id is the latest navigation
// command issued on this page. Stale watchers use it to abandon silently.
func (p *Page) IsCurrentNavigationCommand(id int64) bool {
	return id == p.currentNav.Load()
}

func (p *Page) beginNavigation() (int64, time.Time) {
	id := p.navSeq.Add(1)
	p.currentNav.Store(id)
	now := time.Now()
	p.mu.Lock()
	p.lastNavStart = now
	p.mu.Unlock()
	return id, now
}

// addSession registers event handlers for a session and remembers it.
func (p *Page) addSession(sess cdppkg.Session) {
	sid := sess.ID()
	offs := []func(){
		sess.On(cdproto.EventPageFrameAttached, func(params json.RawMessage) {
			var ev cdppage.EventFrameAttached
			if json.Unmarshal(params, &ev) == nil {
				p.registry.OnFrameAttached(ev.FrameID, ev.ParentFrameID, sid)
			}
		}),
		sess.On(cdproto.EventPageFrameNavigated, func(params json.RawMessage) {
			var ev cdppage.EventFrameNavigated
			if json.Unmarshal(params, &ev) == nil {
				p.registry.OnFrameNavigated(ev.Frame, sid)
			}
		}),
		sess.On(cdproto.EventPageFrameDetached, func(params json.RawMessage) {
			var ev cdppage.EventFrameDetached
			if json.Unmarshal(params, &ev) == nil {
				p.registry.OnFrameDetached(ev.FrameID, string(ev.Reason))
				p.network.ForgetFrame(ev.FrameID)
			}
		}),
		sess.On(cdproto.EventPageNavigatedWithinDocument, func(params json.RawMessage) {
			var ev cdppage.EventNavigatedWithinDocument
			if json.Unmarshal(params, &ev) == nil {
				p.registry.OnNavigatedWithinDocument(ev.FrameID, ev.URL, sid)
			}
		}),
		sess.On(cdproto.EventPageLifecycleEvent, func(params json.RawMessage) {
			var ev cdppage.EventLifecycleEvent
			if json.Unmarshal(params, &ev) == nil {
				p.fanoutLifecycle(lifecycleSignal{
					sessionID: sid,
					kind:      signalLifecycleEvent,
					name:      ev.Name,
					frameID:   ev.FrameID,
					loaderID:  ev.LoaderID,
				})
			}
		}),
		sess.On(cdproto.EventPageDomContentEventFired, func(json.RawMessage) {
			p.fanoutLifecycle(lifecycleSignal{sessionID: sid, kind: signalDOMContentFired})
		}),
		sess.On(cdproto.EventPageLoadEventFired, func(json.RawMessage) {
			p.fanoutLifecycle(lifecycleSignal{sessionID: sid, kind: signalLoadFired})
		}),
		sess.On(cdproto.EventTargetAttachedToTarget, func(params json.RawMessage) {
			var ev target.EventAttachedToTarget
			if json.Unmarshal(params, &ev) != nil || ev.TargetInfo == nil {
				return
			}
			if ev.TargetInfo.Type != "iframe" {
				return
			}
			// Adoption issues protocol calls; never block the read loop.
			go p.adoptTarget(string(ev.SessionID), cdp.FrameID(ev.TargetInfo.TargetID))
		}),
		sess.On(cdproto.EventTargetDetachedFromTarget, func(params json.RawMessage) {
			var ev target.EventDetachedFromTarget
			if json.Unmarshal(params, &ev) == nil {
				p.dropSession(string(ev.SessionID))
			}
		}),
	}

	p.mu.Lock()
	p.sessions[sid] = sess
	p.sessionOffs[sid] = offs
	p.mu.Unlock()
}

// adoptTarget takes ownership of a freshly attached OOPIF session: domain
// enablement (best effort), network tracking, registry adoption and a frame
// tree seed from the child's perspective.
func (p *Page) adoptTarget(sessionID string, frameID cdp.FrameID) {
	if p.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	sess := p.source.AttachedSession(sessionID)
	p.addSession(sess)
	p.registry.AdoptChildSession(sessionID, frameID)
	p.network.TrackSession(ctx, sess)

	for _, call := range []struct {
		method string
		params any
	}{
		{cdppage.CommandEnable, nil},
		{cdppage.CommandSetLifecycleEventsEnabled, cdppage.SetLifecycleEventsEnabled(true)},
		{runtime.CommandEnable, nil},
	} {
		if err := sess.Send(ctx, call.method, call.params, nil); err != nil {
			p.logger.Debug("Child session domain enable failed.",
				zap.String("session_id", sessionID),
				zap.String("method", call.method),
				zap.Error(err))
		}
	}

	var treeRes struct {
		FrameTree *cdppage.FrameTree `json:"frameTree"`
	}
	if err := sess.Send(ctx, cdppage.CommandGetFrameTree, nil, &treeRes); err == nil {
		p.registry.SeedFromFrameTree(sessionID, treeRes.FrameTree)
	}
	p.logger.Info("Adopted OOPIF session.",
		zap.String("session_id", sessionID),
		zap.String("frame_id", string(frameID)))
}

func (p *Page) dropSession(sessionID string) {
	p.mu.Lock()
	offs := p.sessionOffs[sessionID]
	delete(p.sessionOffs, sessionID)
	delete(p.sessions, sessionID)
	p.mu.Unlock()
	for _, off := range offs {
		off()
	}
	p.network.UntrackSession(sessionID)
	p.registry.ReleaseSession(sessionID)
	p.source.ReleaseSession(sessionID)
	p.logger.Debug("Dropped session.", zap.String("session_id", sessionID))
}

func (p *Page) sessionByID(sessionID string) cdppkg.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		return s
	}
	return p.main
}

// mainSession resolves the session owning the current main frame, which can
// differ from the construction-time main session after a root swap.
func (p *Page) mainSession() cdppkg.Session {
	return p.sessionByID(p.registry.OwnerSessionID(p.registry.MainFrameID()))
}

func (p *Page) addLifecycleListener(fn func(lifecycleSignal)) (remove func()) {
	p.lifecycleMu.Lock()
	p.lifecycleID++
	id := p.lifecycleID
	p.lifecycleSubs[id] = fn
	p.lifecycleMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.lifecycleMu.Lock()
			delete(p.lifecycleSubs, id)
			p.lifecycleMu.Unlock()
		})
	}
}

func (p *Page) fanoutLifecycle(sig lifecycleSignal) {
	p.lifecycleMu.Lock()
	fns := make([]func(lifecycleSignal), 0, len(p.lifecycleSubs))
	for _, fn := range p.lifecycleSubs {
		fns = append(fns, fn)
	}
	p.lifecycleMu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

func (p *Page) evictFrameWrapper(frameID cdp.FrameID) {
	p.mu.Lock()
	delete(p.frameCache, frameID)
	p.mu.Unlock()
}

func (p *Page) frameWrapper(frameID cdp.FrameID) *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frameCache[frameID]; ok {
		return f
	}
	f := &Frame{page: p, id: frameID}
	p.frameCache[frameID] = f
	return f
}

// MainFrame returns the wrapper for the current main frame.
func (p *Page) MainFrame() *Frame {
	return p.frameWrapper(p.registry.MainFrameID())
}

// Frames enumerates every tracked frame in stable ordinal order.
func (p *Page) Frames() []*Frame {
	recs := p.registry.ListAllFrames()
	out := make([]*Frame, 0, len(recs))
	for _, rec := range recs {
		out = append(out, p.frameWrapper(rec.ID))
	}
	return out
}

func (p *Page) fillNavigateOptions(opts *NavigateOptions) {
	if opts.WaitUntil == "" {
		opts.WaitUntil = schemas.LoadState(p.cfg.DefaultWaitUntil)
	}
	if !opts.WaitUntil.Valid() {
		opts.WaitUntil = schemas.LoadStateLoad
	}
	if opts.Timeout <= 0 {
		opts.Timeout = p.cfg.NavigationTimeout
	}
}

// Goto navigates the main frame and waits for the requested milestone,
// returning the main-document response, or nil when the navigation produced
// no new document.
func (p *Page) Goto(ctx context.Context, url string, opts NavigateOptions) (*network.Response, error) {
	p.fillNavigateOptions(&opts)
	log := p.logger.With(zap.String("url", url), zap.String("wait_until", string(opts.WaitUntil)))
	log.Info("Navigating.")

	cmdID, start := p.beginNavigation()
	watcher := p.newLifecycleWatcher(opts.WaitUntil, opts.Timeout, start)
	defer watcher.Dispose()
	tracker := p.newResponseTracker(cmdID)
	defer tracker.Dispose()

	params := cdppage.Navigate(url)
	if opts.Referrer != "" {
		params = params.WithReferrer(opts.Referrer)
	}
	var res struct {
		FrameID   cdp.FrameID  `json:"frameId"`
		LoaderID  cdp.LoaderID `json:"loaderId"`
		ErrorText string       `json:"errorText"`
	}
	if err := p.mainSession().Send(ctx, cdppage.CommandNavigate, params, &res); err != nil {
		return nil, fmt.Errorf("page: navigate %s: %w", url, err)
	}
	if res.ErrorText != "" {
		return nil, fmt.Errorf("page: navigation to %s failed: %s", url, res.ErrorText)
	}
	if res.LoaderID != "" {
		watcher.SetExpectedLoaderID(res.LoaderID)
		tracker.SetExpectedLoaderID(res.LoaderID)
	}

	if err := watcher.Wait(ctx); err != nil {
		return nil, err
	}
	log.Info("Navigation complete.")
	return tracker.NavigationCompleted(), nil
}

// Reload reloads the main frame. No loader id is known up front, so the
// response tracker runs loaderless.
func (p *Page) Reload(ctx context.Context, opts NavigateOptions) (*network.Response, error) {
	p.fillNavigateOptions(&opts)
	p.logger.Info("Reloading.", zap.String("wait_until", string(opts.WaitUntil)))

	cmdID, start := p.beginNavigation()
	watcher := p.newLifecycleWatcher(opts.WaitUntil, opts.Timeout, start)
	defer watcher.Dispose()
	tracker := p.newResponseTracker(cmdID)
	defer tracker.Dispose()

	if err := p.mainSession().Send(ctx, cdppage.CommandReload, cdppage.Reload(), nil); err != nil {
		return nil, fmt.Errorf("page: reload: %w", err)
	}
	if err := watcher.Wait(ctx); err != nil {
		return nil, err
	}
	return tracker.NavigationCompleted(), nil
}

// GoBack navigates one history entry back; nil response and nil error when
// there is no entry to go back to.
func (p *Page) GoBack(ctx context.Context, opts NavigateOptions) (*network.Response, error) {
	return p.historyNavigate(ctx, -1, opts)
}

// GoForward navigates one history entry forward; nil response and nil error
// when there is no entry ahead.
func (p *Page) GoForward(ctx context.Context, opts NavigateOptions) (*network.Response, error) {
	return p.historyNavigate(ctx, +1, opts)
}

func (p *Page) historyNavigate(ctx context.Context, delta int64, opts NavigateOptions) (*network.Response, error) {
	p.fillNavigateOptions(&opts)

	var hist struct {
		CurrentIndex int64                      `json:"currentIndex"`
		Entries      []*cdppage.NavigationEntry `json:"entries"`
	}
	if err := p.mainSession().Send(ctx, cdppage.CommandGetNavigationHistory, nil, &hist); err != nil {
		return nil, fmt.Errorf("page: navigation history: %w", err)
	}
	idx := hist.CurrentIndex + delta
	if idx < 0 || idx >= int64(len(hist.Entries)) {
		return nil, nil
	}
	entry := hist.Entries[idx]
	p.logger.Info("History navigation.",
		zap.Int64("delta", delta),
		zap.String("url", entry.URL))

	cmdID, start := p.beginNavigation()
	watcher := p.newLifecycleWatcher(opts.WaitUntil, opts.Timeout, start)
	defer watcher.Dispose()
	tracker := p.newResponseTracker(cmdID)
	defer tracker.Dispose()

	navParams := cdppage.NavigateToHistoryEntry(entry.ID)
	if err := p.mainSession().Send(ctx, cdppage.CommandNavigateToHistoryEntry, navParams, nil); err != nil {
		return nil, fmt.Errorf("page: navigate to history entry: %w", err)
	}
	if err := watcher.Wait(ctx); err != nil {
		return nil, err
	}
	return tracker.NavigationCompleted(), nil
}

// WaitForLoadState blocks until the current main frame reaches the given
// milestone, seeded with the last navigation's start time so networkidle
// measures from navigation, not from this call.
func (p *Page) WaitForLoadState(ctx context.Context, state schemas.LoadState, timeout time.Duration) error {
	if !state.Valid() {
		return fmt.Errorf("page: %q is not a load state", state)
	}
	if timeout <= 0 {
		timeout = p.cfg.NavigationTimeout
	}
	p.mu.Lock()
	start := p.lastNavStart
	p.mu.Unlock()
	if start.IsZero() {
		start = time.Now()
	}
	watcher := p.newLifecycleWatcher(state, timeout, start)
	defer watcher.Dispose()
	return watcher.Wait(ctx)
}

// Snapshot captures the hybrid DOM+accessibility view of every frame in the
// page's current topology.
func (p *Page) Snapshot(ctx context.Context, opts SnapshotOptions) (*schemas.PageSnapshot, error) {
	recs := p.registry.ListAllFrames()
	infos := make([]snapshot.FrameInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, snapshot.FrameInfo{
			ID:        rec.ID,
			ParentID:  rec.ParentID,
			Ordinal:   rec.Ordinal,
			SessionID: rec.SessionID,
			URL:       rec.URL,
		})
	}
	p.logger.Debug("Capturing snapshot.",
		zap.Int("frames", len(infos)),
		zap.String("focus", opts.FocusSelector))

	snap, err := p.engine.Capture(ctx, infos, func(sid string) cdppkg.Session {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.sessions[sid]
	}, snapshot.CaptureOptions{FocusSelector: opts.FocusSelector})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Snapshot captured.",
		zap.Int("elements", len(snap.XPathMap)))
	return snap, nil
}

// Close releases the page: best-effort target close, session untracking and
// listener teardown. Idempotent.
func (p *Page) Close(ctx context.Context) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("Closing page.")

	if p.targetID != "" {
		// Closing the target is an optimization; the browser reaps
		// orphaned targets on disconnect anyway.
		params := target.CloseTarget(p.targetID)
		if err := p.source.RootSession().Send(ctx, target.CommandCloseTarget, params, nil); err != nil {
			p.logger.Debug("Target close failed.", zap.Error(err))
		}
	}

	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for sid := range p.sessions {
		ids = append(ids, sid)
	}
	p.mu.Unlock()
	for _, sid := range ids {
		p.dropSession(sid)
	}
	if p.removeTopology != nil {
		p.removeTopology()
	}
	p.cancel()
}
