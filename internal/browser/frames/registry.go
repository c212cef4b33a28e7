// internal/browser/frames/registry.go

// Package frames tracks the frame topology of one page and which CDP session
// owns each frame. It is the single source of truth the rest of the page
// layer reads, and it survives root frame identity swaps (out-of-process
// iframe promotion) by carrying the old root's ordinal over to the new id.
package frames

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"
)

// Record is the registry's view of one frame.
type Record struct {
	ID        cdp.FrameID
	ParentID  cdp.FrameID
	SessionID string
	URL       string
	LoaderID  cdp.LoaderID
	Ordinal   int
}

// Registry owns frame topology and session ownership for one page. All
// methods are safe for concurrent use; mutation arrives from the connection
// read loop while queries come from caller goroutines.
type Registry struct {
	logger *zap.Logger

	mu          sync.RWMutex
	frames      map[cdp.FrameID]*Record
	ordinals    map[cdp.FrameID]int
	nextOrdinal int
	mainFrameID cdp.FrameID
	seeded      map[string]bool

	changeID int64
	onChange map[int64]func(cdp.FrameID)
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("frames"),
		frames:   map[cdp.FrameID]*Record{},
		ordinals: map[cdp.FrameID]int{},
		seeded:   map[string]bool{},
		onChange: map[int64]func(cdp.FrameID){},
	}
}

// OnTopologyChange registers a callback invoked (outside the registry lock)
// whenever topology or ownership changes for a frame id. The page layer uses
// it to evict cached wrappers and per-frame network bookkeeping.
func (r *Registry) OnTopologyChange(fn func(cdp.FrameID)) (remove func()) {
	r.mu.Lock()
	r.changeID++
	id := r.changeID
	r.onChange[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.onChange, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) notify(ids ...cdp.FrameID) {
	r.mu.RLock()
	fns := make([]func(cdp.FrameID), 0, len(r.onChange))
	for _, fn := range r.onChange {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		for _, id := range ids {
			fn(id)
		}
	}
}

// ordinalFor assigns the next stable ordinal on first sight of a frame id.
// Callers hold r.mu.
func (r *Registry) ordinalFor(id cdp.FrameID) int {
	if ord, ok := r.ordinals[id]; ok {
		return ord
	}
	ord := r.nextOrdinal
	r.nextOrdinal++
	r.ordinals[id] = ord
	return ord
}

// SeedFromFrameTree bulk-initializes topology and ownership from a
// Page.getFrameTree snapshot. Idempotent per session: a second seed for the
// same session id is a no-op.
func (r *Registry) SeedFromFrameTree(sessionID string, tree *page.FrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	r.mu.Lock()
	if r.seeded[sessionID] {
		r.mu.Unlock()
		return
	}
	r.seeded[sessionID] = true

	var changed []cdp.FrameID
	var walk func(t *page.FrameTree, parentID cdp.FrameID)
	walk = func(t *page.FrameTree, parentID cdp.FrameID) {
		f := t.Frame
		rec := r.frames[f.ID]
		if rec == nil {
			rec = &Record{ID: f.ID, Ordinal: r.ordinalFor(f.ID)}
			r.frames[f.ID] = rec
		}
		rec.ParentID = parentID
		rec.SessionID = sessionID
		rec.URL = f.URL
		rec.LoaderID = f.LoaderID
		changed = append(changed, f.ID)
		for _, child := range t.ChildFrames {
			walk(child, f.ID)
		}
	}
	walk(tree, tree.Frame.ParentID)

	if r.mainFrameID == "" && tree.Frame.ParentID == "" {
		r.mainFrameID = tree.Frame.ID
	}
	r.mu.Unlock()
	r.notify(changed...)

	r.logger.Debug("Seeded frame tree.",
		zap.String("session_id", sessionID),
		zap.Int("frames", len(changed)))
}

// OnFrameAttached inserts a frame node and records its owner session.
func (r *Registry) OnFrameAttached(frameID, parentID cdp.FrameID, sessionID string) {
	r.mu.Lock()
	rec := r.frames[frameID]
	if rec == nil {
		rec = &Record{ID: frameID, Ordinal: r.ordinalFor(frameID)}
		r.frames[frameID] = rec
	}
	rec.ParentID = parentID
	rec.SessionID = sessionID
	r.mu.Unlock()
	r.notify(frameID)
}

// OnFrameDetached removes a frame. The caller is responsible for purging any
// per-frame bookkeeping elsewhere; the topology-change callback fires for the
// detached id.
func (r *Registry) OnFrameDetached(frameID cdp.FrameID, reason string) {
	r.mu.Lock()
	_, known := r.frames[frameID]
	delete(r.frames, frameID)
	r.mu.Unlock()
	if known {
		r.logger.Debug("Frame detached.",
			zap.String("frame_id", string(frameID)),
			zap.String("reason", reason))
		r.notify(frameID)
	}
}

// OnFrameNavigated updates a frame's url/loader on navigation. When the
// browser reports a main-frame navigation under a new frame id, the new id
// logically replaces the old root: it inherits the old root's ordinal and
// becomes the registry's main frame. The protocol does not pin down exactly
// when this happens (cross-origin promotion is the usual cause), so the swap
// is handled whenever observed rather than asserted against a trigger.
func (r *Registry) OnFrameNavigated(f *cdp.Frame, sessionID string) {
	if f == nil {
		return
	}
	r.mu.Lock()
	var changed []cdp.FrameID

	if f.ParentID == "" && r.mainFrameID != "" && f.ID != r.mainFrameID {
		oldID := r.mainFrameID
		if ord, ok := r.ordinals[oldID]; ok {
			r.ordinals[f.ID] = ord
		} else {
			r.ordinals[f.ID] = r.ordinalFor(f.ID)
		}
		delete(r.frames, oldID)
		r.mainFrameID = f.ID
		changed = append(changed, oldID)
		r.logger.Info("Root frame id swap.",
			zap.String("old_frame_id", string(oldID)),
			zap.String("new_frame_id", string(f.ID)),
			zap.Int("ordinal", r.ordinals[f.ID]))
	}

	rec := r.frames[f.ID]
	if rec == nil {
		rec = &Record{ID: f.ID, Ordinal: r.ordinalFor(f.ID)}
		r.frames[f.ID] = rec
	}
	rec.Ordinal = r.ordinals[f.ID]
	rec.ParentID = f.ParentID
	rec.SessionID = sessionID
	rec.URL = f.URL
	rec.LoaderID = f.LoaderID
	if f.ParentID == "" {
		r.mainFrameID = f.ID
	}
	changed = append(changed, f.ID)
	r.mu.Unlock()
	r.notify(changed...)
}

// OnNavigatedWithinDocument records a same-document URL change (history API).
// Topology and ownership are untouched.
func (r *Registry) OnNavigatedWithinDocument(frameID cdp.FrameID, url, sessionID string) {
	r.mu.Lock()
	if rec, ok := r.frames[frameID]; ok && rec.SessionID == sessionID {
		rec.URL = url
	}
	r.mu.Unlock()
}

// AdoptChildSession marks a newly attached CDP session as owner of a frame,
// used when a dedicated session serves an out-of-process iframe.
func (r *Registry) AdoptChildSession(sessionID string, mainFrameID cdp.FrameID) {
	r.mu.Lock()
	rec := r.frames[mainFrameID]
	if rec == nil {
		rec = &Record{ID: mainFrameID, Ordinal: r.ordinalFor(mainFrameID)}
		r.frames[mainFrameID] = rec
	}
	rec.SessionID = sessionID
	r.mu.Unlock()
	r.notify(mainFrameID)
	r.logger.Debug("Adopted child session.",
		zap.String("session_id", sessionID),
		zap.String("frame_id", string(mainFrameID)))
}

// ReleaseSession forgets the idempotent-seed marker for a detached session so
// a later re-attachment can seed again. Frames owned by the session are left
// to their own frameDetached events.
func (r *Registry) ReleaseSession(sessionID string) {
	r.mu.Lock()
	delete(r.seeded, sessionID)
	r.mu.Unlock()
}

// OwnerSessionID returns the session owning a frame, or "" when unknown.
func (r *Registry) OwnerSessionID(frameID cdp.FrameID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.frames[frameID]; ok {
		return rec.SessionID
	}
	return ""
}

// FramesForSession lists the frames currently owned by a session.
func (r *Registry) FramesForSession(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.frames {
		if rec.SessionID == sessionID {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

// MainFrameID returns the current main frame id.
func (r *Registry) MainFrameID() cdp.FrameID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mainFrameID
}

// Ordinal returns the stable ordinal for a frame id. Ordinals are assigned
// once per id for the page's lifetime; -1 means the id was never seen.
func (r *Registry) Ordinal(frameID cdp.FrameID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ord, ok := r.ordinals[frameID]; ok {
		return ord
	}
	return -1
}

// Lookup returns a copy of the record for a frame id.
func (r *Registry) Lookup(frameID cdp.FrameID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.frames[frameID]; ok {
		return *rec, true
	}
	return Record{}, false
}

// ListAllFrames returns every tracked frame, parents before children where
// the parent is tracked, in stable ordinal order.
func (r *Registry) ListAllFrames() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.frames))
	for _, rec := range r.frames {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

// ChildFrames lists the directly nested frames of a parent.
func (r *Registry) ChildFrames(parentID cdp.FrameID) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Record
	for _, rec := range r.frames {
		if rec.ParentID == parentID {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

// AsProtocolFrameTree reassembles the registry's view of the subtree rooted
// at rootID into the protocol's own FrameTree shape.
func (r *Registry) AsProtocolFrameTree(rootID cdp.FrameID) *page.FrameTree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.frames[rootID]
	if !ok {
		return nil
	}
	return r.buildTreeLocked(rec)
}

func (r *Registry) buildTreeLocked(rec *Record) *page.FrameTree {
	tree := &page.FrameTree{
		Frame: &cdp.Frame{
			ID:       rec.ID,
			ParentID: rec.ParentID,
			URL:      rec.URL,
			LoaderID: rec.LoaderID,
		},
	}
	var children []*Record
	for _, c := range r.frames {
		if c.ParentID == rec.ID && c.ID != rec.ID {
			children = append(children, c)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Ordinal < children[j].Ordinal })
	for _, c := range children {
		tree.ChildFrames = append(tree.ChildFrames, r.buildTreeLocked(c))
	}
	return tree
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Ordinal < recs[j].Ordinal })
}
