// internal/browser/page/frame.go
package page

import (
	"github.com/chromedp/cdproto/cdp"

	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
)

// Frame is a convenience wrapper over one frame id. It holds no topology of
// its own: every accessor reads the registry at call time, so a wrapper
// handed out before a root swap or session adoption keeps answering against
// the rebound owner. Wrappers are cached per id and evicted whenever the
// registry reports a topology or ownership change for that id.
type Frame struct {
	page *Page
	id   cdp.FrameID
}

// ID returns the protocol frame id.
func (f *Frame) ID() cdp.FrameID { return f.id }

// Ordinal returns the stable snapshot ordinal for this frame.
func (f *Frame) Ordinal() int { return f.page.registry.Ordinal(f.id) }

// URL returns the frame's last-known URL.
func (f *Frame) URL() string {
	rec, _ := f.page.registry.Lookup(f.id)
	return rec.URL
}

// Detached reports whether the registry no longer tracks this frame.
func (f *Frame) Detached() bool {
	_, ok := f.page.registry.Lookup(f.id)
	return !ok
}

// ParentFrame returns the wrapper for the parent, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	rec, ok := f.page.registry.Lookup(f.id)
	if !ok || rec.ParentID == "" {
		return nil
	}
	return f.page.frameWrapper(rec.ParentID)
}

// ChildFrames returns wrappers for the directly nested frames.
func (f *Frame) ChildFrames() []*Frame {
	recs := f.page.registry.ChildFrames(f.id)
	out := make([]*Frame, 0, len(recs))
	for _, rec := range recs {
		out = append(out, f.page.frameWrapper(rec.ID))
	}
	return out
}

// Session resolves the CDP session currently owning this frame. Resolution
// happens per call, which is what rebinds the main-frame wrapper after an
// OOPIF promotion swaps the root onto another session.
func (f *Frame) Session() cdppkg.Session {
	return f.page.sessionByID(f.page.registry.OwnerSessionID(f.id))
}
