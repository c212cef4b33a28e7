// internal/browser/page/navresponse.go
package page

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/pagedriver/internal/browser/netmon"
)

// NavigationResponseTracker correlates a navigation command with the
// main-document HTTP response it eventually produces. A navigation that
// yields no new document (same-document updates) leaves the result nil.
//
// When the navigate command's response supplies a loader id the tracker
// matches on it; reload and history navigations know no loader id ahead of
// time, so the tracker takes the next qualifying main-frame document
// response instead, unless a newer navigation command has superseded this
// one, in which case it abandons silently.
type NavigationResponseTracker struct {
	page      *Page
	commandID int64

	mu               sync.Mutex
	settled          bool
	expectedLoaderID cdp.LoaderID
	response         *network.Response
	removeObs        func()
}

func (p *Page) newResponseTracker(commandID int64) *NavigationResponseTracker {
	t := &NavigationResponseTracker{page: p, commandID: commandID}
	t.removeObs = p.network.AddObserver(&netmon.Observer{OnResponse: t.onResponse})
	return t
}

// SetExpectedLoaderID narrows matching to one document load.
func (t *NavigationResponseTracker) SetExpectedLoaderID(id cdp.LoaderID) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.expectedLoaderID = id
	t.mu.Unlock()
}

func (t *NavigationResponseTracker) onResponse(info *netmon.RequestInfo, resp *network.Response) {
	if !info.DocumentRequest || resp == nil {
		return
	}
	if info.FrameID != t.page.registry.MainFrameID() {
		return
	}
	// A racing tracker for a superseded navigation must never resolve with
	// the wrong response; it bows out instead.
	if !t.page.IsCurrentNavigationCommand(t.commandID) {
		t.Dispose()
		return
	}

	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return
	}
	// For a document request the protocol's loader id is the request id.
	if t.expectedLoaderID != "" && cdp.LoaderID(info.RequestID) != t.expectedLoaderID {
		t.mu.Unlock()
		return
	}
	t.settled = true
	t.response = resp
	remove := t.removeObs
	t.removeObs = nil
	t.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// NavigationCompleted returns the captured main-document response, or nil
// when the navigation produced no new document.
func (t *NavigationResponseTracker) NavigationCompleted() *network.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.response
}

// Dispose unregisters the tracker. Idempotent; a settled tracker keeps its
// captured response.
func (t *NavigationResponseTracker) Dispose() {
	t.mu.Lock()
	remove := t.removeObs
	t.removeObs = nil
	t.mu.Unlock()
	if remove != nil {
		remove()
	}
}
