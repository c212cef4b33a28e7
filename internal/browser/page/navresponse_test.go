// internal/browser/page/navresponse_test.go
package page

import (
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pagedriver/internal/cdp/cdptest"
)

func emitDocumentResponse(sess *cdptest.FakeSession, frameID, loaderID, url string, status int) {
	sess.Emit(cdproto.EventNetworkRequestWillBeSent, map[string]any{
		"requestId": loaderID, "loaderId": loaderID, "frameId": frameID,
		"type": "Document", "request": map[string]any{"url": url, "method": "GET"},
	})
	sess.Emit(cdproto.EventNetworkResponseReceived, map[string]any{
		"requestId": loaderID, "type": "Document",
		"response": map[string]any{"url": url, "status": status},
	})
}

func TestTrackerCapturesMainDocumentResponse(t *testing.T) {
	p, _, main := newTestPage(t)
	cmdID, _ := p.beginNavigation()
	tr := p.newResponseTracker(cmdID)
	defer tr.Dispose()

	emitDocumentResponse(main, "F-root", "L1", "https://example.com/", 200)

	resp := tr.NavigationCompleted()
	require.NotNil(t, resp)
	assert.Equal(t, int64(200), resp.Status)
}

func TestTrackerIgnoresSubframeAndSubresourceResponses(t *testing.T) {
	p, _, main := newTestPage(t)
	cmdID, _ := p.beginNavigation()
	tr := p.newResponseTracker(cmdID)
	defer tr.Dispose()

	// Subframe document response.
	emitDocumentResponse(main, "F-sub", "L2", "https://frame.example/", 200)
	// Main-frame subresource.
	main.Emit(cdproto.EventNetworkRequestWillBeSent, map[string]any{
		"requestId": "R9", "loaderId": "L1", "frameId": "F-root",
		"type": "Script", "request": map[string]any{"url": "https://example.com/app.js"},
	})
	main.Emit(cdproto.EventNetworkResponseReceived, map[string]any{
		"requestId": "R9", "type": "Script",
		"response": map[string]any{"url": "https://example.com/app.js", "status": 200},
	})

	assert.Nil(t, tr.NavigationCompleted())
}

func TestTrackerMatchesExpectedLoader(t *testing.T) {
	p, _, main := newTestPage(t)
	cmdID, _ := p.beginNavigation()
	tr := p.newResponseTracker(cmdID)
	defer tr.Dispose()
	tr.SetExpectedLoaderID("L-want")

	// A document response from an older loader must not satisfy the tracker.
	emitDocumentResponse(main, "F-root", "L-old", "https://example.com/stale", 200)
	assert.Nil(t, tr.NavigationCompleted())

	emitDocumentResponse(main, "F-root", "L-want", "https://example.com/fresh", 200)
	resp := tr.NavigationCompleted()
	require.NotNil(t, resp)
	assert.Equal(t, "https://example.com/fresh", resp.URL)
}

func TestSupersededTrackerAbandonsSilently(t *testing.T) {
	p, _, main := newTestPage(t)
	staleCmd, _ := p.beginNavigation()
	stale := p.newResponseTracker(staleCmd)
	defer stale.Dispose()

	// A newer navigation supersedes the first command before any response.
	freshCmd, _ := p.beginNavigation()
	fresh := p.newResponseTracker(freshCmd)
	defer fresh.Dispose()

	emitDocumentResponse(main, "F-root", "L2", "https://example.com/new", 200)

	assert.Nil(t, stale.NavigationCompleted())
	require.NotNil(t, fresh.NavigationCompleted())
}

func TestTrackerKeepsResponseAfterDispose(t *testing.T) {
	p, _, main := newTestPage(t)
	cmdID, _ := p.beginNavigation()
	tr := p.newResponseTracker(cmdID)

	emitDocumentResponse(main, "F-root", "L1", "https://example.com/", 204)
	tr.Dispose()
	tr.Dispose()

	resp := tr.NavigationCompleted()
	require.NotNil(t, resp)
	assert.Equal(t, int64(204), resp.Status)
}
