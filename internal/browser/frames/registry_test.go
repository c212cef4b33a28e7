// internal/browser/frames/registry_test.go
package frames

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedSimpleTree(t *testing.T, r *Registry) {
	t.Helper()
	r.SeedFromFrameTree("S1", &page.FrameTree{
		Frame: &cdp.Frame{ID: "F-root", URL: "https://example.com/", LoaderID: "L1"},
		ChildFrames: []*page.FrameTree{
			{Frame: &cdp.Frame{ID: "F-child", ParentID: "F-root", URL: "https://example.com/child"}},
		},
	})
	require.Equal(t, cdp.FrameID("F-root"), r.MainFrameID())
}

func TestSeedFromFrameTree(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)

	root, ok := r.Lookup("F-root")
	require.True(t, ok)
	assert.Equal(t, "S1", root.SessionID)
	assert.Equal(t, 0, root.Ordinal)
	assert.Equal(t, cdp.LoaderID("L1"), root.LoaderID)

	child, ok := r.Lookup("F-child")
	require.True(t, ok)
	assert.Equal(t, cdp.FrameID("F-root"), child.ParentID)
	assert.Equal(t, 1, child.Ordinal)
}

func TestSeedIsIdempotentPerSession(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)

	// A replayed seed for the same session must not disturb existing state.
	r.SeedFromFrameTree("S1", &page.FrameTree{
		Frame: &cdp.Frame{ID: "F-other", URL: "https://evil.example/"},
	})
	_, ok := r.Lookup("F-other")
	assert.False(t, ok)
	assert.Equal(t, cdp.FrameID("F-root"), r.MainFrameID())
}

func TestOrdinalsAreStableAcrossNavigations(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)
	require.Equal(t, 1, r.Ordinal("F-child"))

	// Navigating a subframe many times never changes its ordinal, and new
	// frames always extend the sequence rather than reusing slots.
	for i := 0; i < 5; i++ {
		r.OnFrameNavigated(&cdp.Frame{ID: "F-child", ParentID: "F-root", URL: "https://example.com/next"}, "S1")
	}
	assert.Equal(t, 1, r.Ordinal("F-child"))

	r.OnFrameAttached("F-new", "F-root", "S1")
	assert.Equal(t, 2, r.Ordinal("F-new"))
	assert.Equal(t, -1, r.Ordinal("F-never-seen"))
}

func TestRootFrameSwapInheritsOrdinal(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)
	oldOrdinal := r.Ordinal("F-root")

	var notified []cdp.FrameID
	remove := r.OnTopologyChange(func(id cdp.FrameID) { notified = append(notified, id) })
	defer remove()

	// A parentless navigation under a brand new frame id replaces the root:
	// same ordinal, old record gone, main frame id updated.
	r.OnFrameNavigated(&cdp.Frame{ID: "F-root2", URL: "https://other.example/", LoaderID: "L2"}, "S2")

	assert.Equal(t, cdp.FrameID("F-root2"), r.MainFrameID())
	assert.Equal(t, oldOrdinal, r.Ordinal("F-root2"))
	_, ok := r.Lookup("F-root")
	assert.False(t, ok)

	rec, ok := r.Lookup("F-root2")
	require.True(t, ok)
	assert.Equal(t, "S2", rec.SessionID)
	assert.Equal(t, oldOrdinal, rec.Ordinal)

	assert.Contains(t, notified, cdp.FrameID("F-root"))
	assert.Contains(t, notified, cdp.FrameID("F-root2"))
}

func TestMainFrameRenavigationIsNotASwap(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)

	r.OnFrameNavigated(&cdp.Frame{ID: "F-root", URL: "https://example.com/two", LoaderID: "L2"}, "S1")
	assert.Equal(t, cdp.FrameID("F-root"), r.MainFrameID())
	rec, ok := r.Lookup("F-root")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/two", rec.URL)
	assert.Equal(t, 0, rec.Ordinal)
}

func TestNavigatedWithinDocumentChecksOwner(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)

	r.OnNavigatedWithinDocument("F-root", "https://example.com/#a", "S1")
	rec, _ := r.Lookup("F-root")
	assert.Equal(t, "https://example.com/#a", rec.URL)

	// A session that does not own the frame cannot rewrite its url.
	r.OnNavigatedWithinDocument("F-root", "https://evil.example/", "S-other")
	rec, _ = r.Lookup("F-root")
	assert.Equal(t, "https://example.com/#a", rec.URL)
}

func TestAdoptAndReleaseChildSession(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)

	r.AdoptChildSession("S-oopif", "F-child")
	assert.Equal(t, "S-oopif", r.OwnerSessionID("F-child"))
	assert.Equal(t, "S1", r.OwnerSessionID("F-root"))

	owned := r.FramesForSession("S-oopif")
	require.Len(t, owned, 1)
	assert.Equal(t, cdp.FrameID("F-child"), owned[0].ID)

	// Release clears the seed marker so a re-attached session can seed anew.
	r.ReleaseSession("S-oopif")
	r.SeedFromFrameTree("S-oopif", &page.FrameTree{
		Frame: &cdp.Frame{ID: "F-child", ParentID: "F-root", URL: "https://frame.example/"},
	})
	rec, _ := r.Lookup("F-child")
	assert.Equal(t, "https://frame.example/", rec.URL)
}

func TestDetachRemovesFrame(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)

	r.OnFrameDetached("F-child", "remove")
	_, ok := r.Lookup("F-child")
	assert.False(t, ok)
	assert.Empty(t, r.ChildFrames("F-root"))

	// Detaching an unknown frame is a silent no-op.
	r.OnFrameDetached("F-unknown", "remove")
}

func TestListAllFramesOrdinalOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)
	r.OnFrameAttached("F-b", "F-root", "S1")
	r.OnFrameAttached("F-c", "F-b", "S1")

	list := r.ListAllFrames()
	require.Len(t, list, 4)
	for i := 1; i < len(list); i++ {
		assert.Greater(t, list[i].Ordinal, list[i-1].Ordinal)
	}
}

func TestAsProtocolFrameTree(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	seedSimpleTree(t, r)
	r.OnFrameAttached("F-b", "F-child", "S1")

	tree := r.AsProtocolFrameTree("F-root")
	require.NotNil(t, tree)
	assert.Equal(t, cdp.FrameID("F-root"), tree.Frame.ID)
	require.Len(t, tree.ChildFrames, 1)
	require.Len(t, tree.ChildFrames[0].ChildFrames, 1)
	assert.Equal(t, cdp.FrameID("F-b"), tree.ChildFrames[0].ChildFrames[0].Frame.ID)

	assert.Nil(t, r.AsProtocolFrameTree("F-missing"))
}
