// internal/browser/snapshot/axtree_test.go
package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRawNodes(t *testing.T, blob string) []axRawNode {
	t.Helper()
	var nodes []axRawNode
	require.NoError(t, json.Unmarshal([]byte(blob), &nodes))
	return nodes
}

func TestBuildAXTreeLinksFlatList(t *testing.T) {
	nodes := decodeRawNodes(t, `[
		{"nodeId":"1","role":{"value":"RootWebArea"},"name":{"value":"Title"},"childIds":["2","3"],"backendDOMNodeId":1},
		{"nodeId":"2","role":{"value":"button"},"name":{"value":"OK"},"backendDOMNodeId":2},
		{"nodeId":"3","role":{"value":"link"},"name":{"value":"Docs"},"backendDOMNodeId":3,
		 "properties":[{"name":"url","value":{"value":"https://example.com/docs"}}]}
	]`)

	root := buildAXTree(nodes)
	require.NotNil(t, root)
	assert.Equal(t, "RootWebArea", root.role)
	require.Len(t, root.children, 2)
	assert.Equal(t, "OK", root.children[0].name)
	assert.Equal(t, "https://example.com/docs", root.children[1].url)
	assert.Equal(t, cdp.BackendNodeID(3), root.children[1].backendID)
}

func TestBuildAXTreeToleratesCycles(t *testing.T) {
	nodes := decodeRawNodes(t, `[
		{"nodeId":"1","role":{"value":"RootWebArea"},"childIds":["2"]},
		{"nodeId":"2","role":{"value":"generic"},"childIds":["1"]}
	]`)
	// Both nodes reference each other; conversion must terminate. Every node
	// is referenced, so the first entry doubles as the root.
	root := buildAXTree(nodes)
	require.NotNil(t, root)
	require.Len(t, root.children, 1)
	assert.Empty(t, root.children[0].children)
}

func TestFindAXSubtree(t *testing.T) {
	tree := &axNode{role: "RootWebArea", backendID: 1, children: []*axNode{
		{role: "form", backendID: 2, children: []*axNode{
			{role: "button", backendID: 3},
		}},
	}}
	sub := findAXSubtree(tree, 2)
	require.NotNil(t, sub)
	assert.Equal(t, "form", sub.role)
	assert.Nil(t, findAXSubtree(tree, 99))
}

func TestPruneDropsNamelessStaticText(t *testing.T) {
	out := pruneAXTree(&axNode{role: "StaticText", name: ""}, nil, nil)
	assert.Empty(t, out)
}

func TestPruneDropsStaticTextRepeatingAncestorName(t *testing.T) {
	out := pruneAXTree(&axNode{role: "StaticText", name: "Submit"}, nil, []string{"Submit"})
	assert.Empty(t, out)

	out = pruneAXTree(&axNode{role: "StaticText", name: "Other"}, nil, []string{"Submit"})
	require.Len(t, out, 1)
	assert.Equal(t, "Other", out[0].name)
}

func TestPruneDropsRedundantStaticTextUnderNamedParent(t *testing.T) {
	btn := &axNode{role: "button", name: "Save now", children: []*axNode{
		{role: "StaticText", name: "Save "},
		{role: "StaticText", name: "now"},
	}}
	out := pruneAXTree(btn, nil, nil)
	require.Len(t, out, 1)
	// The two texts concatenate to exactly the button's name; both go.
	assert.Empty(t, out[0].children)
}

func TestPruneKeepsNonMatchingStaticText(t *testing.T) {
	btn := &axNode{role: "button", name: "Save", children: []*axNode{
		{role: "StaticText", name: "Save later"},
	}}
	out := pruneAXTree(btn, nil, nil)
	require.Len(t, out, 1)
	require.Len(t, out[0].children, 1)
}

func TestPruneIgnoredNodeDissolves(t *testing.T) {
	n := &axNode{role: "generic", ignored: true, children: []*axNode{
		{role: "button", name: "A"},
		{role: "button", name: "B"},
	}}
	out := pruneAXTree(n, nil, nil)
	require.Len(t, out, 2)
	assert.Equal(t, "A", out[0].name)
}

func TestPruneStructuralCollapse(t *testing.T) {
	// Nameless, childless structural node: gone.
	assert.Empty(t, pruneAXTree(&axNode{role: "generic"}, nil, nil))

	// Nameless structural with a single surviving child: the child replaces it.
	single := &axNode{role: "none", children: []*axNode{{role: "link", name: "Home"}}}
	out := pruneAXTree(single, nil, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "link", out[0].role)

	// Multiple surviving children keep the container.
	multi := &axNode{role: "generic", children: []*axNode{
		{role: "link", name: "A"},
		{role: "link", name: "B"},
	}}
	out = pruneAXTree(multi, nil, nil)
	require.Len(t, out, 1)
	require.Len(t, out[0].children, 2)
}

func TestPruneNamedStructuralSurvives(t *testing.T) {
	out := pruneAXTree(&axNode{role: "generic", name: "toolbar"}, nil, nil)
	require.Len(t, out, 1)
}

func TestPrunePromotesTagName(t *testing.T) {
	idx := newFrameIndex("F1")
	idx.byBackendID[7] = &nodeDetail{XPath: "/html[1]/body[1]/ul[1]", TagName: "ul"}
	idx.byBackendID[8] = &nodeDetail{XPath: "/html[1]/body[1]/select[1]", TagName: "select"}

	kept := &axNode{role: "generic", backendID: 7, children: []*axNode{
		{role: "listitem", name: "a"},
		{role: "listitem", name: "b"},
	}}
	out := pruneAXTree(kept, idx, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "ul", out[0].role)

	sel := &axNode{role: "generic", backendID: 8, children: []*axNode{
		{role: "menuitem", name: "a"},
		{role: "menuitem", name: "b"},
	}}
	out = pruneAXTree(sel, idx, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "combobox", out[0].role)
}

func TestPruneNonStructuralUntouched(t *testing.T) {
	n := &axNode{role: "navigation", children: []*axNode{{role: "link", name: "Home"}}}
	out := pruneAXTree(n, nil, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "navigation", out[0].role)
}
