// internal/browser/snapshot/xpath_test.go
package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXPathSegment(t *testing.T) {
	div := mustNode(t, elem(t, 1, "DIV"))
	assert.Equal(t, "div[1]", xpathSegment(div, 1))
	assert.Equal(t, "div[3]", xpathSegment(div, 3))

	svgUse := mustNode(t, elem(t, 2, "SVG:USE"))
	assert.Equal(t, "*[name()='SVG:USE'][1]", xpathSegment(svgUse, 1))

	txt := mustNode(t, textNode(3, "hello"))
	assert.Equal(t, "text()[2]", xpathSegment(txt, 2))

	comment := mustNode(t, map[string]any{"nodeId": 4, "backendNodeId": 4, "nodeType": 8, "nodeName": "#comment"})
	assert.Equal(t, "comment()[1]", xpathSegment(comment, 1))

	doctype := mustNode(t, map[string]any{"nodeId": 5, "backendNodeId": 5, "nodeType": 10, "nodeName": "html"})
	assert.Equal(t, "", xpathSegment(doctype, 1))
}

func TestSiblingKeyGroupsByKind(t *testing.T) {
	assert.Equal(t, "div", siblingKey(mustNode(t, elem(t, 1, "DIV"))))
	assert.Equal(t, "#text", siblingKey(mustNode(t, textNode(2, "x"))))
	assert.Equal(t, "", siblingKey(mustNode(t, map[string]any{"nodeId": 3, "nodeType": 10, "nodeName": "html"})))
}

func TestJoinAndRelativizeRoundTrip(t *testing.T) {
	base := "/html[1]/body[1]/iframe[2]"
	rel := "/html[1]/body[1]/div[1]"
	full := JoinXPath(base, rel)
	assert.Equal(t, "/html[1]/body[1]/iframe[2]/html[1]/body[1]/div[1]", full)

	got, ok := RelativizeXPath(base, full)
	assert.True(t, ok)
	assert.Equal(t, rel, got)

	_, ok = RelativizeXPath("/html[1]/body[2]", full)
	assert.False(t, ok)

	got, ok = RelativizeXPath("", full)
	assert.True(t, ok)
	assert.Equal(t, full, got)
}

func TestIsFrameHost(t *testing.T) {
	assert.True(t, isFrameHost(mustNode(t, elem(t, 1, "IFRAME"))))
	assert.True(t, isFrameHost(mustNode(t, elem(t, 2, "FRAME"))))
	assert.False(t, isFrameHost(mustNode(t, elem(t, 3, "DIV"))))
	assert.False(t, isFrameHost(mustNode(t, textNode(4, "iframe"))))
}
