// internal/browser/snapshot/xpath.go
package snapshot

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// siblingKey groups siblings for positional indexing: same-tag elements
// count together, as do all text nodes and all comment nodes.
func siblingKey(n *cdp.Node) string {
	switch n.NodeType {
	case cdp.NodeTypeElement:
		return strings.ToLower(n.NodeName)
	case cdp.NodeTypeText:
		return "#text"
	case cdp.NodeTypeComment:
		return "#comment"
	}
	return ""
}

// xpathSegment renders one step of a frame-relative absolute xpath. index is
// 1-based among siblings sharing the same key. Namespaced tags cannot be
// addressed by bare name in every engine, so they go through name().
func xpathSegment(n *cdp.Node, index int) string {
	switch n.NodeType {
	case cdp.NodeTypeElement:
		name := strings.ToLower(n.NodeName)
		if strings.Contains(name, ":") {
			return fmt.Sprintf("*[name()='%s'][%d]", n.NodeName, index)
		}
		return fmt.Sprintf("%s[%d]", name, index)
	case cdp.NodeTypeText:
		return fmt.Sprintf("text()[%d]", index)
	case cdp.NodeTypeComment:
		return fmt.Sprintf("comment()[%d]", index)
	}
	return ""
}

// JoinXPath concatenates an absolute prefix with a frame-relative xpath.
func JoinXPath(prefix, rel string) string {
	return prefix + rel
}

// RelativizeXPath strips base from full, reporting whether full actually
// nests under base. JoinXPath(base, rel) reproduces full exactly.
func RelativizeXPath(base, full string) (string, bool) {
	if base == "" {
		return full, true
	}
	if !strings.HasPrefix(full, base) {
		return "", false
	}
	return full[len(base):], true
}

// isFrameHost reports whether a DOM node is an element that can host a child
// frame document.
func isFrameHost(n *cdp.Node) bool {
	if n.NodeType != cdp.NodeTypeElement {
		return false
	}
	switch strings.ToLower(n.NodeName) {
	case "iframe", "frame":
		return true
	}
	return false
}
