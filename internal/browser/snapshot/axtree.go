// internal/browser/snapshot/axtree.go
package snapshot

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"

	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
)

// axRawNode decodes the flat Accessibility.getFullAXTree entries. The value
// wrappers are unwrapped here rather than through the generated protocol
// structs because their payloads are dynamically typed.
type axRawNode struct {
	NodeID           string            `json:"nodeId"`
	Ignored          bool              `json:"ignored"`
	Role             *axValue          `json:"role"`
	Name             *axValue          `json:"name"`
	Properties       []axRawProperty   `json:"properties"`
	ParentID         string            `json:"parentId"`
	ChildIDs         []string          `json:"childIds"`
	BackendDOMNodeID cdp.BackendNodeID `json:"backendDOMNodeId"`
}

type axRawProperty struct {
	Name  string  `json:"name"`
	Value axValue `json:"value"`
}

type axValue struct {
	Value json.RawMessage `json:"value"`
}

func (v *axValue) asString() string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		return ""
	}
	return s
}

// axNode is the engine's hierarchical accessibility node.
type axNode struct {
	role      string
	name      string
	url       string
	ignored   bool
	backendID cdp.BackendNodeID
	children  []*axNode
}

// fetchAXTree pulls the flat accessibility node list for one frame from its
// owning session.
func fetchAXTree(ctx context.Context, sess cdppkg.Session, frameID cdp.FrameID) ([]axRawNode, error) {
	params := struct {
		FrameID cdp.FrameID `json:"frameId,omitempty"`
	}{FrameID: frameID}
	var res struct {
		Nodes []axRawNode `json:"nodes"`
	}
	if err := sess.Send(ctx, accessibility.CommandGetFullAXTree, &params, &res); err != nil {
		return nil, err
	}
	return res.Nodes, nil
}

// buildAXTree links the flat node list into a hierarchy. The root is the
// node nobody references as a child.
func buildAXTree(raw []axRawNode) *axNode {
	if len(raw) == 0 {
		return nil
	}
	byID := make(map[string]*axRawNode, len(raw))
	referenced := map[string]bool{}
	for i := range raw {
		byID[raw[i].NodeID] = &raw[i]
		for _, c := range raw[i].ChildIDs {
			referenced[c] = true
		}
	}

	var convert func(r *axRawNode, seen map[string]bool) *axNode
	convert = func(r *axRawNode, seen map[string]bool) *axNode {
		if r == nil || seen[r.NodeID] {
			return nil
		}
		seen[r.NodeID] = true
		n := &axNode{
			role:      r.Role.asString(),
			name:      r.Name.asString(),
			ignored:   r.Ignored,
			backendID: r.BackendDOMNodeID,
		}
		for _, p := range r.Properties {
			if p.Name == "url" {
				n.url = p.Value.asString()
			}
		}
		for _, cid := range r.ChildIDs {
			if child := convert(byID[cid], seen); child != nil {
				n.children = append(n.children, child)
			}
		}
		return n
	}

	seen := map[string]bool{}
	for i := range raw {
		if !referenced[raw[i].NodeID] {
			return convert(&raw[i], seen)
		}
	}
	return convert(&raw[0], seen)
}

// findAXSubtree locates the subtree rooted at a backend node id, used to
// scope a snapshot to a resolved focus target.
func findAXSubtree(n *axNode, backendID cdp.BackendNodeID) *axNode {
	if n == nil {
		return nil
	}
	if n.backendID == backendID {
		return n
	}
	for _, c := range n.children {
		if found := findAXSubtree(c, backendID); found != nil {
			return found
		}
	}
	return nil
}

// structuralRoles add hierarchy without semantics; they survive pruning only
// when they carry a name or group multiple surviving children.
var structuralRoles = map[string]bool{
	"generic":       true,
	"none":          true,
	"inlinetextbox": true,
	"presentation":  true,
}

func isStructural(role string) bool {
	return structuralRoles[strings.ToLower(role)]
}

// pruneAXTree reduces one accessibility node to its outline-worthy form,
// returning the surviving replacement nodes (none, the node itself, or its
// lifted children).
//
// Rules: ignored and nameless structural nodes dissolve into their children;
// a structural parent left with exactly one child collapses into that child;
// kept structural containers take their DOM tag name as role (a select
// stays a combobox); StaticText whose text merely repeats an ancestor's
// accessible name is dropped.
func pruneAXTree(n *axNode, idx *frameIndex, ancestorNames []string) []*axNode {
	if n == nil {
		return nil
	}

	if strings.EqualFold(n.role, "StaticText") {
		if n.name == "" {
			return nil
		}
		for _, an := range ancestorNames {
			if n.name == an {
				return nil
			}
		}
		n.children = nil
		return []*axNode{n}
	}

	childAncestors := ancestorNames
	if n.name != "" {
		childAncestors = append(append([]string{}, ancestorNames...), n.name)
	}
	var kept []*axNode
	for _, c := range n.children {
		kept = append(kept, pruneAXTree(c, idx, childAncestors)...)
	}
	kept = dropRedundantStaticText(n.name, kept)
	n.children = kept

	if n.ignored {
		return kept
	}
	if !isStructural(n.role) {
		return []*axNode{n}
	}

	// Structural node: needs a name or enough children to earn its line.
	if n.name == "" {
		switch len(kept) {
		case 0:
			return nil
		case 1:
			return kept
		}
	}
	promoteTagName(n, idx)
	return []*axNode{n}
}

// dropRedundantStaticText removes StaticText children whose concatenated
// text exactly reproduces the parent's accessible name.
func dropRedundantStaticText(parentName string, children []*axNode) []*axNode {
	if parentName == "" {
		return children
	}
	var b strings.Builder
	for _, c := range children {
		if strings.EqualFold(c.role, "StaticText") {
			b.WriteString(c.name)
		}
	}
	if b.String() != parentName {
		return children
	}
	out := children[:0]
	for _, c := range children {
		if !strings.EqualFold(c.role, "StaticText") {
			out = append(out, c)
		}
	}
	return out
}

// promoteTagName swaps a structural role for the underlying DOM tag so the
// outline says "div"/"ul" instead of "generic". A select element reads as
// its combobox role rather than its tag.
func promoteTagName(n *axNode, idx *frameIndex) {
	if idx == nil {
		return
	}
	d, ok := idx.byBackendID[n.backendID]
	if !ok || d.TagName == "" {
		return
	}
	if d.TagName == "select" {
		n.role = "combobox"
		return
	}
	n.role = d.TagName
}
