// internal/browser/snapshot/merge.go
package snapshot

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/pagedriver/api/schemas"
)

// fragLine is one outline line before indentation is finalized.
type fragLine struct {
	indent    int
	text      string
	encodedID string
}

// fragment is one frame's contribution to the merged snapshot: its outline
// lines and frame-relative xpath/url maps, all keyed by encoded id.
type fragment struct {
	frameID cdp.FrameID
	ordinal int
	lines   []fragLine
	xpaths  map[string]string
	urls    map[string]string
}

// EncodeID renders the stable element key for a frame ordinal and backend
// node id.
func EncodeID(ordinal int, backendID cdp.BackendNodeID) string {
	return fmt.Sprintf("%d-%d", ordinal, backendID)
}

// buildFragment flattens a pruned accessibility tree into outline lines and
// joins in the DOM index's xpath and scrollable data by backend node id.
func buildFragment(frameID cdp.FrameID, ordinal int, root *axNode, idx *frameIndex) *fragment {
	f := &fragment{
		frameID: frameID,
		ordinal: ordinal,
		xpaths:  map[string]string{},
		urls:    map[string]string{},
	}
	var walk func(n *axNode, depth int)
	walk = func(n *axNode, depth int) {
		if n == nil {
			return
		}
		line := fragLine{indent: depth, text: n.role}
		var detail *nodeDetail
		if idx != nil {
			detail = idx.byBackendID[n.backendID]
		}
		if detail != nil && detail.Scrollable {
			line.text += " [scrollable]"
		}
		if n.name != "" {
			line.text += ": " + n.name
		}
		if n.backendID != 0 {
			line.encodedID = EncodeID(ordinal, n.backendID)
			if detail != nil && detail.XPath != "" {
				f.xpaths[line.encodedID] = detail.XPath
			}
			if n.url != "" {
				f.urls[line.encodedID] = n.url
			}
		}
		f.lines = append(f.lines, line)
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return f
}

func (f *fragment) empty() bool { return f == nil || len(f.lines) == 0 }

// mergeInput is everything the cross-frame merge needs per frame.
type mergeInput struct {
	frames  []FrameInfo
	frags   map[cdp.FrameID]*fragment
	indices map[cdp.FrameID]*frameIndex
	rootID  cdp.FrameID
}

// mergeFragments fuses per-frame fragments into the final snapshot: child
// xpaths gain the absolute prefix of their hosting iframe chain, and child
// outlines are spliced directly beneath the line of their hosting iframe.
func mergeFragments(in mergeInput) *schemas.PageSnapshot {
	byID := make(map[cdp.FrameID]*FrameInfo, len(in.frames))
	children := map[cdp.FrameID][]*FrameInfo{}
	for i := range in.frames {
		fi := &in.frames[i]
		byID[fi.ID] = fi
	}
	for i := range in.frames {
		fi := &in.frames[i]
		if fi.ID != in.rootID && byID[fi.ParentID] != nil {
			children[fi.ParentID] = append(children[fi.ParentID], fi)
		}
	}
	for _, cs := range children {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Ordinal < cs[j].Ordinal })
	}

	// Absolute xpath prefix per frame: the parent's prefix plus the xpath
	// of the hosting iframe inside the parent. When the boundary cannot be
	// resolved (unreachable OOPIF internals) the child inherits the
	// parent's prefix rather than losing addressability entirely.
	prefixes := map[cdp.FrameID]string{in.rootID: ""}
	var assignPrefixes func(id cdp.FrameID)
	assignPrefixes = func(id cdp.FrameID) {
		for _, child := range children[id] {
			prefix := prefixes[id]
			if idx := in.indices[id]; idx != nil {
				if hostBackend, ok := idx.hostByChildFrame[child.ID]; ok {
					if d, ok := idx.byBackendID[hostBackend]; ok && d.XPath != "" {
						prefix = JoinXPath(prefixes[id], d.XPath)
					}
				}
			}
			prefixes[child.ID] = prefix
			assignPrefixes(child.ID)
		}
	}
	assignPrefixes(in.rootID)

	snap := &schemas.PageSnapshot{
		XPathMap: map[string]string{},
		URLMap:   map[string]string{},
	}
	for id, frag := range in.frags {
		prefix, ok := prefixes[id]
		if !ok {
			// Frame outside the merge root (focus scoping); skip.
			continue
		}
		for encodedID, rel := range frag.xpaths {
			snap.XPathMap[encodedID] = JoinXPath(prefix, rel)
		}
		for encodedID, u := range frag.urls {
			snap.URLMap[encodedID] = u
		}
	}

	var render func(id cdp.FrameID, extraIndent int) []string
	render = func(id cdp.FrameID, extraIndent int) []string {
		frag := in.frags[id]
		idx := in.indices[id]

		// Which outline lines are iframe hosts for which child frame.
		hostEncoded := map[string]cdp.FrameID{}
		if idx != nil {
			for _, child := range children[id] {
				if backend, ok := idx.hostByChildFrame[child.ID]; ok {
					hostEncoded[EncodeID(frameOrdinal(byID, id), backend)] = child.ID
				}
			}
		}

		var out []string
		spliced := map[cdp.FrameID]bool{}
		if frag != nil {
			for _, line := range frag.lines {
				out = append(out, renderLine(line, extraIndent))
				if childID, ok := hostEncoded[line.encodedID]; ok && !spliced[childID] {
					spliced[childID] = true
					out = append(out, render(childID, extraIndent+line.indent+1)...)
				}
			}
		}
		// Children whose hosting iframe produced no outline line still get
		// appended so no frame silently disappears.
		for _, child := range children[id] {
			if !spliced[child.ID] {
				out = append(out, render(child.ID, extraIndent)...)
			}
		}
		return out
	}

	lines := render(in.rootID, 0)
	if rootFrag := in.frags[in.rootID]; rootFrag.empty() {
		// The designated root contributed nothing; fall back to the first
		// non-empty fragment so callers never see an empty snapshot.
		if fb := firstNonEmpty(in); fb != nil {
			lines = render(fb.frameID, 0)
		}
	}
	snap.FormattedTree = strings.Join(lines, "\n")
	return snap
}

func renderLine(line fragLine, extraIndent int) string {
	indent := strings.Repeat("  ", line.indent+extraIndent)
	if line.encodedID != "" {
		return indent + "[" + line.encodedID + "] " + line.text
	}
	return indent + line.text
}

func frameOrdinal(byID map[cdp.FrameID]*FrameInfo, id cdp.FrameID) int {
	if fi, ok := byID[id]; ok {
		return fi.Ordinal
	}
	return -1
}

func firstNonEmpty(in mergeInput) *fragment {
	var candidates []*fragment
	for _, frag := range in.frags {
		if !frag.empty() {
			candidates = append(candidates, frag)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ordinal < candidates[j].ordinal })
	return candidates[0]
}
