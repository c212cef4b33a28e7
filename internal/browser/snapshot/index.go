// internal/browser/snapshot/index.go
package snapshot

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
)

// nodeDetail is what the DOM index knows about one node.
type nodeDetail struct {
	XPath      string
	TagName    string
	Scrollable bool
}

// frameIndex is the DOM-derived lookup structure for a single frame:
// backend-node details, reverse xpath lookup, the backend id of the frame's
// own document node, and the backend ids of iframe elements marking the
// boundary to hosted child frames.
type frameIndex struct {
	frameID          cdp.FrameID
	docBackendID     cdp.BackendNodeID
	byBackendID      map[cdp.BackendNodeID]*nodeDetail
	byXPath          map[string]cdp.BackendNodeID
	hostByChildFrame map[cdp.FrameID]cdp.BackendNodeID
}

func newFrameIndex(frameID cdp.FrameID) *frameIndex {
	return &frameIndex{
		frameID:          frameID,
		byBackendID:      map[cdp.BackendNodeID]*nodeDetail{},
		byXPath:          map[string]cdp.BackendNodeID{},
		hostByChildFrame: map[cdp.FrameID]cdp.BackendNodeID{},
	}
}

func (fi *frameIndex) record(n *cdp.Node, xpath string) {
	if n.BackendNodeID == 0 {
		return
	}
	d := &nodeDetail{XPath: xpath}
	if n.NodeType == cdp.NodeTypeElement {
		d.TagName = strings.ToLower(n.NodeName)
	}
	fi.byBackendID[n.BackendNodeID] = d
	fi.byXPath[xpath] = n.BackendNodeID
}

// indexDOM walks a session's captured document and produces one frameIndex
// per frame reachable in it. Same-process child frames arrive inline as
// iframe ContentDocuments and get their own index with a fresh frame-relative
// path; out-of-process children only contribute the boundary marker here and
// are indexed from their own session's capture.
func indexDOM(root *cdp.Node, rootFrameID cdp.FrameID) map[cdp.FrameID]*frameIndex {
	out := map[cdp.FrameID]*frameIndex{}
	var indexDocument func(doc *cdp.Node, frameID cdp.FrameID)

	var walkChildren func(fi *frameIndex, parentPath string, children []*cdp.Node)
	walkChildren = func(fi *frameIndex, parentPath string, children []*cdp.Node) {
		counts := map[string]int{}
		for _, child := range children {
			if child == nil {
				continue
			}
			key := siblingKey(child)
			if key == "" {
				// Doctype and other non-addressable nodes.
				continue
			}
			counts[key]++
			path := parentPath + "/" + xpathSegment(child, counts[key])
			fi.record(child, path)

			if isFrameHost(child) {
				if child.FrameID != "" {
					fi.hostByChildFrame[child.FrameID] = child.BackendNodeID
					if child.ContentDocument != nil {
						indexDocument(child.ContentDocument, child.FrameID)
					}
				}
				// The hosted document lives in the child frame's own path
				// space; never under the parent's.
				continue
			}
			walkChildren(fi, path, child.Children)
		}
	}

	indexDocument = func(doc *cdp.Node, frameID cdp.FrameID) {
		if doc == nil || out[frameID] != nil {
			return
		}
		fi := newFrameIndex(frameID)
		fi.docBackendID = doc.BackendNodeID
		out[frameID] = fi
		walkChildren(fi, "", doc.Children)
	}

	indexDocument(root, rootFrameID)
	return out
}

// scrollableProbeJS lists the document-relative xpaths of scroll containers,
// rendered in the same positional format the indexer produces so the results
// join back by plain string equality. Called with a document node as `this`
// so it runs against inline iframe documents as well as the session root.
const scrollableProbeJS = `function() {
  const doc = this;
  const view = doc.defaultView;
  const seg = (el) => {
    let i = 1;
    for (let s = el.previousElementSibling; s; s = s.previousElementSibling) {
      if (s.tagName === el.tagName) i++;
    }
    const tag = el.tagName.toLowerCase();
    if (tag.includes(':')) return "*[name()='" + el.tagName + "'][" + i + "]";
    return tag + '[' + i + ']';
  };
  const xpathOf = (el) => {
    const parts = [];
    for (let n = el; n && n.nodeType === 1; n = n.parentElement) parts.unshift(seg(n));
    return '/' + parts.join('/');
  };
  const out = [];
  const els = [doc.documentElement, ...doc.querySelectorAll('*')];
  for (const el of els) {
    if (!el) continue;
    const canScroll = el.scrollHeight > el.clientHeight + 1 || el.scrollWidth > el.clientWidth + 1;
    if (!canScroll) continue;
    const st = view.getComputedStyle(el);
    const o = st.overflow + st.overflowX + st.overflowY;
    if (el === doc.documentElement || /(auto|scroll)/.test(o)) out.push(xpathOf(el));
  }
  return JSON.stringify(out);
}`

// markScrollables resolves one frame's document node into its own execution
// context and runs the probe there, flagging matching index entries. Inline
// iframe documents get the same treatment as the session root. Probe
// failures only cost the flags, never the snapshot.
func markScrollables(ctx context.Context, sess cdppkg.Session, fi *frameIndex, logger *zap.Logger) {
	if fi == nil || fi.docBackendID == 0 {
		return
	}
	var resolveRes struct {
		Object struct {
			ObjectID runtime.RemoteObjectID `json:"objectId"`
		} `json:"object"`
	}
	resolveParams := dom.ResolveNode().WithBackendNodeID(fi.docBackendID)
	if err := sess.Send(ctx, dom.CommandResolveNode, resolveParams, &resolveRes); err != nil {
		logger.Debug("Scrollable probe failed.", zap.Error(err))
		return
	}
	if resolveRes.Object.ObjectID == "" {
		return
	}

	params := runtime.CallFunctionOn(scrollableProbeJS).
		WithObjectID(resolveRes.Object.ObjectID).
		WithReturnByValue(true)
	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
	}
	if err := sess.Send(ctx, runtime.CommandCallFunctionOn, params, &res); err != nil {
		logger.Debug("Scrollable probe failed.", zap.Error(err))
		return
	}
	var encoded string
	if err := json.Unmarshal(res.Result.Value, &encoded); err != nil {
		return
	}
	var xpaths []string
	if err := json.Unmarshal([]byte(encoded), &xpaths); err != nil {
		return
	}
	for _, xp := range xpaths {
		if id, ok := fi.byXPath[xp]; ok {
			fi.byBackendID[id].Scrollable = true
		}
	}
}
