// internal/browser/snapshot/focus.go
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
)

// focusTarget is a resolved focus selector: the frame it landed in and the
// backend node id of the matched element.
type focusTarget struct {
	frameID   cdp.FrameID
	backendID cdp.BackendNodeID
}

type selectorHop struct {
	expr    string
	isXPath bool
}

// selectorHops splits a focus selector into per-frame resolution steps. CSS
// selectors hop frames at ">>>"; xpaths hop at each iframe/frame step.
func selectorHops(selector string) []selectorHop {
	selector = strings.TrimSpace(strings.TrimPrefix(selector, "xpath="))
	if strings.HasPrefix(selector, "/") || strings.HasPrefix(selector, "(") {
		var hops []selectorHop
		for _, part := range splitXPathAtIframes(selector) {
			hops = append(hops, selectorHop{expr: part, isXPath: true})
		}
		return hops
	}
	var hops []selectorHop
	for _, part := range strings.Split(selector, ">>>") {
		part = strings.TrimSpace(part)
		if part != "" {
			hops = append(hops, selectorHop{expr: part})
		}
	}
	return hops
}

// splitXPathAtIframes cuts an absolute xpath after every iframe/frame step
// so each piece resolves within one document.
func splitXPathAtIframes(xp string) []string {
	segs := strings.Split(strings.TrimPrefix(xp, "/"), "/")
	var out []string
	var cur []string
	for _, seg := range segs {
		cur = append(cur, seg)
		tag := strings.ToLower(seg)
		if i := strings.IndexByte(tag, '['); i >= 0 {
			tag = tag[:i]
		}
		if tag == "iframe" || tag == "frame" {
			out = append(out, "/"+strings.Join(cur, "/"))
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, "/"+strings.Join(cur, "/"))
	}
	return out
}

// resolveInDocument evaluates one hop in a frame's document and describes
// the matched node.
func resolveInDocument(ctx context.Context, sess cdppkg.Session, hop selectorHop) (*cdp.Node, error) {
	var expr string
	if hop.isXPath {
		expr = fmt.Sprintf(
			`document.evaluate(%q, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue`,
			hop.expr)
	} else {
		expr = fmt.Sprintf(`document.querySelector(%q)`, hop.expr)
	}

	params := runtime.Evaluate(expr)
	var evalRes struct {
		Result struct {
			ObjectID runtime.RemoteObjectID `json:"objectId"`
			Subtype  string                 `json:"subtype"`
		} `json:"result"`
	}
	if err := sess.Send(ctx, runtime.CommandEvaluate, params, &evalRes); err != nil {
		return nil, err
	}
	if evalRes.Result.ObjectID == "" || evalRes.Result.Subtype == "null" {
		return nil, fmt.Errorf("selector %q matched nothing", hop.expr)
	}

	var descRes struct {
		Node *cdp.Node `json:"node"`
	}
	descParams := &dom.DescribeNodeParams{ObjectID: evalRes.Result.ObjectID}
	if err := sess.Send(ctx, dom.CommandDescribeNode, descParams, &descRes); err != nil {
		return nil, err
	}
	if descRes.Node == nil {
		return nil, fmt.Errorf("selector %q: node not describable", hop.expr)
	}
	return descRes.Node, nil
}

// resolveFocusTarget walks a selector's hops from the root frame, descending
// into hosted frames at each iframe boundary. Any failure reports ok=false;
// the caller falls back to the unscoped snapshot, never an error.
func (e *Engine) resolveFocusTarget(ctx context.Context, frames []FrameInfo, sessionFor func(string) cdppkg.Session, rootID cdp.FrameID, selector string) (focusTarget, bool) {
	hops := selectorHops(selector)
	if len(hops) == 0 {
		return focusTarget{}, false
	}
	byID := make(map[cdp.FrameID]*FrameInfo, len(frames))
	for i := range frames {
		byID[frames[i].ID] = &frames[i]
	}

	cur := rootID
	for i, hop := range hops {
		info := byID[cur]
		if info == nil {
			return focusTarget{}, false
		}
		sess := sessionFor(info.SessionID)
		if sess == nil {
			return focusTarget{}, false
		}
		node, err := resolveInDocument(ctx, sess, hop)
		if err != nil {
			e.logger.Debug("Focus selector resolution failed, snapshotting unscoped.",
				zap.String("selector", selector),
				zap.Int("hop", i),
				zap.Error(err))
			return focusTarget{}, false
		}
		if i == len(hops)-1 {
			return focusTarget{frameID: cur, backendID: node.BackendNodeID}, true
		}
		if node.FrameID == "" {
			return focusTarget{}, false
		}
		cur = node.FrameID
	}
	return focusTarget{}, false
}
