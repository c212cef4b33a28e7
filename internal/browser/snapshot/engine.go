// internal/browser/snapshot/engine.go
package snapshot

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagedriver/api/schemas"
	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
	"github.com/xkilldash9x/pagedriver/internal/config"
)

// FrameInfo is the engine's read-only view of one frame in the page's
// current topology, fed from the frame registry at capture time.
type FrameInfo struct {
	ID        cdp.FrameID
	ParentID  cdp.FrameID
	Ordinal   int
	SessionID string
	URL       string
}

// CaptureOptions tunes one snapshot call.
type CaptureOptions struct {
	// FocusSelector optionally scopes the snapshot to one element's
	// subtree, resolved by CSS or XPath, hopping nested iframes. A
	// selector that cannot be resolved degrades to the full page.
	FocusSelector string
}

// Engine produces hybrid DOM+accessibility snapshots. Stateless between
// calls: everything is recomputed per capture and nothing survives a
// navigation.
type Engine struct {
	logger *zap.Logger
	cfg    config.SnapshotConfig
}

func NewEngine(logger *zap.Logger, cfg config.SnapshotConfig) *Engine {
	if cfg.FallbackDepth <= 0 {
		cfg.FallbackDepth = 256
	}
	if cfg.DescribeDepth <= 0 {
		cfg.DescribeDepth = 64
	}
	return &Engine{logger: logger.Named("snapshot"), cfg: cfg}
}

// Capture walks every frame of the given topology, captures DOM per owning
// session and accessibility per frame, and merges the results into one
// outline plus xpath/url maps. The root session's DOM capture failing fails
// the whole call; child frame failures degrade to missing fragments.
func (e *Engine) Capture(ctx context.Context, frames []FrameInfo, sessionFor func(string) cdppkg.Session, opts CaptureOptions) (*schemas.PageSnapshot, error) {
	if len(frames) == 0 {
		return &schemas.PageSnapshot{XPathMap: map[string]string{}, URLMap: map[string]string{}}, nil
	}

	byID := make(map[cdp.FrameID]*FrameInfo, len(frames))
	for i := range frames {
		byID[frames[i].ID] = &frames[i]
	}
	rootID := rootFrameID(frames, byID)
	rootSessionID := byID[rootID].SessionID

	// One DOM capture per owning session, rooted at the session's topmost
	// frame; same-process subframes ride along as content documents.
	sessionRoots := map[string]cdp.FrameID{}
	for i := range frames {
		f := &frames[i]
		parent := byID[f.ParentID]
		if f.ID == rootID || parent == nil || parent.SessionID != f.SessionID {
			if _, ok := sessionRoots[f.SessionID]; !ok || f.ID == rootID {
				sessionRoots[f.SessionID] = f.ID
			}
		}
	}

	var mu sync.Mutex
	indices := map[cdp.FrameID]*frameIndex{}

	g, gctx := errgroup.WithContext(ctx)
	for sid, sessionRoot := range sessionRoots {
		g.Go(func() error {
			sess := sessionFor(sid)
			if sess == nil {
				return nil
			}
			root, err := getDomTreeWithFallback(gctx, sess, e.cfg.FallbackDepth, e.logger)
			if err == nil {
				err = hydrateTruncatedNodes(gctx, sess, root, e.cfg.DescribeDepth, e.logger)
			}
			if err != nil {
				if sid == rootSessionID {
					return err
				}
				e.logger.Warn("Child session DOM capture failed; frame omitted.",
					zap.String("session_id", sid),
					zap.Error(err))
				return nil
			}
			idxs := indexDOM(root, sessionRoot)
			// Every document reachable in this capture gets its own probe,
			// inline iframe documents included.
			for _, idx := range idxs {
				markScrollables(gctx, sess, idx, e.logger)
			}
			mu.Lock()
			for fid, idx := range idxs {
				indices[fid] = idx
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scoped := frames
	mergeRoot := rootID
	var focus *focusTarget
	if opts.FocusSelector != "" {
		if t, ok := e.resolveFocusTarget(ctx, frames, sessionFor, rootID, opts.FocusSelector); ok {
			focus = &t
			mergeRoot = t.frameID
			scoped = framesUnder(frames, t.frameID)
		}
	}

	frags := map[cdp.FrameID]*fragment{}
	axEnabled := map[string]bool{}
	g2, g2ctx := errgroup.WithContext(ctx)
	for i := range scoped {
		frame := scoped[i]
		g2.Go(func() error {
			sess := sessionFor(frame.SessionID)
			if sess == nil {
				return nil
			}
			mu.Lock()
			if !axEnabled[frame.SessionID] {
				axEnabled[frame.SessionID] = true
				mu.Unlock()
				// Best effort; getFullAXTree works either way on most
				// targets.
				_ = sess.Send(g2ctx, accessibility.CommandEnable, nil, nil)
			} else {
				mu.Unlock()
			}

			raw, err := fetchAXTree(g2ctx, sess, frame.ID)
			if err != nil {
				e.logger.Debug("Accessibility capture failed; frame omitted.",
					zap.String("frame_id", string(frame.ID)),
					zap.Error(err))
				return nil
			}
			tree := buildAXTree(raw)
			if focus != nil && frame.ID == focus.frameID {
				if sub := findAXSubtree(tree, focus.backendID); sub != nil {
					tree = sub
				}
			}

			mu.Lock()
			idx := indices[frame.ID]
			mu.Unlock()
			pruned := pruneAXTree(tree, idx, nil)
			var root *axNode
			switch len(pruned) {
			case 0:
			case 1:
				root = pruned[0]
			default:
				root = &axNode{role: "WebArea", children: pruned}
			}
			frag := buildFragment(frame.ID, frame.Ordinal, root, idx)

			mu.Lock()
			frags[frame.ID] = frag
			mu.Unlock()
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	return mergeFragments(mergeInput{
		frames:  scoped,
		frags:   frags,
		indices: indices,
		rootID:  mergeRoot,
	}), nil
}

// rootFrameID picks the frame whose parent is absent from the set.
func rootFrameID(frames []FrameInfo, byID map[cdp.FrameID]*FrameInfo) cdp.FrameID {
	for i := range frames {
		if frames[i].ParentID == "" || byID[frames[i].ParentID] == nil {
			return frames[i].ID
		}
	}
	return frames[0].ID
}

// framesUnder returns the subtree of frames rooted at rootID, root included.
func framesUnder(frames []FrameInfo, rootID cdp.FrameID) []FrameInfo {
	children := map[cdp.FrameID][]int{}
	var root *FrameInfo
	for i := range frames {
		if frames[i].ID == rootID {
			root = &frames[i]
			continue
		}
		children[frames[i].ParentID] = append(children[frames[i].ParentID], i)
	}
	if root == nil {
		return frames
	}
	out := []FrameInfo{*root}
	queue := []cdp.FrameID{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, idx := range children[id] {
			out = append(out, frames[idx])
			queue = append(queue, frames[idx].ID)
		}
	}
	return out
}
