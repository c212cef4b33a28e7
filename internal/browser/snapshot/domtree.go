// internal/browser/snapshot/domtree.go
package snapshot

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"go.uber.org/zap"

	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
)

// unboundedDepth asks the browser for the whole tree in one round trip.
const unboundedDepth int64 = -1

// getDomTreeWithFallback captures a session's full DOM. The first attempt is
// unbounded; when that trips the renderer's serialization limit it retries
// once at the configured shallower depth. Non-serialization failures are
// returned unmodified; exhausting the ladder yields a DOMProcessingError.
func getDomTreeWithFallback(ctx context.Context, sess cdppkg.Session, fallbackDepth int64, logger *zap.Logger) (*cdp.Node, error) {
	var lastErr error
	for _, depth := range []int64{unboundedDepth, fallbackDepth} {
		var res struct {
			Root *cdp.Node `json:"root"`
		}
		err := sess.Send(ctx, dom.CommandGetDocument, &dom.GetDocumentParams{Depth: depth, Pierce: true}, &res)
		if err == nil {
			if res.Root == nil {
				return nil, &DOMProcessingError{Op: dom.CommandGetDocument, Err: errNoRoot}
			}
			return res.Root, nil
		}
		if !isSerializationLimit(err) {
			return nil, err
		}
		lastErr = err
		logger.Debug("DOM capture hit serialization limit, retrying shallower.",
			zap.Int64("failed_depth", depth),
			zap.Error(err))
	}
	return nil, &DOMProcessingError{Op: dom.CommandGetDocument, Err: lastErr}
}

// describeNodeWithFallback hydrates one node's subtree, walking the same
// depth ladder as the document capture but with the per-node retry depth.
func describeNodeWithFallback(ctx context.Context, sess cdppkg.Session, backendID cdp.BackendNodeID, retryDepth int64, logger *zap.Logger) (*cdp.Node, error) {
	var lastErr error
	for _, depth := range []int64{unboundedDepth, retryDepth} {
		var res struct {
			Node *cdp.Node `json:"node"`
		}
		params := &dom.DescribeNodeParams{BackendNodeID: backendID, Depth: depth, Pierce: true}
		err := sess.Send(ctx, dom.CommandDescribeNode, params, &res)
		if err == nil {
			return res.Node, nil
		}
		if !isSerializationLimit(err) {
			return nil, err
		}
		lastErr = err
		logger.Debug("Node hydration hit serialization limit, retrying shallower.",
			zap.Int64("backend_node_id", int64(backendID)),
			zap.Int64("failed_depth", depth))
	}
	return nil, &DOMProcessingError{Op: dom.CommandDescribeNode, Err: lastErr}
}

// hydrateTruncatedNodes walks the captured tree and individually re-fetches
// any node whose declared child count exceeds the children the capture
// actually returned, which happens when the shallow-depth fallback cut the
// tree off. Each backend id is hydrated at most once.
func hydrateTruncatedNodes(ctx context.Context, sess cdppkg.Session, root *cdp.Node, retryDepth int64, logger *zap.Logger) error {
	seen := map[cdp.BackendNodeID]bool{}
	stack := []*cdp.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if n.ChildNodeCount > 0 && int64(len(n.Children)) < n.ChildNodeCount && !seen[n.BackendNodeID] {
			seen[n.BackendNodeID] = true
			full, err := describeNodeWithFallback(ctx, sess, n.BackendNodeID, retryDepth, logger)
			if err != nil {
				return err
			}
			if full != nil {
				n.Children = full.Children
				if n.ContentDocument == nil {
					n.ContentDocument = full.ContentDocument
				}
			}
		}
		stack = append(stack, n.Children...)
		if n.ContentDocument != nil {
			stack = append(stack, n.ContentDocument)
		}
	}
	return nil
}

var errNoRoot = &missingRootError{}

type missingRootError struct{}

func (*missingRootError) Error() string { return "document returned no root node" }
