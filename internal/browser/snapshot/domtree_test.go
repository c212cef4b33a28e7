// internal/browser/snapshot/domtree_test.go
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/chromedp/cdproto/dom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagedriver/internal/cdp/cdptest"
)

func decodeDepths(t *testing.T, calls []cdptest.Call) []int64 {
	t.Helper()
	var out []int64
	for _, c := range calls {
		var p struct {
			Depth  int64 `json:"depth"`
			Pierce bool  `json:"pierce"`
		}
		require.NoError(t, json.Unmarshal(c.Params, &p))
		require.True(t, p.Pierce)
		out = append(out, p.Depth)
	}
	return out
}

func simpleDocument() map[string]any {
	return map[string]any{
		"root": map[string]any{
			"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document",
			"children": []any{
				map[string]any{"nodeId": 2, "backendNodeId": 2, "nodeType": 1, "nodeName": "HTML"},
			},
		},
	}
}

func TestGetDomTreeUnboundedFirst(t *testing.T) {
	sess := cdptest.NewFakeSession("S1")
	sess.StubResult(dom.CommandGetDocument, simpleDocument())

	root, err := getDomTreeWithFallback(context.Background(), sess, 256, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "#document", root.NodeName)
	assert.Equal(t, []int64{-1}, decodeDepths(t, sess.CallsTo(dom.CommandGetDocument)))
}

func TestGetDomTreeRetriesShallowerOnSerializationLimit(t *testing.T) {
	sess := cdptest.NewFakeSession("S1")
	sess.StubSequence(dom.CommandGetDocument,
		func(json.RawMessage) (any, error) {
			return nil, errors.New("Maximum call stack size exceeded")
		},
		func(json.RawMessage) (any, error) {
			return simpleDocument(), nil
		},
	)

	root, err := getDomTreeWithFallback(context.Background(), sess, 256, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, root)
	assert.Equal(t, []int64{-1, 256}, decodeDepths(t, sess.CallsTo(dom.CommandGetDocument)))
}

func TestGetDomTreeNonSerializationErrorPropagates(t *testing.T) {
	sess := cdptest.NewFakeSession("S1")
	boom := errors.New("Target closed")
	sess.Stub(dom.CommandGetDocument, func(json.RawMessage) (any, error) {
		return nil, boom
	})

	_, err := getDomTreeWithFallback(context.Background(), sess, 256, zap.NewNop())
	require.ErrorIs(t, err, boom)
	var procErr *DOMProcessingError
	assert.False(t, errors.As(err, &procErr), "transport errors must not be rebranded")
	assert.Len(t, sess.CallsTo(dom.CommandGetDocument), 1)
}

func TestGetDomTreeLadderExhaustion(t *testing.T) {
	sess := cdptest.NewFakeSession("S1")
	sess.Stub(dom.CommandGetDocument, func(json.RawMessage) (any, error) {
		return nil, errors.New("serialization exceeded maximum recursion depth")
	})

	_, err := getDomTreeWithFallback(context.Background(), sess, 128, zap.NewNop())
	var procErr *DOMProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, dom.CommandGetDocument, procErr.Op)
	assert.Equal(t, []int64{-1, 128}, decodeDepths(t, sess.CallsTo(dom.CommandGetDocument)))
}

func TestHydrateTruncatedNodes(t *testing.T) {
	sess := cdptest.NewFakeSession("S1")
	sess.StubResult(dom.CommandDescribeNode, map[string]any{
		"node": map[string]any{
			"nodeId": 0, "backendNodeId": 5, "nodeType": 1, "nodeName": "DIV",
			"childNodeCount": 2,
			"children": []any{
				map[string]any{"nodeId": 0, "backendNodeId": 6, "nodeType": 1, "nodeName": "SPAN"},
				map[string]any{"nodeId": 0, "backendNodeId": 7, "nodeType": 3, "nodeName": "#text", "nodeValue": "hi"},
			},
		},
	})

	// The shallow capture declared two children but delivered none.
	doc := mustNode(t, map[string]any{
		"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document",
		"childNodeCount": 1,
		"children": []any{
			map[string]any{
				"nodeId": 2, "backendNodeId": 5, "nodeType": 1, "nodeName": "DIV",
				"childNodeCount": 2,
			},
		},
	})

	err := hydrateTruncatedNodes(context.Background(), sess, doc, 64, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, doc.Children, 1)
	require.Len(t, doc.Children[0].Children, 2)
	assert.Equal(t, "SPAN", doc.Children[0].Children[0].NodeName)

	// One hydration per backend id even though the node stays on the stack.
	assert.Len(t, sess.CallsTo(dom.CommandDescribeNode), 1)
}

func TestHydrationFailureSurfaces(t *testing.T) {
	sess := cdptest.NewFakeSession("S1")
	sess.Stub(dom.CommandDescribeNode, func(json.RawMessage) (any, error) {
		return nil, errors.New("stack depth exceeded")
	})

	doc := mustNode(t, map[string]any{
		"nodeId": 1, "backendNodeId": 1, "nodeType": 9, "nodeName": "#document",
		"childNodeCount": 3,
	})
	err := hydrateTruncatedNodes(context.Background(), sess, doc, 64, zap.NewNop())
	var procErr *DOMProcessingError
	require.ErrorAs(t, err, &procErr)
	assert.Equal(t, dom.CommandDescribeNode, procErr.Op)
	// The per-node ladder ran both depths before giving up.
	assert.Len(t, sess.CallsTo(dom.CommandDescribeNode), 2)
}

func TestIsSerializationLimit(t *testing.T) {
	cases := []struct {
		err  string
		want bool
	}{
		{"Maximum call stack size exceeded", true},
		{"stack overflow", true},
		{"value too deep for serialization", true},
		{"Out of memory", true},
		{"Target closed", false},
		{"No node with given id found", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isSerializationLimit(errors.New(tc.err)), tc.err)
	}
	assert.False(t, isSerializationLimit(nil))
}
