// internal/browser/snapshot/helpers_test.go
package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/require"
)

// mustNode builds a cdp.Node through the protocol decoder so tests exercise
// the same shapes the wire delivers.
func mustNode(t *testing.T, v map[string]any) *cdp.Node {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var n cdp.Node
	require.NoError(t, json.Unmarshal(b, &n))
	return &n
}

func elem(t *testing.T, backendID int, tag string, children ...map[string]any) map[string]any {
	t.Helper()
	m := map[string]any{
		"nodeId": backendID, "backendNodeId": backendID, "nodeType": 1, "nodeName": tag,
	}
	if len(children) > 0 {
		m["children"] = children
		m["childNodeCount"] = len(children)
	}
	return m
}

func textNode(backendID int, value string) map[string]any {
	return map[string]any{
		"nodeId": backendID, "backendNodeId": backendID, "nodeType": 3,
		"nodeName": "#text", "nodeValue": value,
	}
}
