// internal/cdp/discover.go
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TargetInfo is one entry of the browser's /json target list.
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverPageTarget fetches the target list from a browser's HTTP debug
// endpoint and returns the first page target. baseURL may be an http:// or
// ws:// form address; ws schemes are rewritten to their http counterparts.
func DiscoverPageTarget(ctx context.Context, baseURL string) (*TargetInfo, error) {
	httpURL := strings.Replace(baseURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/") + "/json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cdp: target discovery: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: target discovery: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var targets []TargetInfo
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("cdp: target discovery: %w", err)
	}
	for i := range targets {
		if targets[i].Type == "page" && targets[i].WebSocketDebuggerURL != "" {
			return &targets[i], nil
		}
	}
	return nil, fmt.Errorf("cdp: no page target at %s", httpURL)
}
