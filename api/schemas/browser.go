// api/schemas/browser.go
package schemas

// PageSnapshot is the merged, cross-frame view of a page produced by the
// snapshot engine. Every addressable element is keyed by its encoded id,
// "<frameOrdinal>-<backendNodeId>", which stays stable across root frame
// swaps because frame ordinals are assigned once per page lifetime.
type PageSnapshot struct {
	// FormattedTree is the indented accessibility outline of the whole
	// frame tree, with child frame outlines spliced beneath the line of
	// their hosting iframe.
	FormattedTree string `json:"formattedTree"`

	// XPathMap maps encoded ids to absolute xpaths, already prefixed with
	// the hosting iframe chain for elements inside child frames.
	XPathMap map[string]string `json:"xpathMap"`

	// URLMap maps encoded ids to the URL exposed by the accessibility
	// tree for that element (links, images).
	URLMap map[string]string `json:"urlMap"`
}

// LoadState names a navigation milestone a caller can wait for.
type LoadState string

const (
	LoadStateLoad             LoadState = "load"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// Valid reports whether s is one of the recognized load states.
func (s LoadState) Valid() bool {
	switch s {
	case LoadStateLoad, LoadStateDOMContentLoaded, LoadStateNetworkIdle:
		return true
	}
	return false
}
