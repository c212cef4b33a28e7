// internal/browser/snapshot/errors.go

// Package snapshot captures a page's DOM and accessibility trees across
// every frame and session and fuses them into one addressable outline. Its
// element keys, "<frameOrdinal>-<backendNodeId>", stay valid across root
// frame swaps because ordinals never change for a page's lifetime.
package snapshot

import (
	"fmt"
	"regexp"
)

// serializationLimitRe matches the error-message family Chrome emits when a
// DOM serialization blows a renderer-side limit. There is no error code for
// this class; message matching is the only handle.
var serializationLimitRe = regexp.MustCompile(`(?i)(maximum call stack|stack overflow|stack depth|serializ|recursion|too (deep|large)|out of memory)`)

func isSerializationLimit(err error) bool {
	return err != nil && serializationLimitRe.MatchString(err.Error())
}

// DOMProcessingError is raised only after the serialization-limit retry
// ladder is exhausted; callers never see the raw renderer error for this
// class of failure.
type DOMProcessingError struct {
	Op  string
	Err error
}

func (e *DOMProcessingError) Error() string {
	return fmt.Sprintf("dom processing failed during %s after depth fallback: %v", e.Op, e.Err)
}

func (e *DOMProcessingError) Unwrap() error { return e.Err }
