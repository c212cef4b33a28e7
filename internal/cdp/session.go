// internal/cdp/session.go
package cdp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrConnClosed is returned by Send once the underlying connection has been
// torn down. Callers racing a close see this instead of a hung call.
var ErrConnClosed = errors.New("cdp: connection closed")

// EventHandler receives the raw params payload of a protocol event. Handlers
// run on the connection's read loop and must not issue blocking Send calls;
// spawn a goroutine for any follow-up round trip.
type EventHandler func(params json.RawMessage)

// Session is the per-target command/event primitive the page layer is built
// on. One Session maps to one CDP session id; a Page owns its main session
// plus any sessions adopted for out-of-process iframes.
//
// Send marshals params (which may be nil), issues the method on this session
// and unmarshals the response into result when result is non-nil. Protocol
// errors come back as *ProtocolError; transport failures are returned
// unmodified.
//
// On subscribes to a protocol event by fully qualified name (for example
// "Page.frameNavigated") and returns a removal func. Events for one session
// are delivered in the order the browser emitted them; no ordering holds
// across sessions.
type Session interface {
	ID() string
	Send(ctx context.Context, method string, params, result any) error
	On(event string, h EventHandler) (off func())
}

// ProtocolError is a command failure reported by the browser itself, as
// opposed to a transport failure.
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return e.Message + " (" + e.Data + ")"
	}
	return e.Message
}
