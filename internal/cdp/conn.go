// internal/cdp/conn.go
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wireMessage is the single frame shape CDP uses in both directions. A frame
// with an ID and no Method is a command response; a frame with a Method is an
// event. SessionID routes frames to the target session in flat mode.
type wireMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ProtocolError  `json:"error,omitempty"`
}

type pendingCall struct {
	result json.RawMessage
	err    error
	done   chan struct{}
}

// Conn is a flat-mode CDP connection over a single websocket. It multiplexes
// any number of sessions, routing command responses by message id and events
// by session id. The zero-value session id ("") addresses the browser-level
// target the websocket itself is attached to.
type Conn struct {
	logger *zap.Logger
	ws     *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]*pendingCall

	sessionsMu sync.RWMutex
	sessions   map[string]*connSession

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial connects to a CDP websocket endpoint (a webSocketDebuggerUrl) and
// starts the read loop.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	// CDP frames for full DOM trees routinely exceed the default limit.
	ws.SetReadLimit(256 << 20)

	c := &Conn{
		logger:   logger.Named("cdp"),
		ws:       ws,
		pending:  map[int64]*pendingCall{},
		sessions: map[string]*connSession{},
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// RootSession returns the session addressing the endpoint the websocket is
// attached to (the browser target for a /devtools/browser URL, or the page
// itself for a page-scoped URL).
func (c *Conn) RootSession() Session { return c.session("") }

// AttachedSession returns the Session for a CDP session id the browser has
// already attached (via Target.attachedToTarget). It never fails: events for
// the id are buffered into handlers registered afterwards.
func (c *Conn) AttachedSession(sessionID string) Session { return c.session(sessionID) }

// AttachToTarget issues Target.attachToTarget in flat mode on the root
// session and returns the resulting session.
func (c *Conn) AttachToTarget(ctx context.Context, targetID target.ID) (Session, error) {
	params := target.AttachToTarget(targetID).WithFlatten(true)
	var res struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	if err := c.RootSession().Send(ctx, target.CommandAttachToTarget, params, &res); err != nil {
		return nil, fmt.Errorf("cdp: attach to target %s: %w", targetID, err)
	}
	return c.session(string(res.SessionID)), nil
}

// ReleaseSession forgets a session's handler registrations once its target
// has detached, so OOPIF churn does not accumulate state for the life of the
// connection. An id seen again later gets a fresh, empty session.
func (c *Conn) ReleaseSession(sessionID string) {
	c.sessionsMu.Lock()
	delete(c.sessions, sessionID)
	c.sessionsMu.Unlock()
}

// Close tears the connection down. All pending calls fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.shutdown(ErrConnClosed)
	return nil
}

func (c *Conn) session(id string) *connSession {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	if s, ok := c.sessions[id]; ok {
		return s
	}
	s := &connSession{conn: c, id: id, handlers: map[string]map[int64]EventHandler{}}
	c.sessions[id] = s
	return s
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		_ = c.ws.Close()

		c.pendingMu.Lock()
		for id, call := range c.pending {
			call.err = err
			close(call.done)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Discarding undecodable frame.", zap.Error(err))
			continue
		}
		switch {
		case msg.Method != "":
			// Dispatch on this goroutine so per-session emission order is
			// preserved end to end.
			c.session(msg.SessionID).dispatch(msg.Method, msg.Params)
		case msg.ID != 0:
			c.settle(&msg)
		}
	}
}

func (c *Conn) settle(msg *wireMessage) {
	c.pendingMu.Lock()
	call, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		call.err = msg.Error
	} else {
		call.result = msg.Result
	}
	close(call.done)
}

func (c *Conn) send(ctx context.Context, sessionID, method string, params, result any) error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
	}

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cdp: marshal %s params: %w", method, err)
		}
		raw = b
	}

	id := c.nextID.Add(1)
	call := &pendingCall{done: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	frame := wireMessage{ID: id, Method: method, Params: raw, SessionID: sessionID}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return fmt.Errorf("cdp: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case <-call.done:
	}
	if call.err != nil {
		return call.err
	}
	if result != nil && len(call.result) > 0 {
		if err := json.Unmarshal(call.result, result); err != nil {
			return fmt.Errorf("cdp: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// connSession binds a session id to its Conn and fans events out to
// subscribed handlers.
type connSession struct {
	conn *Conn
	id   string

	mu        sync.Mutex
	handlers  map[string]map[int64]EventHandler
	handlerID int64
}

var _ Session = (*connSession)(nil)

func (s *connSession) ID() string { return s.id }

func (s *connSession) Send(ctx context.Context, method string, params, result any) error {
	return s.conn.send(ctx, s.id, method, params, result)
}

func (s *connSession) On(event string, h EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerID++
	id := s.handlerID
	if s.handlers[event] == nil {
		s.handlers[event] = map[int64]EventHandler{}
	}
	s.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.handlers[event], id)
		})
	}
}

func (s *connSession) dispatch(method string, params json.RawMessage) {
	s.mu.Lock()
	hs := make([]EventHandler, 0, len(s.handlers[method]))
	for _, h := range s.handlers[method] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(params)
	}
}
