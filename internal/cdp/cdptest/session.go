// internal/cdp/cdptest/session.go

// Package cdptest provides scripted fakes for the cdp.Session contract so
// the page layer can be exercised without a browser.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xkilldash9x/pagedriver/internal/cdp"
)

// Call records one Send issued against a FakeSession.
type Call struct {
	Method string
	Params json.RawMessage
}

// StubFunc produces the response payload for a stubbed method. The returned
// value is marshalled into the caller's result.
type StubFunc func(params json.RawMessage) (any, error)

// FakeSession implements cdp.Session with per-method stubs and synchronous
// event emission. The zero value is not usable; construct with NewFakeSession.
type FakeSession struct {
	id string

	mu        sync.Mutex
	stubs     map[string]StubFunc
	calls     []Call
	handlers  map[string]map[int64]cdp.EventHandler
	handlerID int64
}

var _ cdp.Session = (*FakeSession)(nil)

func NewFakeSession(id string) *FakeSession {
	return &FakeSession{
		id:       id,
		stubs:    map[string]StubFunc{},
		handlers: map[string]map[int64]cdp.EventHandler{},
	}
}

func (s *FakeSession) ID() string { return s.id }

// Stub installs a responder for a method. Later stubs replace earlier ones.
func (s *FakeSession) Stub(method string, fn StubFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs[method] = fn
}

// StubResult installs a responder returning a fixed value for every call.
func (s *FakeSession) StubResult(method string, result any) {
	s.Stub(method, func(json.RawMessage) (any, error) { return result, nil })
}

// StubSequence installs a responder that walks the given outcomes call by
// call, sticking on the last one once exhausted.
func (s *FakeSession) StubSequence(method string, outcomes ...func(params json.RawMessage) (any, error)) {
	var n int
	var mu sync.Mutex
	s.Stub(method, func(params json.RawMessage) (any, error) {
		mu.Lock()
		i := n
		if n < len(outcomes)-1 {
			n++
		}
		mu.Unlock()
		return outcomes[i](params)
	})
}

func (s *FakeSession) Send(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Params: raw})
	fn, ok := s.stubs[method]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("cdptest: no stub for %s", method)
	}
	out, err := fn(raw)
	if err != nil {
		return err
	}
	if result == nil || out == nil {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, result)
}

func (s *FakeSession) On(event string, h cdp.EventHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerID++
	id := s.handlerID
	if s.handlers[event] == nil {
		s.handlers[event] = map[int64]cdp.EventHandler{}
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

// Emit marshals payload and delivers it synchronously to every handler
// subscribed to the event, mirroring the real read loop's in-order dispatch.
func (s *FakeSession) Emit(event string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("cdptest: emit %s: %v", event, err))
		}
		raw = b
	}
	s.mu.Lock()
	hs := make([]cdp.EventHandler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

// Calls returns a copy of every recorded Send.
func (s *FakeSession) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the recorded Sends for one method.
func (s *FakeSession) CallsTo(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// HandlerCount reports how many handlers are subscribed to an event; used by
// disposal tests to verify listeners are actually removed.
func (s *FakeSession) HandlerCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

// SessionSource mints FakeSessions on demand, standing in for the
// connection's AttachedSession.
type SessionSource struct {
	mu       sync.Mutex
	sessions map[string]*FakeSession
}

func NewSessionSource() *SessionSource {
	return &SessionSource{sessions: map[string]*FakeSession{}}
}

// Session returns the fake for an id, creating it on first use.
func (f *SessionSource) Session(id string) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		return s
	}
	s := NewFakeSession(id)
	f.sessions[id] = s
	return s
}

// AttachedSession implements the page layer's session source contract.
func (f *SessionSource) AttachedSession(id string) cdp.Session { return f.Session(id) }

// RootSession returns the fake addressing the connection's own endpoint,
// identified by the empty session id as on a real flat-mode connection.
func (f *SessionSource) RootSession() cdp.Session { return f.Session("") }

// ReleaseSession drops the fake for a detached session id, mirroring the
// connection's cleanup.
func (f *SessionSource) ReleaseSession(id string) {
	f.mu.Lock()
	delete(f.sessions, id)
	f.mu.Unlock()
}

// Known reports whether a fake currently exists for the id; release tests
// use it to verify sessions are actually forgotten.
func (f *SessionSource) Known(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[id]
	return ok
}
