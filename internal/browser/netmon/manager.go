// internal/browser/netmon/manager.go

// Package netmon fans network events from every CDP session of a page into
// one view, keyed by "sessionId:requestId" so sessions can never collide. It
// backs the page layer's network-idle detection and main-document response
// correlation.
package netmon

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	cdppkg "github.com/xkilldash9x/pagedriver/internal/cdp"
)

// RequestInfo is the manager's bookkeeping for one in-flight request.
type RequestInfo struct {
	// Key is the composite "sessionId:requestId" identity.
	Key             string
	SessionID       string
	RequestID       network.RequestID
	FrameID         cdp.FrameID
	URL             string
	ResourceType    network.ResourceType
	DocumentRequest bool
	StartedAt       time.Time
}

// Observer receives request lifecycle callbacks. Nil fields are skipped.
// Callbacks run on the session's event dispatch path and must not block.
type Observer struct {
	OnStarted  func(info *RequestInfo)
	OnFinished func(info *RequestInfo)
	OnFailed   func(info *RequestInfo, errorText string)
	OnResponse func(info *RequestInfo, resp *network.Response)
}

type trackedSession struct {
	session cdppkg.Session
	offs    []func()
}

// Manager is the per-page network bookkeeper.
type Manager struct {
	logger *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*trackedSession
	requests   map[string]*RequestInfo
	docByFrame map[cdp.FrameID]string
	observers  map[int64]*Observer
	observerID int64
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:     logger.Named("netmon"),
		sessions:   map[string]*trackedSession{},
		requests:   map[string]*RequestInfo{},
		docByFrame: map[cdp.FrameID]string{},
		observers:  map[int64]*Observer{},
	}
}

// TrackSession subscribes to a session's network and page-load events and
// best-effort enables the Network and Page domains. Idempotent per session
// id. Domain enablement failures are swallowed: tracking degrades, it does
// not break the page.
func (m *Manager) TrackSession(ctx context.Context, sess cdppkg.Session) {
	m.mu.Lock()
	if _, ok := m.sessions[sess.ID()]; ok {
		m.mu.Unlock()
		return
	}
	ts := &trackedSession{session: sess}
	sid := sess.ID()
	ts.offs = []func(){
		sess.On(cdproto.EventNetworkRequestWillBeSent, func(params json.RawMessage) {
			m.onRequestWillBeSent(sid, params)
		}),
		sess.On(cdproto.EventNetworkLoadingFinished, func(params json.RawMessage) {
			m.onLoadingFinished(sid, params)
		}),
		sess.On(cdproto.EventNetworkLoadingFailed, func(params json.RawMessage) {
			m.onLoadingFailed(sid, params)
		}),
		sess.On(cdproto.EventNetworkRequestServedFromCache, func(params json.RawMessage) {
			m.onServedFromCache(sid, params)
		}),
		sess.On(cdproto.EventNetworkResponseReceived, func(params json.RawMessage) {
			m.onResponseReceived(sid, params)
		}),
		sess.On(cdproto.EventPageFrameStoppedLoading, func(params json.RawMessage) {
			m.onFrameStoppedLoading(sid, params)
		}),
	}
	m.sessions[sid] = ts
	m.mu.Unlock()

	for _, method := range []string{network.CommandEnable, page.CommandEnable} {
		if err := sess.Send(ctx, method, nil, nil); err != nil {
			m.logger.Debug("Domain enable failed, continuing without.",
				zap.String("session_id", sid),
				zap.String("method", method),
				zap.Error(err))
		}
	}
}

// UntrackSession removes the session's subscriptions and purges every piece
// of bookkeeping keyed by its prefix. Idempotent.
func (m *Manager) UntrackSession(sessionID string) {
	m.mu.Lock()
	ts, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	prefix := sessionID + ":"
	for key := range m.requests {
		if strings.HasPrefix(key, prefix) {
			delete(m.requests, key)
		}
	}
	for fid, key := range m.docByFrame {
		if strings.HasPrefix(key, prefix) {
			delete(m.docByFrame, fid)
		}
	}
	m.mu.Unlock()
	if ok {
		for _, off := range ts.offs {
			off()
		}
	}
}

// ForgetFrame drops the per-frame document-request pointer for a detached
// frame. The request itself, if still in flight, finishes or fails on its
// own events.
func (m *Manager) ForgetFrame(frameID cdp.FrameID) {
	m.mu.Lock()
	delete(m.docByFrame, frameID)
	m.mu.Unlock()
}

// AddObserver registers a lifecycle observer and returns its removal func.
func (m *Manager) AddObserver(obs *Observer) (remove func()) {
	m.mu.Lock()
	m.observerID++
	id := m.observerID
	m.observers[id] = obs
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// registerWaiter installs an observer and snapshots the current in-flight
// set under one lock, so no request can finish between the snapshot and the
// observer seeing events.
func (m *Manager) registerWaiter(obs *Observer) (remove func(), inflight []*RequestInfo) {
	m.mu.Lock()
	m.observerID++
	id := m.observerID
	m.observers[id] = obs
	inflight = make([]*RequestInfo, 0, len(m.requests))
	for _, info := range m.requests {
		inflight = append(inflight, info)
	}
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}, inflight
}

// InflightCount reports how many requests are currently tracked.
func (m *Manager) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func key(sessionID string, requestID network.RequestID) string {
	return sessionID + ":" + string(requestID)
}

func (m *Manager) snapshotObservers() []*Observer {
	out := make([]*Observer, 0, len(m.observers))
	for _, o := range m.observers {
		out = append(out, o)
	}
	return out
}

func (m *Manager) onRequestWillBeSent(sessionID string, params json.RawMessage) {
	var ev network.EventRequestWillBeSent
	if err := json.Unmarshal(params, &ev); err != nil {
		m.logger.Warn("Undecodable requestWillBeSent.", zap.Error(err))
		return
	}
	started := time.Now()
	if ev.WallTime != nil {
		started = ev.WallTime.Time()
	}
	info := &RequestInfo{
		Key:             key(sessionID, ev.RequestID),
		SessionID:       sessionID,
		RequestID:       ev.RequestID,
		FrameID:         ev.FrameID,
		ResourceType:    ev.Type,
		DocumentRequest: ev.Type == network.ResourceTypeDocument && string(ev.RequestID) == string(ev.LoaderID),
		StartedAt:       started,
	}
	if ev.Request != nil {
		info.URL = ev.Request.URL
	}

	m.mu.Lock()
	m.requests[info.Key] = info
	if info.DocumentRequest {
		m.docByFrame[info.FrameID] = info.Key
	}
	obs := m.snapshotObservers()
	m.mu.Unlock()

	for _, o := range obs {
		if o.OnStarted != nil {
			o.OnStarted(info)
		}
	}
}

// finish removes a tracked request and fans the terminal callback out.
func (m *Manager) finish(k string, failText string, failed bool) {
	m.mu.Lock()
	info, ok := m.requests[k]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.requests, k)
	if info.DocumentRequest && m.docByFrame[info.FrameID] == k {
		delete(m.docByFrame, info.FrameID)
	}
	obs := m.snapshotObservers()
	m.mu.Unlock()

	for _, o := range obs {
		if failed {
			if o.OnFailed != nil {
				o.OnFailed(info, failText)
			}
		} else if o.OnFinished != nil {
			o.OnFinished(info)
		}
	}
}

func (m *Manager) onLoadingFinished(sessionID string, params json.RawMessage) {
	var ev network.EventLoadingFinished
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	m.finish(key(sessionID, ev.RequestID), "", false)
}

func (m *Manager) onLoadingFailed(sessionID string, params json.RawMessage) {
	var ev network.EventLoadingFailed
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	m.finish(key(sessionID, ev.RequestID), ev.ErrorText, true)
}

func (m *Manager) onServedFromCache(sessionID string, params json.RawMessage) {
	var ev network.EventRequestServedFromCache
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	m.finish(key(sessionID, ev.RequestID), "", false)
}

func (m *Manager) onResponseReceived(sessionID string, params json.RawMessage) {
	var ev network.EventResponseReceived
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	k := key(sessionID, ev.RequestID)

	m.mu.Lock()
	info := m.requests[k]
	obs := m.snapshotObservers()
	m.mu.Unlock()
	if info == nil {
		return
	}

	for _, o := range obs {
		if o.OnResponse != nil {
			o.OnResponse(info, ev.Response)
		}
	}

	// data: responses never see loadingFinished; treat them as done now.
	if ev.Response != nil && strings.HasPrefix(ev.Response.URL, "data:") {
		m.finish(k, "", false)
	}
}

func (m *Manager) onFrameStoppedLoading(sessionID string, params json.RawMessage) {
	var ev page.EventFrameStoppedLoading
	if err := json.Unmarshal(params, &ev); err != nil {
		return
	}
	m.mu.Lock()
	k, ok := m.docByFrame[ev.FrameID]
	m.mu.Unlock()
	if !ok {
		return
	}
	// Guards against a document request whose finished/failed event never
	// arrives: the frame said it stopped loading, so force-finish it.
	m.logger.Debug("Force-finishing stalled document request.",
		zap.String("frame_id", string(ev.FrameID)),
		zap.String("key", k))
	m.finish(k, "", false)
}
