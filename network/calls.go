package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// DefaultCallRetention keeps ended call sessions visible briefly so
	// late signaling frames resolve instead of erroring.
	DefaultCallRetention = 60 * time.Second

	// ReasonCalleeUnavailable is sent back when a call targets a peer
	// with no live connection.
	ReasonCalleeUnavailable = "Callee not available"
)

// CallStatus is the individual call lifecycle state.
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusActive     CallStatus = "active"
	CallStatusRejected   CallStatus = "rejected"
	CallStatusEnded      CallStatus = "ended"
	CallStatusFailed     CallStatus = "failed"
)

// CallOptions tunes call session retention.
type CallOptions struct {
	Retention time.Duration
}

func (o CallOptions) withDefaults() CallOptions {
	out := o
	if out.Retention <= 0 {
		out.Retention = DefaultCallRetention
	}
	return out
}

// CallDeps wires the manager into the node's relay and event plumbing.
type CallDeps struct {
	LocalID     string
	Send        func(peerID string, message any) bool
	Emit        func(Event)
	ReportError func(error)
}

// CallSession tracks one individual call between two participants.
type CallSession struct {
	mu sync.Mutex

	ID        string
	Caller    string
	Callee    string
	WithVideo bool

	status    CallStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	evict *time.Timer
}

// Status returns the current call state.
func (s *CallSession) Status() CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *CallSession) setStatus(status CallStatus) {
	s.mu.Lock()
	s.status = status
	s.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// counterpart resolves the participant that is not the sender.
func (s *CallSession) counterpart(senderID string) string {
	if senderID == s.Caller {
		return s.Callee
	}
	return s.Caller
}

// participant reports whether the peer belongs to this call.
func (s *CallSession) participant(peerID string) bool {
	return peerID == s.Caller || peerID == s.Callee
}

// CallManager relays individual call signaling. It holds sessions, routes
// SDP and ICE payloads between the two participants, and answers
// unroutable initiations with call_failed.
type CallManager struct {
	deps CallDeps
	opts CallOptions

	mu    sync.RWMutex
	calls map[string]*CallSession

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewCallManager builds a manager bound to the node's send path.
func NewCallManager(deps CallDeps, opts CallOptions) *CallManager {
	m := &CallManager{
		deps:  deps,
		opts:  opts.withDefaults(),
		calls: make(map[string]*CallSession),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Stop cancels eviction timers.
func (m *CallManager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		for _, session := range m.calls {
			if session.evict != nil {
				session.evict.Stop()
			}
		}
		m.mu.Unlock()
	})
}

// Get returns a call session by ID.
func (m *CallManager) Get(callID string) (*CallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.calls[callID]
	return session, ok
}

func (m *CallManager) track(session *CallSession) {
	m.mu.Lock()
	m.calls[session.ID] = session
	m.mu.Unlock()
}

// scheduleEvict drops a terminal session after the retention window.
func (m *CallManager) scheduleEvict(session *CallSession) {
	session.mu.Lock()
	if session.evict == nil {
		session.evict = time.AfterFunc(m.opts.Retention, func() {
			m.mu.Lock()
			delete(m.calls, session.ID)
			m.mu.Unlock()
		})
	}
	session.mu.Unlock()
}

// NewCallID builds the caller-callee-timestamp call identifier.
func NewCallID(caller, callee string) string {
	return fmt.Sprintf("%s-%s-%d", caller, callee, time.Now().UnixMilli())
}

// InitiateCall opens a call to a connected peer. An unreachable callee
// fails immediately with a call_failed event and no session.
func (m *CallManager) InitiateCall(calleeID string, withVideo bool) (string, error) {
	callID := NewCallID(m.deps.LocalID, calleeID)

	sent := m.deps.Send(calleeID, CallInitiate{
		Type:      TypeCallInitiate,
		CallID:    callID,
		From:      m.deps.LocalID,
		WithVideo: withVideo,
		Timestamp: time.Now().UnixMilli(),
	})
	if !sent {
		event := newEvent(EventCallFailed)
		event.CallID = callID
		event.PeerID = calleeID
		event.Reason = ReasonCalleeUnavailable
		m.deps.Emit(event)
		return "", fmt.Errorf("call %s: %w", calleeID, ErrPeerNotFound)
	}

	m.track(&CallSession{
		ID:        callID,
		Caller:    m.deps.LocalID,
		Callee:    calleeID,
		WithVideo: withVideo,
		status:    CallStatusInitiating,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	return callID, nil
}

// HandleCallInitiate processes an inbound call_initiate: delivered
// locally when addressed to us, relayed when addressed to another peer,
// answered with call_failed when the target is unreachable.
func (m *CallManager) HandleCallInitiate(peerID string, payload []byte) {
	var msg CallInitiate
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("call_initiate from %s: %w", peerID, err))
		return
	}
	if msg.CallID == "" {
		m.deps.ReportError(fmt.Errorf("call_initiate from %s: missing call id", peerID))
		return
	}

	if msg.To == "" || msg.To == m.deps.LocalID {
		m.track(&CallSession{
			ID:        msg.CallID,
			Caller:    peerID,
			Callee:    m.deps.LocalID,
			WithVideo: msg.WithVideo,
			status:    CallStatusInitiating,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		})
		event := newEvent(EventCallIncoming)
		event.CallID = msg.CallID
		event.PeerID = peerID
		event.Payload = msg
		m.deps.Emit(event)
		return
	}

	if m.deps.Send(msg.To, msg) {
		m.track(&CallSession{
			ID:        msg.CallID,
			Caller:    peerID,
			Callee:    msg.To,
			WithVideo: msg.WithVideo,
			status:    CallStatusInitiating,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		})
		return
	}

	m.deps.Send(peerID, CallFailed{
		Type:      TypeCallFailed,
		CallID:    msg.CallID,
		Reason:    ReasonCalleeUnavailable,
		Timestamp: time.Now().UnixMilli(),
	})
}

// AcceptCall answers an incoming call.
func (m *CallManager) AcceptCall(callID string) error {
	return m.sendControl(callID, TypeCallAccept, CallStatusActive, func(status CallStatus) bool {
		return status == CallStatusInitiating
	})
}

// RejectCall declines an incoming call.
func (m *CallManager) RejectCall(callID string) error {
	return m.sendControl(callID, TypeCallReject, CallStatusRejected, func(status CallStatus) bool {
		return status == CallStatusInitiating
	})
}

// EndCall hangs up an active or pending call.
func (m *CallManager) EndCall(callID string) error {
	return m.sendControl(callID, TypeCallEnd, CallStatusEnded, func(status CallStatus) bool {
		return status == CallStatusInitiating || status == CallStatusActive
	})
}

func (m *CallManager) sendControl(callID, msgType string, next CallStatus, allowed func(CallStatus) bool) error {
	session, ok := m.Get(callID)
	if !ok {
		return ErrCallNotFound
	}
	if !allowed(session.Status()) {
		return fmt.Errorf("%s on call %s in state %q", msgType, callID, session.Status())
	}

	session.setStatus(next)
	m.deps.Send(session.counterpart(m.deps.LocalID), CallControl{
		Type:      msgType,
		CallID:    callID,
		From:      m.deps.LocalID,
		Timestamp: time.Now().UnixMilli(),
	})
	if next != CallStatusActive {
		m.scheduleEvict(session)
	}
	return nil
}

// HandleCallControl processes call_accept, call_reject and call_end.
func (m *CallManager) HandleCallControl(peerID, msgType string, payload []byte) {
	var msg CallControl
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, err))
		return
	}

	session, ok := m.Get(msg.CallID)
	if !ok {
		m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, ErrCallNotFound))
		return
	}
	if !session.participant(peerID) {
		m.deps.ReportError(fmt.Errorf("%s on %s from non-participant %s: %w", msgType, msg.CallID, peerID, ErrUnauthorized))
		return
	}

	var eventType EventType
	switch msgType {
	case TypeCallAccept:
		// Acceptance is only legal while the call is still ringing.
		if session.Status() != CallStatusInitiating {
			return
		}
		session.setStatus(CallStatusActive)
		eventType = EventCallAccepted
	case TypeCallReject:
		if session.Status() != CallStatusInitiating {
			return
		}
		session.setStatus(CallStatusRejected)
		eventType = EventCallRejected
		m.scheduleEvict(session)
	case TypeCallEnd:
		session.setStatus(CallStatusEnded)
		eventType = EventCallEnded
		m.scheduleEvict(session)
	default:
		return
	}

	target := session.counterpart(peerID)
	if target == m.deps.LocalID {
		event := newEvent(eventType)
		event.CallID = msg.CallID
		event.PeerID = peerID
		m.deps.Emit(event)
		return
	}
	m.deps.Send(target, msg)
}

// HandleCallFailed surfaces a failed outbound call to the caller.
func (m *CallManager) HandleCallFailed(peerID string, payload []byte) {
	var msg CallFailed
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("call_failed from %s: %w", peerID, err))
		return
	}

	if session, ok := m.Get(msg.CallID); ok {
		session.setStatus(CallStatusFailed)
		m.scheduleEvict(session)
	}

	event := newEvent(EventCallFailed)
	event.CallID = msg.CallID
	event.PeerID = peerID
	event.Reason = msg.Reason
	m.deps.Emit(event)
}

// SendIceCandidate forwards a local ICE candidate to the counterpart.
func (m *CallManager) SendIceCandidate(callID string, candidate webrtc.ICECandidateInit) error {
	session, ok := m.Get(callID)
	if !ok {
		return ErrCallNotFound
	}
	m.deps.Send(session.counterpart(m.deps.LocalID), IceCandidate{
		Type:      TypeIceCandidate,
		CallID:    callID,
		From:      m.deps.LocalID,
		Candidate: candidate,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// SendSdp forwards a local SDP offer or answer to the counterpart.
func (m *CallManager) SendSdp(callID string, description webrtc.SessionDescription) error {
	session, ok := m.Get(callID)
	if !ok {
		return ErrCallNotFound
	}

	msgType := TypeSdpOffer
	if description.Type == webrtc.SDPTypeAnswer {
		msgType = TypeSdpAnswer
	}
	m.deps.Send(session.counterpart(m.deps.LocalID), SdpMessage{
		Type:        msgType,
		CallID:      callID,
		From:        m.deps.LocalID,
		Description: description,
		Timestamp:   time.Now().UnixMilli(),
	})
	return nil
}

// HandleSignal routes ice_candidate / sdp_offer / sdp_answer frames to
// whichever participant is not the sender, delivering locally when that
// participant is this node.
func (m *CallManager) HandleSignal(peerID, msgType string, payload []byte) {
	var callID string
	var relayed any

	switch msgType {
	case TypeIceCandidate:
		var msg IceCandidate
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, err))
			return
		}
		callID, relayed = msg.CallID, msg
	case TypeSdpOffer, TypeSdpAnswer:
		var msg SdpMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, err))
			return
		}
		callID, relayed = msg.CallID, msg
	default:
		return
	}

	session, ok := m.Get(callID)
	if !ok {
		m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, ErrCallNotFound))
		return
	}
	if !session.participant(peerID) {
		m.deps.ReportError(fmt.Errorf("%s on %s from non-participant %s: %w", msgType, callID, peerID, ErrUnauthorized))
		return
	}

	target := session.counterpart(peerID)
	if target == m.deps.LocalID {
		event := newEvent(EventCallSignal)
		event.CallID = callID
		event.PeerID = peerID
		event.Payload = relayed
		m.deps.Emit(event)
		return
	}
	if !m.deps.Send(target, relayed) {
		m.deps.ReportError(fmt.Errorf("relay %s on %s to %s: %w", msgType, callID, target, ErrPeerNotFound))
	}
}

// DropPeer ends every call the departed peer participates in and tells
// the surviving participant.
func (m *CallManager) DropPeer(peerID string) {
	m.mu.RLock()
	affected := make([]*CallSession, 0)
	for _, session := range m.calls {
		if session.participant(peerID) {
			affected = append(affected, session)
		}
	}
	m.mu.RUnlock()

	for _, session := range affected {
		switch session.Status() {
		case CallStatusRejected, CallStatusEnded, CallStatusFailed:
			continue
		}
		session.setStatus(CallStatusEnded)

		target := session.counterpart(peerID)
		endMsg := CallControl{
			Type:      TypeCallEnd,
			CallID:    session.ID,
			From:      peerID,
			Timestamp: time.Now().UnixMilli(),
		}
		if target == m.deps.LocalID {
			event := newEvent(EventCallEnded)
			event.CallID = session.ID
			event.PeerID = peerID
			event.Reason = "peer disconnected"
			m.deps.Emit(event)
		} else {
			m.deps.Send(target, endMsg)
		}
		m.scheduleEvict(session)
	}
}
