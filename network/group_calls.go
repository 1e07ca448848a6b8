package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// GroupCallStatus is the group call lifecycle state.
type GroupCallStatus string

const (
	// GroupCallInitiating is the ring phase: the initiator is alone in
	// the call until somebody joins.
	GroupCallInitiating GroupCallStatus = "initiating"
	GroupCallActive     GroupCallStatus = "active"
	GroupCallEnded      GroupCallStatus = "ended"
)

// GroupCallDeps wires the manager into the node's relay and event
// plumbing.
type GroupCallDeps struct {
	LocalID       string
	Send          func(peerID string, message any) bool
	SendToGroup   func(groupID string, message any, exceptID string) int
	IsGroupMember func(groupID, peerID string) bool
	Emit          func(Event)
	ReportError   func(error)
}

// GroupCallSession tracks one group call. Participants form a full mesh:
// every joiner exchanges pairwise SDP/ICE with every existing
// participant.
type GroupCallSession struct {
	mu sync.Mutex

	ID          string
	GroupID     string
	InitiatorID string
	WithVideo   bool

	status       GroupCallStatus
	participants map[string]struct{}

	CreatedAt time.Time
	UpdatedAt time.Time

	evict *time.Timer
}

// Status returns the current group call state.
func (s *GroupCallSession) Status() GroupCallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Participants returns a snapshot of the participant set.
func (s *GroupCallSession) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}

func (s *GroupCallSession) hasParticipant(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[peerID]
	return ok
}

// GroupCallManager relays group call signaling: membership-gated joins,
// participant tracking, pairwise SDP/ICE forwarding and auto-end when
// the last participant leaves.
type GroupCallManager struct {
	deps GroupCallDeps
	opts CallOptions

	mu    sync.RWMutex
	calls map[string]*GroupCallSession

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewGroupCallManager builds a manager bound to the node's send paths.
func NewGroupCallManager(deps GroupCallDeps, opts CallOptions) *GroupCallManager {
	m := &GroupCallManager{
		deps:  deps,
		opts:  opts.withDefaults(),
		calls: make(map[string]*GroupCallSession),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Stop cancels eviction timers.
func (m *GroupCallManager) Stop() {
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

// Get returns a group call session by ID.
func (m *GroupCallManager) Get(groupCallID string) (*GroupCallSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.calls[groupCallID]
	return session, ok
}

func (m *GroupCallManager) track(session *GroupCallSession) {
	m.mu.Lock()
	m.calls[session.ID] = session
	m.mu.Unlock()
}

func (m *GroupCallManager) scheduleEvict(session *GroupCallSession) {
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

// InitiateGroupCall rings every connected member of a group. The
// initiator is the first participant.
func (m *GroupCallManager) InitiateGroupCall(groupID string, withVideo bool) (string, error) {
	session := &GroupCallSession{
		ID:          uuid.NewString(),
		GroupID:     groupID,
		InitiatorID: m.deps.LocalID,
		WithVideo:   withVideo,
		status:      GroupCallInitiating,
		participants: map[string]struct{}{
			m.deps.LocalID: {},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.track(session)

	m.deps.SendToGroup(groupID, GroupCallInitiate{
		Type:        TypeGroupCallInitiate,
		GroupCallID: session.ID,
		GroupID:     groupID,
		From:        m.deps.LocalID,
		WithVideo:   withVideo,
		Timestamp:   time.Now().UnixMilli(),
	}, "")

	return session.ID, nil
}

// HandleInitiate records an inbound group call and surfaces the ring.
func (m *GroupCallManager) HandleInitiate(peerID string, payload []byte) {
	var msg GroupCallInitiate
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("group_call_initiate from %s: %w", peerID, err))
		return
	}
	if msg.GroupCallID == "" || msg.GroupID == "" {
		m.deps.ReportError(fmt.Errorf("group_call_initiate from %s: missing ids", peerID))
		return
	}
	if !m.deps.IsGroupMember(msg.GroupID, peerID) {
		m.deps.ReportError(fmt.Errorf("group_call_initiate for %q from non-member %s: %w", msg.GroupID, peerID, ErrUnauthorized))
		return
	}
	if _, exists := m.Get(msg.GroupCallID); exists {
		return
	}

	m.track(&GroupCallSession{
		ID:          msg.GroupCallID,
		GroupID:     msg.GroupID,
		InitiatorID: peerID,
		WithVideo:   msg.WithVideo,
		status:      GroupCallInitiating,
		participants: map[string]struct{}{
			peerID: {},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})

	event := newEvent(EventGroupCallStarted)
	event.CallID = msg.GroupCallID
	event.GroupID = msg.GroupID
	event.PeerID = peerID
	event.Payload = msg
	m.deps.Emit(event)
}

// JoinGroupCall adds this node to a ringing or active group call and
// announces the join to every existing participant. The first join moves
// the call from initiating to active.
func (m *GroupCallManager) JoinGroupCall(groupCallID string) error {
	session, ok := m.Get(groupCallID)
	if !ok {
		return ErrCallNotFound
	}
	if session.Status() == GroupCallEnded {
		return fmt.Errorf("join group call %s: call ended", groupCallID)
	}
	if !m.deps.IsGroupMember(session.GroupID, m.deps.LocalID) {
		return ErrUnauthorized
	}

	session.mu.Lock()
	others := make([]string, 0, len(session.participants))
	for id := range session.participants {
		others = append(others, id)
	}
	session.participants[m.deps.LocalID] = struct{}{}
	session.status = GroupCallActive
	session.UpdatedAt = time.Now()
	session.mu.Unlock()

	join := GroupCallControl{
		Type:        TypeGroupCallJoin,
		GroupCallID: groupCallID,
		GroupID:     session.GroupID,
		From:        m.deps.LocalID,
		Timestamp:   time.Now().UnixMilli(),
	}
	for _, id := range others {
		if id == m.deps.LocalID {
			continue
		}
		m.deps.Send(id, join)
	}
	return nil
}

// LeaveGroupCall removes this node from a group call.
func (m *GroupCallManager) LeaveGroupCall(groupCallID string) error {
	session, ok := m.Get(groupCallID)
	if !ok {
		return ErrCallNotFound
	}
	m.removeParticipant(session, m.deps.LocalID, true)
	return nil
}

// EndGroupCall terminates a group call for everyone.
func (m *GroupCallManager) EndGroupCall(groupCallID string) error {
	session, ok := m.Get(groupCallID)
	if !ok {
		return ErrCallNotFound
	}

	end := GroupCallControl{
		Type:        TypeGroupCallEnd,
		GroupCallID: groupCallID,
		GroupID:     session.GroupID,
		From:        m.deps.LocalID,
		Timestamp:   time.Now().UnixMilli(),
	}
	for _, id := range session.Participants() {
		if id == m.deps.LocalID {
			continue
		}
		m.deps.Send(id, end)
	}
	m.endSession(session, m.deps.LocalID)
	return nil
}

// HandleControl processes group_call_join, group_call_leave and
// group_call_end.
func (m *GroupCallManager) HandleControl(peerID, msgType string, payload []byte) {
	var msg GroupCallControl
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, err))
		return
	}

	session, ok := m.Get(msg.GroupCallID)
	if !ok {
		m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, ErrCallNotFound))
		return
	}

	switch msgType {
	case TypeGroupCallJoin:
		if session.Status() == GroupCallEnded {
			return
		}
		// Join is gated on group membership, not on being an existing
		// participant.
		if !m.deps.IsGroupMember(session.GroupID, peerID) {
			m.deps.ReportError(fmt.Errorf("group_call_join for %q from non-member %s: %w", session.GroupID, peerID, ErrUnauthorized))
			return
		}
		session.mu.Lock()
		session.participants[peerID] = struct{}{}
		session.status = GroupCallActive
		session.UpdatedAt = time.Now()
		session.mu.Unlock()

		event := newEvent(EventGroupCallJoined)
		event.CallID = session.ID
		event.GroupID = session.GroupID
		event.PeerID = peerID
		m.deps.Emit(event)

	case TypeGroupCallLeave:
		if !session.hasParticipant(peerID) {
			return
		}
		m.removeParticipant(session, peerID, false)

	case TypeGroupCallEnd:
		if !session.hasParticipant(peerID) {
			m.deps.ReportError(fmt.Errorf("group_call_end on %s from non-participant %s: %w", session.ID, peerID, ErrUnauthorized))
			return
		}
		m.endSession(session, peerID)
	}
}

// removeParticipant drops a peer from the session, announces the leave,
// and auto-ends the call when nobody is left.
func (m *GroupCallManager) removeParticipant(session *GroupCallSession, peerID string, announce bool) {
	session.mu.Lock()
	delete(session.participants, peerID)
	remaining := len(session.participants)
	session.UpdatedAt = time.Now()
	session.mu.Unlock()

	if announce {
		leave := GroupCallControl{
			Type:        TypeGroupCallLeave,
			GroupCallID: session.ID,
			GroupID:     session.GroupID,
			From:        peerID,
			Timestamp:   time.Now().UnixMilli(),
		}
		for _, id := range session.Participants() {
			if id == m.deps.LocalID {
				continue
			}
			m.deps.Send(id, leave)
		}
	}

	event := newEvent(EventGroupCallLeft)
	event.CallID = session.ID
	event.GroupID = session.GroupID
	event.PeerID = peerID
	m.deps.Emit(event)

	if remaining == 0 {
		m.endSession(session, peerID)
	}
}

func (m *GroupCallManager) endSession(session *GroupCallSession, byPeerID string) {
	session.mu.Lock()
	if session.status == GroupCallEnded {
		session.mu.Unlock()
		return
	}
	session.status = GroupCallEnded
	session.UpdatedAt = time.Now()
	session.mu.Unlock()

	event := newEvent(EventGroupCallEnded)
	event.CallID = session.ID
	event.GroupID = session.GroupID
	event.PeerID = byPeerID
	m.deps.Emit(event)

	m.scheduleEvict(session)
}

// SendGroupIceCandidate forwards a local ICE candidate to one
// participant.
func (m *GroupCallManager) SendGroupIceCandidate(groupCallID, to string, candidate webrtc.ICECandidateInit) error {
	session, ok := m.Get(groupCallID)
	if !ok {
		return ErrCallNotFound
	}
	if !session.hasParticipant(to) {
		return ErrPeerNotFound
	}
	m.deps.Send(to, GroupIceCandidate{
		Type:        TypeGroupIceCandidate,
		GroupCallID: groupCallID,
		From:        m.deps.LocalID,
		To:          to,
		Candidate:   candidate,
		Timestamp:   time.Now().UnixMilli(),
	})
	return nil
}

// SendGroupSdp forwards a local SDP offer or answer to one participant.
func (m *GroupCallManager) SendGroupSdp(groupCallID, to string, description webrtc.SessionDescription) error {
	session, ok := m.Get(groupCallID)
	if !ok {
		return ErrCallNotFound
	}
	if !session.hasParticipant(to) {
		return ErrPeerNotFound
	}

	msgType := TypeGroupSdpOffer
	if description.Type == webrtc.SDPTypeAnswer {
		msgType = TypeGroupSdpAnswer
	}
	m.deps.Send(to, GroupSdpMessage{
		Type:        msgType,
		GroupCallID: groupCallID,
		From:        m.deps.LocalID,
		To:          to,
		Description: description,
		Timestamp:   time.Now().UnixMilli(),
	})
	return nil
}

// HandleSignal routes pairwise group call SDP/ICE frames: delivered
// locally when addressed to this node, relayed when addressed to another
// participant.
func (m *GroupCallManager) HandleSignal(peerID, msgType string, payload []byte) {
	var groupCallID, target string
	var relayed any

	switch msgType {
	case TypeGroupIceCandidate:
		var msg GroupIceCandidate
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, err))
			return
		}
		groupCallID, target, relayed = msg.GroupCallID, msg.To, msg
	case TypeGroupSdpOffer, TypeGroupSdpAnswer:
		var msg GroupSdpMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, err))
			return
		}
		groupCallID, target, relayed = msg.GroupCallID, msg.To, msg
	default:
		return
	}

	session, ok := m.Get(groupCallID)
	if !ok {
		m.deps.ReportError(fmt.Errorf("%s from %s: %w", msgType, peerID, ErrCallNotFound))
		return
	}
	if !session.hasParticipant(peerID) {
		m.deps.ReportError(fmt.Errorf("%s on %s from non-participant %s: %w", msgType, groupCallID, peerID, ErrUnauthorized))
		return
	}

	if target == "" || target == m.deps.LocalID {
		event := newEvent(EventGroupCallSignal)
		event.CallID = groupCallID
		event.GroupID = session.GroupID
		event.PeerID = peerID
		event.Payload = relayed
		m.deps.Emit(event)
		return
	}
	if !session.hasParticipant(target) {
		m.deps.ReportError(fmt.Errorf("%s on %s to non-participant %s: %w", msgType, groupCallID, target, ErrPeerNotFound))
		return
	}
	if !m.deps.Send(target, relayed) {
		m.deps.ReportError(fmt.Errorf("relay %s on %s to %s: %w", msgType, groupCallID, target, ErrPeerNotFound))
	}
}

// DropPeer removes a departed peer from every group call it joined.
func (m *GroupCallManager) DropPeer(peerID string) {
	m.mu.RLock()
	affected := make([]*GroupCallSession, 0)
	for _, session := range m.calls {
		if session.hasParticipant(peerID) {
			affected = append(affected, session)
		}
	}
	m.mu.RUnlock()

	for _, session := range affected {
		if session.Status() == GroupCallEnded {
			continue
		}
		m.removeParticipant(session, peerID, true)
	}
}
