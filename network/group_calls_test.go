package network

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newGroupCallManagerForTest(t *testing.T, h *callHarness, members map[string]bool) *GroupCallManager {
	t.Helper()
	m := NewGroupCallManager(GroupCallDeps{
		LocalID: "local-host",
		Send:    h.send,
		SendToGroup: func(groupID string, message any, exceptID string) int {
			sent := 0
			for member := range members {
				if member == "local-host" || member == exceptID {
					continue
				}
				if h.send(member, message) {
					sent++
				}
			}
			return sent
		},
		IsGroupMember: func(groupID, peerID string) bool { return members[peerID] },
		Emit:          h.emit,
		ReportError:   func(err error) { t.Logf("group call error: %v", err) },
	}, CallOptions{Retention: time.Hour})
	t.Cleanup(m.Stop)
	return m
}

func TestGroupCallInitiateSeedsInitiator(t *testing.T) {
	h := newCallHarness()
	members := map[string]bool{"local-host": true, "peer-a": true, "peer-b": true}
	m := newGroupCallManagerForTest(t, h, members)

	groupCallID, err := m.InitiateGroupCall("g1", true)
	if err != nil {
		t.Fatalf("InitiateGroupCall failed: %v", err)
	}

	session, _ := m.Get(groupCallID)
	participants := session.Participants()
	if len(participants) != 1 || participants[0] != "local-host" {
		t.Fatalf("participants = %v, want just the initiator", participants)
	}

	if len(h.sentTo("peer-a")) != 1 || len(h.sentTo("peer-b")) != 1 {
		t.Fatal("group members were not rung")
	}
}

func TestGroupCallRingsThenActivates(t *testing.T) {
	h := newCallHarness()
	members := map[string]bool{"local-host": true, "peer-a": true}
	m := newGroupCallManagerForTest(t, h, members)

	// Outbound: the call rings alone until the first join lands.
	groupCallID, err := m.InitiateGroupCall("g1", false)
	if err != nil {
		t.Fatalf("InitiateGroupCall failed: %v", err)
	}
	session, _ := m.Get(groupCallID)
	if session.Status() != GroupCallInitiating {
		t.Fatalf("freshly initiated call is %s, want initiating", session.Status())
	}

	join := GroupCallControl{Type: TypeGroupCallJoin, GroupCallID: groupCallID, From: "peer-a", Timestamp: time.Now().UnixMilli()}
	payload, _ := EncodeJSON(join)
	m.HandleControl("peer-a", TypeGroupCallJoin, payload)

	if session.Status() != GroupCallActive {
		t.Fatalf("call after first join is %s, want active", session.Status())
	}

	// Inbound: a ring stays initiating until this node joins.
	initiate := GroupCallInitiate{
		Type:        TypeGroupCallInitiate,
		GroupCallID: "gc-ring",
		GroupID:     "g1",
		From:        "peer-a",
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, _ = EncodeJSON(initiate)
	m.HandleInitiate("peer-a", payload)

	ringing, _ := m.Get("gc-ring")
	if ringing.Status() != GroupCallInitiating {
		t.Fatalf("inbound ring is %s, want initiating", ringing.Status())
	}
	if err := m.JoinGroupCall("gc-ring"); err != nil {
		t.Fatalf("JoinGroupCall failed: %v", err)
	}
	if ringing.Status() != GroupCallActive {
		t.Fatalf("joined call is %s, want active", ringing.Status())
	}
}

func TestGroupCallJoinGatedOnMembership(t *testing.T) {
	h := newCallHarness()
	members := map[string]bool{"local-host": true, "peer-a": true}
	m := newGroupCallManagerForTest(t, h, members)

	groupCallID, err := m.InitiateGroupCall("g1", false)
	if err != nil {
		t.Fatalf("InitiateGroupCall failed: %v", err)
	}
	session, _ := m.Get(groupCallID)

	join := GroupCallControl{Type: TypeGroupCallJoin, GroupCallID: groupCallID, From: "peer-a", Timestamp: time.Now().UnixMilli()}
	payload, _ := EncodeJSON(join)
	m.HandleControl("peer-a", TypeGroupCallJoin, payload)

	if !session.hasParticipant("peer-a") {
		t.Fatal("member join was refused")
	}

	outsider := GroupCallControl{Type: TypeGroupCallJoin, GroupCallID: groupCallID, From: "peer-x", Timestamp: time.Now().UnixMilli()}
	payload, _ = EncodeJSON(outsider)
	m.HandleControl("peer-x", TypeGroupCallJoin, payload)

	if session.hasParticipant("peer-x") {
		t.Fatal("non-member joined the group call")
	}
}

func TestGroupCallEmptyAutoEnds(t *testing.T) {
	h := newCallHarness()
	members := map[string]bool{"local-host": true, "peer-a": true}
	m := newGroupCallManagerForTest(t, h, members)

	initiate := GroupCallInitiate{
		Type:        TypeGroupCallInitiate,
		GroupCallID: "gc-1",
		GroupID:     "g1",
		From:        "peer-a",
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, _ := EncodeJSON(initiate)
	m.HandleInitiate("peer-a", payload)

	session, ok := m.Get("gc-1")
	if !ok {
		t.Fatal("inbound group call not tracked")
	}
	if _, started := h.eventOfType(EventGroupCallStarted); !started {
		t.Fatal("no started event emitted")
	}

	leave := GroupCallControl{Type: TypeGroupCallLeave, GroupCallID: "gc-1", From: "peer-a", Timestamp: time.Now().UnixMilli()}
	payload, _ = EncodeJSON(leave)
	m.HandleControl("peer-a", TypeGroupCallLeave, payload)

	if session.Status() != GroupCallEnded {
		t.Fatalf("empty group call is %s, want ended", session.Status())
	}
	if _, ended := h.eventOfType(EventGroupCallEnded); !ended {
		t.Fatal("no ended event emitted")
	}
}

func TestGroupCallInitiateFromNonMemberRefused(t *testing.T) {
	h := newCallHarness()
	members := map[string]bool{"local-host": true}
	m := newGroupCallManagerForTest(t, h, members)

	initiate := GroupCallInitiate{
		Type:        TypeGroupCallInitiate,
		GroupCallID: "gc-bad",
		GroupID:     "g1",
		From:        "peer-x",
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, _ := EncodeJSON(initiate)
	m.HandleInitiate("peer-x", payload)

	if _, ok := m.Get("gc-bad"); ok {
		t.Fatal("non-member started a group call")
	}
}

func TestGroupSignalPairwiseRouting(t *testing.T) {
	h := newCallHarness()
	members := map[string]bool{"local-host": true, "peer-a": true, "peer-b": true}
	m := newGroupCallManagerForTest(t, h, members)

	groupCallID, err := m.InitiateGroupCall("g1", false)
	if err != nil {
		t.Fatalf("InitiateGroupCall failed: %v", err)
	}
	for _, peer := range []string{"peer-a", "peer-b"} {
		join := GroupCallControl{Type: TypeGroupCallJoin, GroupCallID: groupCallID, From: peer, Timestamp: time.Now().UnixMilli()}
		payload, _ := EncodeJSON(join)
		m.HandleControl(peer, TypeGroupCallJoin, payload)
	}

	ringCount := len(h.sentTo("peer-b"))

	// peer-a addresses peer-b: the frame is relayed, not delivered here.
	ice := GroupIceCandidate{
		Type:        TypeGroupIceCandidate,
		GroupCallID: groupCallID,
		From:        "peer-a",
		To:          "peer-b",
		Candidate:   webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.2 9 typ host"},
		Timestamp:   time.Now().UnixMilli(),
	}
	payload, _ := EncodeJSON(ice)
	m.HandleSignal("peer-a", TypeGroupIceCandidate, payload)

	if got := len(h.sentTo("peer-b")); got != ringCount+1 {
		t.Fatalf("relayed frame count = %d, want %d", got, ringCount+1)
	}

	// peer-a addresses this node: delivered as an event.
	ice.To = "local-host"
	payload, _ = EncodeJSON(ice)
	m.HandleSignal("peer-a", TypeGroupIceCandidate, payload)

	if _, ok := h.eventOfType(EventGroupCallSignal); !ok {
		t.Fatal("locally addressed candidate never surfaced as an event")
	}
}

func TestJoinUnknownGroupCall(t *testing.T) {
	h := newCallHarness()
	m := newGroupCallManagerForTest(t, h, map[string]bool{"local-host": true})

	if err := m.JoinGroupCall("missing"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("got err %v, want ErrCallNotFound", err)
	}
}
