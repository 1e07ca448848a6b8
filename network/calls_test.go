package network

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// callHarness captures everything a CallManager sends and emits.
type callHarness struct {
	mu      sync.Mutex
	sent    map[string][]any // peerID -> messages
	offline map[string]bool
	events  []Event
}

func newCallHarness() *callHarness {
	return &callHarness{
		sent:    make(map[string][]any),
		offline: make(map[string]bool),
	}
}

func (h *callHarness) send(peerID string, message any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline[peerID] {
		return false
	}
	h.sent[peerID] = append(h.sent[peerID], message)
	return true
}

func (h *callHarness) emit(event Event) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *callHarness) sentTo(peerID string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.sent[peerID]...)
}

func (h *callHarness) eventOfType(eventType EventType) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, event := range h.events {
		if event.Type == eventType {
			return event, true
		}
	}
	return Event{}, false
}

func newCallManagerForTest(t *testing.T, h *callHarness) *CallManager {
	t.Helper()
	m := NewCallManager(CallDeps{
		LocalID:     "local-host",
		Send:        h.send,
		Emit:        h.emit,
		ReportError: func(err error) { t.Logf("call error: %v", err) },
	}, CallOptions{Retention: time.Hour})
	t.Cleanup(m.Stop)
	return m
}

func TestInitiateCallToOfflinePeer(t *testing.T) {
	h := newCallHarness()
	h.offline["gone-peer"] = true
	m := newCallManagerForTest(t, h)

	_, err := m.InitiateCall("gone-peer", false)
	if !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("got err %v, want ErrPeerNotFound", err)
	}

	event, ok := h.eventOfType(EventCallFailed)
	if !ok {
		t.Fatal("no call_failed event emitted")
	}
	if event.Reason != ReasonCalleeUnavailable {
		t.Fatalf("reason = %q, want %q", event.Reason, ReasonCalleeUnavailable)
	}
}

func TestCallLifecycleAcceptThenEnd(t *testing.T) {
	h := newCallHarness()
	m := newCallManagerForTest(t, h)

	callID, err := m.InitiateCall("peer-b", true)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}
	if !strings.HasPrefix(callID, "local-host-peer-b-") {
		t.Fatalf("call ID %q lacks caller-callee-timestamp form", callID)
	}

	session, _ := m.Get(callID)
	if session.Status() != CallStatusInitiating {
		t.Fatalf("new call is %s, want initiating", session.Status())
	}

	accept := CallControl{Type: TypeCallAccept, CallID: callID, From: "peer-b", Timestamp: time.Now().UnixMilli()}
	payload, _ := EncodeJSON(accept)
	m.HandleCallControl("peer-b", TypeCallAccept, payload)

	if session.Status() != CallStatusActive {
		t.Fatalf("accepted call is %s, want active", session.Status())
	}
	if _, ok := h.eventOfType(EventCallAccepted); !ok {
		t.Fatal("no accepted event surfaced to the caller")
	}

	// A second accept on an active call must be ignored.
	m.HandleCallControl("peer-b", TypeCallAccept, payload)
	if session.Status() != CallStatusActive {
		t.Fatalf("repeat accept changed state to %s", session.Status())
	}

	if err := m.EndCall(callID); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if session.Status() != CallStatusEnded {
		t.Fatalf("ended call is %s", session.Status())
	}

	var sawEnd bool
	for _, msg := range h.sentTo("peer-b") {
		if control, ok := msg.(CallControl); ok && control.Type == TypeCallEnd {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Fatal("counterpart never received call_end")
	}
}

func TestRejectIncomingCall(t *testing.T) {
	h := newCallHarness()
	m := newCallManagerForTest(t, h)

	initiate := CallInitiate{Type: TypeCallInitiate, CallID: "caller-local-host-1", From: "caller", Timestamp: time.Now().UnixMilli()}
	payload, _ := EncodeJSON(initiate)
	m.HandleCallInitiate("caller", payload)

	if _, ok := h.eventOfType(EventCallIncoming); !ok {
		t.Fatal("no incoming call event emitted")
	}

	if err := m.RejectCall("caller-local-host-1"); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}
	session, _ := m.Get("caller-local-host-1")
	if session.Status() != CallStatusRejected {
		t.Fatalf("rejected call is %s", session.Status())
	}

	// Accepting after rejecting is illegal.
	if err := m.AcceptCall("caller-local-host-1"); err == nil {
		t.Fatal("accept after reject succeeded")
	}
}

func TestRelayInitiateToThirdParty(t *testing.T) {
	h := newCallHarness()
	m := newCallManagerForTest(t, h)

	initiate := CallInitiate{Type: TypeCallInitiate, CallID: "a-b-1", From: "peer-a", To: "peer-b", Timestamp: time.Now().UnixMilli()}
	payload, _ := EncodeJSON(initiate)
	m.HandleCallInitiate("peer-a", payload)

	if len(h.sentTo("peer-b")) != 1 {
		t.Fatal("initiate not relayed to the callee")
	}

	// Same initiate toward an offline callee answers call_failed.
	h.offline["peer-c"] = true
	offline := CallInitiate{Type: TypeCallInitiate, CallID: "a-c-1", From: "peer-a", To: "peer-c", Timestamp: time.Now().UnixMilli()}
	payload, _ = EncodeJSON(offline)
	m.HandleCallInitiate("peer-a", payload)

	var sawFailed bool
	for _, msg := range h.sentTo("peer-a") {
		if failed, ok := msg.(CallFailed); ok && failed.CallID == "a-c-1" {
			sawFailed = true
			if failed.Reason != ReasonCalleeUnavailable {
				t.Fatalf("reason = %q", failed.Reason)
			}
		}
	}
	if !sawFailed {
		t.Fatal("caller never received call_failed")
	}
	if _, ok := m.Get("a-c-1"); ok {
		t.Fatal("session persisted for an unroutable call")
	}
}

func TestSignalRoutingBetweenParticipants(t *testing.T) {
	h := newCallHarness()
	m := newCallManagerForTest(t, h)

	initiate := CallInitiate{Type: TypeCallInitiate, CallID: "a-b-7", From: "peer-a", To: "peer-b", Timestamp: time.Now().UnixMilli()}
	payload, _ := EncodeJSON(initiate)
	m.HandleCallInitiate("peer-a", payload)

	ice := IceCandidate{
		Type:      TypeIceCandidate,
		CallID:    "a-b-7",
		From:      "peer-a",
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 192.168.1.4 54400 typ host"},
		Timestamp: time.Now().UnixMilli(),
	}
	icePayload, _ := EncodeJSON(ice)
	m.HandleSignal("peer-a", TypeIceCandidate, icePayload)

	forwarded := h.sentTo("peer-b")
	if len(forwarded) != 2 {
		t.Fatalf("callee got %d messages, want initiate + candidate", len(forwarded))
	}

	// A non-participant must not inject signaling.
	m.HandleSignal("peer-x", TypeIceCandidate, icePayload)
	if got := h.sentTo("peer-b"); len(got) != 2 {
		t.Fatal("non-participant signal was relayed")
	}

	// Signaling whose counterpart is this node surfaces as an event
	// instead of being relayed.
	localCallID, err := m.InitiateCall("peer-b", false)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}
	sdp := SdpMessage{
		Type:   TypeSdpOffer,
		CallID: localCallID,
		From:   "peer-b",
		Description: webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  "v=0\r\n",
		},
		Timestamp: time.Now().UnixMilli(),
	}
	sdpPayload, _ := EncodeJSON(sdp)
	m.HandleSignal("peer-b", TypeSdpOffer, sdpPayload)

	event, ok := h.eventOfType(EventCallSignal)
	if !ok {
		t.Fatal("locally addressed SDP never surfaced as an event")
	}
	if event.CallID != localCallID {
		t.Fatalf("signal event call = %q, want %q", event.CallID, localCallID)
	}
}

func TestDropPeerEndsItsCalls(t *testing.T) {
	h := newCallHarness()
	m := newCallManagerForTest(t, h)

	callID, err := m.InitiateCall("peer-b", false)
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}

	m.DropPeer("peer-b")

	session, _ := m.Get(callID)
	if session.Status() != CallStatusEnded {
		t.Fatalf("call with departed peer is %s, want ended", session.Status())
	}
	if _, ok := h.eventOfType(EventCallEnded); !ok {
		t.Fatal("no ended event for the surviving participant")
	}
}
