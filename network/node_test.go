package network

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/crypto"
)

func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

func newTestNode(t *testing.T, hostname string, accessCode string) (*Node, int) {
	t.Helper()
	cipher, err := crypto.NewCipherFromSecret("node-test-secret")
	if err != nil {
		t.Fatalf("build cipher: %v", err)
	}

	port := freePort(t)
	node, err := NewNode(Options{
		Hostname:      hostname,
		ListeningPort: port,
		Version:       "1.0.0",
		Capabilities:  []string{"chat"},
		Cipher:        cipher,
		AccessCode:    accessCode,
		DownloadsDir:  t.TempDir(),
		IsGroupMember: func(groupID, peerID string) bool { return false },
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if err := node.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(node.Stop)
	return node, port
}

func waitForNodeEvent(t *testing.T, node *Node, eventType EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-node.Events():
			if event.Type == eventType {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event within %s", eventType, timeout)
		}
	}
}

func TestHandshakeAndChatDelivery(t *testing.T) {
	nodeA, portA := newTestNode(t, "host-a", "code-123")
	nodeB, portB := newTestNode(t, "host-b", "code-123")

	addressA := fmt.Sprintf("127.0.0.1:%d", portA)
	if err := nodeB.ConnectToPeer(addressA); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}

	// Verification is mutual: both rosters end up authorized.
	waitFor(t, 5*time.Second, func() bool {
		for _, info := range nodeA.PeerSnapshot() {
			if info.Hostname == "host-b" && info.Authorized {
				return true
			}
		}
		return false
	}, "host-a never authorized host-b")
	waitFor(t, 5*time.Second, func() bool {
		for _, info := range nodeB.PeerSnapshot() {
			if info.Hostname == "host-a" && info.Authorized {
				return true
			}
		}
		return false
	}, "host-b never authorized host-a")

	// The accepted connection is rekeyed from its ephemeral source port
	// to host-b's advertised listening address.
	if _, ok := nodeA.registry.Get(fmt.Sprintf("127.0.0.1:%d", portB)); !ok {
		t.Fatal("host-b not tracked under its advertised listening address")
	}

	if err := nodeB.SendChat(addressA, "hello over the wire"); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	event := waitForNodeEvent(t, nodeA, EventChatReceived, 5*time.Second)
	chat, ok := event.Payload.(ChatMessage)
	if !ok {
		t.Fatalf("chat payload is %T", event.Payload)
	}
	if chat.Content != "hello over the wire" || chat.From != "host-b" {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestWrongAccessCodeIsRejected(t *testing.T) {
	nodeA, portA := newTestNode(t, "host-a", "right-code")
	nodeB, _ := newTestNode(t, "host-b", "wrong-code")

	addressA := fmt.Sprintf("127.0.0.1:%d", portA)
	if err := nodeB.ConnectToPeer(addressA); err != nil {
		t.Fatalf("ConnectToPeer failed: %v", err)
	}

	// The acceptor drops the connection on a bad code; the dialer's
	// registry empties once the close propagates.
	waitFor(t, 5*time.Second, func() bool {
		return nodeB.registry.Len() == 0
	}, "connection with wrong access code survived")

	for _, info := range nodeA.PeerSnapshot() {
		if info.Authorized {
			t.Fatalf("peer %s authorized despite wrong code", info.PeerID)
		}
	}
}

func TestSendToUnknownPeerReturnsFalse(t *testing.T) {
	nodeA, _ := newTestNode(t, "host-a", "code-123")

	if nodeA.Send("10.0.0.9:9999", ChatMessage{Type: TypeChat, Content: "x"}) {
		t.Fatal("Send to unknown peer reported success")
	}
	if err := nodeA.SendChat("10.0.0.9:9999", "x"); err == nil {
		t.Fatal("SendChat to unknown peer succeeded")
	}
}

func TestInboundGroupChatFromNonMemberDropped(t *testing.T) {
	cipher, err := crypto.NewCipherFromSecret("node-test-secret")
	if err != nil {
		t.Fatalf("build cipher: %v", err)
	}

	member := false
	node, err := NewNode(Options{
		Hostname:      "host-a",
		ListeningPort: freePort(t),
		Cipher:        cipher,
		AccessCode:    "code",
		DownloadsDir:  t.TempDir(),
		IsGroupMember: func(groupID, peerID string) bool { return member },
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	t.Cleanup(node.Stop)

	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	conn, err := NewPeerConnection(local, node.connectionOptions())
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	conn.SetProfile("peer-x", "1.0.0", nil, 9999)
	conn.SetAuthorized(true)

	msg := GroupChatMessage{
		Type:      TypeGroupChat,
		From:      "peer-x",
		GroupID:   "g1",
		Content:   "outsider",
		Timestamp: time.Now().UnixMilli(),
	}
	payload, _ := EncodeJSON(msg)
	node.dispatch(conn, payload)

	if got := node.GroupHistory("g1"); len(got) != 0 {
		t.Fatalf("non-member message recorded in history: %+v", got)
	}

	member = true
	msg.Content = "insider"
	payload, _ = EncodeJSON(msg)
	node.dispatch(conn, payload)

	history := node.GroupHistory("g1")
	if len(history) != 1 || history[0].Content != "insider" {
		t.Fatalf("member message missing from history: %+v", history)
	}
}

func TestGroupChatGateAndHistory(t *testing.T) {
	cipher, err := crypto.NewCipherFromSecret("node-test-secret")
	if err != nil {
		t.Fatalf("build cipher: %v", err)
	}
	node, err := NewNode(Options{
		Hostname:      "host-a",
		ListeningPort: freePort(t),
		Cipher:        cipher,
		AccessCode:    "code",
		DownloadsDir:  t.TempDir(),
		IsGroupMember: func(groupID, peerID string) bool {
			return groupID == "g1" && peerID == "member-peer"
		},
	})
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	t.Cleanup(node.Stop)

	// Local sends always land in history, even with nobody connected.
	if sent := node.SendGroupChat("g1", "first"); sent != 0 {
		t.Fatalf("sent to %d peers, want 0", sent)
	}
	history := node.GroupHistory("g1")
	if len(history) != 1 || history[0].Content != "first" {
		t.Fatalf("history = %+v", history)
	}
	if got := node.GroupHistory("other"); len(got) != 0 {
		t.Fatal("history leaked across groups")
	}
}
