package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Send delivers one message to a peer. It never panics and never blocks
// on a dead peer: unknown peers and write failures return false.
func (n *Node) Send(peerID string, message any) bool {
	conn, ok := n.registry.Get(peerID)
	if !ok {
		n.reportError(fmt.Errorf("send to %s: %w", peerID, ErrPeerNotFound))
		return false
	}
	if err := conn.SendMessage(message); err != nil {
		n.reportError(err)
		return false
	}
	return true
}

// Broadcast sends to every authorized peer except exceptID, returning the
// delivery count.
func (n *Node) Broadcast(message any, exceptID string) int {
	sent := 0
	for _, conn := range n.registry.List() {
		if conn.ID() == exceptID || !conn.Authorized() {
			continue
		}
		if err := conn.SendMessage(message); err != nil {
			n.reportError(err)
			continue
		}
		sent++
	}
	return sent
}

// sendToGroupMembers sends to every authorized group member except
// exceptID.
func (n *Node) sendToGroupMembers(groupID string, message any, exceptID string) int {
	sent := 0
	for _, conn := range n.registry.List() {
		if conn.ID() == exceptID || !conn.Authorized() {
			continue
		}
		if !n.isGroupMember(groupID, conn.ID()) {
			continue
		}
		if err := conn.SendMessage(message); err != nil {
			n.reportError(err)
			continue
		}
		sent++
	}
	return sent
}

// connectionLoop is the per-connection dispatch pump. It drains decrypted
// payloads until the connection dies, then runs the departure sweep.
func (n *Node) connectionLoop(conn *PeerConnection) {
	defer n.handleDisconnect(conn)

	for {
		payload, err := conn.ReceiveMessage(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, ErrConnectionClosed) {
				n.reportError(err)
			}
			return
		}
		n.dispatch(conn, payload)
	}
}

// dispatch routes one decrypted payload. Authorization is enforced here
// and only here: an unverified connection may send nothing but
// verify_access_code.
func (n *Node) dispatch(conn *PeerConnection, payload []byte) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		n.reportError(fmt.Errorf("dispatch from %s: %w", conn.ID(), err))
		return
	}

	if !conn.Authorized() && msgType != TypeVerifyAccessCode {
		n.reportError(fmt.Errorf("%q from unverified peer %s: %w", msgType, conn.ID(), ErrUnauthorized))
		return
	}

	switch msgType {
	case TypeVerifyAccessCode:
		n.handleVerifyAccessCode(conn, payload)
	case TypeAccessGranted:
		n.handleAccessGranted(conn, payload)
	case TypePeerList:
		n.handlePeerList(conn, payload)
	case TypePeerJoined, TypePeerLeft:
		n.handlePeerPresence(conn, msgType, payload)

	case TypeChat:
		n.handleChat(conn, payload)
	case TypeClipboard:
		n.handleClipboard(conn, payload)
	case TypeGroupChat:
		n.handleGroupChat(conn, payload)
	case TypeGeneralAnnouncement, TypeGroupAnnouncement:
		n.handleAnnouncement(conn, msgType, payload)

	case TypeFileRequest, TypeGroupFileRequest:
		n.transfers.HandleFileRequest(conn.ID(), payload)
	case TypeFileResponse:
		n.transfers.HandleFileResponse(conn.ID(), payload)
	case TypeFileChunk, TypeGroupFileChunk:
		n.transfers.HandleFileChunk(conn.ID(), payload)
	case TypeFileTransferComplete, TypeGroupFileComplete:
		n.transfers.HandleTransferComplete(conn.ID(), payload)
	case TypeFileTransferCancel:
		n.transfers.HandleTransferCancel(conn.ID(), payload)

	case TypeCallInitiate:
		n.calls.HandleCallInitiate(conn.ID(), payload)
	case TypeCallAccept, TypeCallReject, TypeCallEnd:
		n.calls.HandleCallControl(conn.ID(), msgType, payload)
	case TypeCallFailed:
		n.calls.HandleCallFailed(conn.ID(), payload)
	case TypeIceCandidate, TypeSdpOffer, TypeSdpAnswer:
		n.calls.HandleSignal(conn.ID(), msgType, payload)

	case TypeGroupCallInitiate:
		n.groupCalls.HandleInitiate(conn.ID(), payload)
	case TypeGroupCallJoin, TypeGroupCallLeave, TypeGroupCallEnd:
		n.groupCalls.HandleControl(conn.ID(), msgType, payload)
	case TypeGroupIceCandidate, TypeGroupSdpOffer, TypeGroupSdpAnswer:
		n.groupCalls.HandleSignal(conn.ID(), msgType, payload)

	default:
		n.reportError(fmt.Errorf("%q from %s: %w", msgType, conn.ID(), ErrInvalidMessageType))
	}
}

// handleDisconnect removes the peer and fails everything in flight with
// it: active transfers error out, its calls end, group calls drop it.
func (n *Node) handleDisconnect(conn *PeerConnection) {
	if !n.registry.Remove(conn) {
		return
	}
	_ = conn.Close()

	peerID := conn.ID()
	n.transfers.FailPeer(peerID)
	n.calls.DropPeer(peerID)
	n.groupCalls.DropPeer(peerID)

	if conn.Authorized() {
		event := newEvent(EventPeerLeft)
		event.PeerID = peerID
		n.emitEvent(event)

		n.Broadcast(PeerLeftMessage{
			Type:      TypePeerLeft,
			PeerID:    peerID,
			Timestamp: time.Now().UnixMilli(),
		}, peerID)
	}
}

func (n *Node) handleVerifyAccessCode(conn *PeerConnection, payload []byte) {
	var msg VerifyAccessCode
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("verify_access_code from %s: %w", conn.ID(), err))
		return
	}

	if !n.verifyAccessCode(msg.AccessCode) {
		n.reportError(fmt.Errorf("access code rejected for %s: %w", conn.ID(), ErrUnauthorized))
		_ = conn.Close()
		return
	}

	alreadyAuthorized := conn.Authorized()
	conn.SetProfile(msg.Hostname, msg.Version, msg.Capabilities, msg.Port)
	conn.SetAuthorized(true)

	// Accepted connections arrive keyed by the remote's ephemeral source
	// port. Rekey to the advertised ip:listeningPort so group membership
	// and peer persistence see the same identity on every reconnect.
	if msg.Port > 0 {
		advertised := net.JoinHostPort(conn.RemoteIP(), strconv.Itoa(msg.Port))
		if advertised != conn.ID() {
			n.registry.Rekey(conn, advertised)
		}
	}

	info := peerInfoFor(conn)
	if n.opts.OnPeerAuthorized != nil {
		n.opts.OnPeerAuthorized(info)
	}

	// Verification is mutual: answer the first verify with our own so
	// the accepting side is authorized on the dialer too. The
	// alreadyAuthorized guard stops the exchange from echoing forever.
	if !alreadyAuthorized {
		_ = conn.SendMessage(n.verifyMessage())
	}
	_ = conn.SendMessage(AccessGranted{
		Type:      TypeAccessGranted,
		Hostname:  n.opts.Hostname,
		Timestamp: time.Now().UnixMilli(),
	})

	// The roster goes to everyone, not just the new arrival, so every
	// peer converges on the same authorized set.
	n.Broadcast(PeerListMessage{
		Type:      TypePeerList,
		Peers:     n.PeerSnapshot(),
		Timestamp: time.Now().UnixMilli(),
	}, "")

	if !alreadyAuthorized {
		event := newEvent(EventPeerAuthorized)
		event.PeerID = conn.ID()
		event.Payload = info
		n.emitEvent(event)

		n.Broadcast(PeerJoinedMessage{
			Type:      TypePeerJoined,
			Peer:      info,
			Timestamp: time.Now().UnixMilli(),
		}, conn.ID())
	}
}

func (n *Node) handleAccessGranted(conn *PeerConnection, payload []byte) {
	var msg AccessGranted
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("access_granted from %s: %w", conn.ID(), err))
		return
	}
	event := newEvent(EventPeerJoined)
	event.PeerID = conn.ID()
	event.Payload = msg
	n.emitEvent(event)
}

func (n *Node) handlePeerList(conn *PeerConnection, payload []byte) {
	var msg PeerListMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("peer_list from %s: %w", conn.ID(), err))
		return
	}
	event := newEvent(EventPeerList)
	event.PeerID = conn.ID()
	event.Payload = msg.Peers
	n.emitEvent(event)
}

func (n *Node) handlePeerPresence(conn *PeerConnection, msgType string, payload []byte) {
	switch msgType {
	case TypePeerJoined:
		var msg PeerJoinedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			n.reportError(fmt.Errorf("peer_joined from %s: %w", conn.ID(), err))
			return
		}
		event := newEvent(EventPeerJoined)
		event.PeerID = msg.Peer.PeerID
		event.Payload = msg.Peer
		n.emitEvent(event)
	case TypePeerLeft:
		var msg PeerLeftMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			n.reportError(fmt.Errorf("peer_left from %s: %w", conn.ID(), err))
			return
		}
		event := newEvent(EventPeerLeft)
		event.PeerID = msg.PeerID
		n.emitEvent(event)
	}
}

func (n *Node) handleChat(conn *PeerConnection, payload []byte) {
	var msg ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("chat from %s: %w", conn.ID(), err))
		return
	}

	// Directed chat for another peer is relayed on; everything else is
	// delivered locally.
	if msg.To != "" && msg.To != n.opts.Hostname {
		if _, ok := n.registry.Get(msg.To); ok {
			n.Send(msg.To, msg)
			return
		}
	}

	event := newEvent(EventChatReceived)
	event.PeerID = conn.ID()
	event.Payload = msg
	n.emitEvent(event)
}

// firstHop reports whether the message originated at the connection it
// arrived on. Only first-hop broadcast traffic is re-forwarded; relayed
// copies stop here, which keeps a connected mesh loop-free.
func firstHop(conn *PeerConnection, from string) bool {
	hostname, _, _ := conn.Profile()
	return from != "" && from == hostname
}

func (n *Node) handleClipboard(conn *PeerConnection, payload []byte) {
	var msg ClipboardMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("clipboard from %s: %w", conn.ID(), err))
		return
	}
	if firstHop(conn, msg.From) {
		n.Broadcast(msg, conn.ID())
	}

	event := newEvent(EventClipboardReceived)
	event.PeerID = conn.ID()
	event.Payload = msg
	n.emitEvent(event)
}

func (n *Node) handleGroupChat(conn *PeerConnection, payload []byte) {
	var msg GroupChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("group_chat from %s: %w", conn.ID(), err))
		return
	}
	if !n.isGroupMember(msg.GroupID, conn.ID()) {
		n.reportError(fmt.Errorf("group_chat to %q from non-member %s: %w", msg.GroupID, conn.ID(), ErrUnauthorized))
		return
	}
	if firstHop(conn, msg.From) {
		n.sendToGroupMembers(msg.GroupID, msg, conn.ID())
	}

	n.appendGroupHistory(msg)

	event := newEvent(EventGroupChatReceived)
	event.PeerID = conn.ID()
	event.GroupID = msg.GroupID
	event.Payload = msg
	n.emitEvent(event)
}

func (n *Node) handleAnnouncement(conn *PeerConnection, msgType string, payload []byte) {
	var msg AnnouncementMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		n.reportError(fmt.Errorf("%s from %s: %w", msgType, conn.ID(), err))
		return
	}
	if msgType == TypeGroupAnnouncement && !n.isGroupMember(msg.GroupID, conn.ID()) {
		n.reportError(fmt.Errorf("group_announcement to %q from non-member %s: %w", msg.GroupID, conn.ID(), ErrUnauthorized))
		return
	}
	if firstHop(conn, msg.From) {
		if msgType == TypeGroupAnnouncement {
			n.sendToGroupMembers(msg.GroupID, msg, conn.ID())
		} else {
			n.Broadcast(msg, conn.ID())
		}
	}

	event := newEvent(EventAnnouncementReceived)
	event.PeerID = conn.ID()
	event.GroupID = msg.GroupID
	event.Payload = msg
	n.emitEvent(event)
}

// SendChat sends a direct chat message to one peer.
func (n *Node) SendChat(peerID, content string) error {
	msg := ChatMessage{
		Type:      TypeChat,
		From:      n.opts.Hostname,
		To:        peerID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	if !n.Send(peerID, msg) {
		return fmt.Errorf("chat to %s: %w", peerID, ErrPeerNotFound)
	}
	return nil
}

// SendClipboard shares clipboard content with every authorized peer.
func (n *Node) SendClipboard(content string) int {
	return n.Broadcast(ClipboardMessage{
		Type:      TypeClipboard,
		From:      n.opts.Hostname,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}, "")
}

// SendGroupChat sends a message to every connected member of a group and
// records it in the local history.
func (n *Node) SendGroupChat(groupID, content string) int {
	msg := GroupChatMessage{
		Type:      TypeGroupChat,
		From:      n.opts.Hostname,
		GroupID:   groupID,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	n.appendGroupHistory(msg)
	return n.sendToGroupMembers(groupID, msg, "")
}

// SendAnnouncement broadcasts a general announcement.
func (n *Node) SendAnnouncement(title, content string) int {
	return n.Broadcast(AnnouncementMessage{
		Type:      TypeGeneralAnnouncement,
		From:      n.opts.Hostname,
		Title:     title,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}, "")
}

// SendGroupAnnouncement announces to the connected members of one group.
func (n *Node) SendGroupAnnouncement(groupID, title, content string) int {
	return n.sendToGroupMembers(groupID, AnnouncementMessage{
		Type:      TypeGroupAnnouncement,
		From:      n.opts.Hostname,
		GroupID:   groupID,
		Title:     title,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}, "")
}
