package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size. A 1 MiB
	// file chunk grows past 1.4 MiB once encrypted and base64-embedded.
	MaxFrameSize = 4 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Wire message type discriminators. Every encrypted JSON payload carries
// exactly one of these in its "type" field.
const (
	TypeChat                 = "chat"
	TypeClipboard            = "clipboard"
	TypeGeneralAnnouncement  = "general_announcement"
	TypeGroupAnnouncement    = "group_announcement"
	TypeGroupChat            = "group_chat"
	TypeFileRequest          = "file_request"
	TypeFileResponse         = "file_response"
	TypeFileChunk            = "file_chunk"
	TypeFileTransferComplete = "file_transfer_complete"
	TypeFileTransferCancel   = "file_transfer_cancel"
	TypeGroupFileRequest     = "group_file_request"
	TypeGroupFileChunk       = "group_file_chunk"
	TypeGroupFileComplete    = "group_file_complete"
	TypeCallInitiate         = "call_initiate"
	TypeCallAccept           = "call_accept"
	TypeCallReject           = "call_reject"
	TypeCallEnd              = "call_end"
	TypeCallFailed           = "call_failed"
	TypeIceCandidate         = "ice_candidate"
	TypeSdpOffer             = "sdp_offer"
	TypeSdpAnswer            = "sdp_answer"
	TypeGroupCallInitiate    = "group_call_initiate"
	TypeGroupCallJoin        = "group_call_join"
	TypeGroupCallLeave       = "group_call_leave"
	TypeGroupCallEnd         = "group_call_end"
	TypeGroupIceCandidate    = "group_ice_candidate"
	TypeGroupSdpOffer        = "group_sdp_offer"
	TypeGroupSdpAnswer       = "group_sdp_answer"
	TypeVerifyAccessCode     = "verify_access_code"
	TypeAccessGranted        = "access_granted"
	TypePeerList             = "peer_list"
	TypePeerJoined           = "peer_joined"
	TypePeerLeft             = "peer_left"
	TypePing                 = "ping"
	TypePong                 = "pong"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrPeerNotFound indicates no live connection for the referenced peer.
	ErrPeerNotFound = errors.New("network: peer not found")
	// ErrTransferNotFound indicates an unknown transfer ID.
	ErrTransferNotFound = errors.New("network: transfer not found")
	// ErrCallNotFound indicates an unknown call ID.
	ErrCallNotFound = errors.New("network: call not found")
	// ErrUnauthorized indicates a message from an unverified connection or
	// a group operation by a non-member.
	ErrUnauthorized = errors.New("network: unauthorized")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// PeerInfo describes one peer in peer_list / peer_joined messages.
type PeerInfo struct {
	PeerID       string   `json:"peer_id"`
	Hostname     string   `json:"hostname"`
	IP           string   `json:"ip"`
	Port         int      `json:"port"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Authorized   bool     `json:"authorized"`
}

// ChatMessage is a direct text message.
type ChatMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ClipboardMessage shares clipboard content with every connected peer.
type ClipboardMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// GroupChatMessage is a group-scoped text message.
type GroupChatMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	GroupID   string `json:"group_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// AnnouncementMessage is a broadcast or group-scoped announcement.
type AnnouncementMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	GroupID   string `json:"group_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// VerifyAccessCode carries the preshared access code plus the sender's
// profile, sent as the first message on a new connection.
type VerifyAccessCode struct {
	Type         string   `json:"type"`
	AccessCode   string   `json:"access_code"`
	Hostname     string   `json:"hostname"`
	Port         int      `json:"port"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Timestamp    int64    `json:"timestamp"`
}

// AccessGranted confirms a successful access-code verification.
type AccessGranted struct {
	Type      string `json:"type"`
	Hostname  string `json:"hostname"`
	Timestamp int64  `json:"timestamp"`
}

// PeerListMessage rebroadcasts the authorized peer roster.
type PeerListMessage struct {
	Type      string     `json:"type"`
	Peers     []PeerInfo `json:"peers"`
	Timestamp int64      `json:"timestamp"`
}

// PeerJoinedMessage announces a newly authorized peer.
type PeerJoinedMessage struct {
	Type      string   `json:"type"`
	Peer      PeerInfo `json:"peer"`
	Timestamp int64    `json:"timestamp"`
}

// PeerLeftMessage announces a departed peer.
type PeerLeftMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// FileRequest starts a file transfer. GroupID is set for group fan-out.
type FileRequest struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	From        string `json:"from"`
	GroupID     string `json:"group_id,omitempty"`
	Filename    string `json:"filename"`
	Filesize    int64  `json:"filesize"`
	TotalChunks int    `json:"total_chunks"`
	Timestamp   int64  `json:"timestamp"`
}

// FileResponse accepts or rejects a transfer.
type FileResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// FileChunk carries one encrypted chunk. Data is base64 of iv||ciphertext.
type FileChunk struct {
	Type        string `json:"type"`
	TransferID  string `json:"transfer_id"`
	From        string `json:"from"`
	GroupID     string `json:"group_id,omitempty"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	ChunkSize   int    `json:"chunk_size"`
	Data        string `json:"data"`
	Timestamp   int64  `json:"timestamp"`
}

// FileTransferComplete signals all chunks were sent.
type FileTransferComplete struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	GroupID    string `json:"group_id,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// FileTransferCancel aborts a transfer from either side.
type FileTransferCancel struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	From       string `json:"from"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// CallInitiate opens an individual call.
type CallInitiate struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	WithVideo bool   `json:"with_video"`
	Timestamp int64  `json:"timestamp"`
}

// CallControl covers call_accept, call_reject and call_end.
type CallControl struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// CallFailed reports an unroutable call back to the caller.
type CallFailed struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// IceCandidate relays one ICE candidate between call participants.
type IceCandidate struct {
	Type      string                  `json:"type"`
	CallID    string                  `json:"call_id"`
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Timestamp int64                   `json:"timestamp"`
}

// SdpMessage relays an SDP offer or answer between call participants.
type SdpMessage struct {
	Type        string                    `json:"type"`
	CallID      string                    `json:"call_id"`
	From        string                    `json:"from"`
	Description webrtc.SessionDescription `json:"description"`
	Timestamp   int64                     `json:"timestamp"`
}

// GroupCallInitiate opens a group call.
type GroupCallInitiate struct {
	Type        string `json:"type"`
	GroupCallID string `json:"group_call_id"`
	GroupID     string `json:"group_id"`
	From        string `json:"from"`
	WithVideo   bool   `json:"with_video"`
	Timestamp   int64  `json:"timestamp"`
}

// GroupCallControl covers group_call_join, group_call_leave and group_call_end.
type GroupCallControl struct {
	Type        string `json:"type"`
	GroupCallID string `json:"group_call_id"`
	GroupID     string `json:"group_id,omitempty"`
	From        string `json:"from"`
	PeerID      string `json:"peer_id,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// GroupIceCandidate relays one ICE candidate between a participant pair.
type GroupIceCandidate struct {
	Type        string                  `json:"type"`
	GroupCallID string                  `json:"group_call_id"`
	From        string                  `json:"from"`
	To          string                  `json:"to"`
	Candidate   webrtc.ICECandidateInit `json:"candidate"`
	Timestamp   int64                   `json:"timestamp"`
}

// GroupSdpMessage relays an SDP offer/answer between a participant pair.
type GroupSdpMessage struct {
	Type        string                    `json:"type"`
	GroupCallID string                    `json:"group_call_id"`
	From        string                    `json:"from"`
	To          string                    `json:"to"`
	Description webrtc.SessionDescription `json:"description"`
	Timestamp   int64                     `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
