package network

import "time"

// EventType classifies node events delivered to the presentation layer.
type EventType string

const (
	EventPeerAuthorized EventType = "peer_authorized"
	EventPeerJoined     EventType = "peer_joined"
	EventPeerLeft       EventType = "peer_left"
	EventPeerList       EventType = "peer_list"

	EventChatReceived         EventType = "chat_received"
	EventClipboardReceived    EventType = "clipboard_received"
	EventGroupChatReceived    EventType = "group_chat_received"
	EventAnnouncementReceived EventType = "announcement_received"

	EventFileOffer         EventType = "file_offer"
	EventTransferAccepted  EventType = "transfer_accepted"
	EventTransferRejected  EventType = "transfer_rejected"
	EventTransferProgress  EventType = "transfer_progress"
	EventTransferComplete  EventType = "transfer_complete"
	EventTransferCancelled EventType = "transfer_cancelled"
	EventTransferError     EventType = "transfer_error"

	EventCallIncoming EventType = "call_incoming"
	EventCallAccepted EventType = "call_accepted"
	EventCallRejected EventType = "call_rejected"
	EventCallEnded    EventType = "call_ended"
	EventCallFailed   EventType = "call_failed"
	EventCallSignal   EventType = "call_signal"

	EventGroupCallStarted EventType = "group_call_started"
	EventGroupCallJoined  EventType = "group_call_joined"
	EventGroupCallLeft    EventType = "group_call_left"
	EventGroupCallEnded   EventType = "group_call_ended"
	EventGroupCallSignal  EventType = "group_call_signal"
)

// Event is one node notification. PeerID identifies the peer the event
// concerns, Payload carries the type-specific message when present.
type Event struct {
	Type       EventType
	PeerID     string
	GroupID    string
	TransferID string
	CallID     string
	Percent    int
	Reason     string
	Payload    any
	Timestamp  time.Time
}

func newEvent(eventType EventType) Event {
	return Event{Type: eventType, Timestamp: time.Now()}
}
