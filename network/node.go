package network

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/crypto"
)

const (
	// groupHistoryLimit caps the in-memory chat history kept per group.
	groupHistoryLimit = 500
)

// Options configures a Node.
type Options struct {
	Hostname      string
	ListeningPort int
	Version       string
	Capabilities  []string
	Cipher        *crypto.Cipher
	AccessCode    string
	DownloadsDir  string

	// IsGroupMember gates every group-scoped operation. Required for
	// group messaging, group transfers and group calls.
	IsGroupMember func(groupID, peerID string) bool

	// ApproveFileRequest decides whether to accept an inbound transfer.
	// Nil accepts everything.
	ApproveFileRequest func(FileRequest) bool

	// OnPeerAuthorized is invoked after a peer passes access-code
	// verification, before the roster rebroadcast.
	OnPeerAuthorized func(info PeerInfo)

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
	ConnectTimeout    time.Duration

	Registry RegistryOptions
	Transfer TransferOptions
	Call     CallOptions
}

// Node ties the TCP server, peer registry, message relay, file transfers
// and call signaling together. It is the single dispatch point: every
// inbound frame is decrypted once and routed by its type field.
type Node struct {
	opts   Options
	cipher *crypto.Cipher

	server   *Server
	registry *Registry

	transfers  *TransferManager
	calls      *CallManager
	groupCalls *GroupCallManager

	historyMu    sync.Mutex
	groupHistory map[string][]GroupChatMessage

	events chan Event
	errs   chan error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNode validates options and builds a stopped node. Start brings up
// the listener.
func NewNode(opts Options) (*Node, error) {
	if strings.TrimSpace(opts.Hostname) == "" {
		return nil, errors.New("network: hostname is required")
	}
	if opts.ListeningPort <= 0 || opts.ListeningPort > 65535 {
		return nil, fmt.Errorf("network: invalid listening port %d", opts.ListeningPort)
	}
	if opts.Cipher == nil {
		return nil, errors.New("network: cipher is required")
	}
	if strings.TrimSpace(opts.AccessCode) == "" {
		return nil, errors.New("network: access code is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectionTimeout
	}

	node := &Node{
		opts:         opts,
		cipher:       opts.Cipher,
		groupHistory: make(map[string][]GroupChatMessage),
		events:       make(chan Event, 256),
		errs:         make(chan error, 64),
	}
	node.ctx, node.cancel = context.WithCancel(context.Background())

	node.transfers = NewTransferManager(TransferDeps{
		LocalID:       opts.Hostname,
		DownloadsDir:  opts.DownloadsDir,
		Cipher:        opts.Cipher,
		Send:          node.Send,
		SendToGroup:   node.sendToGroupMembers,
		IsGroupMember: node.isGroupMember,
		Approve:       opts.ApproveFileRequest,
		Emit:          node.emitEvent,
		ReportError:   node.reportError,
	}, opts.Transfer)

	node.calls = NewCallManager(CallDeps{
		LocalID:     opts.Hostname,
		Send:        node.Send,
		Emit:        node.emitEvent,
		ReportError: node.reportError,
	}, opts.Call)

	node.groupCalls = NewGroupCallManager(GroupCallDeps{
		LocalID:       opts.Hostname,
		Send:          node.Send,
		SendToGroup:   node.sendToGroupMembers,
		IsGroupMember: node.isGroupMember,
		Emit:          node.emitEvent,
		ReportError:   node.reportError,
	}, opts.Call)

	connOpts := node.connectionOptions()
	node.registry = NewRegistry(func() RegistryOptions {
		regOpts := opts.Registry
		regOpts.Dial = func(address string) (*PeerConnection, error) {
			return DialTimeout(address, connOpts, opts.ConnectTimeout)
		}
		regOpts.OnConnected = node.adoptOutbound
		regOpts.OnRetriesExhausted = func(address string, attempts int) {
			node.reportError(fmt.Errorf("gave up connecting to %s after %d attempts", address, attempts))
		}
		return regOpts
	}())

	return node, nil
}

// LocalID returns the identity this node writes into the From field of
// outbound messages.
func (n *Node) LocalID() string { return n.opts.Hostname }

// Events exposes node notifications for the presentation layer.
func (n *Node) Events() <-chan Event { return n.events }

// Errors exposes non-fatal node errors.
func (n *Node) Errors() <-chan error { return n.errs }

// Transfers returns the file transfer manager.
func (n *Node) Transfers() *TransferManager { return n.transfers }

// Calls returns the individual call manager.
func (n *Node) Calls() *CallManager { return n.calls }

// GroupCalls returns the group call manager.
func (n *Node) GroupCalls() *GroupCallManager { return n.groupCalls }

// Start binds the listening port and begins accepting peers.
func (n *Node) Start() error {
	server, err := NewServer(n.opts.ListeningPort, n.connectionOptions(), n.adoptInbound)
	if err != nil {
		return err
	}
	n.server = server

	n.wg.Add(1)
	go n.forwardServerErrors()

	return nil
}

// Stop tears everything down: listener, connections, transfer and call
// timers.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		if n.server != nil {
			n.server.Stop()
		}
		if n.registry != nil {
			n.registry.Stop()
		}
		n.transfers.Stop()
		n.calls.Stop()
		n.groupCalls.Stop()
		n.wg.Wait()
	})
}

func (n *Node) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		Cipher:            n.cipher,
		KeepAliveInterval: n.opts.KeepAliveInterval,
		KeepAliveTimeout:  n.opts.KeepAliveTimeout,
		FrameReadTimeout:  n.opts.FrameReadTimeout,
		OnEnvelopeError:   n.reportError,
	}
}

// ConnectToPeer dials a peer and opens the access-code handshake. Dial
// failures land in the retry queue.
func (n *Node) ConnectToPeer(address string) error {
	if _, ok := n.registry.Get(address); ok {
		return nil
	}
	conn, err := n.registry.Connect(address)
	if err != nil {
		return err
	}
	n.adoptOutbound(conn)
	return nil
}

// adoptInbound registers an accepted connection and runs its dispatch
// loop. The remote proves itself with verify_access_code before anything
// else is routed.
func (n *Node) adoptInbound(conn *PeerConnection) {
	n.registry.Add(conn)
	n.connectionLoop(conn)
}

// adoptOutbound sends our verification first, then dispatches.
func (n *Node) adoptOutbound(conn *PeerConnection) {
	n.registry.Add(conn)
	if err := conn.SendMessage(n.verifyMessage()); err != nil {
		n.reportError(fmt.Errorf("send access code to %s: %w", conn.ID(), err))
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.connectionLoop(conn)
	}()
}

func (n *Node) verifyMessage() VerifyAccessCode {
	return VerifyAccessCode{
		Type:         TypeVerifyAccessCode,
		AccessCode:   n.opts.AccessCode,
		Hostname:     n.opts.Hostname,
		Port:         n.opts.ListeningPort,
		Version:      n.opts.Version,
		Capabilities: n.opts.Capabilities,
		Timestamp:    time.Now().UnixMilli(),
	}
}

func (n *Node) forwardServerErrors() {
	defer n.wg.Done()
	for {
		select {
		case err := <-n.server.Errors():
			n.reportError(err)
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) isGroupMember(groupID, peerID string) bool {
	if n.opts.IsGroupMember == nil {
		return false
	}
	return n.opts.IsGroupMember(groupID, peerID)
}

func (n *Node) verifyAccessCode(code string) bool {
	return subtle.ConstantTimeCompare([]byte(code), []byte(n.opts.AccessCode)) == 1
}

func (n *Node) emitEvent(event Event) {
	select {
	case n.events <- event:
	default:
	}
}

func (n *Node) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case n.errs <- err:
	default:
	}
}

// appendGroupHistory records a group chat message, trimming the oldest
// entries past the cap.
func (n *Node) appendGroupHistory(msg GroupChatMessage) {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	history := append(n.groupHistory[msg.GroupID], msg)
	if len(history) > groupHistoryLimit {
		history = history[len(history)-groupHistoryLimit:]
	}
	n.groupHistory[msg.GroupID] = history
}

// GroupHistory returns a copy of the in-memory chat history for a group.
func (n *Node) GroupHistory(groupID string) []GroupChatMessage {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	return append([]GroupChatMessage(nil), n.groupHistory[groupID]...)
}

// PeerSnapshot describes one live connection for roster consumers.
func (n *Node) PeerSnapshot() []PeerInfo {
	conns := n.registry.List()
	out := make([]PeerInfo, 0, len(conns))
	for _, conn := range conns {
		out = append(out, peerInfoFor(conn))
	}
	return out
}

func peerInfoFor(conn *PeerConnection) PeerInfo {
	hostname, version, capabilities := conn.Profile()
	return PeerInfo{
		PeerID:       conn.ID(),
		Hostname:     hostname,
		IP:           conn.RemoteIP(),
		Port:         conn.ListeningPort(),
		Version:      version,
		Capabilities: capabilities,
		Authorized:   conn.Authorized(),
	}
}
