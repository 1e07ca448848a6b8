package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/crypto"
)

// ConnectionState tracks the peer connection lifecycle.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
)

// ErrConnectionClosed indicates an operation on a closed connection.
var ErrConnectionClosed = errors.New("network: connection closed")

// ConnectionOptions configures a PeerConnection.
type ConnectionOptions struct {
	Cipher *crypto.Cipher

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// OnEnvelopeError is invoked when an inbound frame fails decryption.
	// Such frames are dropped without tearing down the connection.
	OnEnvelopeError func(error)
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

// PeerConnection wraps one TCP connection to a peer. Every frame carries a
// sealed envelope; the read loop decrypts and queues plaintext JSON payloads.
type PeerConnection struct {
	conn   net.Conn
	cipher *crypto.Cipher
	opts   ConnectionOptions

	id          string
	connectedAt time.Time

	profileMu     sync.RWMutex
	hostname      string
	version       string
	capabilities  []string
	listeningPort int
	authorized    bool
	canonicalID   string

	stateMu sync.RWMutex
	state   ConnectionState

	sendMu sync.Mutex

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	errMu    sync.Mutex
	closeErr error

	lastActivity atomic.Int64

	wg sync.WaitGroup
}

// NewPeerConnection adopts an established TCP connection. The remote
// ip:port address becomes the peer ID.
func NewPeerConnection(conn net.Conn, opts ConnectionOptions) (*PeerConnection, error) {
	if conn == nil {
		return nil, errors.New("network: nil connection")
	}
	if opts.Cipher == nil {
		return nil, errors.New("network: cipher is required")
	}

	pc := &PeerConnection{
		conn:        conn,
		cipher:      opts.Cipher,
		opts:        opts.withDefaults(),
		id:          conn.RemoteAddr().String(),
		connectedAt: time.Now(),
		state:       StateConnecting,
		inbound:     make(chan []byte, 64),
		closed:      make(chan struct{}),
	}
	pc.touch()

	pc.wg.Add(2)
	go pc.readLoop()
	go pc.keepAliveLoop()

	pc.setState(StateOpen)
	return pc, nil
}

// ID returns the peer ID in ip:port form. Inbound connections start out
// keyed by their ephemeral source port; once the peer advertises its
// listening port, the canonical ip:listeningPort takes over so the
// identity is stable across reconnects.
func (pc *PeerConnection) ID() string {
	pc.profileMu.RLock()
	defer pc.profileMu.RUnlock()
	if pc.canonicalID != "" {
		return pc.canonicalID
	}
	return pc.id
}

// SetCanonicalID rebinds the peer ID to the advertised ip:listeningPort.
func (pc *PeerConnection) SetCanonicalID(id string) {
	pc.profileMu.Lock()
	pc.canonicalID = id
	pc.profileMu.Unlock()
}

// RemoteIP returns the remote IP without the port.
func (pc *PeerConnection) RemoteIP() string {
	host, _, err := net.SplitHostPort(pc.id)
	if err != nil {
		return pc.id
	}
	return host
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	pc.state = state
	pc.stateMu.Unlock()
}

// Authorized reports whether the peer passed access-code verification.
func (pc *PeerConnection) Authorized() bool {
	pc.profileMu.RLock()
	defer pc.profileMu.RUnlock()
	return pc.authorized
}

// SetAuthorized flips the authorization flag.
func (pc *PeerConnection) SetAuthorized(ok bool) {
	pc.profileMu.Lock()
	pc.authorized = ok
	pc.profileMu.Unlock()
}

// SetProfile records the peer's self-reported identity.
func (pc *PeerConnection) SetProfile(hostname, version string, capabilities []string, listeningPort int) {
	pc.profileMu.Lock()
	pc.hostname = hostname
	pc.version = version
	pc.capabilities = append([]string(nil), capabilities...)
	pc.listeningPort = listeningPort
	pc.profileMu.Unlock()
}

// ListeningPort returns the peer's self-reported listening port.
func (pc *PeerConnection) ListeningPort() int {
	pc.profileMu.RLock()
	defer pc.profileMu.RUnlock()
	return pc.listeningPort
}

// Profile returns the peer's self-reported identity.
func (pc *PeerConnection) Profile() (hostname, version string, capabilities []string) {
	pc.profileMu.RLock()
	defer pc.profileMu.RUnlock()
	return pc.hostname, pc.version, append([]string(nil), pc.capabilities...)
}

// LastSeen returns the time of the last inbound frame.
func (pc *PeerConnection) LastSeen() time.Time {
	return time.Unix(0, pc.lastActivity.Load())
}

// ConnectedAt returns when the connection was established.
func (pc *PeerConnection) ConnectedAt() time.Time { return pc.connectedAt }

func (pc *PeerConnection) touch() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

// SendMessage seals and writes one protocol message. Frame writes are
// serialized so concurrent senders cannot interleave.
func (pc *PeerConnection) SendMessage(message any) error {
	if pc.State() == StateClosed {
		return ErrConnectionClosed
	}

	payload, err := EncodeJSON(message)
	if err != nil {
		return err
	}
	sealed, err := pc.cipher.Seal(payload)
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()

	if err := WriteFrame(pc.conn, []byte(sealed)); err != nil {
		pc.closeWithError(fmt.Errorf("send to %s: %w", pc.id, err))
		return err
	}
	return nil
}

// ReceiveMessage returns the next decrypted payload, blocking until one
// arrives, the context ends, or the connection closes.
func (pc *PeerConnection) ReceiveMessage(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-pc.inbound:
		if !ok {
			return nil, pc.CloseError()
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.closed:
		// Drain anything queued before the close won the race.
		select {
		case payload, ok := <-pc.inbound:
			if ok {
				return payload, nil
			}
		default:
		}
		return nil, pc.CloseError()
	}
}

// Done is closed when the connection terminates.
func (pc *PeerConnection) Done() <-chan struct{} { return pc.closed }

// CloseError returns the error that terminated the connection, or
// ErrConnectionClosed for a clean local close.
func (pc *PeerConnection) CloseError() error {
	pc.errMu.Lock()
	defer pc.errMu.Unlock()
	if pc.closeErr != nil {
		return pc.closeErr
	}
	return ErrConnectionClosed
}

// Close terminates the connection and waits for its goroutines.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	pc.wg.Wait()
	return nil
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		if err != nil {
			pc.errMu.Lock()
			pc.closeErr = err
			pc.errMu.Unlock()
		}
		pc.setState(StateClosed)
		close(pc.closed)
		_ = pc.conn.Close()
	})
}

func (pc *PeerConnection) readLoop() {
	defer pc.wg.Done()
	defer close(pc.inbound)

	for {
		frame, err := ReadFrameWithTimeout(pc.conn, pc.opts.FrameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if pc.staleBeyondGrace() {
					pc.closeWithError(fmt.Errorf("peer %s unresponsive: %w", pc.id, err))
					return
				}
				continue
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			pc.closeWithError(fmt.Errorf("read from %s: %w", pc.id, err))
			return
		}
		pc.touch()

		payload, err := pc.cipher.Open(string(frame))
		if err != nil {
			// Malformed or foreign-key frames are dropped; the
			// connection stays up.
			if pc.opts.OnEnvelopeError != nil {
				pc.opts.OnEnvelopeError(fmt.Errorf("envelope from %s: %w", pc.id, err))
			}
			continue
		}

		if pc.handleKeepAlive(payload) {
			continue
		}

		select {
		case pc.inbound <- payload:
		case <-pc.closed:
			return
		}
	}
}

// handleKeepAlive intercepts ping/pong frames so the keep-alive exchange
// never reaches the dispatch layer.
func (pc *PeerConnection) handleKeepAlive(payload []byte) bool {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return false
	}
	switch msgType {
	case TypePing:
		_ = pc.SendMessage(PongMessage{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		return true
	case TypePong:
		// Already counted as activity by the read loop.
		return true
	}
	return false
}

func (pc *PeerConnection) keepAliveLoop() {
	defer pc.wg.Done()

	ticker := time.NewTicker(pc.opts.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Since(pc.LastSeen())
			if idle < pc.opts.KeepAliveInterval {
				continue
			}
			if err := pc.SendMessage(PingMessage{Type: TypePing, Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		case <-pc.closed:
			return
		}
	}
}

// staleBeyondGrace reports whether the peer has been silent longer than
// the keep-alive interval plus the pong grace window.
func (pc *PeerConnection) staleBeyondGrace() bool {
	idle := time.Since(pc.LastSeen())
	return idle > pc.opts.KeepAliveInterval+pc.opts.KeepAliveTimeout
}
