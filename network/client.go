package network

import (
	"fmt"
	"net"
	"time"
)

// Dial opens an outbound TCP connection to address ("ip:port") and wraps
// it in a PeerConnection.
func Dial(address string, connOpts ConnectionOptions) (*PeerConnection, error) {
	return DialTimeout(address, connOpts, DefaultConnectionTimeout)
}

// DialTimeout is Dial with an explicit dial timeout.
func DialTimeout(address string, connOpts ConnectionOptions, timeout time.Duration) (*PeerConnection, error) {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	peer, err := NewPeerConnection(conn, connOpts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return peer, nil
}
