package network

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultMaxConnectAttempts bounds outbound retry attempts per peer.
	DefaultMaxConnectAttempts = 5
	// DefaultRetryBackoffStep is multiplied by the attempt count to
	// schedule the next retry.
	DefaultRetryBackoffStep = 5 * time.Second
	// DefaultRetryDrainInterval is the retry queue sweep period.
	DefaultRetryDrainInterval = 10 * time.Second
)

// RegistryOptions configures connection tracking and outbound retries.
type RegistryOptions struct {
	MaxConnectAttempts int
	RetryBackoffStep   time.Duration
	RetryDrainInterval time.Duration

	// Dial opens an outbound connection to an ip:port address.
	Dial func(address string) (*PeerConnection, error)
	// OnConnected is invoked for every connection that enters the
	// registry via a successful retry.
	OnConnected func(*PeerConnection)
	// OnRetriesExhausted is invoked when an address is dropped from the
	// retry queue after the attempt cap.
	OnRetriesExhausted func(address string, attempts int)
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	out := o
	if out.MaxConnectAttempts <= 0 {
		out.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if out.RetryBackoffStep <= 0 {
		out.RetryBackoffStep = DefaultRetryBackoffStep
	}
	if out.RetryDrainInterval <= 0 {
		out.RetryDrainInterval = DefaultRetryDrainInterval
	}
	return out
}

type retryEntry struct {
	address   string
	attempts  int
	nextRetry time.Time
}

// Registry holds the canonical peer-id to connection mapping plus the
// retry queue for peers that refused an outbound dial.
type Registry struct {
	opts RegistryOptions

	mu          sync.RWMutex
	connections map[string]*PeerConnection

	retryMu    sync.Mutex
	retryQueue map[string]*retryEntry

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts the retry drain loop when a
// dial function is configured.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		opts:        opts.withDefaults(),
		connections: make(map[string]*PeerConnection),
		retryQueue:  make(map[string]*retryEntry),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.opts.Dial != nil {
		r.wg.Add(1)
		go r.drainLoop()
	}
	return r
}

// Stop halts the retry loop and closes every tracked connection.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		conns := make([]*PeerConnection, 0, len(r.connections))
		for _, conn := range r.connections {
			conns = append(conns, conn)
		}
		r.connections = make(map[string]*PeerConnection)
		r.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
	})
}

// Add registers a connection under its peer ID. A previous connection for
// the same ID is closed and replaced.
func (r *Registry) Add(conn *PeerConnection) {
	r.mu.Lock()
	previous := r.connections[conn.ID()]
	r.connections[conn.ID()] = conn
	r.mu.Unlock()

	if previous != nil && previous != conn {
		_ = previous.Close()
	}

	// A live connection supersedes any pending retry for that address.
	r.retryMu.Lock()
	delete(r.retryQueue, conn.ID())
	r.retryMu.Unlock()
}

// Rekey re-registers a connection under a new peer ID and makes that ID
// the connection's canonical one. A different connection already tracked
// under the new ID is closed and superseded.
func (r *Registry) Rekey(conn *PeerConnection, newID string) {
	r.mu.Lock()
	for id, c := range r.connections {
		if c == conn {
			delete(r.connections, id)
		}
	}
	previous := r.connections[newID]
	r.connections[newID] = conn
	r.mu.Unlock()

	conn.SetCanonicalID(newID)

	if previous != nil && previous != conn {
		_ = previous.Close()
	}

	r.retryMu.Lock()
	delete(r.retryQueue, newID)
	r.retryMu.Unlock()
}

// Get returns the connection for a peer ID.
func (r *Registry) Get(peerID string) (*PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[peerID]
	return conn, ok
}

// Remove drops the connection for a peer ID if it is still the tracked
// one, returning whether a removal happened.
func (r *Registry) Remove(conn *PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.connections[conn.ID()]
	if !ok || current != conn {
		return false
	}
	delete(r.connections, conn.ID())
	return true
}

// List returns a snapshot of all tracked connections.
func (r *Registry) List() []*PeerConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerConnection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Connect dials the address immediately; on failure the address enters
// the retry queue.
func (r *Registry) Connect(address string) (*PeerConnection, error) {
	if conn, ok := r.Get(address); ok {
		return conn, nil
	}
	if r.opts.Dial == nil {
		return nil, ErrPeerNotFound
	}

	conn, err := r.opts.Dial(address)
	if err != nil {
		r.QueueRetry(address)
		return nil, err
	}
	r.Add(conn)
	return conn, nil
}

// QueueRetry schedules an address for retry. The first attempt is due
// one backoff step out; later failures push it further.
func (r *Registry) QueueRetry(address string) {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()

	if entry, ok := r.retryQueue[address]; ok {
		entry.nextRetry = time.Now().Add(time.Duration(entry.attempts+1) * r.opts.RetryBackoffStep)
		return
	}
	r.retryQueue[address] = &retryEntry{
		address:   address,
		attempts:  1,
		nextRetry: time.Now().Add(r.opts.RetryBackoffStep),
	}
}

// PendingRetries returns the addresses currently queued for retry.
func (r *Registry) PendingRetries() []string {
	r.retryMu.Lock()
	defer r.retryMu.Unlock()
	out := make([]string, 0, len(r.retryQueue))
	for address := range r.retryQueue {
		out = append(out, address)
	}
	return out
}

func (r *Registry) drainLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.RetryDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.drainOnce(time.Now())
		case <-r.ctx.Done():
			return
		}
	}
}

// drainOnce attempts every due retry entry exactly once.
func (r *Registry) drainOnce(now time.Time) {
	r.retryMu.Lock()
	due := make([]*retryEntry, 0, len(r.retryQueue))
	for _, entry := range r.retryQueue {
		if !entry.nextRetry.After(now) {
			due = append(due, entry)
		}
	}
	r.retryMu.Unlock()

	for _, entry := range due {
		if _, ok := r.Get(entry.address); ok {
			r.retryMu.Lock()
			delete(r.retryQueue, entry.address)
			r.retryMu.Unlock()
			continue
		}

		conn, err := r.opts.Dial(entry.address)
		if err == nil {
			r.Add(conn)
			if r.opts.OnConnected != nil {
				r.opts.OnConnected(conn)
			}
			continue
		}

		r.retryMu.Lock()
		entry.attempts++
		if entry.attempts >= r.opts.MaxConnectAttempts {
			delete(r.retryQueue, entry.address)
			r.retryMu.Unlock()
			if r.opts.OnRetriesExhausted != nil {
				r.opts.OnRetriesExhausted(entry.address, entry.attempts)
			}
			continue
		}
		entry.nextRetry = now.Add(time.Duration(entry.attempts) * r.opts.RetryBackoffStep)
		r.retryMu.Unlock()
	}
}
