package network

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func TestRetryQueueBackoffAndDrop(t *testing.T) {
	var mu sync.Mutex
	dialCount := 0
	var exhausted []string

	registry := NewRegistry(RegistryOptions{
		MaxConnectAttempts: 3,
		RetryBackoffStep:   time.Millisecond,
		RetryDrainInterval: time.Hour, // drained manually
		Dial: func(address string) (*PeerConnection, error) {
			mu.Lock()
			dialCount++
			mu.Unlock()
			return nil, errors.New("refused")
		},
		OnRetriesExhausted: func(address string, attempts int) {
			mu.Lock()
			exhausted = append(exhausted, address)
			mu.Unlock()
		},
	})
	defer registry.Stop()

	if _, err := registry.Connect("192.0.2.1:8765"); err == nil {
		t.Fatal("Connect to refusing peer succeeded")
	}
	if got := registry.PendingRetries(); len(got) != 1 {
		t.Fatalf("got %d pending retries, want 1", len(got))
	}

	// Each drain past the due time burns one attempt until the cap.
	registry.drainOnce(time.Now().Add(time.Hour))
	registry.drainOnce(time.Now().Add(2 * time.Hour))

	if got := registry.PendingRetries(); len(got) != 0 {
		t.Fatalf("entry still queued after exhausting attempts: %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(exhausted) != 1 || exhausted[0] != "192.0.2.1:8765" {
		t.Fatalf("exhausted callback = %v, want the dropped address", exhausted)
	}
	if dialCount != 3 {
		t.Fatalf("got %d dial attempts, want 3", dialCount)
	}
}

func TestRekeyToAdvertisedAddress(t *testing.T) {
	registry := NewRegistry(RegistryOptions{RetryDrainInterval: time.Hour})
	defer registry.Stop()

	local, remote := net.Pipe()
	t.Cleanup(func() { _ = remote.Close() })
	conn, err := NewPeerConnection(local, ConnectionOptions{Cipher: testCipher(t)})
	if err != nil {
		t.Fatalf("NewPeerConnection failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ephemeral := conn.ID()
	registry.Add(conn)
	registry.Rekey(conn, "10.0.0.5:8765")

	if conn.ID() != "10.0.0.5:8765" {
		t.Fatalf("conn.ID() = %s, want the advertised address", conn.ID())
	}
	if _, ok := registry.Get(ephemeral); ok {
		t.Fatal("stale key still tracked after rekey")
	}
	if got, ok := registry.Get("10.0.0.5:8765"); !ok || got != conn {
		t.Fatal("connection not tracked under the advertised address")
	}
	if !registry.Remove(conn) {
		t.Fatal("rekeyed connection could not be removed")
	}
}

func TestRetryNotDueYet(t *testing.T) {
	registry := NewRegistry(RegistryOptions{
		RetryBackoffStep:   time.Hour,
		RetryDrainInterval: time.Hour,
		Dial: func(address string) (*PeerConnection, error) {
			t.Fatal("dialed before backoff elapsed")
			return nil, nil
		},
	})
	defer registry.Stop()

	registry.QueueRetry("192.0.2.2:8765")
	registry.drainOnce(time.Now())

	if got := registry.PendingRetries(); len(got) != 1 {
		t.Fatalf("entry dropped while still backed off: %v", got)
	}
}

func TestQueueRetryPushesBackoffOnRepeat(t *testing.T) {
	registry := NewRegistry(RegistryOptions{
		RetryBackoffStep:   time.Minute,
		RetryDrainInterval: time.Hour,
	})
	defer registry.Stop()

	registry.QueueRetry("192.0.2.3:8765")

	registry.retryMu.Lock()
	first := registry.retryQueue["192.0.2.3:8765"].nextRetry
	registry.retryMu.Unlock()

	registry.QueueRetry("192.0.2.3:8765")

	registry.retryMu.Lock()
	second := registry.retryQueue["192.0.2.3:8765"].nextRetry
	attempts := registry.retryQueue["192.0.2.3:8765"].attempts
	registry.retryMu.Unlock()

	if !second.After(first) {
		t.Fatal("repeat queueing did not push the retry out")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, repeat queueing must not burn attempts", attempts)
	}
}
