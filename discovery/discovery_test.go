package discovery

import (
	"net"
	"testing"
	"time"
)

func TestUpsertAndEviction(t *testing.T) {
	service, err := NewService(Config{
		Hostname:      "local-node",
		ListeningPort: 8765,
		DiscoveryPort: 18766,
		PeerTimeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	service.Upsert(DiscoveredPeer{
		IP:       "192.168.1.50",
		Port:     8765,
		Hostname: "other-node",
	})

	peers := service.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].PeerID != "192.168.1.50:8765" {
		t.Fatalf("peer ID = %q, want ip:port form", peers[0].PeerID)
	}
	if peers[0].LastSeen.IsZero() {
		t.Fatal("LastSeen not stamped on upsert")
	}

	select {
	case event := <-service.Events():
		if event.Type != EventPeerUpserted {
			t.Fatalf("event type = %q, want %q", event.Type, EventPeerUpserted)
		}
	default:
		t.Fatal("no upsert event emitted")
	}

	time.Sleep(80 * time.Millisecond)
	service.evictStale()

	if got := service.ListPeers(); len(got) != 0 {
		t.Fatalf("stale peer still listed after cleanup: %v", got)
	}
	select {
	case event := <-service.Events():
		if event.Type != EventPeerRemoved {
			t.Fatalf("event type = %q, want %q", event.Type, EventPeerRemoved)
		}
	default:
		t.Fatal("no removal event emitted")
	}
}

func TestUpsertRefreshDoesNotReEmit(t *testing.T) {
	service, err := NewService(Config{
		Hostname:      "local-node",
		ListeningPort: 8765,
		DiscoveryPort: 18766,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	peer := DiscoveredPeer{IP: "10.0.0.7", Port: 9000, Hostname: "repeat"}
	service.Upsert(peer)
	<-service.Events()

	service.Upsert(peer)
	select {
	case event := <-service.Events():
		t.Fatalf("unchanged upsert re-emitted event %v", event)
	default:
	}
}

func TestHandleDatagramIgnoresSelf(t *testing.T) {
	service, err := NewService(Config{
		Hostname:      "local-node",
		ListeningPort: 8765,
		DiscoveryPort: 18766,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	service.handleDatagram(Datagram{
		Type:     TypeDiscovery,
		IP:       "192.0.2.1",
		Port:     8765,
		Hostname: "local-node",
	}, nil)

	if got := service.ListPeers(); len(got) != 0 {
		t.Fatalf("own hostname recorded as peer: %v", got)
	}
}

func TestHandleDatagramRejectsInvalid(t *testing.T) {
	service, err := NewService(Config{
		Hostname:      "local-node",
		ListeningPort: 8765,
		DiscoveryPort: 18766,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	service.handleDatagram(Datagram{Type: "chat", IP: "192.0.2.9", Port: 8765}, nil)
	service.handleDatagram(Datagram{Type: TypeDiscovery, IP: "192.0.2.9", Port: 0}, nil)

	if got := service.ListPeers(); len(got) != 0 {
		t.Fatalf("invalid datagrams recorded peers: %v", got)
	}
}

func TestSubnetBroadcastAddr(t *testing.T) {
	cases := []struct {
		ip   string
		mask net.IPMask
		want string
	}{
		{"192.168.1.23", net.CIDRMask(24, 32), "192.168.1.255"},
		{"10.1.2.3", net.CIDRMask(16, 32), "10.1.255.255"},
		{"172.16.5.9", net.CIDRMask(20, 32), "172.16.15.255"},
	}
	for _, tc := range cases {
		network := &net.IPNet{IP: net.ParseIP(tc.ip).To4(), Mask: tc.mask}
		if got := subnetBroadcastAddr(network); got.String() != tc.want {
			t.Errorf("broadcast(%s/%v) = %s, want %s", tc.ip, tc.mask, got, tc.want)
		}
	}
}

func TestSampledHosts(t *testing.T) {
	hosts := sampledHosts(net.ParseIP("192.168.1.23"), 10)
	if len(hosts) == 0 {
		t.Fatal("no sampled hosts returned")
	}
	for _, host := range hosts {
		if host[3] == 23 {
			t.Fatal("sample includes the local host itself")
		}
		if host.String()[:10] != "192.168.1." {
			t.Fatalf("sample left the /24: %s", host)
		}
	}
	if hosts[0].String() != "192.168.1.1" {
		t.Fatalf("first sample = %s, want 192.168.1.1", hosts[0])
	}
	if got := len(hosts); got != 26 {
		t.Fatalf("got %d samples, want 26", got)
	}
}
