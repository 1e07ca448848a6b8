package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// TypeDiscovery is the broadcast presence datagram type.
	TypeDiscovery = "discovery"
	// TypeDiscoveryResponse is the unicast reply to a discovery datagram.
	TypeDiscoveryResponse = "discovery_response"

	// DefaultBroadcastInterval is the presence announcement period.
	DefaultBroadcastInterval = 30 * time.Second
	// DefaultPeerTimeout evicts peers not seen for three broadcast intervals.
	DefaultPeerTimeout = 90 * time.Second
	// DefaultCleanupInterval is the eviction sweep period.
	DefaultCleanupInterval = 30 * time.Second

	maxDatagramSize = 4096
)

const (
	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer times out.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for UI/network consumers.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// Datagram is the plaintext JSON presence announcement. Discovery runs
// before any authorization handshake, so it is intentionally unencrypted.
type Datagram struct {
	Type         string   `json:"type"`
	IP           string   `json:"ip"`
	Port         int      `json:"port"`
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// DiscoveredPeer is a LAN presence record, independent of any live connection.
type DiscoveredPeer struct {
	PeerID       string
	IP           string
	Port         int
	Hostname     string
	Version      string
	Capabilities []string
	LastSeen     time.Time
}

// Config controls the UDP discovery service.
type Config struct {
	Hostname      string
	ListeningPort int
	DiscoveryPort int
	Version       string
	Capabilities  []string

	// GatewayAddresses are extra unicast targets announced to on every
	// broadcast pass, for segments that filter broadcast traffic.
	GatewayAddresses []string

	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	CleanupInterval   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = DefaultCleanupInterval
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	if c.DiscoveryPort <= 0 {
		return errors.New("discovery port must be > 0")
	}
	return nil
}

// Service announces local presence over UDP broadcast and tracks peers
// announcing themselves the same way.
type Service struct {
	cfg Config

	conn *net.UDPConn

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event
	errs   chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
}

// NewService creates a discovery service with config defaults applied.
func NewService(config Config) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Service{
		cfg:    cfg,
		peers:  make(map[string]DiscoveredPeer),
		events: make(chan Event, 128),
		errs:   make(chan error, 32),
	}, nil
}

// Start binds the discovery socket and begins announcing and listening.
func (s *Service) Start() error {
	s.startOnce.Do(func() {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.DiscoveryPort})
		if err != nil {
			s.startErr = fmt.Errorf("bind discovery port %d: %w", s.cfg.DiscoveryPort, err)
			return
		}
		s.conn = conn
		s.ctx, s.cancel = context.WithCancel(context.Background())

		s.wg.Add(3)
		go s.readLoop()
		go s.broadcastLoop()
		go s.cleanupLoop()
	})
	return s.startErr
}

// Stop halts announcement and listening and closes the events channel.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Errors returns asynchronous discovery errors.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// ListPeers returns the current discovered-peer snapshot.
func (s *Service) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Upsert records presence for a peer and refreshes its last-seen time.
// The mDNS browser and the UDP listener both feed this entry point.
func (s *Service) Upsert(peer DiscoveredPeer) {
	if peer.PeerID == "" {
		peer.PeerID = net.JoinHostPort(peer.IP, fmt.Sprintf("%d", peer.Port))
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = time.Now()
	}

	s.mu.Lock()
	previous, existed := s.peers[peer.PeerID]
	s.peers[peer.PeerID] = peer
	s.mu.Unlock()

	if !existed || !peersEqual(previous, peer) {
		s.emitEvent(Event{Type: EventPeerUpserted, Peer: peer})
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()

	buffer := make([]byte, maxDatagramSize)
	for {
		n, sender, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.reportError(fmt.Errorf("read discovery datagram: %w", err))
			continue
		}

		var datagram Datagram
		if err := json.Unmarshal(buffer[:n], &datagram); err != nil {
			continue
		}
		s.handleDatagram(datagram, sender)
	}
}

func (s *Service) handleDatagram(datagram Datagram, sender *net.UDPAddr) {
	if datagram.Type != TypeDiscovery && datagram.Type != TypeDiscoveryResponse {
		return
	}
	if datagram.Port <= 0 {
		return
	}

	ip := datagram.IP
	if ip == "" && sender != nil {
		ip = sender.IP.String()
	}
	if s.isSelf(ip, datagram.Hostname) {
		return
	}

	s.Upsert(DiscoveredPeer{
		PeerID:       net.JoinHostPort(ip, fmt.Sprintf("%d", datagram.Port)),
		IP:           ip,
		Port:         datagram.Port,
		Hostname:     datagram.Hostname,
		Version:      datagram.Version,
		Capabilities: datagram.Capabilities,
		LastSeen:     time.Now(),
	})

	// A broadcast announcement gets a direct reply so the announcing side
	// learns about us without waiting for our next broadcast pass.
	if datagram.Type == TypeDiscovery && sender != nil {
		if err := s.sendTo(sender, s.selfDatagram(TypeDiscoveryResponse)); err != nil {
			s.reportError(fmt.Errorf("send discovery response to %s: %w", sender, err))
		}
	}
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	// Announce immediately so fresh nodes show up without waiting a full interval.
	s.broadcastOnce()

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastOnce()
		case <-s.ctx.Done():
			return
		}
	}
}

// broadcastOnce announces presence along every path at once: subnet
// broadcast per interface, the global broadcast address, configured
// gateways, and a /24 sweep. Broadcast filtering on any single path must
// not make the node invisible.
func (s *Service) broadcastOnce() {
	datagram := s.selfDatagram(TypeDiscovery)

	for _, target := range s.broadcastTargets() {
		if err := s.sendTo(target, datagram); err != nil {
			s.reportError(fmt.Errorf("announce to %s: %w", target, err))
		}
	}
}

func (s *Service) broadcastTargets() []*net.UDPAddr {
	var targets []*net.UDPAddr
	seen := make(map[string]struct{})
	add := func(ip net.IP) {
		if ip == nil {
			return
		}
		key := ip.String()
		if _, exists := seen[key]; exists {
			return
		}
		seen[key] = struct{}{}
		targets = append(targets, &net.UDPAddr{IP: ip, Port: s.cfg.DiscoveryPort})
	}

	add(net.IPv4bcast)

	for _, network := range localIPv4Networks() {
		add(subnetBroadcastAddr(network))

		// Every 10th host of the local /24 catches segments where both
		// subnet and global broadcast are filtered.
		if hosts := sampledHosts(network.IP, 10); hosts != nil {
			for _, host := range hosts {
				add(host)
			}
		}
	}

	for _, gateway := range s.cfg.GatewayAddresses {
		if ip := net.ParseIP(gateway); ip != nil {
			add(ip.To4())
		}
	}

	return targets
}

func (s *Service) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictStale()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) evictStale() {
	cutoff := time.Now().Add(-s.cfg.PeerTimeout)

	s.mu.Lock()
	var removed []DiscoveredPeer
	for id, peer := range s.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			removed = append(removed, peer)
		}
	}
	s.mu.Unlock()

	for _, peer := range removed {
		s.emitEvent(Event{Type: EventPeerRemoved, Peer: peer})
	}
}

func (s *Service) selfDatagram(datagramType string) Datagram {
	return Datagram{
		Type:         datagramType,
		IP:           preferredLocalIP(),
		Port:         s.cfg.ListeningPort,
		Hostname:     s.cfg.Hostname,
		Version:      s.cfg.Version,
		Capabilities: s.cfg.Capabilities,
	}
}

func (s *Service) sendTo(addr *net.UDPAddr, datagram Datagram) error {
	payload, err := json.Marshal(datagram)
	if err != nil {
		return fmt.Errorf("marshal discovery datagram: %w", err)
	}
	if _, err := s.conn.WriteToUDP(payload, addr); err != nil {
		return err
	}
	return nil
}

func (s *Service) isSelf(ip, hostname string) bool {
	if hostname != "" && hostname == s.cfg.Hostname {
		return true
	}
	if ip == "" {
		return false
	}
	for _, network := range localIPv4Networks() {
		if network.IP.String() == ip {
			return true
		}
	}
	return ip == "127.0.0.1"
}

func (s *Service) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *Service) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func localIPv4Networks() []*net.IPNet {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var networks []*net.IPNet
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			network, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := network.IP.To4(); ip != nil {
				networks = append(networks, &net.IPNet{IP: ip, Mask: network.Mask})
			}
		}
	}
	return networks
}

// subnetBroadcastAddr computes the directed broadcast address: the
// interface address OR'd with the inverted netmask.
func subnetBroadcastAddr(network *net.IPNet) net.IP {
	ip := network.IP.To4()
	mask := network.Mask
	if ip == nil || len(mask) != net.IPv4len {
		return nil
	}

	broadcast := make(net.IP, net.IPv4len)
	for i := range broadcast {
		broadcast[i] = ip[i] | ^mask[i]
	}
	return broadcast
}

// sampledHosts returns every step-th host address of the /24 containing ip.
func sampledHosts(ip net.IP, step int) []net.IP {
	v4 := ip.To4()
	if v4 == nil || step <= 0 {
		return nil
	}

	var hosts []net.IP
	for host := 1; host < 255; host += step {
		candidate := make(net.IP, net.IPv4len)
		copy(candidate, v4)
		candidate[3] = byte(host)
		if candidate[3] == v4[3] {
			continue
		}
		hosts = append(hosts, candidate)
	}
	return hosts
}

func preferredLocalIP() string {
	for _, network := range localIPv4Networks() {
		return network.IP.String()
	}
	return ""
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.PeerID != b.PeerID ||
		a.IP != b.IP ||
		a.Port != b.Port ||
		a.Hostname != b.Hostname ||
		a.Version != b.Version ||
		len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}
