package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_offgrid._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultMDNSBrowseInterval is the background browse period.
	DefaultMDNSBrowseInterval = 30 * time.Second
	// DefaultMDNSBrowseTimeout bounds each browse operation.
	DefaultMDNSBrowseTimeout = 3 * time.Second
)

// MDNSConfig controls the mDNS announce/browse side channel.
type MDNSConfig struct {
	Hostname      string
	ListeningPort int
	Version       string
	Capabilities  []string

	BrowseInterval time.Duration
	BrowseTimeout  time.Duration
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultMDNSBrowseInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultMDNSBrowseTimeout
	}
	return out
}

// MDNSBridge announces presence via zeroconf and feeds browsed peers into
// the discovery service. It exists beside UDP broadcast for networks that
// pass multicast DNS but filter directed broadcast.
type MDNSBridge struct {
	cfg     MDNSConfig
	service *Service

	server *zeroconf.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// StartMDNS registers the mDNS service and begins periodic browsing.
func StartMDNS(config MDNSConfig, service *Service) (*MDNSBridge, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.Hostname) == "" {
		return nil, fmt.Errorf("mdns: hostname is required")
	}
	if cfg.ListeningPort <= 0 {
		return nil, fmt.Errorf("mdns: listening port must be > 0")
	}

	txt := []string{
		"hostname=" + cfg.Hostname,
		"version=" + cfg.Version,
		"capabilities=" + strings.Join(cfg.Capabilities, ","),
	}
	server, err := zeroconf.Register(cfg.Hostname, MDNSService, MDNSDomain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	bridge := &MDNSBridge{
		cfg:     cfg,
		service: service,
		server:  server,
	}
	bridge.ctx, bridge.cancel = context.WithCancel(context.Background())
	bridge.wg.Add(1)
	go bridge.browseLoop()

	return bridge, nil
}

// Stop shuts down mDNS announcement and browsing.
func (b *MDNSBridge) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		b.server.Shutdown()
	})
}

func (b *MDNSBridge) browseLoop() {
	defer b.wg.Done()

	b.browseOnce()

	ticker := time.NewTicker(b.cfg.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.browseOnce()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *MDNSBridge) browseOnce() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return
	}

	browseCtx, cancel := context.WithTimeout(b.ctx, b.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if peer, ok := b.parseEntry(entry); ok {
				b.service.Upsert(peer)
			}
		}
	}()

	if err := resolver.Browse(browseCtx, MDNSService, MDNSDomain, entries); err != nil {
		return
	}
	<-browseCtx.Done()
	<-done
}

func (b *MDNSBridge) parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredPeer, bool) {
	if entry == nil || entry.Port <= 0 {
		return DiscoveredPeer{}, false
	}

	txt := txtToMap(entry.Text)
	hostname := txt["hostname"]
	if hostname == "" {
		hostname = strings.TrimSpace(entry.Instance)
	}
	if hostname == "" || hostname == b.cfg.Hostname {
		return DiscoveredPeer{}, false
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		if addr != nil {
			ip = addr.String()
			break
		}
	}
	if ip == "" {
		return DiscoveredPeer{}, false
	}

	var capabilities []string
	if txt["capabilities"] != "" {
		capabilities = strings.Split(txt["capabilities"], ",")
	}

	return DiscoveredPeer{
		PeerID:       net.JoinHostPort(ip, fmt.Sprintf("%d", entry.Port)),
		IP:           ip,
		Port:         entry.Port,
		Hostname:     hostname,
		Version:      txt["version"],
		Capabilities: capabilities,
		LastSeen:     time.Now(),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
