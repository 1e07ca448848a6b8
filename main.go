package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/config"
	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/crypto"
	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/discovery"
	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/network"
	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("offgrid ")

	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run() error {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingSharedSecret) {
			return fmt.Errorf("%w: set \"shared_secret\" in %s", err, cfgPath)
		}
		return err
	}

	cipher, err := crypto.NewCipherFromSecret(cfg.SharedSecret)
	if err != nil {
		return err
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Printf("peer database at %s", dbPath)

	node, err := network.NewNode(network.Options{
		Hostname:      cfg.Hostname,
		ListeningPort: cfg.ListeningPort,
		Version:       config.ProtocolVersion,
		Capabilities:  cfg.Capabilities,
		Cipher:        cipher,
		AccessCode:    cfg.AccessCode,
		DownloadsDir:  cfg.DownloadsDir,
		IsGroupMember: store.IsGroupMember,
		OnPeerAuthorized: func(info network.PeerInfo) {
			record := storage.Peer{
				PeerID:       info.PeerID,
				Hostname:     info.Hostname,
				IP:           info.IP,
				Port:         info.Port,
				Version:      info.Version,
				Capabilities: info.Capabilities,
			}
			if err := store.UpsertPeer(record); err != nil {
				log.Printf("persist peer %s: %v", info.PeerID, err)
				return
			}
			if err := store.VerifyPeer(info.PeerID); err != nil {
				log.Printf("mark peer %s verified: %v", info.PeerID, err)
			}
		},
	})
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()
	log.Printf("listening on :%d as %q", cfg.ListeningPort, cfg.Hostname)

	disc, err := discovery.NewService(discovery.Config{
		Hostname:         cfg.Hostname,
		ListeningPort:    cfg.ListeningPort,
		DiscoveryPort:    cfg.DiscoveryPort,
		Version:          config.ProtocolVersion,
		Capabilities:     cfg.Capabilities,
		GatewayAddresses: cfg.GatewayAddresses,
	})
	if err != nil {
		return err
	}
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()
	log.Printf("discovery broadcasting on :%d", cfg.DiscoveryPort)

	mdns, err := discovery.StartMDNS(discovery.MDNSConfig{
		Hostname:      cfg.Hostname,
		ListeningPort: cfg.ListeningPort,
		Version:       config.ProtocolVersion,
		Capabilities:  cfg.Capabilities,
	}, disc)
	if err != nil {
		log.Printf("mDNS unavailable: %v", err)
	} else {
		defer mdns.Stop()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case event := <-disc.Events():
			switch event.Type {
			case discovery.EventPeerUpserted:
				address := net.JoinHostPort(event.Peer.IP, fmt.Sprintf("%d", event.Peer.Port))
				go func() {
					if err := node.ConnectToPeer(address); err != nil {
						log.Printf("connect to %s: %v (queued for retry)", address, err)
					}
				}()
			case discovery.EventPeerRemoved:
				log.Printf("peer %s disappeared from discovery", event.Peer.PeerID)
			}

		case event := <-node.Events():
			logNodeEvent(event)

		case err := <-node.Errors():
			log.Printf("network: %v", err)

		case err := <-disc.Errors():
			log.Printf("discovery: %v", err)

		case sig := <-stop:
			log.Printf("received %s, shutting down", sig)
			return nil
		}
	}
}

func logNodeEvent(event network.Event) {
	switch event.Type {
	case network.EventPeerAuthorized:
		log.Printf("peer %s authorized", event.PeerID)
	case network.EventPeerLeft:
		log.Printf("peer %s left", event.PeerID)
	case network.EventTransferProgress:
		log.Printf("transfer %s: %d%%", event.TransferID, event.Percent)
	case network.EventTransferComplete:
		log.Printf("transfer %s complete", event.TransferID)
	case network.EventTransferError:
		log.Printf("transfer %s failed: %s", event.TransferID, event.Reason)
	case network.EventCallIncoming:
		log.Printf("incoming call %s from %s", event.CallID, event.PeerID)
	case network.EventCallFailed:
		log.Printf("call %s failed: %s", event.CallID, event.Reason)
	default:
		log.Printf("event %s peer=%s", event.Type, event.PeerID)
	}
}
