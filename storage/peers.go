package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Peer is a known remote node, keyed by its ip:port identity.
type Peer struct {
	PeerID       string
	Hostname     string
	IP           string
	Port         int
	Version      string
	Capabilities []string
	Authorized   bool
	FirstSeen    int64
	LastSeen     int64
}

// UpsertPeer inserts or refreshes a known-peer record. The authorized flag
// is never flipped here; VerifyPeer is the only write path for it.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.PeerID == "" {
		return errors.New("peer ID is required")
	}
	now := time.Now().UnixMilli()
	if peer.FirstSeen == 0 {
		peer.FirstSeen = now
	}
	if peer.LastSeen == 0 {
		peer.LastSeen = now
	}

	_, err := s.db.Exec(`
INSERT INTO peers (peer_id, hostname, ip, port, version, capabilities, authorized, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT(peer_id) DO UPDATE SET
  hostname     = excluded.hostname,
  ip           = excluded.ip,
  port         = excluded.port,
  version      = excluded.version,
  capabilities = excluded.capabilities,
  last_seen    = excluded.last_seen;
`, peer.PeerID, peer.Hostname, peer.IP, peer.Port, peer.Version,
		strings.Join(peer.Capabilities, ","), peer.FirstSeen, peer.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.PeerID, err)
	}
	return nil
}

// VerifyPeer marks a peer authorized. This is the only write path for the flag.
func (s *Store) VerifyPeer(peerID string) error {
	result, err := s.db.Exec(
		"UPDATE peers SET authorized = 1, last_seen = ? WHERE peer_id = ?;",
		time.Now().UnixMilli(), peerID)
	if err != nil {
		return fmt.Errorf("verify peer %q: %w", peerID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify peer %q: %w", peerID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchPeer refreshes last_seen for an existing peer.
func (s *Store) TouchPeer(peerID string) error {
	_, err := s.db.Exec(
		"UPDATE peers SET last_seen = ? WHERE peer_id = ?;",
		time.Now().UnixMilli(), peerID)
	if err != nil {
		return fmt.Errorf("touch peer %q: %w", peerID, err)
	}
	return nil
}

// GetPeer returns one known peer by ID.
func (s *Store) GetPeer(peerID string) (*Peer, error) {
	row := s.db.QueryRow(`
SELECT peer_id, hostname, ip, port, version, capabilities, authorized, first_seen, last_seen
FROM peers WHERE peer_id = ?;
`, peerID)
	return scanPeer(row)
}

// ListPeers returns all known peers ordered by most recently seen.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`
SELECT peer_id, hostname, ip, port, version, capabilities, authorized, first_seen, last_seen
FROM peers ORDER BY last_seen DESC, peer_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var peers []Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	return peers, nil
}

// RemovePeer deletes a known-peer record.
func (s *Store) RemovePeer(peerID string) error {
	if _, err := s.db.Exec("DELETE FROM peers WHERE peer_id = ?;", peerID); err != nil {
		return fmt.Errorf("remove peer %q: %w", peerID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (*Peer, error) {
	var peer Peer
	var capabilities string
	var authorized int
	err := row.Scan(&peer.PeerID, &peer.Hostname, &peer.IP, &peer.Port,
		&peer.Version, &capabilities, &authorized, &peer.FirstSeen, &peer.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan peer: %w", err)
	}

	peer.Authorized = authorized != 0
	if capabilities != "" {
		peer.Capabilities = strings.Split(capabilities, ",")
	}
	return &peer, nil
}
