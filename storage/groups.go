package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Group is a named peer group. The core only consumes the membership
// predicate; create/rename/delete flows belong to the UI collaborator.
type Group struct {
	GroupID   string
	Name      string
	OwnerID   string
	CreatedAt int64
}

// CreateGroup inserts a new group.
func (s *Store) CreateGroup(group Group) error {
	if group.GroupID == "" {
		return errors.New("group ID is required")
	}
	if group.CreatedAt == 0 {
		group.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(
		"INSERT INTO groups (group_id, name, owner_id, created_at) VALUES (?, ?, ?, ?);",
		group.GroupID, group.Name, group.OwnerID, group.CreatedAt)
	if err != nil {
		return fmt.Errorf("create group %q: %w", group.GroupID, err)
	}
	return nil
}

// GetGroup returns one group by ID.
func (s *Store) GetGroup(groupID string) (*Group, error) {
	var group Group
	err := s.db.QueryRow(
		"SELECT group_id, name, owner_id, created_at FROM groups WHERE group_id = ?;",
		groupID).Scan(&group.GroupID, &group.Name, &group.OwnerID, &group.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", groupID, err)
	}
	return &group, nil
}

// DeleteGroup removes a group and, via cascade, its membership rows.
func (s *Store) DeleteGroup(groupID string) error {
	if _, err := s.db.Exec("DELETE FROM groups WHERE group_id = ?;", groupID); err != nil {
		return fmt.Errorf("delete group %q: %w", groupID, err)
	}
	return nil
}

// AddGroupMember adds a peer to a group.
func (s *Store) AddGroupMember(groupID, peerID string) error {
	if groupID == "" || peerID == "" {
		return errors.New("group ID and peer ID are required")
	}

	_, err := s.db.Exec(`
INSERT INTO group_members (group_id, peer_id, joined_at) VALUES (?, ?, ?)
ON CONFLICT(group_id, peer_id) DO NOTHING;
`, groupID, peerID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add member %q to group %q: %w", peerID, groupID, err)
	}
	return nil
}

// RemoveGroupMember removes a peer from a group.
func (s *Store) RemoveGroupMember(groupID, peerID string) error {
	_, err := s.db.Exec(
		"DELETE FROM group_members WHERE group_id = ? AND peer_id = ?;", groupID, peerID)
	if err != nil {
		return fmt.Errorf("remove member %q from group %q: %w", peerID, groupID, err)
	}
	return nil
}

// IsGroupMember reports whether a peer belongs to a group. This is the
// membership predicate the relay and call-signaling components consume.
func (s *Store) IsGroupMember(groupID, peerID string) bool {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM group_members WHERE group_id = ? AND peer_id = ?;",
		groupID, peerID).Scan(&one)
	return err == nil
}

// ListGroupMembers returns the peer IDs in a group.
func (s *Store) ListGroupMembers(groupID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT peer_id FROM group_members WHERE group_id = ? ORDER BY joined_at, peer_id;", groupID)
	if err != nil {
		return nil, fmt.Errorf("list members of group %q: %w", groupID, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var members []string
	for rows.Next() {
		var peerID string
		if err := rows.Scan(&peerID); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, peerID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members of group %q: %w", groupID, err)
	}
	return members, nil
}
