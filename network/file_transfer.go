package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/23CS020DhadukJeet/Offgrid-Messenger-sub000/crypto"
)

const (
	// DefaultChunkSize splits files into 1 MiB chunks.
	DefaultChunkSize = 1 << 20
	// DefaultChunkPacing is the pause between chunk sends so one transfer
	// cannot starve chat traffic on the shared connection.
	DefaultChunkPacing = 10 * time.Millisecond
	// DefaultChunkRetryInitial seeds the exponential chunk retry.
	DefaultChunkRetryInitial = time.Second
	// DefaultMaxChunkRetries bounds retries per chunk before the transfer
	// fails.
	DefaultMaxChunkRetries = 5
	// DefaultTransferRetention keeps finished transfers visible briefly.
	DefaultTransferRetention = 5 * time.Second
	// DefaultAcceptTimeout bounds how long a sender waits for the
	// receiver's decision.
	DefaultAcceptTimeout = 60 * time.Second
)

// TransferDirection distinguishes sending from receiving transfers.
type TransferDirection string

const (
	DirectionSend    TransferDirection = "send"
	DirectionReceive TransferDirection = "receive"
)

// TransferStatus is the transfer lifecycle state.
type TransferStatus string

const (
	StatusInitiating         TransferStatus = "initiating"
	StatusAwaitingAcceptance TransferStatus = "awaiting_acceptance"
	StatusSending            TransferStatus = "sending"
	StatusReceiving          TransferStatus = "receiving"
	StatusCompleted          TransferStatus = "completed"
	StatusRejected           TransferStatus = "rejected"
	StatusCancelled          TransferStatus = "cancelled"
	StatusError              TransferStatus = "error"
)

var errChunkSendFailed = errors.New("network: chunk send failed")

// TransferOptions tunes chunking and retry behaviour.
type TransferOptions struct {
	ChunkSize         int
	ChunkPacing       time.Duration
	ChunkRetryInitial time.Duration
	MaxChunkRetries   int
	Retention         time.Duration
	AcceptTimeout     time.Duration
}

func (o TransferOptions) withDefaults() TransferOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkPacing <= 0 {
		out.ChunkPacing = DefaultChunkPacing
	}
	if out.ChunkRetryInitial <= 0 {
		out.ChunkRetryInitial = DefaultChunkRetryInitial
	}
	if out.MaxChunkRetries <= 0 {
		out.MaxChunkRetries = DefaultMaxChunkRetries
	}
	if out.Retention <= 0 {
		out.Retention = DefaultTransferRetention
	}
	if out.AcceptTimeout <= 0 {
		out.AcceptTimeout = DefaultAcceptTimeout
	}
	return out
}

// TransferDeps wires the manager into the node's relay and event plumbing.
type TransferDeps struct {
	LocalID      string
	DownloadsDir string
	Cipher       *crypto.Cipher

	Send          func(peerID string, message any) bool
	SendToGroup   func(groupID string, message any, exceptID string) int
	IsGroupMember func(groupID, peerID string) bool
	Approve       func(FileRequest) bool
	Emit          func(Event)
	ReportError   func(error)
}

// Transfer tracks one file transfer in either direction. Receivers buffer
// chunks sparsely: out-of-order and duplicate arrivals are tolerated, the
// last write for an index wins.
type Transfer struct {
	mu sync.Mutex

	ID          string
	Direction   TransferDirection
	PeerID      string
	GroupID     string
	Filename    string
	Filesize    int64
	TotalChunks int

	SourcePath string
	DestPath   string

	status         TransferStatus
	sentChunks     int
	receivedChunks int
	chunks         map[int][]byte
	reassembled    bool

	acceptCh chan bool
	cancelFn context.CancelFunc
	evict    *time.Timer

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status returns the current lifecycle state.
func (t *Transfer) Status() TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the whole-number completion percentage.
func (t *Transfer) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

func (t *Transfer) progressLocked() int {
	if t.TotalChunks <= 0 {
		return 100
	}
	done := t.sentChunks
	if t.Direction == DirectionReceive {
		done = t.receivedChunks
	}
	return done * 100 / t.TotalChunks
}

func (t *Transfer) setStatus(status TransferStatus) {
	t.mu.Lock()
	t.status = status
	t.UpdatedAt = time.Now()
	t.mu.Unlock()
}

// terminal reports whether the transfer reached a final state.
func (t *Transfer) terminal() bool {
	switch t.Status() {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusError:
		return true
	}
	return false
}

// TransferManager owns every in-flight transfer on the node.
type TransferManager struct {
	deps TransferDeps
	opts TransferOptions

	mu        sync.RWMutex
	transfers map[string]*Transfer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewTransferManager builds a manager bound to the node's send paths.
func NewTransferManager(deps TransferDeps, opts TransferOptions) *TransferManager {
	m := &TransferManager{
		deps:      deps,
		opts:      opts.withDefaults(),
		transfers: make(map[string]*Transfer),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Stop cancels every stream goroutine and eviction timer.
func (m *TransferManager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		for _, t := range m.transfers {
			if t.evict != nil {
				t.evict.Stop()
			}
		}
		m.mu.Unlock()
		m.wg.Wait()
	})
}

// Get returns a transfer by ID.
func (m *TransferManager) Get(transferID string) (*Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[transferID]
	return t, ok
}

// List returns a snapshot of all tracked transfers.
func (m *TransferManager) List() []*Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	return out
}

func (m *TransferManager) track(t *Transfer) {
	m.mu.Lock()
	m.transfers[t.ID] = t
	m.mu.Unlock()
}

// scheduleEvict drops a terminal transfer from the table after the
// retention window.
func (m *TransferManager) scheduleEvict(t *Transfer) {
	t.mu.Lock()
	if t.evict == nil {
		t.evict = time.AfterFunc(m.opts.Retention, func() {
			m.mu.Lock()
			delete(m.transfers, t.ID)
			m.mu.Unlock()
		})
	}
	t.mu.Unlock()
}

// SendFile offers a file to one peer and streams it once accepted. It
// returns the transfer ID immediately; progress arrives via events.
func (m *TransferManager) SendFile(peerID, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("send %s: is a directory", path)
	}

	t := &Transfer{
		ID:          uuid.NewString(),
		Direction:   DirectionSend,
		PeerID:      peerID,
		Filename:    filepath.Base(path),
		Filesize:    info.Size(),
		TotalChunks: totalChunksFor(info.Size(), m.opts.ChunkSize),
		SourcePath:  path,
		status:      StatusInitiating,
		acceptCh:    make(chan bool, 1),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.track(t)

	request := FileRequest{
		Type:        TypeFileRequest,
		TransferID:  t.ID,
		From:        m.deps.LocalID,
		Filename:    t.Filename,
		Filesize:    t.Filesize,
		TotalChunks: t.TotalChunks,
		Timestamp:   time.Now().UnixMilli(),
	}
	if !m.deps.Send(peerID, request) {
		m.failTransfer(t, "peer not reachable")
		return "", fmt.Errorf("offer file to %s: %w", peerID, ErrPeerNotFound)
	}
	t.setStatus(StatusAwaitingAcceptance)

	streamCtx, cancel := context.WithCancel(m.ctx)
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.runSendStream(streamCtx, t)
	}()

	return t.ID, nil
}

// SendFileToGroup fans a file out to every connected group member. Group
// transfers skip per-receiver acceptance: members store chunks as they
// arrive.
func (m *TransferManager) SendFileToGroup(groupID, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("send %s: is a directory", path)
	}

	t := &Transfer{
		ID:          uuid.NewString(),
		Direction:   DirectionSend,
		GroupID:     groupID,
		Filename:    filepath.Base(path),
		Filesize:    info.Size(),
		TotalChunks: totalChunksFor(info.Size(), m.opts.ChunkSize),
		SourcePath:  path,
		status:      StatusSending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.track(t)

	request := FileRequest{
		Type:        TypeGroupFileRequest,
		TransferID:  t.ID,
		From:        m.deps.LocalID,
		GroupID:     groupID,
		Filename:    t.Filename,
		Filesize:    t.Filesize,
		TotalChunks: t.TotalChunks,
		Timestamp:   time.Now().UnixMilli(),
	}
	if m.deps.SendToGroup(groupID, request, "") == 0 {
		m.failTransfer(t, "no group members reachable")
		return "", fmt.Errorf("offer file to group %s: %w", groupID, ErrPeerNotFound)
	}

	streamCtx, cancel := context.WithCancel(m.ctx)
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.streamChunks(streamCtx, t)
	}()

	return t.ID, nil
}

// runSendStream waits for the receiver's decision, then streams chunks.
func (m *TransferManager) runSendStream(ctx context.Context, t *Transfer) {
	timer := time.NewTimer(m.opts.AcceptTimeout)
	defer timer.Stop()

	select {
	case accepted := <-t.acceptCh:
		if !accepted {
			t.setStatus(StatusRejected)
			m.emitTransfer(EventTransferRejected, t, "")
			m.scheduleEvict(t)
			return
		}
	case <-timer.C:
		m.failTransfer(t, "acceptance timed out")
		return
	case <-ctx.Done():
		return
	}

	t.setStatus(StatusSending)
	m.emitTransfer(EventTransferAccepted, t, "")
	m.streamChunks(ctx, t)
}

// streamChunks reads, seals and sends every chunk in order with pacing
// and bounded per-chunk retry.
func (m *TransferManager) streamChunks(ctx context.Context, t *Transfer) {
	file, err := os.Open(t.SourcePath)
	if err != nil {
		m.failTransfer(t, fmt.Sprintf("open source: %v", err))
		return
	}
	defer file.Close()

	buf := make([]byte, m.opts.ChunkSize)
	lastPercent := -1

	for index := 0; index < t.TotalChunks; index++ {
		if ctx.Err() != nil {
			return
		}

		n, err := file.ReadAt(buf, int64(index)*int64(m.opts.ChunkSize))
		if err != nil && !errors.Is(err, io.EOF) {
			m.failTransfer(t, fmt.Sprintf("read chunk %d: %v", index, err))
			return
		}
		if n == 0 {
			m.failTransfer(t, fmt.Sprintf("read chunk %d: empty read", index))
			return
		}

		sealed, err := m.deps.Cipher.SealBytes(buf[:n])
		if err != nil {
			m.failTransfer(t, fmt.Sprintf("seal chunk %d: %v", index, err))
			return
		}

		chunk := FileChunk{
			Type:        TypeFileChunk,
			TransferID:  t.ID,
			From:        m.deps.LocalID,
			GroupID:     t.GroupID,
			ChunkIndex:  index,
			TotalChunks: t.TotalChunks,
			ChunkSize:   n,
			Data:        base64.StdEncoding.EncodeToString(sealed),
			Timestamp:   time.Now().UnixMilli(),
		}
		if t.GroupID != "" {
			chunk.Type = TypeGroupFileChunk
		}

		if err := m.sendChunkWithRetry(ctx, t, chunk); err != nil {
			if ctx.Err() == nil {
				m.failTransfer(t, fmt.Sprintf("chunk %d undeliverable: %v", index, err))
			}
			return
		}

		t.mu.Lock()
		t.sentChunks = index + 1
		t.UpdatedAt = time.Now()
		percent := t.progressLocked()
		t.mu.Unlock()

		if percent != lastPercent {
			lastPercent = percent
			m.emitProgress(t, percent)
		}

		select {
		case <-time.After(m.opts.ChunkPacing):
		case <-ctx.Done():
			return
		}
	}

	complete := FileTransferComplete{
		Type:       TypeFileTransferComplete,
		TransferID: t.ID,
		From:       m.deps.LocalID,
		GroupID:    t.GroupID,
		Timestamp:  time.Now().UnixMilli(),
	}
	if t.GroupID != "" {
		complete.Type = TypeGroupFileComplete
		m.deps.SendToGroup(t.GroupID, complete, "")
	} else {
		m.deps.Send(t.PeerID, complete)
	}

	t.setStatus(StatusCompleted)
	m.emitTransfer(EventTransferComplete, t, "")
	m.scheduleEvict(t)
}

// sendChunkWithRetry retries a failed chunk send with exponential backoff
// up to the configured cap. A chunk that exhausts its retries fails the
// whole transfer rather than stalling it forever.
func (m *TransferManager) sendChunkWithRetry(ctx context.Context, t *Transfer, chunk FileChunk) error {
	operation := func() error {
		if t.GroupID != "" {
			if m.deps.SendToGroup(t.GroupID, chunk, "") == 0 {
				return errChunkSendFailed
			}
			return nil
		}
		if !m.deps.Send(t.PeerID, chunk) {
			return errChunkSendFailed
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.ChunkRetryInitial
	policy.MaxElapsedTime = 0

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(m.opts.MaxChunkRetries)), ctx))
}

// HandleFileRequest processes an inbound transfer offer.
func (m *TransferManager) HandleFileRequest(peerID string, payload []byte) {
	var msg FileRequest
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("file_request from %s: %w", peerID, err))
		return
	}
	if msg.TransferID == "" || msg.TotalChunks < 0 {
		m.deps.ReportError(fmt.Errorf("file_request from %s: missing transfer id", peerID))
		return
	}
	if msg.GroupID != "" && !m.deps.IsGroupMember(msg.GroupID, peerID) {
		m.deps.ReportError(fmt.Errorf("group file from non-member %s: %w", peerID, ErrUnauthorized))
		return
	}
	if _, exists := m.Get(msg.TransferID); exists {
		return
	}

	t := &Transfer{
		ID:          msg.TransferID,
		Direction:   DirectionReceive,
		PeerID:      peerID,
		GroupID:     msg.GroupID,
		Filename:    filepath.Base(msg.Filename),
		Filesize:    msg.Filesize,
		TotalChunks: msg.TotalChunks,
		status:      StatusAwaitingAcceptance,
		chunks:      make(map[int][]byte),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.track(t)

	event := newEvent(EventFileOffer)
	event.PeerID = peerID
	event.GroupID = msg.GroupID
	event.TransferID = t.ID
	event.Payload = msg
	m.deps.Emit(event)

	// Group fan-out has no acceptance round trip.
	if msg.GroupID != "" {
		t.setStatus(StatusReceiving)
		if t.TotalChunks == 0 {
			m.reassemble(t)
		}
		return
	}

	if m.deps.Approve != nil {
		if m.deps.Approve(msg) {
			m.acceptLocked(t)
		} else {
			m.rejectLocked(t, "declined")
		}
	}
}

// AcceptTransfer accepts a pending inbound offer.
func (m *TransferManager) AcceptTransfer(transferID string) error {
	t, ok := m.Get(transferID)
	if !ok {
		return ErrTransferNotFound
	}
	if t.Direction != DirectionReceive || t.Status() != StatusAwaitingAcceptance {
		return fmt.Errorf("accept transfer %s: not awaiting acceptance", transferID)
	}
	m.acceptLocked(t)
	return nil
}

// RejectTransfer declines a pending inbound offer.
func (m *TransferManager) RejectTransfer(transferID, reason string) error {
	t, ok := m.Get(transferID)
	if !ok {
		return ErrTransferNotFound
	}
	if t.Direction != DirectionReceive || t.Status() != StatusAwaitingAcceptance {
		return fmt.Errorf("reject transfer %s: not awaiting acceptance", transferID)
	}
	m.rejectLocked(t, reason)
	return nil
}

func (m *TransferManager) acceptLocked(t *Transfer) {
	t.setStatus(StatusReceiving)
	m.deps.Send(t.PeerID, FileResponse{
		Type:       TypeFileResponse,
		TransferID: t.ID,
		From:       m.deps.LocalID,
		Accepted:   true,
		Timestamp:  time.Now().UnixMilli(),
	})

	// An empty file has no chunks to wait for.
	if t.TotalChunks == 0 {
		m.reassemble(t)
	}
}

func (m *TransferManager) rejectLocked(t *Transfer, reason string) {
	t.setStatus(StatusRejected)
	m.deps.Send(t.PeerID, FileResponse{
		Type:       TypeFileResponse,
		TransferID: t.ID,
		From:       m.deps.LocalID,
		Accepted:   false,
		Reason:     reason,
		Timestamp:  time.Now().UnixMilli(),
	})
	m.scheduleEvict(t)
}

// HandleFileResponse resumes or terminates a waiting send stream.
func (m *TransferManager) HandleFileResponse(peerID string, payload []byte) {
	var msg FileResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("file_response from %s: %w", peerID, err))
		return
	}

	t, ok := m.Get(msg.TransferID)
	if !ok {
		m.deps.ReportError(fmt.Errorf("file_response from %s: %w", peerID, ErrTransferNotFound))
		return
	}
	if t.Direction != DirectionSend || t.PeerID != peerID {
		return
	}

	select {
	case t.acceptCh <- msg.Accepted:
	default:
	}
}

// fromTransferPeer reports whether an inbound transfer frame came from
// the transfer's counterpart. Group fan-out transfers originated here
// have no single counterpart; any group member may speak for those.
func (m *TransferManager) fromTransferPeer(t *Transfer, peerID string) bool {
	if t.PeerID != "" {
		return t.PeerID == peerID
	}
	if t.GroupID != "" && m.deps.IsGroupMember != nil {
		return m.deps.IsGroupMember(t.GroupID, peerID)
	}
	return false
}

// HandleFileChunk stores one inbound chunk and reassembles when the last
// one lands. Duplicates overwrite in place without advancing the count.
func (m *TransferManager) HandleFileChunk(peerID string, payload []byte) {
	var msg FileChunk
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("file_chunk from %s: %w", peerID, err))
		return
	}

	t, ok := m.Get(msg.TransferID)
	if !ok {
		m.deps.ReportError(fmt.Errorf("file_chunk from %s: %w", peerID, ErrTransferNotFound))
		return
	}
	if t.Direction != DirectionReceive || t.Status() != StatusReceiving {
		return
	}
	if !m.fromTransferPeer(t, peerID) {
		m.deps.ReportError(fmt.Errorf("transfer %s: chunk from unexpected peer %s: %w", t.ID, peerID, ErrUnauthorized))
		return
	}
	if msg.ChunkIndex < 0 || msg.ChunkIndex >= t.TotalChunks {
		m.deps.ReportError(fmt.Errorf("transfer %s: chunk index %d out of range", t.ID, msg.ChunkIndex))
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		m.deps.ReportError(fmt.Errorf("transfer %s: chunk %d: %w", t.ID, msg.ChunkIndex, err))
		return
	}
	plain, err := m.deps.Cipher.OpenBytes(sealed)
	if err != nil {
		m.deps.ReportError(fmt.Errorf("transfer %s: chunk %d: %w", t.ID, msg.ChunkIndex, err))
		return
	}

	t.mu.Lock()
	_, duplicate := t.chunks[msg.ChunkIndex]
	t.chunks[msg.ChunkIndex] = plain
	if !duplicate {
		t.receivedChunks++
	}
	received := t.receivedChunks
	percent := t.progressLocked()
	t.UpdatedAt = time.Now()
	t.mu.Unlock()

	m.emitProgress(t, percent)

	if received == t.TotalChunks {
		m.reassemble(t)
	}
}

// reassemble writes the buffered chunks to the downloads directory in
// index order. It runs at most once per transfer.
func (m *TransferManager) reassemble(t *Transfer) {
	t.mu.Lock()
	if t.status != StatusReceiving || t.reassembled {
		t.mu.Unlock()
		return
	}
	t.reassembled = true
	chunks := t.chunks
	t.mu.Unlock()

	destPath, err := m.uniqueDestPath(t.Filename)
	if err != nil {
		m.failTransfer(t, fmt.Sprintf("resolve destination: %v", err))
		return
	}

	file, err := os.Create(destPath)
	if err != nil {
		m.failTransfer(t, fmt.Sprintf("create %s: %v", destPath, err))
		return
	}

	for index := 0; index < t.TotalChunks; index++ {
		chunk, ok := chunks[index]
		if !ok {
			_ = file.Close()
			_ = os.Remove(destPath)
			m.failTransfer(t, fmt.Sprintf("chunk %d missing at reassembly", index))
			return
		}
		if _, err := file.Write(chunk); err != nil {
			_ = file.Close()
			_ = os.Remove(destPath)
			m.failTransfer(t, fmt.Sprintf("write %s: %v", destPath, err))
			return
		}
	}
	if err := file.Close(); err != nil {
		m.failTransfer(t, fmt.Sprintf("close %s: %v", destPath, err))
		return
	}

	t.mu.Lock()
	t.status = StatusCompleted
	t.DestPath = destPath
	t.chunks = nil
	t.UpdatedAt = time.Now()
	t.mu.Unlock()

	m.emitTransfer(EventTransferComplete, t, "")
	m.scheduleEvict(t)
}

// uniqueDestPath avoids clobbering an existing download of the same name.
func (m *TransferManager) uniqueDestPath(filename string) (string, error) {
	if err := os.MkdirAll(m.deps.DownloadsDir, 0o755); err != nil {
		return "", err
	}

	base := filepath.Base(filename)
	candidate := filepath.Join(m.deps.DownloadsDir, base)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		candidate = filepath.Join(m.deps.DownloadsDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}
}

// HandleTransferComplete is the sender's end-of-stream backstop. A
// receiver still short of chunks at this point fails the transfer.
func (m *TransferManager) HandleTransferComplete(peerID string, payload []byte) {
	var msg FileTransferComplete
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("file_transfer_complete from %s: %w", peerID, err))
		return
	}

	t, ok := m.Get(msg.TransferID)
	if !ok {
		return
	}
	if t.Direction != DirectionReceive || !m.fromTransferPeer(t, peerID) {
		return
	}

	t.mu.Lock()
	received := t.receivedChunks
	status := t.status
	t.mu.Unlock()

	if status != StatusReceiving {
		return
	}
	if received < t.TotalChunks {
		m.failTransfer(t, fmt.Sprintf("sender finished with %d/%d chunks received", received, t.TotalChunks))
		return
	}
	// Covers the zero-chunk case where no chunk arrival could have
	// triggered reassembly; reassemble runs at most once regardless.
	m.reassemble(t)
}

// HandleTransferCancel aborts a transfer at the other side's request.
func (m *TransferManager) HandleTransferCancel(peerID string, payload []byte) {
	var msg FileTransferCancel
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.deps.ReportError(fmt.Errorf("file_transfer_cancel from %s: %w", peerID, err))
		return
	}

	t, ok := m.Get(msg.TransferID)
	if !ok || t.terminal() {
		return
	}
	if !m.fromTransferPeer(t, peerID) {
		m.deps.ReportError(fmt.Errorf("transfer %s: cancel from unexpected peer %s: %w", t.ID, peerID, ErrUnauthorized))
		return
	}
	m.cancelTransfer(t, msg.Reason, false)
}

// CancelTransfer aborts a local transfer and notifies the other side.
func (m *TransferManager) CancelTransfer(transferID, reason string) error {
	t, ok := m.Get(transferID)
	if !ok {
		return ErrTransferNotFound
	}
	if t.terminal() {
		return nil
	}
	m.cancelTransfer(t, reason, true)
	return nil
}

func (m *TransferManager) cancelTransfer(t *Transfer, reason string, notifyPeer bool) {
	t.mu.Lock()
	t.status = StatusCancelled
	cancelFn := t.cancelFn
	t.UpdatedAt = time.Now()
	t.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	if notifyPeer {
		cancel := FileTransferCancel{
			Type:       TypeFileTransferCancel,
			TransferID: t.ID,
			From:       m.deps.LocalID,
			Reason:     reason,
			Timestamp:  time.Now().UnixMilli(),
		}
		if t.GroupID != "" {
			m.deps.SendToGroup(t.GroupID, cancel, "")
		} else {
			m.deps.Send(t.PeerID, cancel)
		}
	}

	m.emitTransfer(EventTransferCancelled, t, reason)
	m.scheduleEvict(t)
}

// FailPeer errors out every active transfer with a departed peer.
func (m *TransferManager) FailPeer(peerID string) {
	for _, t := range m.List() {
		if t.PeerID != peerID || t.terminal() {
			continue
		}
		m.failTransfer(t, "peer disconnected")
	}
}

func (m *TransferManager) failTransfer(t *Transfer, reason string) {
	t.mu.Lock()
	if t.status == StatusCompleted || t.status == StatusError {
		t.mu.Unlock()
		return
	}
	t.status = StatusError
	cancelFn := t.cancelFn
	t.UpdatedAt = time.Now()
	t.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	m.emitTransfer(EventTransferError, t, reason)
	m.scheduleEvict(t)
}

func (m *TransferManager) emitTransfer(eventType EventType, t *Transfer, reason string) {
	event := newEvent(eventType)
	event.PeerID = t.PeerID
	event.GroupID = t.GroupID
	event.TransferID = t.ID
	event.Reason = reason
	event.Percent = t.Progress()
	m.deps.Emit(event)
}

func (m *TransferManager) emitProgress(t *Transfer, percent int) {
	event := newEvent(EventTransferProgress)
	event.PeerID = t.PeerID
	event.GroupID = t.GroupID
	event.TransferID = t.ID
	event.Percent = percent
	m.deps.Emit(event)
}

// totalChunksFor is ceil(size / chunkSize).
func totalChunksFor(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
