package raftadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"ftsdb/pkg/config"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/snapshot"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	RaftEndpoint     = "/api/internal/raft"
	SnapshotEndpoint = "/api/internal/snapshot"

	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
	peerQueueSize    = 4096
)

var errQueueFull = errors.New("peer queue full")

// HTTPTransport sends raft messages to peers over HTTP. Every peer has its own
// queue and worker, so a slow peer never stalls the consensus loop or the others.
type HTTPTransport struct {
	peersMu sync.RWMutex
	peers   map[uint64]*peer

	httpClient  *http.Client
	chunkSize   int
	sendTimeout time.Duration

	reporterMu sync.RWMutex
	reporter   Reporter

	snapMu    sync.Mutex
	snapSends map[uint64]*snapSend

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type snapSend struct {
	cancel context.CancelCauseFunc
}

type peer struct {
	id    uint64
	addr  string
	queue chan raftpb.Message
	stop  chan struct{}
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(cfg config.SnapshotConfig) *HTTPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		peers: make(map[uint64]*peer),
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		chunkSize:   cfg.ChunkSize,
		sendTimeout: cfg.SendTimeout,
		snapSends:   make(map[uint64]*snapSend),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (t *HTTPTransport) SetReporter(r Reporter) {
	t.reporterMu.Lock()
	defer t.reporterMu.Unlock()
	t.reporter = r
}

func (t *HTTPTransport) report(fn func(r Reporter)) {
	t.reporterMu.RLock()
	r := t.reporter
	t.reporterMu.RUnlock()
	if r != nil {
		fn(r)
	}
}

// AddPeer starts a worker for the peer, or repoints an existing one.
func (t *HTTPTransport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	if p, ok := t.peers[nodeID]; ok {
		if p.addr == addr {
			return
		}
		close(p.stop)
	}

	p := &peer{
		id:    nodeID,
		addr:  addr,
		queue: make(chan raftpb.Message, peerQueueSize),
		stop:  make(chan struct{}),
	}
	t.peers[nodeID] = p

	t.wg.Add(1)
	go t.runPeer(p)
}

func (t *HTTPTransport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()

	if p, ok := t.peers[nodeID]; ok {
		close(p.stop)
		delete(t.peers, nodeID)
	}
}

// Send queues msg for its peer. Snapshots are streamed in chunks on their own goroutine.
func (t *HTTPTransport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	p, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	if msg.Type == raftpb.MsgSnap {
		t.wg.Add(1)
		go t.sendSnapshot(p.addr, msg)
		return nil
	}

	select {
	case p.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %d", errQueueFull, msg.To)
	}
}

func (t *HTTPTransport) runPeer(p *peer) {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-p.stop:
			return
		case msg := <-p.queue:
			if err := t.sendMessage(p, msg); err != nil {
				slog.Debug("raft message not delivered",
					"to", msg.To,
					"type", msg.Type,
					"error", err)
				t.report(func(r Reporter) { r.ReportUnreachable(msg.To) })
			}
		}
	}
}

func (t *HTTPTransport) sendMessage(p *peer, msg raftpb.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := p.addr + RaftEndpoint

	// Votes are time-bound: a late vote is worse than a lost one.
	attempts := maxRetries
	if msg.Type == raftpb.MsgVote || msg.Type == raftpb.MsgPreVote {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := t.post(t.ctx, url, body, nil); err != nil {
			lastErr = err
			if t.ctx.Err() != nil {
				return err
			}
			slog.Debug("failed to send raft message, retrying",
				"attempt", attempt+1,
				"to", msg.To,
				"type", msg.Type,
				"error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d attempts: %w", attempts, lastErr)
}

// sendSnapshot streams msg in chunks, resuming from the receiver's offset on
// retry. A newer snapshot for the same peer interrupts this one.
func (t *HTTPTransport) sendSnapshot(addr string, msg raftpb.Message) {
	defer t.wg.Done()

	ctx, cancel := context.WithCancelCause(t.ctx)
	send := &snapSend{cancel: cancel}
	t.snapMu.Lock()
	if prev, ok := t.snapSends[msg.To]; ok {
		prev.cancel(dberrors.ErrTransferInterrupted)
	}
	t.snapSends[msg.To] = send
	t.snapMu.Unlock()

	defer func() {
		t.snapMu.Lock()
		if t.snapSends[msg.To] == send {
			delete(t.snapSends, msg.To)
		}
		t.snapMu.Unlock()
		cancel(nil)
	}()

	status := raft.SnapshotFinish
	if err := t.streamSnapshot(ctx, addr, msg); err != nil {
		if errors.Is(context.Cause(ctx), dberrors.ErrTransferInterrupted) {
			slog.Info("snapshot transfer superseded",
				"to", msg.To,
				"index", msg.Snapshot.Metadata.Index)
			return
		}
		slog.Warn("snapshot transfer failed",
			"to", msg.To,
			"index", msg.Snapshot.Metadata.Index,
			"error", err)
		status = raft.SnapshotFailure
	}

	t.report(func(r Reporter) { r.ReportSnapshot(msg.To, status) })
}

func (t *HTTPTransport) streamSnapshot(ctx context.Context, addr string, msg raftpb.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot message: %w", err)
	}

	if t.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.sendTimeout)
		defer cancel()
	}

	chunker := snapshot.NewChunker(uuid.NewString(), msg.From, msg.To,
		msg.Snapshot.Metadata.Index, msg.Snapshot.Metadata.Term, payload, t.chunkSize)
	url := addr + SnapshotEndpoint

	slog.Info("sending snapshot",
		"to", msg.To,
		"index", msg.Snapshot.Metadata.Index,
		"bytes", chunker.Total())

	var (
		offset   int64
		failures int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := json.Marshal(chunker.At(offset))
		if err != nil {
			return fmt.Errorf("marshal chunk: %w", err)
		}

		var ack snapshot.Ack
		if err := t.post(ctx, url, body, &ack); err != nil {
			failures++
			if failures >= maxRetries {
				return err
			}
			time.Sleep(retryDelay * time.Duration(failures))
			continue
		}
		failures = 0

		if ack.Done {
			return nil
		}
		offset = ack.NextOffset
	}
}

func (t *HTTPTransport) post(ctx context.Context, url string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (t *HTTPTransport) Stop() {
	t.cancel()
	t.wg.Wait()
}
