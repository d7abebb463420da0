// Package cluster keeps track of the peers of a node: membership changes go
// through the replicated log, health comes from periodic probes.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ftsdb/pkg/command"
	"ftsdb/pkg/config"
	"ftsdb/pkg/consensus"
	"ftsdb/pkg/dberrors"
)

type PeerStatus string

const (
	StatusActive  PeerStatus = "active"
	StatusSuspect PeerStatus = "suspect"
	StatusLeft    PeerStatus = "left"
)

type ProbeResult string

const (
	Healthy     ProbeResult = "healthy"
	Unreachable ProbeResult = "unreachable"
	Unknown     ProbeResult = "unknown"
)

type PeerRecord struct {
	ID                  uint64     `json:"id"`
	Address             string     `json:"address"`
	Status              PeerStatus `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastProbe           time.Time  `json:"last_probe,omitempty"`
}

// Prober checks whether the node at addr answers.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

const handOffPoll = 10 * time.Millisecond

type cluster interface {
	consensus.Proposer
	consensus.Membership
}

// Manager serializes membership changes and tracks peer health. Only the
// leader can change membership; health is tracked on every node.
type Manager struct {
	self         uint64
	node         cluster
	prober       Prober
	suspectAfter int
	probeTimeout time.Duration

	mu      sync.RWMutex
	records map[uint64]*PeerRecord

	changing atomic.Bool
}

func NewManager(self uint64, node cluster, prober Prober, cfg config.MembershipConfig) *Manager {
	suspectAfter := cfg.SuspectAfter
	if suspectAfter <= 0 {
		suspectAfter = 1
	}
	return &Manager{
		self:         self,
		node:         node,
		prober:       prober,
		suspectAfter: suspectAfter,
		probeTimeout: cfg.ProbeTimeout,
		records:      make(map[uint64]*PeerRecord),
	}
}

// AddPeer adds a voter. The change takes effect once its entry is committed
// and applied; until then any other change is refused.
func (m *Manager) AddPeer(ctx context.Context, id uint64, addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: peer address required", dberrors.ErrInvalidCommand)
	}
	if cur, ok := m.node.Peers()[id]; ok && cur == addr {
		return nil
	}

	if !m.changing.CompareAndSwap(false, true) {
		return dberrors.ErrQuorumChangeInProgress
	}
	defer m.changing.Store(false)

	if _, err := m.node.Submit(ctx, command.NewAddPeer(id, addr), ""); err != nil {
		return err
	}

	m.mu.Lock()
	m.records[id] = &PeerRecord{ID: id, Address: addr, Status: StatusActive}
	m.mu.Unlock()

	slog.Info("peer added", "id", id, "addr", addr)
	return nil
}

// RemovePeer removes a voter. Removing this node itself is allowed; it
// stops taking part once the entry is applied.
func (m *Manager) RemovePeer(ctx context.Context, id uint64) error {
	addr, ok := m.node.Peers()[id]
	if !ok {
		return dberrors.ErrUnknownPeer
	}

	if !m.changing.CompareAndSwap(false, true) {
		return dberrors.ErrQuorumChangeInProgress
	}
	defer m.changing.Store(false)

	if _, err := m.node.Submit(ctx, command.NewRemovePeer(id), ""); err != nil {
		return err
	}

	m.mu.Lock()
	m.records[id] = &PeerRecord{ID: id, Address: addr, Status: StatusLeft}
	m.mu.Unlock()

	slog.Info("peer removed", "id", id)
	return nil
}

// HandOff moves leadership away from this node before it goes down, so the
// cluster does not sit through an election timeout. The target is the
// lowest id among the peers not marked suspect or left. It is a no-op on a
// follower or when no other peer is available.
func (m *Manager) HandOff(ctx context.Context, node consensus.Transferer) error {
	if !node.IsLeader() {
		return nil
	}
	to := m.handOffTarget()
	if to == 0 {
		return nil
	}

	if err := node.TransferLeadership(ctx, to); err != nil {
		return err
	}

	ticker := time.NewTicker(handOffPoll)
	defer ticker.Stop()
	for node.IsLeader() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("leadership transfer to %d: %w", to, ctx.Err())
		case <-ticker.C:
		}
	}
	slog.Info("leadership handed off", "to", to, "leader", node.LeaderID())
	return nil
}

func (m *Manager) handOffTarget() uint64 {
	peers := m.node.Peers()
	ids := make([]uint64, 0, len(peers))
	for id := range peers {
		if id != m.self {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range ids {
		if rec, ok := m.records[id]; ok && rec.Status != StatusActive {
			continue
		}
		return id
	}
	return 0
}

// Probe checks a single peer and updates its record.
func (m *Manager) Probe(ctx context.Context, id uint64) ProbeResult {
	addr, ok := m.node.Peers()[id]
	if !ok {
		return Unknown
	}
	if id == m.self {
		m.record(id, addr, nil)
		return Healthy
	}

	if m.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.probeTimeout)
		defer cancel()
	}

	err := m.prober.Probe(ctx, addr)
	m.record(id, addr, err)
	if err != nil {
		return Unreachable
	}
	return Healthy
}

// ProbeAll probes every peer concurrently.
func (m *Manager) ProbeAll(ctx context.Context) map[uint64]ProbeResult {
	peers := m.node.Peers()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[uint64]ProbeResult, len(peers))
	)
	for id := range peers {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			res := m.Probe(ctx, id)
			mu.Lock()
			out[id] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

func (m *Manager) record(id uint64, addr string, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Status == StatusLeft {
		rec = &PeerRecord{ID: id, Status: StatusActive}
		m.records[id] = rec
	}
	rec.Address = addr
	rec.LastProbe = time.Now()

	if probeErr == nil {
		if rec.Status == StatusSuspect {
			slog.Info("peer is back", "id", id, "addr", addr)
		}
		rec.ConsecutiveFailures = 0
		rec.Status = StatusActive
		return
	}

	rec.ConsecutiveFailures++
	if rec.ConsecutiveFailures >= m.suspectAfter && rec.Status != StatusSuspect {
		rec.Status = StatusSuspect
		slog.Warn("peer suspected",
			"id", id,
			"addr", addr,
			"failures", rec.ConsecutiveFailures,
			"error", probeErr)
	}
}

// ListPeers returns the current members followed by peers that left, ordered by id.
func (m *Manager) ListPeers() []PeerRecord {
	peers := m.node.Peers()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PeerRecord, 0, len(peers)+len(m.records))
	for id, addr := range peers {
		rec := PeerRecord{ID: id, Address: addr, Status: StatusActive}
		if r, ok := m.records[id]; ok && r.Status != StatusLeft {
			rec = *r
			rec.Address = addr
		}
		out = append(out, rec)
	}
	for id, r := range m.records {
		if _, ok := peers[id]; !ok {
			left := *r
			left.Status = StatusLeft
			out = append(out, left)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if (out[i].Status == StatusLeft) != (out[j].Status == StatusLeft) {
			return out[j].Status == StatusLeft
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unhealthy counts members currently marked Suspect.
func (m *Manager) Unhealthy() int {
	peers := m.node.Peers()

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for id := range peers {
		if r, ok := m.records[id]; ok && r.Status == StatusSuspect {
			n++
		}
	}
	return n
}
