// Package snapshot decides when to snapshot the state machine and moves
// snapshots between nodes in chunks.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ftsdb/pkg/clock"
	"ftsdb/pkg/dberrors"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Source produces a consistent state machine image at its last applied index.
type Source interface {
	Snapshot() ([]byte, uint64, raftpb.ConfState, error)
	LastApplied() uint64
}

// Request asks the log owner to store a snapshot and drop the log up to CompactTo.
type Request struct {
	Index     uint64
	ConfState raftpb.ConfState
	Data      []byte
	CompactTo uint64
}

// Compactor runs a Request on the goroutine that owns the log.
type Compactor interface {
	Compact(ctx context.Context, req Request) (raftpb.Snapshot, error)
}

type Config struct {
	EntriesThreshold uint64
	CatchupEntries   uint64
}

type Manager struct {
	src       Source
	compactor Compactor
	cfg       Config

	mu        sync.Mutex // one snapshot at a time
	lastIndex *clock.AtomicClock
}

// NewManager starts counting from lastIndex, the index of the newest stored snapshot.
func NewManager(src Source, compactor Compactor, cfg Config, lastIndex uint64) *Manager {
	return &Manager{
		src:       src,
		compactor: compactor,
		cfg:       cfg,
		lastIndex: clock.NewAtomic(lastIndex),
	}
}

// LastIndex is the index covered by the newest snapshot.
func (m *Manager) LastIndex() uint64 {
	return m.lastIndex.Val()
}

// MaybeSnapshot snapshots once enough entries were applied since the last one.
func (m *Manager) MaybeSnapshot(ctx context.Context) (bool, error) {
	if m.src.LastApplied()-min(m.lastIndex.Val(), m.src.LastApplied()) < m.cfg.EntriesThreshold {
		return false, nil
	}
	if _, err := m.Snapshot(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot takes a snapshot now. If nothing was applied since the last
// snapshot it returns the existing metadata.
func (m *Manager) Snapshot(ctx context.Context) (raftpb.SnapshotMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, index, cs, err := m.src.Snapshot()
	if err != nil {
		return raftpb.SnapshotMetadata{}, err
	}
	if index == 0 || index <= m.lastIndex.Val() {
		return raftpb.SnapshotMetadata{Index: m.lastIndex.Val()}, nil
	}

	var compactTo uint64
	if index > m.cfg.CatchupEntries {
		compactTo = index - m.cfg.CatchupEntries
	}

	snap, err := m.compactor.Compact(ctx, Request{Index: index, ConfState: cs, Data: data, CompactTo: compactTo})
	if err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return raftpb.SnapshotMetadata{Index: m.lastIndex.Val()}, nil
		}
		return raftpb.SnapshotMetadata{}, fmt.Errorf("%w: %v", dberrors.ErrSnapshot, err)
	}

	m.lastIndex.Advance(snap.Metadata.Index)
	slog.Info("snapshot taken",
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term,
		"compacted_to", compactTo,
		"bytes", len(data))
	return snap.Metadata, nil
}

// Installed records a snapshot received from the leader.
func (m *Manager) Installed(index uint64) {
	m.lastIndex.Advance(index)
}
