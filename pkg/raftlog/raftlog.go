// Package raftlog is the durable raft log: an in-memory raft.Storage backed
// by a write-ahead log of entries and hard state plus snapshot files.
package raftlog

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"ftsdb/pkg/wal"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Log implements raft.Storage. Writes come only from the consensus loop.
type Log struct {
	mem   *raft.MemoryStorage
	wal   *wal.WAL
	snaps *SnapStore
}

var _ raft.Storage = (*Log)(nil)

// Open restores the log from <dir>/raft and <dir>/snap. It reports whether
// any previous state was found, so the caller knows to restart rather than bootstrap.
func Open(dir string) (*Log, bool, error) {
	w, err := wal.Open(filepath.Join(dir, "raft"))
	if err != nil {
		return nil, false, err
	}
	snaps, err := NewSnapStore(filepath.Join(dir, "snap"))
	if err != nil {
		_ = w.Close()
		return nil, false, err
	}

	l := &Log{mem: raft.NewMemoryStorage(), wal: w, snaps: snaps}
	existing, err := l.load()
	if err != nil {
		_ = w.Close()
		return nil, false, err
	}
	return l, existing, nil
}

func (l *Log) load() (bool, error) {
	snap, err := l.snaps.Load()
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		return false, err
	default:
		if err := l.mem.ApplySnapshot(snap); err != nil {
			return false, fmt.Errorf("apply stored snapshot: %w", err)
		}
	}

	st, err := l.wal.ReadAll()
	if err != nil {
		return false, err
	}
	if st.Snapshot.Index > snap.Metadata.Index {
		return false, fmt.Errorf("snapshot at index %d referenced by the log is missing", st.Snapshot.Index)
	}

	ents := st.Entries
	if len(ents) > 0 && ents[0].Index > snap.Metadata.Index+1 {
		return false, fmt.Errorf("log starts at %d, snapshot ends at %d", ents[0].Index, snap.Metadata.Index)
	}
	if err := l.mem.Append(ents); err != nil {
		return false, fmt.Errorf("append recovered entries: %w", err)
	}

	hs := st.HardState
	if !raft.IsEmptyHardState(hs) {
		// a snapshot installed right before a crash may be ahead of the saved commit
		if hs.Commit < snap.Metadata.Index {
			hs.Commit = snap.Metadata.Index
		}
		if err := l.mem.SetHardState(hs); err != nil {
			return false, fmt.Errorf("set hard state: %w", err)
		}
	}

	existing := !raft.IsEmptySnap(snap) || len(ents) > 0 || !raft.IsEmptyHardState(hs)
	if existing {
		last, _ := l.mem.LastIndex()
		slog.Info("raft log recovered",
			"snapshot_index", snap.Metadata.Index,
			"last_index", last,
			"term", hs.Term,
			"commit", hs.Commit)
	}
	return existing, nil
}

// Save persists one Ready worth of state. It must complete before the
// messages of the same Ready are sent.
func (l *Log) Save(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	if !raft.IsEmptySnap(snap) {
		if err := l.snaps.Save(snap); err != nil {
			return err
		}
		if err := l.wal.SaveSnapshot(snap.Metadata); err != nil {
			return err
		}
		if err := l.mem.ApplySnapshot(snap); err != nil && !errors.Is(err, raft.ErrSnapOutOfDate) {
			return fmt.Errorf("apply snapshot: %w", err)
		}
	}

	if err := l.wal.Save(hs, ents); err != nil {
		return err
	}
	if err := l.mem.Append(ents); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	if !raft.IsEmptyHardState(hs) {
		if err := l.mem.SetHardState(hs); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	return nil
}

// CreateSnapshot records a state machine image taken at index and makes it durable.
func (l *Log) CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	snap, err := l.mem.CreateSnapshot(index, cs, data)
	if err != nil {
		return snap, err
	}
	if err := l.snaps.Save(snap); err != nil {
		return snap, err
	}
	if err := l.wal.SaveSnapshot(snap.Metadata); err != nil {
		return snap, err
	}
	return snap, nil
}

// Compact discards entries up to and including index and shrinks the file on disk.
func (l *Log) Compact(index uint64) error {
	if err := l.mem.Compact(index); err != nil {
		if errors.Is(err, raft.ErrCompacted) {
			return nil
		}
		return err
	}

	snap, err := l.mem.Snapshot()
	if err != nil {
		return err
	}
	hs, _, err := l.mem.InitialState()
	if err != nil {
		return err
	}
	last, err := l.mem.LastIndex()
	if err != nil {
		return err
	}

	var ents []raftpb.Entry
	if from := snap.Metadata.Index + 1; from <= last {
		ents, err = l.mem.Entries(from, last+1, math.MaxUint64)
		if err != nil {
			return err
		}
	}
	return l.wal.Rewrite(wal.State{Snapshot: snap.Metadata, HardState: hs, Entries: ents})
}

func (l *Log) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	return l.mem.InitialState()
}

func (l *Log) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	return l.mem.Entries(lo, hi, maxSize)
}

func (l *Log) Term(i uint64) (uint64, error) {
	return l.mem.Term(i)
}

func (l *Log) LastIndex() (uint64, error) {
	return l.mem.LastIndex()
}

func (l *Log) FirstIndex() (uint64, error) {
	return l.mem.FirstIndex()
}

func (l *Log) Snapshot() (raftpb.Snapshot, error) {
	return l.mem.Snapshot()
}

// Len is the number of entries held after the last compaction.
func (l *Log) Len() uint64 {
	first, _ := l.mem.FirstIndex()
	last, _ := l.mem.LastIndex()
	if last < first {
		return 0
	}
	return last - first + 1
}

// DiskSize is the size of the write-ahead log file in bytes.
func (l *Log) DiskSize() int64 {
	return l.wal.Size()
}

func (l *Log) Close() error {
	return l.wal.Close()
}
