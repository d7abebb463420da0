package raftlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/fsutil"

	"github.com/gogo/protobuf/proto"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	snapSuffix = ".snap"
	keepSnaps  = 2
)

var ErrNoSnapshot = errors.New("no snapshot")

// SnapStore keeps snapshot files named <term>-<index>.snap. Each file is a
// crc32 followed by the protobuf encoded raftpb.Snapshot.
type SnapStore struct {
	dir string
}

func NewSnapStore(dir string) (*SnapStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapStore{dir: dir}, nil
}

func snapName(term, index uint64) string {
	return fmt.Sprintf("%016x-%016x%s", term, index, snapSuffix)
}

// Save writes snap atomically and prunes old files.
func (s *SnapStore) Save(snap raftpb.Snapshot) error {
	payload, err := proto.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	data := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(data[:4], crc32.ChecksumIEEE(payload))
	copy(data[4:], payload)

	name := snapName(snap.Metadata.Term, snap.Metadata.Index)
	if err := fsutil.WriteFileAtomic(filepath.Join(s.dir, name), data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.prune()
	return nil
}

// Load returns the newest readable snapshot. Unreadable files are skipped.
func (s *SnapStore) Load() (raftpb.Snapshot, error) {
	names, err := s.names()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	for _, name := range names {
		snap, err := s.read(name)
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "file", name, "error", err)
			continue
		}
		return snap, nil
	}
	return raftpb.Snapshot{}, ErrNoSnapshot
}

func (s *SnapStore) read(name string) (raftpb.Snapshot, error) {
	var snap raftpb.Snapshot

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return snap, err
	}
	if len(data) < 4 {
		return snap, dberrors.ErrCorruptSnapshot
	}
	if crc32.ChecksumIEEE(data[4:]) != binary.LittleEndian.Uint32(data[:4]) {
		return snap, dberrors.ErrCorruptSnapshot
	}
	if err := proto.Unmarshal(data[4:], &snap); err != nil {
		return snap, fmt.Errorf("%w: %v", dberrors.ErrCorruptSnapshot, err)
	}
	return snap, nil
}

// names lists snapshot files, newest first.
func (s *SnapStore) names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapSuffix) {
			out = append(out, e.Name())
		}
	}
	// fixed-width hex names sort by term, then index
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (s *SnapStore) prune() {
	names, err := s.names()
	if err != nil || len(names) <= keepSnaps {
		return
	}
	for _, name := range names[keepSnaps:] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			slog.Warn("failed to remove old snapshot", "file", name, "error", err)
		}
	}
}
