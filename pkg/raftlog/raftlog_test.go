package raftlog

import (
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func entries(term, from, to uint64) []raftpb.Entry {
	out := make([]raftpb.Entry, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, raftpb.Entry{Index: i, Term: term, Data: []byte("cmd")})
	}
	return out
}

func mustOpen(t *testing.T, dir string) (*Log, bool) {
	t.Helper()
	l, existing, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, existing
}

func TestLog_FreshDirectory(t *testing.T) {
	l, existing := mustOpen(t, t.TempDir())
	if existing {
		t.Fatal("fresh directory must not report existing state")
	}
	if last, _ := l.LastIndex(); last != 0 {
		t.Fatalf("expected empty log, got last index %d", last)
	}
}

func TestLog_SaveAndRecover(t *testing.T) {
	dir := t.TempDir()
	l, _ := mustOpen(t, dir)

	hs := raftpb.HardState{Term: 3, Vote: 2, Commit: 4}
	if err := l.Save(hs, entries(3, 1, 5), raftpb.Snapshot{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	_ = l.Close()

	r, existing := mustOpen(t, dir)
	if !existing {
		t.Fatal("expected existing state")
	}
	got, _, err := r.InitialState()
	if err != nil {
		t.Fatalf("InitialState failed: %v", err)
	}
	if got.Term != 3 || got.Vote != 2 || got.Commit != 4 {
		t.Fatalf("vote and term must survive restart, got %+v", got)
	}
	if last, _ := r.LastIndex(); last != 5 {
		t.Fatalf("expected last index 5, got %d", last)
	}
	if term, _ := r.Term(5); term != 3 {
		t.Fatalf("expected term 3 at index 5, got %d", term)
	}
}

func TestLog_SnapshotAndCompact(t *testing.T) {
	dir := t.TempDir()
	l, _ := mustOpen(t, dir)

	_ = l.Save(raftpb.HardState{Term: 1, Commit: 10}, entries(1, 1, 10), raftpb.Snapshot{})

	cs := &raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	snap, err := l.CreateSnapshot(8, cs, []byte("image"))
	if err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	if snap.Metadata.Index != 8 || snap.Metadata.Term != 1 {
		t.Fatalf("unexpected snapshot metadata %+v", snap.Metadata)
	}
	if err := l.Compact(6); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if first, _ := l.FirstIndex(); first != 7 {
		t.Fatalf("expected first index 7 after compaction, got %d", first)
	}
	_ = l.Close()

	r, _ := mustOpen(t, dir)
	got, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got.Metadata.Index != 8 || string(got.Data) != "image" || len(got.Metadata.ConfState.Voters) != 3 {
		t.Fatalf("unexpected recovered snapshot %+v", got.Metadata)
	}
	if first, _ := r.FirstIndex(); first != 9 {
		t.Fatalf("expected first index 9 after restart, got %d", first)
	}
	if last, _ := r.LastIndex(); last != 10 {
		t.Fatalf("expected last index 10 after restart, got %d", last)
	}
}

func TestLog_InstallSnapshot(t *testing.T) {
	dir := t.TempDir()
	l, _ := mustOpen(t, dir)

	_ = l.Save(raftpb.HardState{Term: 1, Commit: 2}, entries(1, 1, 3), raftpb.Snapshot{})

	snap := raftpb.Snapshot{
		Data: []byte("leader image"),
		Metadata: raftpb.SnapshotMetadata{
			Index:     20,
			Term:      2,
			ConfState: raftpb.ConfState{Voters: []uint64{1, 2}},
		},
	}
	if err := l.Save(raftpb.HardState{Term: 2, Commit: 20}, nil, snap); err != nil {
		t.Fatalf("Save with snapshot failed: %v", err)
	}
	_ = l.Save(raftpb.HardState{Term: 2, Commit: 21}, entries(2, 21, 21), raftpb.Snapshot{})
	_ = l.Close()

	r, _ := mustOpen(t, dir)
	if first, _ := r.FirstIndex(); first != 21 {
		t.Fatalf("expected first index 21, got %d", first)
	}
	if last, _ := r.LastIndex(); last != 21 {
		t.Fatalf("expected last index 21, got %d", last)
	}
}

func TestSnapStore_SkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapStore(dir)
	if err != nil {
		t.Fatalf("NewSnapStore failed: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		snap := raftpb.Snapshot{Data: []byte{byte(i)}, Metadata: raftpb.SnapshotMetadata{Index: i * 10, Term: 1}}
		if err := s.Save(snap); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	names, _ := s.names()
	if len(names) != keepSnaps {
		t.Fatalf("expected %d snapshot files after prune, got %d", keepSnaps, len(names))
	}

	if err := os.WriteFile(filepath.Join(dir, snapName(1, 30)), []byte("garbage"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Metadata.Index != 20 {
		t.Fatalf("expected fallback to index 20, got %d", got.Metadata.Index)
	}
}
