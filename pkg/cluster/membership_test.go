package cluster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ftsdb/pkg/command"
	"ftsdb/pkg/config"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/raftadapter"
)

// fakeNode applies membership commands immediately, or blocks them until released.
type fakeNode struct {
	mu      sync.Mutex
	peers   map[uint64]string
	calls   []command.Command
	block   chan struct{}
	started chan struct{}
	err     error
}

func newFakeNode(peers map[uint64]string) *fakeNode {
	return &fakeNode{peers: peers}
}

func (f *fakeNode) Submit(_ context.Context, cmd command.Command, _ string) (raftadapter.Result, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return raftadapter.Result{}, f.err
	}
	switch cmd.Kind {
	case command.KindAddPeer:
		f.peers[cmd.AddPeer.ID] = cmd.AddPeer.Address
	case command.KindRemovePeer:
		delete(f.peers, cmd.RemovePeer.ID)
	}
	return raftadapter.Result{Index: uint64(len(f.calls)), Kind: cmd.Kind}, nil
}

func (f *fakeNode) Peers() map[uint64]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]string, len(f.peers))
	for id, addr := range f.peers {
		out[id] = addr
	}
	return out
}

// fakeLeader gives up leadership as soon as a transfer is requested.
type fakeLeader struct {
	mu     sync.Mutex
	leader bool
	stuck  bool
	target uint64
}

func (f *fakeLeader) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeLeader) LeaderID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target
}

func (f *fakeLeader) LeaderAddr() string { return "" }

func (f *fakeLeader) TransferLeadership(_ context.Context, to uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = to
	if !f.stuck {
		f.leader = false
	}
	return nil
}

type fakeProber struct {
	mu   sync.Mutex
	down map[string]bool
}

func (p *fakeProber) Probe(_ context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[addr] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakeProber) set(addr string, down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down[addr] = down
}

func testMembershipConfig() config.MembershipConfig {
	return config.MembershipConfig{SuspectAfter: 2, ProbeTimeout: time.Second}
}

func threePeers() map[uint64]string {
	return map[uint64]string{1: "http://n1", 2: "http://n2", 3: "http://n3"}
}

func TestManager_AddAndRemovePeer(t *testing.T) {
	node := newFakeNode(threePeers())
	m := NewManager(1, node, &fakeProber{down: map[string]bool{}}, testMembershipConfig())
	ctx := context.Background()

	if err := m.AddPeer(ctx, 4, "http://n4"); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if err := m.RemovePeer(ctx, 2); err != nil {
		t.Fatalf("RemovePeer failed: %v", err)
	}

	peers := m.ListPeers()
	want := []struct {
		id     uint64
		status PeerStatus
	}{{1, StatusActive}, {3, StatusActive}, {4, StatusActive}, {2, StatusLeft}}
	if len(peers) != len(want) {
		t.Fatalf("expected %d records, got %+v", len(want), peers)
	}
	for i, w := range want {
		if peers[i].ID != w.id || peers[i].Status != w.status {
			t.Fatalf("record %d = %+v, want id=%d status=%s", i, peers[i], w.id, w.status)
		}
	}
}

func TestManager_AddExistingPeerIsNoop(t *testing.T) {
	node := newFakeNode(threePeers())
	m := NewManager(1, node, &fakeProber{down: map[string]bool{}}, testMembershipConfig())

	if err := m.AddPeer(context.Background(), 2, "http://n2"); err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}
	if len(node.calls) != 0 {
		t.Fatalf("no command expected, got %d", len(node.calls))
	}
}

func TestManager_RemoveUnknownPeer(t *testing.T) {
	m := NewManager(1, newFakeNode(threePeers()), &fakeProber{down: map[string]bool{}}, testMembershipConfig())

	err := m.RemovePeer(context.Background(), 9)
	if !errors.Is(err, dberrors.ErrUnknownPeer) || !errors.Is(err, dberrors.ErrMembership) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestManager_OneChangeAtATime(t *testing.T) {
	node := newFakeNode(threePeers())
	node.block = make(chan struct{})
	node.started = make(chan struct{}, 1)
	m := NewManager(1, node, &fakeProber{down: map[string]bool{}}, testMembershipConfig())
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- m.AddPeer(ctx, 4, "http://n4") }()
	<-node.started

	if err := m.RemovePeer(ctx, 3); !errors.Is(err, dberrors.ErrQuorumChangeInProgress) {
		t.Fatalf("expected ErrQuorumChangeInProgress, got %v", err)
	}

	close(node.block)
	if err := <-done; err != nil {
		t.Fatalf("AddPeer failed: %v", err)
	}

	node.started = nil
	if err := m.RemovePeer(ctx, 3); err != nil {
		t.Fatalf("second change after the first completed: %v", err)
	}
}

func TestManager_FailedSubmitReleasesLock(t *testing.T) {
	node := newFakeNode(threePeers())
	node.err = &dberrors.NotLeaderError{LeaderID: 2, LeaderAddr: "http://n2"}
	m := NewManager(1, node, &fakeProber{down: map[string]bool{}}, testMembershipConfig())

	err := m.AddPeer(context.Background(), 4, "http://n4")
	if !errors.Is(err, dberrors.ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}

	node.err = nil
	if err := m.AddPeer(context.Background(), 4, "http://n4"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestManager_ProbeMarksSuspectAndRecovers(t *testing.T) {
	prober := &fakeProber{down: map[string]bool{"http://n2": true}}
	m := NewManager(1, newFakeNode(threePeers()), prober, testMembershipConfig())
	ctx := context.Background()

	if got := m.Probe(ctx, 2); got != Unreachable {
		t.Fatalf("probe = %s, want unreachable", got)
	}
	if m.Unhealthy() != 0 {
		t.Fatal("one failure must not mark the peer suspect")
	}

	results := m.ProbeAll(ctx)
	if results[1] != Healthy || results[2] != Unreachable || results[3] != Healthy {
		t.Fatalf("unexpected probe results: %v", results)
	}
	if m.Unhealthy() != 1 {
		t.Fatalf("expected one suspect peer, got %d", m.Unhealthy())
	}
	for _, rec := range m.ListPeers() {
		if rec.ID == 2 && (rec.Status != StatusSuspect || rec.ConsecutiveFailures != 2) {
			t.Fatalf("peer 2 record = %+v", rec)
		}
	}

	prober.set("http://n2", false)
	if got := m.Probe(ctx, 2); got != Healthy {
		t.Fatalf("probe = %s, want healthy", got)
	}
	if m.Unhealthy() != 0 {
		t.Fatal("successful probe must clear suspect status")
	}
	if got := m.Probe(ctx, 9); got != Unknown {
		t.Fatalf("probe of non-member = %s, want unknown", got)
	}
}

func TestManager_HandOff(t *testing.T) {
	prober := &fakeProber{down: map[string]bool{"http://n2": true}}
	m := NewManager(1, newFakeNode(threePeers()), prober, testMembershipConfig())
	ctx := context.Background()

	follower := &fakeLeader{}
	if err := m.HandOff(ctx, follower); err != nil || follower.target != 0 {
		t.Fatalf("follower hand off = %v, target %d", err, follower.target)
	}

	m.ProbeAll(ctx)
	m.ProbeAll(ctx)

	leader := &fakeLeader{leader: true}
	if err := m.HandOff(ctx, leader); err != nil {
		t.Fatalf("hand off: %v", err)
	}
	if leader.target != 3 {
		t.Fatalf("leadership went to %d, want 3 (2 is suspect)", leader.target)
	}

	stuck := &fakeLeader{leader: true, stuck: true}
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := m.HandOff(tctx, stuck); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stuck transfer = %v, want deadline exceeded", err)
	}

	alone := NewManager(1, newFakeNode(map[uint64]string{1: "http://n1"}), prober, testMembershipConfig())
	single := &fakeLeader{leader: true}
	if err := alone.HandOff(ctx, single); err != nil || single.target != 0 || !single.IsLeader() {
		t.Fatalf("single node hand off = %v, target %d", err, single.target)
	}
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ProbeEndpoint {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"health":"OK"}`))
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second)
	if err := p.Probe(context.Background(), srv.URL); err != nil {
		t.Fatalf("probe of a live server failed: %v", err)
	}
	if err := p.Probe(context.Background(), srv.URL+"/nope"); err == nil {
		t.Fatal("expected failure on non-200")
	}
}
