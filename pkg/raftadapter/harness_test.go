//nolint:hugeParam // test only
package raftadapter

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ftsdb/pkg/command"
	"ftsdb/pkg/config"
	"ftsdb/pkg/index"
	"ftsdb/pkg/snapshot"
	"ftsdb/pkg/statemachine"
	"ftsdb/pkg/types"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	testTick      = 10 * time.Millisecond
	testChunkSize = 256
	waitTimeout   = 10 * time.Second
)

func testSchema() index.Schema {
	return index.Schema{
		UniqueKey: "id",
		Fields: []index.FieldSpec{
			{Name: "id", Type: index.FieldKeyword, Stored: true, Indexed: true},
			{Name: "title", Type: index.FieldText, Stored: true, Indexed: true},
		},
	}
}

func testRaftConfig(id uint64, dir string, peers []config.PeerConfig, join bool) *config.RaftConfig {
	return &config.RaftConfig{
		ID:                        id,
		Address:                   addrOf(id),
		DataDir:                   dir,
		Peers:                     peers,
		Join:                      join,
		TickInterval:              testTick,
		ElectionTick:              10,
		HeartbeatTick:             1,
		MaxSizePerMsg:             1024 * 1024,
		MaxCommittedSizePerReady:  4 * 1024 * 1024,
		MaxUncommittedEntriesSize: 0,
		MaxInflightMsgs:           256,
		CheckQuorum:               true,
		PreVote:                   true,
		ProposalTimeout:           3 * time.Second,
		ApplyBuffer:               16,
		DedupeWindow:              100,
	}
}

func addrOf(id uint64) string {
	return fmt.Sprintf("http://node-%d", id)
}

// network routes messages between in-process nodes and can cut nodes off.
type network struct {
	mu       sync.RWMutex
	nodes    map[uint64]*Node
	isolated map[uint64]bool
	cut      map[[2]uint64]bool
}

func newNetwork() *network {
	return &network{
		nodes:    make(map[uint64]*Node),
		isolated: make(map[uint64]bool),
		cut:      make(map[[2]uint64]bool),
	}
}

func (n *network) register(node *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[node.ID] = node
}

func (n *network) unregister(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

func (n *network) isolate(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// drop loses every message sent from one node to another, the reverse
// direction keeps working.
func (n *network) drop(from, to uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]uint64{from, to}] = true
}

func (n *network) heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated = make(map[uint64]bool)
	n.cut = make(map[[2]uint64]bool)
}

func (n *network) isIsolated(id uint64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.isolated[id]
}

func (n *network) route(from, to uint64) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] || n.cut[[2]uint64{from, to}] {
		return nil, false
	}
	target, ok := n.nodes[to]
	return target, ok
}

// inprocTransport delivers messages straight into the target node. Lost
// messages are dropped silently, like a lossy network.
type inprocTransport struct {
	id  uint64
	net *network

	mu       sync.RWMutex
	peers    map[uint64]string
	reporter Reporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Transport = (*inprocTransport)(nil)

func newInprocTransport(id uint64, net *network) *inprocTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &inprocTransport{
		id:     id,
		net:    net,
		peers:  make(map[uint64]string),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	target, ok := t.net.route(msg.From, msg.To)
	if !ok {
		return nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if msg.Type == raftpb.MsgSnap {
			t.sendSnapshot(target, msg)
			return
		}
		_ = target.Handle(t.ctx, msg)
	}()
	return nil
}

func (t *inprocTransport) sendSnapshot(target *Node, msg raftpb.Message) {
	payload, err := msg.Marshal()
	if err != nil {
		t.reportSnapshot(msg.To, raft.SnapshotFailure)
		return
	}

	chunker := snapshot.NewChunker(uuid.NewString(), msg.From, msg.To,
		msg.Snapshot.Metadata.Index, msg.Snapshot.Metadata.Term, payload, testChunkSize)

	var offset int64
	for {
		ack, err := target.HandleSnapshotChunk(t.ctx, chunker.At(offset))
		if err != nil {
			t.reportSnapshot(msg.To, raft.SnapshotFailure)
			return
		}
		if ack.Done {
			t.reportSnapshot(msg.To, raft.SnapshotFinish)
			return
		}
		offset = ack.NextOffset
	}
}

func (t *inprocTransport) reportSnapshot(to uint64, status raft.SnapshotStatus) {
	t.mu.RLock()
	r := t.reporter
	t.mu.RUnlock()
	if r != nil {
		r.ReportSnapshot(to, status)
	}
}

func (t *inprocTransport) AddPeer(id uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

func (t *inprocTransport) RemovePeer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

func (t *inprocTransport) hasPeer(id uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[id]
	return ok
}

func (t *inprocTransport) SetReporter(r Reporter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reporter = r
}

func (t *inprocTransport) Stop() {
	t.cancel()
	t.wg.Wait()
}

type testNode struct {
	*Node
	sm        *statemachine.StateMachine
	transport *inprocTransport
	runErr    chan error
}

type cluster struct {
	t     *testing.T
	net   *network
	peers []config.PeerConfig
	dirs  map[uint64]string
	mu    sync.Mutex
	nodes map[uint64]*testNode
}

func newCluster(t *testing.T, size int) *cluster {
	t.Helper()

	c := &cluster{
		t:     t,
		net:   newNetwork(),
		dirs:  make(map[uint64]string),
		nodes: make(map[uint64]*testNode),
	}
	for i := 1; i <= size; i++ {
		id := uint64(i)
		c.peers = append(c.peers, config.PeerConfig{ID: id, Address: addrOf(id)})
		c.dirs[id] = t.TempDir()
	}
	t.Cleanup(c.shutdown)

	for _, p := range c.peers {
		c.start(p.ID, false)
	}
	return c
}

func (c *cluster) start(id uint64, join bool) *testNode {
	c.t.Helper()

	dir, ok := c.dirs[id]
	if !ok {
		dir = c.t.TempDir()
		c.dirs[id] = dir
	}

	peers := c.peers
	if join {
		peers = nil
	}

	engine, err := index.Open(filepath.Join(dir, "index"), testSchema())
	if err != nil {
		c.t.Fatalf("index.Open failed for node %d: %v", id, err)
	}
	sm := statemachine.New(engine, 100)
	transport := newInprocTransport(id, c.net)

	node, err := NewNode(testRaftConfig(id, dir, peers, join), sm, transport)
	if err != nil {
		c.t.Fatalf("failed to create node %d: %v", id, err)
	}

	tn := &testNode{Node: node, sm: sm, transport: transport, runErr: make(chan error, 1)}
	c.net.register(node)

	c.mu.Lock()
	c.nodes[id] = tn
	c.mu.Unlock()

	go func() {
		tn.runErr <- node.Run(context.Background())
	}()
	return tn
}

func (c *cluster) stop(id uint64) {
	c.t.Helper()

	c.mu.Lock()
	tn, ok := c.nodes[id]
	delete(c.nodes, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	c.net.unregister(id)
	if err := tn.Stop(); err != nil {
		c.t.Errorf("node %d stopped with error: %v", id, err)
	}
}

func (c *cluster) shutdown() {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.stop(id)
	}
}

func (c *cluster) node(id uint64) *testNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

func (c *cluster) running() []*testNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*testNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// waitLeader waits until exactly one connected node is leader.
func (c *cluster) waitLeader() *testNode {
	c.t.Helper()

	var leader *testNode
	eventually(c.t, waitTimeout, func() bool {
		var leaders []*testNode
		for _, n := range c.running() {
			if c.net.isIsolated(n.ID) {
				continue
			}
			if n.IsLeader() {
				leaders = append(leaders, n)
			}
		}
		if len(leaders) != 1 {
			return false
		}
		leader = leaders[0]
		return true
	}, "leader not elected")
	return leader
}

func (c *cluster) followers(leader *testNode) []*testNode {
	var out []*testNode
	for _, n := range c.running() {
		if n.ID != leader.ID {
			out = append(out, n)
		}
	}
	return out
}

// submit retries on leadership churn until the command is applied.
func (c *cluster) submit(cmd command.Command) Result {
	c.t.Helper()

	var (
		res     Result
		lastErr error
	)
	eventually(c.t, waitTimeout, func() bool {
		leader := c.waitLeader()
		res, lastErr = leader.Submit(context.Background(), cmd, "")
		return lastErr == nil
	}, "submit did not succeed")
	if lastErr != nil {
		c.t.Fatalf("submit failed: %v", lastErr)
	}
	return res
}

func (c *cluster) put(id, title string) {
	c.t.Helper()
	c.submit(command.Put(index.Document{ID: id, Fields: map[string]any{"title": title}}))
}

func (c *cluster) commit() Result {
	c.t.Helper()
	return c.submit(command.Commit())
}

func (c *cluster) waitDoc(n *testNode, id string) {
	c.t.Helper()
	eventually(c.t, waitTimeout, func() bool {
		_, ok := n.sm.Get(id)
		return ok
	}, fmt.Sprintf("node %d never saw document %q", n.ID, id))
}

func (c *cluster) waitApplied(n *testNode, index uint64) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := n.WaitApplied(ctx, index); err != nil {
		c.t.Fatalf("node %d did not apply %d: %v", n.ID, index, err)
	}
}

// watchLeaders samples every running node until the returned func is called
// and fails the test if two nodes ever claim leadership of the same term.
func (c *cluster) watchLeaders() func() {
	c.t.Helper()

	done := make(chan struct{})
	stopped := make(chan struct{})
	leaders := make(map[uint64]uint64)
	var violation string

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			for _, n := range c.running() {
				st := n.Status()
				if st.Role != types.Leader {
					continue
				}
				if prev, ok := leaders[st.Term]; ok && prev != st.ID && violation == "" {
					violation = fmt.Sprintf("nodes %d and %d both led term %d", prev, st.ID, st.Term)
				}
				leaders[st.Term] = st.ID
			}
		}
	}()

	return func() {
		c.t.Helper()
		close(done)
		<-stopped
		if violation != "" {
			c.t.Errorf("election safety violated: %s", violation)
		}
		if len(leaders) == 0 {
			c.t.Errorf("no leader observed")
		}
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s within %s", msg, timeout)
}
