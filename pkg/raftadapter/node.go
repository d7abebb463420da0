package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ftsdb/pkg/clock"
	"ftsdb/pkg/command"
	"ftsdb/pkg/config"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/listener"
	"ftsdb/pkg/raftlog"
	"ftsdb/pkg/snapshot"
	"ftsdb/pkg/statemachine"
	"ftsdb/pkg/types"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const maxSnapshotBytes = 1 << 30

// StateMachine is what the node applies committed entries to.
type StateMachine interface {
	Open(snap raftpb.Snapshot) error
	Apply(entries []raftpb.Entry) []statemachine.ApplyResult
	Restore(snap raftpb.Snapshot) error
	LastApplied() uint64
	Members() map[uint64]string
	SetConfChanger(cc statemachine.ConfChanger)
}

// Transport delivers raft messages to peers. Send must not block the consensus loop.
type Transport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	SetReporter(r Reporter)
	Stop()
}

// Reporter receives delivery failures from the transport.
type Reporter interface {
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)
}

type applyTask struct {
	snapshot *raftpb.Snapshot
	entries  []raftpb.Entry
}

type compactTask struct {
	req   snapshot.Request
	reply chan compactReply
}

type compactReply struct {
	snap raftpb.Snapshot
	err  error
}

type Node struct {
	ID           uint64
	addr         string
	cfg          config.RaftConfig
	underlying   raft.Node
	log          *raftlog.Log
	sm           StateMachine
	transport    Transport
	assembler    *snapshot.Assembler
	tickInterval time.Duration

	peersMu sync.RWMutex
	peers   map[uint64]string

	applyCh   chan applyTask
	applier   *listener.Listener[applyTask]
	compactCh chan compactTask

	proposals *proposals
	reads     *readWait
	applied   *appliedWait

	lead   atomic.Uint64
	role   atomic.Uint32
	term   atomic.Uint64
	commit *clock.AtomicClock
	// pendingConf is the highest log index that may hold an unapplied conf
	// change. Raft drops conf change proposals while one is pending.
	pendingConf  *clock.AtomicClock
	confInFlight atomic.Bool

	hooksMu       sync.RWMutex
	snapshotHooks []func(index uint64)

	ctx          context.Context
	stop         context.CancelFunc
	started      atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
	failMu       sync.Mutex
	failErr      error
}

// NewNode opens the durable log under cfg.DataDir, resumes the state machine
// and starts raft. A node with an existing log restarts from it; a fresh node
// either bootstraps cfg.Peers or, with cfg.Join, waits to be added.
func NewNode(cfg *config.RaftConfig, sm StateMachine, transport Transport) (*Node, error) {
	rlog, existing, err := raftlog.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	snap, err := rlog.Snapshot()
	if err != nil {
		_ = rlog.Close()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := sm.Open(snap); err != nil {
		_ = rlog.Close()
		return nil, fmt.Errorf("open state machine: %w", err)
	}

	peers := make(map[uint64]string, len(cfg.Peers))
	raftPeers := make([]raft.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			_ = rlog.Close()
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}
	for id, addr := range sm.Members() {
		peers[id] = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ID:           cfg.ID,
		addr:         cfg.Address,
		cfg:          *cfg,
		log:          rlog,
		sm:           sm,
		transport:    transport,
		assembler:    snapshot.NewAssembler(maxSnapshotBytes),
		tickInterval: cfg.TickInterval,
		peers:        peers,
		applyCh:      make(chan applyTask, cfg.ApplyBuffer),
		compactCh:    make(chan compactTask),
		proposals:    newProposals(),
		reads:        newReadWait(),
		applied:      newAppliedWait(sm.LastApplied()),
		commit:       clock.NewAtomic(0),
		pendingConf:  clock.NewAtomic(0),
		ctx:          ctx,
		stop:         cancel,
		done:         make(chan struct{}),
	}
	if n.tickInterval <= 0 {
		n.tickInterval = 100 * time.Millisecond
	}

	transport.SetReporter(n)
	for id, addr := range peers {
		if id != n.ID {
			transport.AddPeer(id, addr)
		}
	}

	rc := toRaftConfig(cfg, rlog, snap.Metadata.Index)
	switch {
	case existing:
		slog.Info("restarting raft node", "id", n.ID, "applied", sm.LastApplied(), "snapshot", snap.Metadata.Index)
		n.underlying = raft.RestartNode(rc)
	case cfg.Join:
		slog.Info("starting raft node, waiting to be added", "id", n.ID)
		n.underlying = raft.RestartNode(rc)
	default:
		slog.Info("bootstrapping raft node", "id", n.ID, "peers", len(raftPeers))
		n.underlying = raft.StartNode(rc, raftPeers)
	}
	sm.SetConfChanger(n.underlying)

	n.applier = listener.New(n.applyCh, n.apply).OnError(n.fail)
	return n, nil
}

// Run drives raft until ctx is done or Stop is called.
func (n *Node) Run(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("raft node already running")
	}
	defer n.shutdown()

	n.applier.Start(n.ctx)

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.failure()
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				n.fail(err)
				return err
			}
		case task := <-n.compactCh:
			task.reply <- n.compact(task.req)
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if rd.SoftState != nil {
		wasLeader := n.IsLeader()
		n.updateSoftState(*rd.SoftState)
		if !wasLeader && n.IsLeader() {
			// a new leader treats everything in its log as a possible conf change
			last, _ := n.log.LastIndex()
			if k := len(rd.Entries); k > 0 {
				last = max(last, rd.Entries[k-1].Index)
			}
			n.pendingConf.Set(last)
		}
	}
	for _, e := range rd.Entries {
		if e.Type == raftpb.EntryConfChange || e.Type == raftpb.EntryConfChangeV2 {
			n.pendingConf.Advance(e.Index)
		}
	}

	// Nothing from this Ready may leave the node before it is durable.
	if err := n.log.Save(rd.HardState, rd.Entries, rd.Snapshot); err != nil {
		return fmt.Errorf("persist ready: %w", err)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		n.term.Store(rd.HardState.Term)
		n.commit.Advance(rd.HardState.Commit)
	}

	n.sendMessages(rd.Messages)

	for _, rs := range rd.ReadStates {
		n.reads.trigger(string(rs.RequestCtx), rs.Index)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		snap := rd.Snapshot
		if err := n.enqueue(applyTask{snapshot: &snap}); err != nil {
			return err
		}
	}
	if len(rd.CommittedEntries) > 0 {
		if err := n.enqueue(applyTask{entries: rd.CommittedEntries}); err != nil {
			return err
		}
	}

	n.underlying.Advance()
	return nil
}

// enqueue blocks while the apply loop is behind by more than the buffer.
func (n *Node) enqueue(task applyTask) error {
	select {
	case n.applyCh <- task:
		return nil
	case <-n.ctx.Done():
		return dberrors.ErrStopped
	}
}

func (n *Node) updateSoftState(ss raft.SoftState) {
	role := toRole(ss.RaftState)
	prevRole := types.Role(n.role.Swap(uint32(role)))
	prevLead := n.lead.Swap(ss.Lead)

	if prevLead != ss.Lead {
		slog.Info("leader changed", "node", n.ID, "leader", ss.Lead, "role", role)
	}
	if prevRole == types.Leader && role != types.Leader {
		if failed := n.proposals.failAll(dberrors.ErrLeadershipLost); failed > 0 {
			slog.Warn("lost leadership with pending proposals", "node", n.ID, "pending", failed)
		}
	}
}

func toRole(s raft.StateType) types.Role {
	switch s {
	case raft.StateLeader:
		return types.Leader
	case raft.StateCandidate, raft.StatePreCandidate:
		return types.Candidate
	default:
		return types.Follower
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}
		if err := n.transport.Send(msg); err != nil {
			slog.Debug("failed to queue raft message",
				"from", msg.From,
				"to", msg.To,
				"type", msg.Type,
				"error", err)
			n.underlying.ReportUnreachable(msg.To)
			if msg.Type == raftpb.MsgSnap {
				n.underlying.ReportSnapshot(msg.To, raft.SnapshotFailure)
			}
		}
	}
}

// apply runs on the apply loop, strictly in commit order.
func (n *Node) apply(task applyTask) error {
	if task.snapshot != nil {
		if err := n.sm.Restore(*task.snapshot); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", task.snapshot.Metadata.Index, err)
		}
		n.syncPeers(n.sm.Members())
		n.hooksMu.RLock()
		for _, fn := range n.snapshotHooks {
			fn(task.snapshot.Metadata.Index)
		}
		n.hooksMu.RUnlock()
	}

	for _, res := range n.sm.Apply(task.entries) {
		if res.ConfChange != nil {
			n.updateTransport(*res.ConfChange, res.Address)
		}
		if res.EnvelopeID != uuid.Nil {
			n.proposals.notify(res.EnvelopeID, fromApply(res))
		}
	}

	n.applied.trigger(n.sm.LastApplied())
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange, addr string) {
	if cc.NodeID == n.ID {
		if cc.Type == raftpb.ConfChangeRemoveNode {
			slog.Warn("this node was removed from the cluster", "node", n.ID)
		}
		return
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode, raftpb.ConfChangeUpdateNode:
		if addr == "" {
			return
		}
		n.peers[cc.NodeID] = addr
		n.transport.AddPeer(cc.NodeID, addr)
		slog.Info("added peer", "id", cc.NodeID, "addr", addr)
	case raftpb.ConfChangeRemoveNode:
		delete(n.peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)
	}
}

// syncPeers replaces the peer set after a snapshot install.
func (n *Node) syncPeers(members map[uint64]string) {
	if len(members) == 0 {
		return
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	for id := range n.peers {
		if _, ok := members[id]; !ok && id != n.ID {
			delete(n.peers, id)
			n.transport.RemovePeer(id)
		}
	}
	for id, addr := range members {
		n.peers[id] = addr
		if id != n.ID {
			n.transport.AddPeer(id, addr)
		}
	}
}

func (n *Node) compact(req snapshot.Request) compactReply {
	snap, err := n.log.CreateSnapshot(req.Index, &req.ConfState, req.Data)
	if err != nil {
		return compactReply{err: err}
	}
	if req.CompactTo > 0 {
		if err := n.log.Compact(req.CompactTo); err != nil {
			return compactReply{snap: snap, err: fmt.Errorf("compact log: %w", err)}
		}
	}
	return compactReply{snap: snap}
}

// Compact stores a state machine snapshot and truncates the log. It runs on
// the consensus loop, which is the only writer of the log.
func (n *Node) Compact(ctx context.Context, req snapshot.Request) (raftpb.Snapshot, error) {
	task := compactTask{req: req, reply: make(chan compactReply, 1)}
	select {
	case n.compactCh <- task:
	case <-ctx.Done():
		return raftpb.Snapshot{}, ctx.Err()
	case <-n.ctx.Done():
		return raftpb.Snapshot{}, dberrors.ErrStopped
	}

	select {
	case r := <-task.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return raftpb.Snapshot{}, ctx.Err()
	case <-n.ctx.Done():
		return raftpb.Snapshot{}, dberrors.ErrStopped
	}
}

// Submit proposes cmd and waits until it is applied. Followers answer with a
// *dberrors.NotLeaderError right away. An apply-level failure is returned as
// the error together with the log index it was applied at.
func (n *Node) Submit(ctx context.Context, cmd command.Command, dedupeKey string) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	if !n.IsLeader() {
		return Result{}, n.notLeader()
	}
	if cmd.IsMembership() {
		if !n.confInFlight.CompareAndSwap(false, true) {
			return Result{}, dberrors.ErrQuorumChangeInProgress
		}
		defer n.confInFlight.Store(false)
		if pending, applied := n.pendingConf.Val(), n.sm.LastApplied(); pending > applied {
			return Result{}, fmt.Errorf("%w: conf change up to %d not applied (applied %d)",
				dberrors.ErrQuorumChangeInProgress, pending, applied)
		}
	}

	if _, ok := ctx.Deadline(); !ok && n.cfg.ProposalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.ProposalTimeout)
		defer cancel()
	}

	env := command.NewEnvelope(cmd, dedupeKey)
	resultChan := n.proposals.register(env.ID)
	defer n.proposals.forget(env.ID)

	if err := n.propose(ctx, env); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			return Result{}, n.notLeader()
		}
		return Result{}, n.waitErr(ctx, err)
	}

	select {
	case res := <-resultChan:
		return res.Result, res.Err
	case <-ctx.Done():
		return Result{}, n.waitErr(ctx, ctx.Err())
	case <-n.ctx.Done():
		return Result{}, dberrors.ErrStopped
	}
}

func (n *Node) propose(ctx context.Context, env command.Envelope) error {
	if env.Command.IsMembership() {
		cc, err := command.ConfChange(env)
		if err != nil {
			return err
		}
		return n.underlying.ProposeConfChange(ctx, cc)
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return n.underlying.Propose(ctx, data)
}

func (n *Node) waitErr(ctx context.Context, err error) error {
	switch {
	case n.ctx.Err() != nil, errors.Is(err, raft.ErrStopped):
		return dberrors.ErrStopped
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", dberrors.ErrReplicationTimeout, err)
	}
	return err
}

func (n *Node) notLeader() error {
	lead := n.LeaderID()
	return &dberrors.NotLeaderError{LeaderID: lead, LeaderAddr: n.peerAddr(lead)}
}

// ReadIndex returns an index such that a read served after applying it
// observes every write committed before the call. Leader only.
func (n *Node) ReadIndex(ctx context.Context) (uint64, error) {
	if !n.IsLeader() {
		return 0, n.notLeader()
	}
	if _, ok := ctx.Deadline(); !ok && n.cfg.ProposalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.ProposalTimeout)
		defer cancel()
	}

	key := uuid.NewString()
	ch := n.reads.register(key)
	defer n.reads.cancel(key)

	if err := n.underlying.ReadIndex(ctx, []byte(key)); err != nil {
		return 0, n.waitErr(ctx, err)
	}

	var idx uint64
	select {
	case idx = <-ch:
	case <-ctx.Done():
		return 0, n.waitErr(ctx, ctx.Err())
	case <-n.ctx.Done():
		return 0, dberrors.ErrStopped
	}

	if err := n.WaitApplied(ctx, idx); err != nil {
		return 0, err
	}
	return idx, nil
}

// WaitApplied blocks until the state machine has applied index.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	select {
	case <-n.applied.wait(index):
		return nil
	case <-ctx.Done():
		return n.waitErr(ctx, ctx.Err())
	case <-n.ctx.Done():
		return dberrors.ErrStopped
	}
}

// Handle steps a message received from a peer into raft.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	if err := n.underlying.Step(ctx, msg); err != nil {
		if errors.Is(err, raft.ErrStopped) {
			return dberrors.ErrStopped
		}
		return err
	}
	return nil
}

// HandleSnapshotChunk collects a chunk of an incoming snapshot and steps the
// full message once it is complete.
func (n *Node) HandleSnapshotChunk(ctx context.Context, ch snapshot.Chunk) (snapshot.Ack, error) {
	payload, ack, err := n.assembler.Receive(ch)
	if err != nil || !ack.Done {
		return ack, err
	}

	var msg raftpb.Message
	if err := msg.Unmarshal(payload); err != nil {
		return snapshot.Ack{}, fmt.Errorf("%w: %v", dberrors.ErrCorruptSnapshot, err)
	}
	slog.Info("snapshot received", "node", n.ID, "from", msg.From, "index", msg.Snapshot.Metadata.Index, "bytes", len(payload))
	return ack, n.Handle(ctx, msg)
}

func (n *Node) ReportUnreachable(id uint64) {
	n.underlying.ReportUnreachable(id)
}

func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	n.underlying.ReportSnapshot(id, status)
}

// OnSnapshotInstalled registers fn to run on the apply loop after a snapshot from the leader is installed.
func (n *Node) OnSnapshotInstalled(fn func(index uint64)) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.snapshotHooks = append(n.snapshotHooks, fn)
}

// TransferLeadership asks raft to hand leadership to the voter to. It returns
// once the request is queued; callers watch IsLeader for the outcome.
func (n *Node) TransferLeadership(ctx context.Context, to uint64) error {
	if !n.IsLeader() {
		return n.notLeader()
	}
	n.underlying.TransferLeadership(ctx, n.ID, to)
	return nil
}

func (n *Node) IsLeader() bool {
	return types.Role(n.role.Load()) == types.Leader
}

func (n *Node) LeaderID() uint64 {
	return n.lead.Load()
}

func (n *Node) LeaderAddr() string {
	return n.peerAddr(n.LeaderID())
}

func (n *Node) peerAddr(id uint64) string {
	if id == 0 {
		return ""
	}
	if id == n.ID {
		return n.addr
	}
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[id]
}

// Peers returns the known members, this node included.
func (n *Node) Peers() map[uint64]string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	out := make(map[uint64]string, len(n.peers)+1)
	for id, addr := range n.peers {
		out[id] = addr
	}
	out[n.ID] = n.addr
	return out
}

// Done is closed once the node has shut down.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) fail(err error) {
	slog.Error("critical: raft node failed", "node", n.ID, "error", err)
	n.failMu.Lock()
	if n.failErr == nil {
		n.failErr = err
	}
	n.failMu.Unlock()
	n.stop()
}

func (n *Node) failure() error {
	n.failMu.Lock()
	defer n.failMu.Unlock()
	return n.failErr
}

func (n *Node) Stop() error {
	slog.Info("stopping raft node", "id", n.ID)

	n.stop()
	if n.started.Load() {
		<-n.done
	} else {
		n.shutdown()
	}

	slog.Info("raft node stopped", "id", n.ID)
	return n.failure()
}

func (n *Node) shutdown() {
	n.shutdownOnce.Do(func() {
		n.stop()
		n.role.Store(uint32(types.Follower))
		n.lead.Store(0)
		n.underlying.Stop()
		n.applier.Stop()
		n.transport.Stop()
		n.proposals.failAll(dberrors.ErrStopped)
		if err := n.log.Close(); err != nil {
			slog.Warn("failed to close raft log", "node", n.ID, "error", err)
		}
		close(n.done)
	})
}

// Status is a point-in-time view of the node for the status endpoint and metrics.
type Status struct {
	ID            uint64            `json:"id"`
	Addr          string            `json:"addr"`
	Role          types.Role        `json:"role"`
	Term          uint64            `json:"term"`
	Vote          uint64            `json:"vote"`
	LeaderID      uint64            `json:"leader_id"`
	LeaderAddr    string            `json:"leader_addr,omitempty"`
	CommitIndex   uint64            `json:"commit_index"`
	LastApplied   uint64            `json:"last_applied"`
	SnapshotIndex uint64            `json:"snapshot_index"`
	FirstIndex    uint64            `json:"first_index"`
	LastIndex     uint64            `json:"last_index"`
	LogEntries    uint64            `json:"log_entries"`
	LogBytes      int64             `json:"log_bytes"`
	Pending       int               `json:"pending_proposals"`
	Peers         map[uint64]string `json:"peers"`
}

func (n *Node) Status() Status {
	st := Status{
		ID:          n.ID,
		Addr:        n.addr,
		Role:        types.Role(n.role.Load()),
		Term:        n.term.Load(),
		LeaderID:    n.LeaderID(),
		LeaderAddr:  n.LeaderAddr(),
		CommitIndex: n.commit.Val(),
		LastApplied: n.sm.LastApplied(),
		LogEntries:  n.log.Len(),
		LogBytes:    n.log.DiskSize(),
		Pending:     n.proposals.len(),
		Peers:       n.Peers(),
	}

	// role, term and leader come from one raft status so they agree with each other
	select {
	case <-n.done:
	default:
		if rs := n.underlying.Status(); rs.ID != 0 {
			st.Role = toRole(rs.RaftState)
			st.Term = rs.Term
			st.Vote = rs.Vote
			st.LeaderID = rs.Lead
			st.LeaderAddr = n.peerAddr(rs.Lead)
			if rs.Commit > st.CommitIndex {
				st.CommitIndex = rs.Commit
			}
		}
	}

	if snap, err := n.log.Snapshot(); err == nil {
		st.SnapshotIndex = snap.Metadata.Index
	}
	st.FirstIndex, _ = n.log.FirstIndex()
	st.LastIndex, _ = n.log.LastIndex()
	return st
}
