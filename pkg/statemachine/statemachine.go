// Package statemachine applies committed log entries to the index engine.
package statemachine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"ftsdb/pkg/clock"
	"ftsdb/pkg/command"
	"ftsdb/pkg/compression"
	"ftsdb/pkg/dberrors"
	"ftsdb/pkg/index"
	"ftsdb/pkg/types"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const DefaultDedupeWindow = 10000

// Engine is the index engine surface the state machine drives.
type Engine interface {
	AddDocument(doc index.Document) error
	DeleteDocument(id string) error
	Commit(meta index.CommitMeta) (types.GenerationID, error)
	Rollback() types.GenerationID
	Merge() index.MergeResult
	Schema() index.Schema
	SetSchema(s index.Schema) error
	Search(q index.Query) index.SearchResult
	Count(q index.Query) int
	Get(id string) (index.Document, bool)
	Stats() index.Stats
	Meta() index.CommitMeta
	Dump() index.Image
	Load(img index.Image, meta index.CommitMeta) error
}

// ConfChanger feeds committed membership changes back into raft. raft.Node satisfies it.
type ConfChanger interface {
	ApplyConfChange(cc raftpb.ConfChangeI) *raftpb.ConfState
}

// extra is what the state machine stores next to each engine commit and inside snapshots.
type extra struct {
	Dedupe    dedupeImage       `json:"dedupe"`
	Members   map[uint64]string `json:"members,omitempty"`
	ConfState raftpb.ConfState  `json:"conf_state"`
}

// image is the snapshot payload.
type image struct {
	Index  uint64      `json:"index"`
	Term   uint64      `json:"term"`
	Engine index.Image `json:"engine"`
	Extra  extra       `json:"extra"`
}

// StateMachine is driven by a single apply loop. Reads may run concurrently.
type StateMachine struct {
	mu sync.Mutex

	engine      Engine
	confChanger ConfChanger

	lastApplied *clock.AtomicClock
	appliedTerm uint64
	dedupe      *dedupeTable
	members     map[uint64]string
	confState   raftpb.ConfState
}

func New(engine Engine, dedupeWindow int) *StateMachine {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	return &StateMachine{
		engine:      engine,
		lastApplied: clock.NewAtomic(0),
		dedupe:      newDedupeTable(dedupeWindow),
		members:     make(map[uint64]string),
	}
}

// SetConfChanger must be called before the first membership entry is applied.
func (sm *StateMachine) SetConfChanger(cc ConfChanger) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.confChanger = cc
}

// Open resumes from whichever is newer: the engine's last commit marker or snap.
// On a tie the snapshot wins since it also carries the uncommitted buffer.
func (sm *StateMachine) Open(snap raftpb.Snapshot) error {
	meta := sm.engine.Meta()

	if !raft.IsEmptySnap(snap) && snap.Metadata.Index >= meta.AppliedIndex {
		slog.Info("state machine resuming from snapshot",
			"snapshot_index", snap.Metadata.Index, "engine_index", meta.AppliedIndex)
		return sm.Restore(snap)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(meta.Extra) > 0 {
		var ex extra
		if err := json.Unmarshal(meta.Extra, &ex); err != nil {
			return fmt.Errorf("%w: decode commit marker: %v", dberrors.ErrIndexEngine, err)
		}
		sm.loadExtra(ex)
	}
	sm.lastApplied.Set(meta.AppliedIndex)
	sm.appliedTerm = meta.AppliedTerm
	slog.Info("state machine resuming from engine marker", "applied_index", meta.AppliedIndex)
	return nil
}

func (sm *StateMachine) loadExtra(ex extra) {
	sm.dedupe.load(ex.Dedupe)
	sm.members = make(map[uint64]string, len(ex.Members))
	for id, addr := range ex.Members {
		sm.members[id] = addr
	}
	sm.confState = ex.ConfState
}

func (sm *StateMachine) extra() extra {
	members := make(map[uint64]string, len(sm.members))
	for id, addr := range sm.members {
		members[id] = addr
	}
	return extra{Dedupe: sm.dedupe.image(), Members: members, ConfState: sm.confState}
}

// Apply applies entries in order. Entries at or below lastApplied are skipped,
// except that membership entries are always handed to raft, which does not
// persist its own configuration.
func (sm *StateMachine) Apply(entries []raftpb.Entry) []ApplyResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	results := make([]ApplyResult, 0, len(entries))
	for _, e := range entries {
		applied := e.Index <= sm.lastApplied.Val()

		switch e.Type {
		case raftpb.EntryNormal:
			if applied {
				continue
			}
			if len(e.Data) == 0 {
				// leader no-op
				sm.advance(e)
				continue
			}
			results = append(results, sm.applyNormal(e))
		case raftpb.EntryConfChange:
			res, ok := sm.applyConfChange(e, applied)
			if ok {
				results = append(results, res)
			}
		default:
			if !applied {
				slog.Warn("skipping unsupported entry type", "index", e.Index, "type", e.Type)
				sm.advance(e)
			}
		}
	}
	return results
}

func (sm *StateMachine) advance(e raftpb.Entry) {
	sm.lastApplied.Set(e.Index)
	sm.appliedTerm = e.Term
}

func (sm *StateMachine) applyNormal(e raftpb.Entry) ApplyResult {
	defer sm.advance(e)

	env, err := command.Decode(e.Data)
	if err != nil {
		slog.Error("undecodable log entry applied as failed", "index", e.Index, "error", err)
		return ApplyResult{Index: e.Index, Term: e.Term, Err: err}
	}

	if rec, ok := sm.dedupe.get(env.DedupeKey); ok {
		res := rec.result()
		res.Index, res.Term, res.EnvelopeID = e.Index, e.Term, env.ID
		return res
	}

	res := ApplyResult{Index: e.Index, Term: e.Term, EnvelopeID: env.ID, Kind: env.Command.Kind}
	if err := env.Command.Validate(); err != nil {
		res.Err = err
		sm.dedupe.put(env.DedupeKey, toRecord(res))
		return res
	}

	cmd := env.Command
	switch cmd.Kind {
	case command.KindPut:
		res.Err = sm.engine.AddDocument(*cmd.Put)
	case command.KindDelete:
		res.Err = sm.engine.DeleteDocument(cmd.Delete.ID)
	case command.KindCommit:
		// The commit marker carries the dedupe table, so this entry's own
		// record has to be in it before the engine persists.
		res.Generation = sm.engine.Stats().Generation + 1
		sm.dedupe.put(env.DedupeKey, toRecord(res))
		gen, err := sm.commit(e)
		if err != nil {
			res.Generation = 0
			res.Err = err
			slog.Error("index commit failed", "index", e.Index, "error", err)
		} else {
			res.Generation = gen
		}
	case command.KindRollback:
		res.Generation = sm.engine.Rollback()
	case command.KindMerge:
		m := sm.engine.Merge()
		res.Merge = &m
		res.Generation = m.Generation
	case command.KindSetSchema:
		res.Err = sm.engine.SetSchema(*cmd.SetSchema)
		if errors.Is(res.Err, dberrors.ErrSchemaIncompatible) {
			slog.Warn("schema change rejected", "index", e.Index, "error", res.Err)
		}
	case command.KindAddPeer, command.KindRemovePeer:
		res.Err = fmt.Errorf("%w: membership command in a normal entry", dberrors.ErrInvalidCommand)
	}

	sm.dedupe.put(env.DedupeKey, toRecord(res))
	return res
}

func (sm *StateMachine) commit(e raftpb.Entry) (types.GenerationID, error) {
	data, err := json.Marshal(sm.extra())
	if err != nil {
		return 0, fmt.Errorf("%w: encode commit marker: %v", dberrors.ErrIndexEngine, err)
	}
	return sm.engine.Commit(index.CommitMeta{AppliedIndex: e.Index, AppliedTerm: e.Term, Extra: data})
}

// applyConfChange reports false for replayed entries whose effect is already in state.
func (sm *StateMachine) applyConfChange(e raftpb.Entry, applied bool) (ApplyResult, bool) {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(e.Data); err != nil {
		slog.Error("undecodable conf change", "index", e.Index, "error", err)
		if !applied {
			sm.advance(e)
		}
		return ApplyResult{}, false
	}

	if sm.confChanger != nil {
		if cs := sm.confChanger.ApplyConfChange(cc); cs != nil && !applied {
			sm.confState = *cs
		}
	}
	if applied {
		return ApplyResult{}, false
	}
	defer sm.advance(e)

	ctx := command.DecodeConfContext(cc.Context)
	res := ApplyResult{Index: e.Index, Term: e.Term, EnvelopeID: ctx.EnvelopeID, ConfChange: &cc}

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		res.Kind = command.KindAddPeer
		res.Address = ctx.Address
		sm.members[cc.NodeID] = ctx.Address
	case raftpb.ConfChangeRemoveNode:
		res.Kind = command.KindRemovePeer
		delete(sm.members, cc.NodeID)
	case raftpb.ConfChangeUpdateNode:
		res.Kind = command.KindAddPeer
		res.Address = ctx.Address
		sm.members[cc.NodeID] = ctx.Address
	}
	if sm.confChanger == nil {
		sm.confState = nextConfState(sm.confState, cc)
	}

	sm.dedupe.put(ctx.DedupeKey, toRecord(res))
	return res, true
}

// nextConfState tracks voters when raft is not attached, as in tests and tools.
func nextConfState(cs raftpb.ConfState, cc raftpb.ConfChange) raftpb.ConfState {
	voters := make([]uint64, 0, len(cs.Voters)+1)
	for _, id := range cs.Voters {
		if id != cc.NodeID {
			voters = append(voters, id)
		}
	}
	if cc.Type == raftpb.ConfChangeAddNode {
		voters = append(voters, cc.NodeID)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i] < voters[j] })
	return raftpb.ConfState{Voters: voters}
}

// Snapshot serializes the whole state at lastApplied. The apply loop is held
// off while it runs, so the image is consistent.
func (sm *StateMachine) Snapshot() ([]byte, uint64, raftpb.ConfState, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	img := image{
		Index:  sm.lastApplied.Val(),
		Term:   sm.appliedTerm,
		Engine: sm.engine.Dump(),
		Extra:  sm.extra(),
	}
	data, err := json.Marshal(img)
	if err != nil {
		return nil, 0, raftpb.ConfState{}, fmt.Errorf("%w: encode image: %v", dberrors.ErrSnapshot, err)
	}
	packed := compression.Compress(data)
	slog.Debug("snapshot image encoded", "index", img.Index, "bytes", len(packed),
		"ratio", compression.Ratio(len(data), len(packed)))
	return packed, img.Index, sm.confState, nil
}

// Restore replaces all state with the snapshot. A snapshot not ahead of
// lastApplied is ignored.
func (sm *StateMachine) Restore(snap raftpb.Snapshot) error {
	raw, err := compression.Decompress(snap.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrCorruptSnapshot, err)
	}
	var img image
	if err := json.Unmarshal(raw, &img); err != nil {
		return fmt.Errorf("%w: decode image: %v", dberrors.ErrCorruptSnapshot, err)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if snap.Metadata.Index <= sm.lastApplied.Val() && sm.lastApplied.Val() != 0 {
		slog.Debug("ignoring stale snapshot", "snapshot_index", snap.Metadata.Index, "applied", sm.lastApplied.Val())
		return nil
	}

	ex := img.Extra
	if len(snap.Metadata.ConfState.Voters) > 0 || len(snap.Metadata.ConfState.Learners) > 0 {
		ex.ConfState = snap.Metadata.ConfState
	}
	data, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("%w: encode commit marker: %v", dberrors.ErrSnapshot, err)
	}

	meta := index.CommitMeta{AppliedIndex: snap.Metadata.Index, AppliedTerm: snap.Metadata.Term, Extra: data}
	if err := sm.engine.Load(img.Engine, meta); err != nil {
		return err
	}

	sm.loadExtra(ex)
	sm.lastApplied.Set(snap.Metadata.Index)
	sm.appliedTerm = snap.Metadata.Term
	slog.Info("state machine restored from snapshot",
		"index", snap.Metadata.Index, "term", snap.Metadata.Term, "generation", img.Engine.Generation)
	return nil
}

func (sm *StateMachine) LastApplied() uint64 {
	return sm.lastApplied.Val()
}

// Members returns the peer addresses learned from membership entries.
func (sm *StateMachine) Members() map[uint64]string {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make(map[uint64]string, len(sm.members))
	for id, addr := range sm.members {
		out[id] = addr
	}
	return out
}

func (sm *StateMachine) ConfState() raftpb.ConfState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.confState
}

func (sm *StateMachine) Search(q index.Query) index.SearchResult {
	return sm.engine.Search(q)
}

func (sm *StateMachine) Count(q index.Query) int {
	return sm.engine.Count(q)
}

func (sm *StateMachine) Get(id string) (index.Document, bool) {
	return sm.engine.Get(id)
}

func (sm *StateMachine) Schema() index.Schema {
	return sm.engine.Schema()
}

func (sm *StateMachine) Stats() index.Stats {
	return sm.engine.Stats()
}
