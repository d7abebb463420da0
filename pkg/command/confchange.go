package command

import (
	"encoding/json"
	"fmt"

	"ftsdb/pkg/dberrors"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/fastrand"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// ConfContext rides in raftpb.ConfChange.Context so that a membership entry
// carries the peer address and can be matched to its proposer.
type ConfContext struct {
	Address    string    `json:"address,omitempty"`
	EnvelopeID uuid.UUID `json:"envelope_id"`
	DedupeKey  string    `json:"dedupe_key,omitempty"`
}

// ConfChange converts a membership envelope into a raft conf change.
func ConfChange(e Envelope) (raftpb.ConfChange, error) {
	cc := raftpb.ConfChange{ID: fastrand.Uint64()}
	ctx := ConfContext{EnvelopeID: e.ID, DedupeKey: e.DedupeKey}

	switch e.Command.Kind {
	case KindAddPeer:
		cc.Type = raftpb.ConfChangeAddNode
		cc.NodeID = e.Command.AddPeer.ID
		ctx.Address = e.Command.AddPeer.Address
	case KindRemovePeer:
		cc.Type = raftpb.ConfChangeRemoveNode
		cc.NodeID = e.Command.RemovePeer.ID
	default:
		return cc, fmt.Errorf("%w: %s is not a membership command", dberrors.ErrInvalidCommand, e.Command.Kind)
	}

	data, err := json.Marshal(ctx)
	if err != nil {
		return cc, fmt.Errorf("marshal conf context: %w", err)
	}
	cc.Context = data
	return cc, nil
}

// DecodeConfContext reads the context of a committed conf change. Entries written
// by raft bootstrap carry the bare address instead of JSON.
func DecodeConfContext(data []byte) ConfContext {
	var ctx ConfContext
	if len(data) == 0 {
		return ctx
	}
	if err := json.Unmarshal(data, &ctx); err != nil {
		return ConfContext{Address: string(data)}
	}
	return ctx
}
