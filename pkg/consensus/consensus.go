// Package consensus holds the narrow views of the raft node that the
// gateway, the membership manager and the scheduler depend on.
package consensus

import (
	"context"

	"ftsdb/pkg/command"
	"ftsdb/pkg/raftadapter"
)

// Proposer submits commands through the replicated log.
type Proposer interface {
	Submit(ctx context.Context, cmd command.Command, dedupeKey string) (raftadapter.Result, error)
}

// Leadership exposes what this node knows about the current leader.
type Leadership interface {
	IsLeader() bool
	LeaderID() uint64
	LeaderAddr() string
}

// Reader provides a linearizable read barrier.
type Reader interface {
	ReadIndex(ctx context.Context) (uint64, error)
}

// Membership is the current peer set, self included.
type Membership interface {
	Peers() map[uint64]string
}

// Transferer can hand leadership to another voter.
type Transferer interface {
	Leadership
	TransferLeadership(ctx context.Context, to uint64) error
}

// Node is everything a client facing component needs.
type Node interface {
	Proposer
	Leadership
	Reader
	Membership
	Status() raftadapter.Status
}

var (
	_ Node       = (*raftadapter.Node)(nil)
	_ Transferer = (*raftadapter.Node)(nil)
)
