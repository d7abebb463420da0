package raftadapter

import (
	"ftsdb/pkg/config"

	"go.etcd.io/etcd/raft/v3"
)

func toRaftConfig(c *config.RaftConfig, storage raft.Storage, applied uint64) *raft.Config {
	return &raft.Config{
		ID:                        c.ID,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		Storage:                   storage,
		Applied:                   applied,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		// Followers answer NotLeader with a hint instead of forwarding.
		DisableProposalForwarding: true,
		Logger:                    newRaftLogger(c.ID),
	}
}
