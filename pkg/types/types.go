package types

import "fmt"

// NodeID identifies a node in the raft group. Zero means "none".
type NodeID = uint64

// Term is the raft election epoch.
type Term = uint64

// LogIndex is a position in the replicated log.
type LogIndex = uint64

// GenerationID identifies a committed, queryable state of the index.
type GenerationID uint64

// Role is the consensus role a node currently plays.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "follower":
		*r = Follower
	case "candidate":
		*r = Candidate
	case "leader":
		*r = Leader
	default:
		return fmt.Errorf("unknown role %q", text)
	}
	return nil
}

// ReadConsistency selects how a query is served.
type ReadConsistency string

const (
	// ReadStale serves from the local node; the answer may lag the leader.
	ReadStale ReadConsistency = "stale"
	// ReadLeader serves only on the current leader.
	ReadLeader ReadConsistency = "leader"
	// ReadLinearizable confirms leadership with a quorum round-trip before serving.
	ReadLinearizable ReadConsistency = "linearizable"
)

func (c ReadConsistency) Valid() bool {
	switch c {
	case ReadStale, ReadLeader, ReadLinearizable:
		return true
	}
	return false
}
