package dberrors

import (
	"errors"
	"fmt"
)

// Категории ошибок. Конкретные ошибки ниже оборачивают свою категорию,
// так что errors.Is работает и с категорией, и с конкретной ошибкой.
var (
	ErrConsensus   = errors.New("ftsdb: consensus")
	ErrReplication = errors.New("ftsdb: replication")
	ErrApply       = errors.New("ftsdb: apply")
	ErrMembership  = errors.New("ftsdb: membership")
	ErrSnapshot    = errors.New("ftsdb: snapshot")
)

var (
	ErrNotLeader   = fmt.Errorf("%w: not leader", ErrConsensus)
	ErrStaleTerm   = fmt.Errorf("%w: stale term", ErrConsensus)
	ErrLogMismatch = fmt.Errorf("%w: log mismatch", ErrConsensus)

	ErrReplicationTimeout = fmt.Errorf("%w: timeout", ErrReplication)
	ErrPeerUnreachable    = fmt.Errorf("%w: peer unreachable", ErrReplication)
	// ErrLeadershipLost is returned to proposers waiting on a leader that stepped down.
	// The entry may still be committed by the next leader.
	ErrLeadershipLost = fmt.Errorf("%w: leadership lost", ErrReplication)

	ErrSchemaIncompatible = fmt.Errorf("%w: schema incompatible", ErrApply)
	ErrIndexEngine        = fmt.Errorf("%w: index engine failure", ErrApply)
	ErrInvalidCommand     = fmt.Errorf("%w: invalid command", ErrApply)
	ErrDocumentNotFound   = fmt.Errorf("%w: document not found", ErrApply)

	ErrQuorumChangeInProgress = fmt.Errorf("%w: quorum change in progress", ErrMembership)
	ErrUnknownPeer            = fmt.Errorf("%w: unknown peer", ErrMembership)

	ErrTransferInterrupted = fmt.Errorf("%w: transfer interrupted", ErrSnapshot)
	ErrCorruptSnapshot     = fmt.Errorf("%w: corrupt snapshot", ErrSnapshot)

	ErrStopped = errors.New("ftsdb: node stopped")
)

// NotLeaderError is returned by a follower on proposal. LeaderID is zero when
// the follower does not know the leader yet.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "ftsdb: not leader (leader unknown)"
	}
	return fmt.Sprintf("ftsdb: not leader (leader %d at %q)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Unwrap() error {
	return ErrNotLeader
}

// LeaderHint extracts the redirect hint from err, if any.
func LeaderHint(err error) (uint64, string, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, nle.LeaderAddr, true
	}
	return 0, "", false
}
