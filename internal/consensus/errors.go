package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleTerm marks an RPC rejected for carrying a term below the
	// node's current term. Informational, never fatal.
	ErrStaleTerm = errors.New("stale term")

	// ErrLogInconsistency marks an AppendEntries consistency check failure.
	// The leader resolves it automatically by backing off nextIndex.
	ErrLogInconsistency = errors.New("log inconsistency")

	// ErrQuorumLost is reported when a leader cannot reach a quorum of
	// followers and steps down. The cluster self-heals through re-election.
	ErrQuorumLost = errors.New("quorum lost")

	// ErrShutdown is returned by operations invoked after Stop.
	ErrShutdown = errors.New("engine is shut down")
)

// NotLeaderError rejects a proposal sent to a non-leader. It names the known
// leader, if any, so the caller can redirect.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not the leader (no known leader)"
	}
	return fmt.Sprintf("not the leader (current leader: %s)", e.LeaderID)
}

// IsNotLeader reports whether err is a NotLeaderError and returns the leader
// hint when it is.
func IsNotLeader(err error) (string, bool) {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return nle.LeaderID, true
	}
	return "", false
}
