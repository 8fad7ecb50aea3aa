package consensus

import (
	"time"

	"github.com/aurigraph/hyperraft/internal/pubsub"
)

// Role is the consensus role of the node as per Section 5.1 from the
// [Raft paper](https://raft.github.io/raft.pdf). When a node initially
// starts it is a Follower.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Event types published on the engine's event bus.
const (
	// ElectionTimeoutExpired fires when a Follower or Candidate has not
	// heard from a leader within its randomized timeout.
	ElectionTimeoutExpired pubsub.EventType = iota
	// LeadershipWon fires when this node wins an election.
	LeadershipWon
	// LeadershipLost fires when this node steps down from Leader.
	LeadershipLost
	// QuorumLost fires when a leader detects it cannot reach a quorum.
	QuorumLost
	// EngineShutdown tells every background job to exit.
	EngineShutdown
)

// peerProgress is the leader's view of one follower, transient per term.
// nextIndex is the index of the next entry to send; matchIndex is the
// highest index known to be replicated on that follower.
type peerProgress struct {
	nextIndex  uint64
	matchIndex uint64
}

// ProposeResult is what a client gets back from Propose.
type ProposeResult struct {
	Success  bool
	Message  string
	LeaderID string
	Latency  time.Duration
}

// Health strings reported by Status.
const (
	HealthLeader   = "HEALTHY (LEADER)"
	HealthFollower = "HEALTHY (FOLLOWER)"
	HealthElecting = "ELECTING"
	HealthNoLeader = "UNHEALTHY (NO LEADER)"
	HealthStopped  = "STOPPED"
)

// Status is the engine snapshot consumed by the external API layer.
type Status struct {
	NodeID      string
	Role        Role
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	LeaderID    string
	ClusterSize int
	Health      string
}

// Validator is an optional hook that vets proposal payloads before they are
// admitted to the log. Returning an error rejects the proposal.
type Validator func(payload []byte) error
