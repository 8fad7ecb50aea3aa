package transport

import "github.com/aurigraph/hyperraft/internal/raftlog"

// VoteRequest is the RequestVote RPC argument from Section 5.2 of the
// [Raft paper](https://raft.github.io/raft.pdf).
type VoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// VoteResponse carries the voter's decision. RejectReason is diagnostic
// only and never drives protocol behavior.
type VoteResponse struct {
	Term         uint64
	Granted      bool
	VoterID      string
	RejectReason string
}

// AppendEntriesRequest is the AppendEntries RPC argument from Section 5.3.
// An empty Entries slice is a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []raftlog.Entry
	LeaderCommit uint64
}

// AppendEntriesResponse reports the follower's outcome. On rejection for a
// log inconsistency, ConflictIndex and ConflictTerm implement the fast
// backoff optimization from Section 5.3 so the leader can skip whole terms
// instead of decrementing nextIndex one entry at a time.
type AppendEntriesResponse struct {
	Term          uint64
	Success       bool
	MatchIndex    uint64
	ConflictIndex uint64
	ConflictTerm  uint64
	NodeID        string
}
