package consensus

import (
	"sync"
	"time"
)

// nodeState is the container for the state variables defined in Figure 2
// from the [Raft paper](https://raft.github.io/raft.pdf). It provides an
// interface to set/get the variables in a thread safe manner; every
// mutation goes through a guarded transition, never a read-then-write from
// outside.
type nodeState struct {
	// Protects all fields below
	mu sync.RWMutex

	// The role of the node as per Section 5.1. A node starts as Follower.
	role Role
	// The latest term this node has seen. A logical clock used to detect
	// obsolete info such as stale leaders. Initialized to 0 on first boot
	// and increases monotonically, as per Section 5.1.
	currentTerm uint64
	// The ID of the candidate this node voted for in currentTerm, nil when
	// no vote has been cast this term.
	votedFor *string
	// commitIndex is the highest log index known to be replicated on a
	// quorum. lastApplied is the highest index handed to the state machine.
	// Both only move forward.
	commitIndex uint64
	lastApplied uint64
	// leaderID is the last leader this node acknowledged, empty when unknown.
	leaderID string
	// lastContact is when this node last heard from a valid leader or
	// granted a vote. The election loop measures staleness against it.
	lastContact time.Time
	// electionTimeout is the current randomized timeout. Only meaningful
	// for Followers and Candidates; Leaders never time themselves out.
	electionTimeout time.Duration
}

func newNodeState(electionTimeout time.Duration) *nodeState {
	return &nodeState{
		role:            Follower,
		electionTimeout: electionTimeout,
		lastContact:     time.Now(),
	}
}

func (s *nodeState) getRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// transitionTo performs a role change, allowing only the legal transitions:
// Follower->Candidate, Candidate->{Leader,Follower}, Leader->Follower.
// Anything else is a no-op failure.
func (s *nodeState) transitionTo(newRole Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(newRole)
}

func (s *nodeState) transitionLocked(newRole Role) bool {
	switch {
	case s.role == Follower && newRole == Candidate:
	case s.role == Candidate && (newRole == Leader || newRole == Follower):
	case s.role == Leader && newRole == Follower:
	default:
		return false
	}
	s.role = newRole
	return true
}

func (s *nodeState) getCurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTerm
}

// incrementTerm starts a new term for an election: bumps the term and votes
// for self in one guarded step. Returns the new term.
func (s *nodeState) incrementTerm(selfID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm++
	s.votedFor = &selfID
	s.leaderID = ""
	return s.currentTerm
}

// setTermIfHigher adopts t when it is above the current term. Adopting a
// higher term clears the vote, forgets the leader, and demotes to Follower,
// as required by the "all servers" rule in Figure 2. Reports whether the
// term advanced.
func (s *nodeState) setTermIfHigher(t uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t <= s.currentTerm {
		return false
	}
	s.currentTerm = t
	s.votedFor = nil
	s.leaderID = ""
	s.role = Follower
	return true
}

func (s *nodeState) getVotedFor() *string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votedFor
}

func (s *nodeState) setVotedFor(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = &id
}

func (s *nodeState) clearVote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votedFor = nil
}

// recordHeartbeat resets the follower's last-contact clock.
func (s *nodeState) recordHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastContact = time.Now()
}

func (s *nodeState) timeSinceLastContact() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastContact)
}

func (s *nodeState) getElectionTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.electionTimeout
}

func (s *nodeState) setElectionTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.electionTimeout = timeout
}

func (s *nodeState) getCommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commitIndex
}

// setCommitIndex is monotonic; attempts to move backwards are ignored.
// Returns whether the index advanced.
func (s *nodeState) setCommitIndex(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.commitIndex {
		return false
	}
	s.commitIndex = index
	return true
}

func (s *nodeState) getLastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// setLastApplied is monotonic; attempts to move backwards are ignored.
func (s *nodeState) setLastApplied(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.lastApplied {
		return false
	}
	s.lastApplied = index
	return true
}

func (s *nodeState) getLeaderID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID
}

func (s *nodeState) setLeaderID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
}

// voteDecision is the outcome of decideVote.
type voteDecision struct {
	granted      bool
	term         uint64
	rejectReason string
}

// decideVote applies the RequestVote receiver rules from Section 5.2 and
// Section 5.4.1 in one guarded step, so two simultaneous requests for the
// same term cannot both be granted. lastLogIndex/lastLogTerm describe the
// local log, candidate* the candidate's.
func (s *nodeState) decideVote(reqTerm uint64, candidateID string, candidateLastIndex, candidateLastTerm, lastLogIndex, lastLogTerm uint64) voteDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reqTerm < s.currentTerm {
		return voteDecision{granted: false, term: s.currentTerm, rejectReason: "stale term"}
	}

	if reqTerm > s.currentTerm {
		// Adopt the new term and demote before deciding the vote.
		s.currentTerm = reqTerm
		s.votedFor = nil
		s.leaderID = ""
		s.role = Follower
	}

	if s.votedFor != nil && *s.votedFor != candidateID {
		return voteDecision{granted: false, term: s.currentTerm, rejectReason: "already voted"}
	}

	// Section 5.4.1: the candidate's log must be at least as up to date.
	upToDate := candidateLastTerm > lastLogTerm ||
		(candidateLastTerm == lastLogTerm && candidateLastIndex >= lastLogIndex)
	if !upToDate {
		return voteDecision{granted: false, term: s.currentTerm, rejectReason: "log not up-to-date"}
	}

	s.votedFor = &candidateID
	// Granting a vote resets the election timer.
	s.lastContact = time.Now()
	return voteDecision{granted: true, term: s.currentTerm}
}

// acceptLeader records contact from a valid leader for reqTerm: adopts the
// term if higher, demotes a Candidate of the same term (Section 5.2: a
// candidate that learns of a legitimate leader returns to Follower), records
// the leader and resets the contact clock. Returns false when reqTerm is
// stale, along with the current term either way.
func (s *nodeState) acceptLeader(reqTerm uint64, leaderID string) (bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reqTerm < s.currentTerm {
		return false, s.currentTerm
	}
	if reqTerm > s.currentTerm {
		s.currentTerm = reqTerm
		s.votedFor = nil
	}
	if s.role != Follower {
		s.role = Follower
	}
	s.leaderID = leaderID
	s.lastContact = time.Now()
	return true, s.currentTerm
}
