package consensus

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/aurigraph/hyperraft/internal/pubsub"
	"github.com/aurigraph/hyperraft/internal/raftlog"
	"github.com/aurigraph/hyperraft/internal/transport"
)

// randomElectionTimeout draws a fresh randomized timeout. Randomization is
// what breaks split votes, Section 5.2 of the
// [Raft paper](https://raft.github.io/raft.pdf). In adaptive mode the lower
// bound tracks 3x the measured average network latency, clamped to the
// configured range, so low-latency clusters detect failures sooner.
func (e *Engine) randomElectionTimeout() time.Duration {
	lower := e.cfg.ElectionTimeoutMin
	fullSpan := e.cfg.ElectionTimeoutMax - e.cfg.ElectionTimeoutMin

	if e.cfg.AdaptiveElectionTimeout && e.trans != nil {
		if lat := e.trans.AverageLatency(); lat > 0 {
			adaptive := 3 * lat
			if adaptive < e.cfg.ElectionTimeoutMin {
				adaptive = e.cfg.ElectionTimeoutMin
			}
			if adaptive > e.cfg.ElectionTimeoutMax {
				adaptive = e.cfg.ElectionTimeoutMax
			}
			lower = adaptive
		}
	}

	// The draw must land inside [min, max]. When the adaptive lower bound
	// crowds the maximum, pull it back so the randomization window that
	// breaks split votes never collapses.
	span := e.cfg.ElectionTimeoutMax - lower
	if minSpan := fullSpan / 4; span < minSpan {
		span = minSpan
		lower = e.cfg.ElectionTimeoutMax - span
	}
	return lower + time.Duration(rand.Int63n(int64(span)))
}

// runElectionLoop watches the last-contact clock. Only Followers and
// Candidates check the timeout; a Leader never times itself out.
func (e *Engine) runElectionLoop() {
	defer e.wg.Done()
	stopCh := e.subscribeShutdown()

	timer := time.NewTimer(e.state.getElectionTimeout())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if e.state.getRole() == Leader {
				timer.Reset(e.state.getElectionTimeout())
				continue
			}

			elapsed := e.state.timeSinceLastContact()
			timeout := e.state.getElectionTimeout()
			if elapsed < timeout {
				// Heard from a leader since the timer was armed; sleep out
				// the remainder.
				timer.Reset(timeout - elapsed)
				continue
			}

			pubsub.Publish(e.bus, pubsub.NewEvent(ElectionTimeoutExpired, time.Now()))
			e.startElection()

			timeout = e.randomElectionTimeout()
			e.state.setElectionTimeout(timeout)
			timer.Reset(timeout)

		case <-stopCh:
			return
		}
	}
}

// startElection runs one complete election attempt: term bump, self vote,
// parallel fanout, tally. The electionInProgress CAS makes sure a slow
// previous attempt and a new timeout never run two elections at once.
func (e *Engine) startElection() {
	if !e.electionInProgress.CompareAndSwap(false, true) {
		return
	}
	defer e.electionInProgress.Store(false)

	role := e.state.getRole()
	if role == Leader {
		return
	}
	if role == Follower && !e.state.transitionTo(Candidate) {
		return
	}

	started := time.Now()
	term := e.state.incrementTerm(e.id)
	e.persistHardState()
	e.metrics.RecordElectionStarted()

	lastLogIndex := e.raftLog.LastIndex()
	lastLogTerm := e.raftLog.LastTerm()
	peers := e.votingPeers()
	quorum := e.quorumSize()

	log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Starting election (last log %d/%d, need %d votes)",
		e.id, term, lastLogIndex, lastLogTerm, quorum)

	req := &transport.VoteRequest{
		Term:         term,
		CandidateID:  e.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}

	// Fan out in parallel, outside any lock. The buffered channel lets
	// stragglers finish after the tally stops listening.
	responses := make(chan *transport.VoteResponse, len(peers))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, peerID := range peers {
		go func(peerID string) {
			e.metrics.RecordVoteRequest()
			resp, err := e.trans.RequestVote(ctx, peerID, req)
			if err != nil {
				log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Vote request to %s failed: %v",
					e.id, term, peerID, err)
				responses <- nil
				return
			}
			responses <- resp
		}(peerID)
	}

	// The election window bounds the tally: failing to reach quorum before
	// it elapses is a split vote and demotes back to Follower.
	window := time.NewTimer(e.state.getElectionTimeout())
	defer window.Stop()

	votes := 1 // self
	pending := len(peers)

	for pending > 0 {
		select {
		case resp := <-responses:
			pending--
			if resp == nil {
				continue
			}
			if resp.Term > term {
				log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Discovered higher term %d from %s, standing down",
					e.id, term, resp.Term, resp.VoterID)
				e.state.setTermIfHigher(resp.Term)
				e.persistHardState()
				e.metrics.RecordElectionLost()
				return
			}
			if resp.Granted && resp.Term == term {
				votes++
				if votes >= quorum {
					e.becomeLeader(term, started, votes)
					return
				}
			} else if !resp.Granted {
				log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Vote denied by %s: %s",
					e.id, term, resp.VoterID, resp.RejectReason)
			}

		case <-window.C:
			log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Election window elapsed with %d/%d votes (split vote)",
				e.id, term, votes, quorum)
			e.loseElection(term)
			return

		case <-e.shutdownCh:
			return
		}
	}

	if votes >= quorum {
		e.becomeLeader(term, started, votes)
		return
	}
	log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Received %d/%d votes, not enough",
		e.id, term, votes, quorum)
	e.loseElection(term)
}

// loseElection demotes to Follower and schedules a fresh randomized timeout.
func (e *Engine) loseElection(term uint64) {
	if e.state.getRole() == Candidate && e.state.getCurrentTerm() == term {
		e.state.transitionTo(Follower)
	}
	e.state.setElectionTimeout(e.randomElectionTimeout())
	e.metrics.RecordElectionLost()
}

// becomeLeader promotes the node, rebuilds follower progress, appends a
// no-op entry for the new term, and immediately asserts authority with a
// heartbeat round. The no-op lets the leader commit (and thereby drag
// forward earlier-term entries) without waiting for client traffic,
// Section 5.4.2.
func (e *Engine) becomeLeader(term uint64, started time.Time, votes int) {
	if !e.state.transitionTo(Leader) {
		return
	}
	e.state.setLeaderID(e.id)
	e.missedQuorumRounds.Store(0)

	nextIndex := e.raftLog.LastIndex() + 1
	e.progressMu.Lock()
	e.progress = make(map[string]*peerProgress)
	for _, peerID := range e.allPeers() {
		e.progress[peerID] = &peerProgress{nextIndex: nextIndex}
	}
	e.progressMu.Unlock()

	noop := e.raftLog.AppendCommand(term, nil, "", raftlog.EntryNoOp)
	e.persistEntries(noop)

	e.metrics.RecordElectionWon(time.Since(started))
	log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Won election with %d votes in %v",
		e.id, term, votes, time.Since(started))
	pubsub.Publish(e.bus, pubsub.NewEvent(LeadershipWon, term))

	e.broadcastAppendEntries()
}

// HandleVoteRequest is the peer-side RequestVote handler. The decision is a
// single guarded step in nodeState so two simultaneous requests for the
// same term cannot both be granted.
func (e *Engine) HandleVoteRequest(ctx context.Context, req *transport.VoteRequest) (*transport.VoteResponse, error) {
	if e.stopped.Load() {
		return nil, ErrShutdown
	}

	decision := e.state.decideVote(req.Term, req.CandidateID,
		req.LastLogIndex, req.LastLogTerm,
		e.raftLog.LastIndex(), e.raftLog.LastTerm())

	// Persist term and vote before answering; a vote that does not survive
	// a restart can elect two leaders in one term.
	e.persistHardState()

	if decision.granted {
		log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Granted vote to %s",
			e.id, decision.term, req.CandidateID)
	} else {
		log.Printf("[ELECTION] [SERVER-%s] [TERM-%d] Denied vote to %s: %s",
			e.id, decision.term, req.CandidateID, decision.rejectReason)
	}

	return &transport.VoteResponse{
		Term:         decision.term,
		Granted:      decision.granted,
		VoterID:      e.id,
		RejectReason: decision.rejectReason,
	}, nil
}
