package consensus

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurigraph/hyperraft/internal/pubsub"
	"github.com/aurigraph/hyperraft/internal/raftlog"
	"github.com/aurigraph/hyperraft/internal/transport"
)

// maxEntriesPerAppend caps how many entries one AppendEntries request
// carries, so a far-behind follower catches up in bounded-size rounds.
const maxEntriesPerAppend = 256

// HandleAppendEntries is the follower-side AppendEntries handler, Section
// 5.3 of the [Raft paper](https://raft.github.io/raft.pdf). It covers both
// heartbeats (empty Entries) and replication.
func (e *Engine) HandleAppendEntries(ctx context.Context, req *transport.AppendEntriesRequest) (*transport.AppendEntriesResponse, error) {
	if e.stopped.Load() {
		return nil, ErrShutdown
	}

	accepted, term := e.state.acceptLeader(req.Term, req.LeaderID)
	if !accepted {
		log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Rejected AppendEntries from %s with stale term %d",
			e.id, term, req.LeaderID, req.Term)
		return &transport.AppendEntriesResponse{Term: term, Success: false, NodeID: e.id}, nil
	}
	// acceptLeader may have adopted a higher term; make it durable before
	// acknowledging anything.
	e.persistHardState()

	if err := e.raftLog.CheckConsistency(req.PrevLogIndex, req.PrevLogTerm); err != nil {
		conflictIndex, conflictTerm := e.raftLog.ConflictHint(req.PrevLogIndex)
		if errors.Is(err, raftlog.ErrCompacted) {
			// The leader is probing below our compaction point. There is no
			// install-snapshot path; keep answering with the first live
			// index and let the operator notice the stuck follower.
			log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] AppendEntries probes compacted index %d",
				e.id, term, req.PrevLogIndex)
		} else {
			log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Consistency check failed at %d/%d: %v (conflict hint %d/%d)",
				e.id, term, req.PrevLogIndex, req.PrevLogTerm, err, conflictIndex, conflictTerm)
		}
		return &transport.AppendEntriesResponse{
			Term:          term,
			Success:       false,
			ConflictIndex: conflictIndex,
			ConflictTerm:  conflictTerm,
			NodeID:        e.id,
		}, nil
	}

	if len(req.Entries) > 0 {
		truncated, appended := e.raftLog.MergeEntries(req.PrevLogIndex, req.Entries)
		if truncated > 0 {
			e.metrics.RecordConflictResolved()
			// Mirror the truncation to durable storage before the new
			// entries land.
			if err := e.store.DeleteFrom(req.PrevLogIndex + 1); err != nil {
				log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Failed to truncate store: %v", e.id, term, err)
			}
		}
		if appended > 0 || truncated > 0 {
			e.persistEntries(req.Entries...)
			log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Appended %d entries from %s (truncated %d), log now at %d",
				e.id, term, appended, req.LeaderID, truncated, e.raftLog.LastIndex())
		}
	}

	// Heartbeats and appends both carry the leader's commit index forward,
	// bounded by what this log actually holds.
	if newCommit := min(req.LeaderCommit, e.raftLog.LastIndex()); e.state.setCommitIndex(newCommit) {
		e.applyCommitted()
		e.notifyCommit()
	}

	return &transport.AppendEntriesResponse{
		Term:       term,
		Success:    true,
		MatchIndex: req.PrevLogIndex + uint64(len(req.Entries)),
		NodeID:     e.id,
	}, nil
}

// applyCommitted hands every entry between lastApplied and commitIndex to
// the state machine, in index order. applyMu keeps concurrent commit
// advancements from interleaving their apply batches.
func (e *Engine) applyCommitted() {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	lastApplied := e.state.getLastApplied()
	commitIndex := e.state.getCommitIndex()
	if commitIndex <= lastApplied {
		return
	}

	entries, err := e.raftLog.Slice(lastApplied+1, commitIndex)
	if err != nil {
		log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Cannot read entries %d..%d for apply: %v",
			e.id, e.state.getCurrentTerm(), lastApplied+1, commitIndex, err)
		return
	}

	e.sm.Apply(entries)
	e.state.setLastApplied(commitIndex)
}

// broadcastAppendEntries dispatches one replication round to every peer and
// returns how many peers answered. The round is bounded by the current
// heartbeat interval so rounds never pile up behind a dead peer.
func (e *Engine) broadcastAppendEntries() int {
	peers := e.allPeers()
	if len(peers) == 0 {
		// Single-node cluster: commit advancement needs no peer acks.
		e.advanceCommitIndex()
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.heartbeatInterval.Load()))
	defer cancel()

	var acked atomic.Int32
	var wg sync.WaitGroup
	for _, peerID := range peers {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			if e.replicateToPeer(ctx, peerID) {
				acked.Add(1)
			}
		}(peerID)
	}
	wg.Wait()
	return int(acked.Load())
}

// replicateToPeer sends one AppendEntries to a single follower, carrying
// whatever that follower is missing per its nextIndex. Returns whether the
// peer answered at all (success or a well-formed rejection both count as
// contact for liveness purposes).
func (e *Engine) replicateToPeer(ctx context.Context, peerID string) bool {
	if e.state.getRole() != Leader {
		return false
	}
	term := e.state.getCurrentTerm()

	e.progressMu.Lock()
	prog, ok := e.progress[peerID]
	if !ok {
		prog = &peerProgress{nextIndex: e.raftLog.LastIndex() + 1}
		e.progress[peerID] = prog
	}
	nextIndex := prog.nextIndex
	e.progressMu.Unlock()

	prevIndex := nextIndex - 1
	prevTerm, err := e.raftLog.Term(prevIndex)
	if err != nil {
		// The follower needs entries we compacted away. No install-snapshot
		// path exists; resend from the first live index so the gap at least
		// shows up in the logs.
		log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Peer %s needs compacted index %d, cannot catch it up",
			e.id, term, peerID, prevIndex)
		e.progressMu.Lock()
		prog.nextIndex = e.raftLog.FirstIndex()
		e.progressMu.Unlock()
		return false
	}

	entries, err := e.raftLog.EntriesFrom(nextIndex, maxEntriesPerAppend)
	if err != nil && !errors.Is(err, raftlog.ErrCompacted) {
		log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Failed to read entries for %s: %v",
			e.id, term, peerID, err)
		return false
	}

	req := &transport.AppendEntriesRequest{
		Term:         term,
		LeaderID:     e.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: e.state.getCommitIndex(),
	}

	if len(entries) == 0 {
		e.metrics.RecordHeartbeat()
	} else {
		e.metrics.RecordAppendEntries()
	}

	resp, err := e.trans.AppendEntries(ctx, peerID, req)
	if err != nil {
		return false
	}

	if resp.Term > term {
		e.stepDown(resp.Term, "follower "+resp.NodeID+" has higher term")
		return true
	}

	if resp.Success {
		e.progressMu.Lock()
		if resp.MatchIndex > prog.matchIndex {
			prog.matchIndex = resp.MatchIndex
		}
		prog.nextIndex = prog.matchIndex + 1
		e.progressMu.Unlock()
		e.advanceCommitIndex()
		return true
	}

	// Rejected on consistency: fast-forward the backoff to the follower's
	// conflict hint instead of walking back one index at a time.
	e.progressMu.Lock()
	if resp.ConflictIndex > 0 {
		prog.nextIndex = resp.ConflictIndex
	} else if prog.nextIndex > 1 {
		prog.nextIndex--
	}
	e.progressMu.Unlock()
	log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Peer %s rejected append at %d, backing off to %d",
		e.id, term, peerID, prevIndex, resp.ConflictIndex)
	return true
}

// advanceCommitIndex scans from lastLogIndex down to commitIndex+1 for the
// highest index N that (a) carries the leader's current term and (b) is
// replicated on a quorum counting self. Entries from prior terms are never
// committed by counting alone (Section 5.4.2); they ride along once a
// same-term entry commits.
func (e *Engine) advanceCommitIndex() {
	if e.state.getRole() != Leader {
		return
	}
	term := e.state.getCurrentTerm()
	commitIndex := e.state.getCommitIndex()
	quorum := e.quorumSize()

	for n := e.raftLog.LastIndex(); n > commitIndex; n-- {
		if !e.raftLog.MatchesTerm(n, term) {
			// Anything below this is an earlier term; counting stops here.
			break
		}

		replicas := 1 // self
		e.progressMu.Lock()
		for peerID, prog := range e.progress {
			if !e.isVoting(peerID) {
				continue
			}
			if prog.matchIndex >= n {
				replicas++
			}
		}
		e.progressMu.Unlock()

		if replicas >= quorum {
			if e.state.setCommitIndex(n) {
				e.metrics.RecordEntriesCommitted(n - commitIndex)
				log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Commit index advanced to %d (%d/%d replicas)",
					e.id, term, n, replicas, e.clusterSize())
				e.applyCommitted()
				e.notifyCommit()
			}
			return
		}
	}
}

func (e *Engine) isVoting(peerID string) bool {
	e.membershipMu.RLock()
	defer e.membershipMu.RUnlock()
	p, ok := e.peers[peerID]
	return ok && p.Voting
}

// stepDown demotes a leader that discovered a higher term.
func (e *Engine) stepDown(newTerm uint64, reason string) {
	wasLeader := e.state.getRole() == Leader
	if !e.state.setTermIfHigher(newTerm) {
		return
	}
	e.persistHardState()
	if wasLeader {
		log.Printf("[REPLICATION] [SERVER-%s] [TERM-%d] Stepping down: %s", e.id, newTerm, reason)
		pubsub.Publish(e.bus, pubsub.NewEvent(LeadershipLost, newTerm))
	}
}
