package consensus

import (
	"log"
	"time"

	"github.com/aurigraph/hyperraft/internal/pubsub"
)

const (
	// heartbeatAdjustCooldown spaces out adaptive interval changes so one
	// noisy sample cannot flap the interval.
	heartbeatAdjustCooldown = 5 * time.Second

	// quorumLossRounds is how many consecutive heartbeat rounds may fall
	// below quorum before the leader steps down.
	quorumLossRounds = 2
)

// runHeartbeatLoop drives the leader's periodic AppendEntries rounds. The
// same round carries heartbeats and any entries followers are missing, so
// catch-up needs no separate timer.
func (e *Engine) runHeartbeatLoop() {
	defer e.wg.Done()
	stopCh := e.subscribeShutdown()

	timer := time.NewTimer(time.Duration(e.heartbeatInterval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if e.state.getRole() == Leader {
				acked := e.broadcastAppendEntries()
				e.checkQuorum(acked)
				if e.cfg.AdaptiveHeartbeat {
					e.adjustHeartbeatInterval()
				}
			}
			timer.Reset(time.Duration(e.heartbeatInterval.Load()))

		case <-stopCh:
			return
		}
	}
}

// checkQuorum demotes a leader that cannot reach a quorum of followers for
// quorumLossRounds consecutive rounds. Correctness never depends on this
// (commits always require quorum acks), but a partitioned leader that keeps
// accepting proposals would fail them all slowly; stepping down fails them
// fast and lets the majority side elect.
func (e *Engine) checkQuorum(acked int) {
	if e.state.getRole() != Leader {
		return
	}
	if acked+1 >= e.quorumSize() {
		e.missedQuorumRounds.Store(0)
		return
	}

	missed := e.missedQuorumRounds.Add(1)
	log.Printf("[HEARTBEAT] [SERVER-%s] [TERM-%d] Heartbeat round reached %d/%d nodes, below quorum %d (round %d/%d)",
		e.id, e.state.getCurrentTerm(), acked+1, e.clusterSize(), e.quorumSize(), missed, quorumLossRounds)

	if missed < quorumLossRounds {
		return
	}

	e.missedQuorumRounds.Store(0)
	if e.state.transitionTo(Follower) {
		e.state.setLeaderID("")
		e.metrics.RecordQuorumLost()
		term := e.state.getCurrentTerm()
		log.Printf("[HEARTBEAT] [SERVER-%s] [TERM-%d] Lost quorum, stepping down to follower", e.id, term)
		pubsub.Publish(e.bus, pubsub.NewEvent(QuorumLost, term))
		pubsub.Publish(e.bus, pubsub.NewEvent(LeadershipLost, term))
	}
}

// adjustHeartbeatInterval halves the interval when replication is idle
// (faster failure detection costs little) and doubles it under backlog
// (fewer rounds, more amortization). Bounded to [configured/2,
// electionTimeoutMin/2] and rate-limited by the cooldown.
func (e *Engine) adjustHeartbeatInterval() {
	now := time.Now().UnixNano()
	last := e.lastIntervalChange.Load()
	if now-last < int64(heartbeatAdjustCooldown) {
		return
	}

	lag := e.raftLog.LastIndex() - e.state.getCommitIndex()
	queued := len(e.batch.proposals)
	current := time.Duration(e.heartbeatInterval.Load())
	next := current

	floor := e.cfg.HeartbeatInterval / 2
	ceiling := e.cfg.ElectionTimeoutMin / 2

	switch {
	case lag == 0 && queued == 0:
		next = current / 2
		if next < floor {
			next = floor
		}
	case lag > uint64(e.batch.currentSize()) || queued > cap(e.batch.proposals)/2:
		next = current * 2
		if next > ceiling {
			next = ceiling
		}
	}

	if next != current && e.lastIntervalChange.CompareAndSwap(last, now) {
		e.heartbeatInterval.Store(int64(next))
		log.Printf("[HEARTBEAT] [SERVER-%s] [TERM-%d] Adjusted heartbeat interval %v -> %v (lag=%d, queued=%d)",
			e.id, e.state.getCurrentTerm(), current, next, lag, queued)
	}
}
