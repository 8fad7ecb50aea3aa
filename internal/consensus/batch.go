package consensus

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/aurigraph/hyperraft/internal/config"
	"github.com/aurigraph/hyperraft/internal/raftlog"
)

// proposal is one client command waiting to be batched into the log.
type proposal struct {
	payload    []byte
	clientID   string
	resultCh   chan ProposeResult
	enqueuedAt time.Time
}

// batchScheduler admits proposals in arrival order into a bounded queue and
// tracks the adaptive batch size. The flush loop itself lives on the engine
// because flushing needs the log, the store, and the replication path.
type batchScheduler struct {
	proposals chan *proposal

	// size is the current flush threshold, nudged between min and max by
	// the tuning loop.
	size int64
	min  int64
	max  int64

	latencyBound     time.Duration
	targetThroughput float64
}

func newBatchScheduler(cfg config.Config) *batchScheduler {
	b := &batchScheduler{
		// Queue capacity of one max-size batch in both directions gives
		// admission some slack without unbounded buildup.
		proposals:        make(chan *proposal, 2*cfg.BatchSizeMax),
		min:              int64(cfg.BatchSizeMin),
		max:              int64(cfg.BatchSizeMax),
		latencyBound:     cfg.BatchLatencyBound,
		targetThroughput: cfg.TargetThroughput,
	}
	atomic.StoreInt64(&b.size, int64(cfg.BatchSize))
	return b
}

// enqueue admits a proposal without blocking; a full queue rejects it.
func (b *batchScheduler) enqueue(p *proposal) bool {
	select {
	case b.proposals <- p:
		return true
	default:
		return false
	}
}

func (b *batchScheduler) currentSize() int {
	return int(atomic.LoadInt64(&b.size))
}

// failAll drains the queue and fails everything still waiting.
func (b *batchScheduler) failAll(message string) {
	for {
		select {
		case p := <-b.proposals:
			p.resultCh <- ProposeResult{Success: false, Message: message}
		default:
			return
		}
	}
}

// runBatchFlushLoop assembles batches and hands them to the replication
// path. It blocks on the queue when idle; with a batch open it waits until
// either the batch fills or the oldest proposal has waited past the latency
// bound.
func (e *Engine) runBatchFlushLoop() {
	defer e.wg.Done()
	stopCh := e.subscribeShutdown()

	var pending []*proposal

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		e.flushBatch(batch)
	}

	for {
		if len(pending) == 0 {
			select {
			case p := <-e.batch.proposals:
				pending = append(pending, p)
			case <-stopCh:
				return
			}
			continue
		}

		wait := e.batch.latencyBound - time.Since(pending[0].enqueuedAt)
		if wait <= 0 {
			flush()
			continue
		}
		timer := time.NewTimer(wait)

		select {
		case p := <-e.batch.proposals:
			pending = append(pending, p)
			if len(pending) >= e.batch.currentSize() {
				flush()
			}
		case <-timer.C:
			flush()
		case <-stopCh:
			timer.Stop()
			for _, p := range pending {
				p.resultCh <- ProposeResult{Success: false, Message: ErrShutdown.Error()}
			}
			return
		}
		timer.Stop()
	}
}

// flushBatch appends one entry per proposal and drives the batch through
// replication. Completion runs in its own goroutine so the flush loop can
// keep assembling the next batch while this one waits for quorum.
func (e *Engine) flushBatch(batch []*proposal) {
	if e.state.getRole() != Leader {
		leaderID := e.state.getLeaderID()
		msg := (&NotLeaderError{LeaderID: leaderID}).Error()
		for _, p := range batch {
			p.resultCh <- ProposeResult{Success: false, Message: msg, LeaderID: leaderID}
		}
		e.metrics.RecordProposalsFailed(uint64(len(batch)))
		return
	}

	term := e.state.getCurrentTerm()
	entries := make([]raftlog.Entry, 0, len(batch))
	for _, p := range batch {
		entries = append(entries, e.raftLog.AppendCommand(term, p.payload, p.clientID, raftlog.EntryNormal))
	}
	e.persistEntries(entries...)
	e.metrics.RecordBatchFlushed()

	target := entries[len(entries)-1].Index
	log.Printf("[BATCH] [SERVER-%s] [TERM-%d] Flushed %d proposals as entries through index %d",
		e.id, term, len(batch), target)

	e.wg.Add(1)
	go e.completeBatch(batch, target, term)
}

// completeBatch waits for the batch's last entry to commit and resolves
// every proposal with the shared outcome: quorum ack succeeds all, timeout
// or supersession fails all. The local log append is not retracted on
// failure.
func (e *Engine) completeBatch(batch []*proposal, target, term uint64) {
	defer e.wg.Done()

	e.broadcastAppendEntries()

	if e.waitForCommit(target, e.cfg.ReplicationTimeout) {
		// commitIndex passing target is not proof on its own: a newer
		// leader may have truncated the batch mid-wait and committed its
		// own entries at the same indexes. Only the original (index, term)
		// identity shows these entries got the quorum ack.
		if !e.raftLog.MatchesTerm(target, term) {
			e.metrics.RecordProposalsFailed(uint64(len(batch)))
			log.Printf("[BATCH] [SERVER-%s] [TERM-%d] Entries through index %d were overwritten before quorum, failing %d proposals",
				e.id, e.state.getCurrentTerm(), target, len(batch))
			for _, p := range batch {
				p.resultCh <- ProposeResult{
					Success:  false,
					Message:  "entries superseded by a newer leader",
					LeaderID: e.state.getLeaderID(),
				}
			}
			return
		}
		for _, p := range batch {
			latency := time.Since(p.enqueuedAt)
			e.metrics.RecordProposalLatency(latency)
			p.resultCh <- ProposeResult{Success: true, Message: "committed", LeaderID: e.id, Latency: latency}
		}
		return
	}

	e.metrics.RecordProposalsFailed(uint64(len(batch)))
	log.Printf("[BATCH] [SERVER-%s] [TERM-%d] Replication timeout waiting for quorum on index %d, failing %d proposals",
		e.id, e.state.getCurrentTerm(), target, len(batch))
	for _, p := range batch {
		p.resultCh <- ProposeResult{
			Success:  false,
			Message:  "replication timeout waiting for quorum",
			LeaderID: e.state.getLeaderID(),
		}
	}
}

// runBatchTuneLoop nudges the batch size toward the throughput target:
// below 80% of target it grows the batch by 20% for more amortization,
// above 110% it shrinks by 10% to shed latency, always staying within the
// configured bounds.
func (e *Engine) runBatchTuneLoop() {
	defer e.wg.Done()
	stopCh := e.subscribeShutdown()

	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			observed := e.metrics.WindowThroughput()
			if observed == 0 {
				continue
			}
			current := atomic.LoadInt64(&e.batch.size)
			adjusted := current

			switch {
			case observed < 0.8*e.batch.targetThroughput:
				adjusted = int64(float64(current) * 1.2)
				if adjusted > e.batch.max {
					adjusted = e.batch.max
				}
			case observed > 1.1*e.batch.targetThroughput:
				adjusted = int64(float64(current) * 0.9)
				if adjusted < e.batch.min {
					adjusted = e.batch.min
				}
			}

			if adjusted != current {
				atomic.StoreInt64(&e.batch.size, adjusted)
				log.Printf("[BATCH] [SERVER-%s] [TERM-%d] Adjusted batch size %d -> %d (observed %.1f/s, target %.1f/s)",
					e.id, e.state.getCurrentTerm(), current, adjusted, observed, e.batch.targetThroughput)
			}

		case <-stopCh:
			return
		}
	}
}
