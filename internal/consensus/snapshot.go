package consensus

import (
	"log"
	"time"

	"github.com/aurigraph/hyperraft/internal/raftlog"
)

// snapshotCheckInterval is how often the snapshot job looks at the log
// length. Compaction itself only runs past the configured threshold.
const snapshotCheckInterval = time.Second

func (e *Engine) runSnapshotLoop() {
	defer e.wg.Done()
	stopCh := e.subscribeShutdown()

	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.maybeSnapshot()
		case <-stopCh:
			return
		}
	}
}

// maybeSnapshot compacts the log once it grows past the threshold. The
// snapshot point is exactly lastApplied: the state blob must describe
// precisely the entries it replaces. Everything after the snapshot point
// stays live, which is the catch-up window slow followers get.
func (e *Engine) maybeSnapshot() {
	if uint64(e.raftLog.Len()) <= e.cfg.SnapshotThreshold {
		return
	}

	// Hold applyMu so lastApplied cannot move while the state machine is
	// being serialized.
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	cut := e.state.getLastApplied()
	if cut < e.raftLog.FirstIndex() {
		return
	}

	term, err := e.raftLog.Term(cut)
	if err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] [TERM-%d] Cannot resolve term at snapshot point %d: %v",
			e.id, e.state.getCurrentTerm(), cut, err)
		return
	}

	state, err := e.sm.Snapshot()
	if err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] [TERM-%d] State machine snapshot failed: %v",
			e.id, e.state.getCurrentTerm(), err)
		return
	}

	snap := raftlog.Snapshot{
		LastIncludedIndex: cut,
		LastIncludedTerm:  term,
		State:             state,
		Timestamp:         time.Now(),
	}
	if err := e.store.SaveSnapshot(snap); err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] [TERM-%d] Failed to persist snapshot: %v",
			e.id, e.state.getCurrentTerm(), err)
		return
	}

	// Durable snapshot first, then drop the prefix from memory and store.
	if err := e.raftLog.CompactTo(cut, term); err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] [TERM-%d] Compaction failed: %v",
			e.id, e.state.getCurrentTerm(), err)
		return
	}
	if err := e.store.DeleteThrough(cut); err != nil {
		log.Printf("[SNAPSHOT] [SERVER-%s] [TERM-%d] Failed to prune stored log: %v",
			e.id, e.state.getCurrentTerm(), err)
	}

	e.metrics.RecordSnapshot()
	log.Printf("[SNAPSHOT] [SERVER-%s] [TERM-%d] Compacted log through index %d (term %d), %d live entries remain",
		e.id, e.state.getCurrentTerm(), cut, term, e.raftLog.Len())
}
