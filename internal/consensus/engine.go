package consensus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aurigraph/hyperraft/internal/config"
	"github.com/aurigraph/hyperraft/internal/metrics"
	"github.com/aurigraph/hyperraft/internal/pubsub"
	"github.com/aurigraph/hyperraft/internal/raftlog"
	"github.com/aurigraph/hyperraft/internal/statemachine"
	"github.com/aurigraph/hyperraft/internal/storage"
	"github.com/aurigraph/hyperraft/internal/transport"
)

// Engine is the consensus node: it owns the guarded node state, the
// replicated log, the background jobs (election timeout tracking, leader
// heartbeats, batch flushing, snapshotting, metrics reporting) and the
// public control surface consumed by the API layer.
//
// All RPC handling and timer activity funnels through the guarded methods
// of nodeState; replication round-trips happen outside any held lock with
// results folded back in afterwards.
type Engine struct {
	id  string
	cfg config.Config

	state   *nodeState
	raftLog *raftlog.Log
	store   storage.Store
	sm      statemachine.StateMachine
	trans   transport.Transport
	metrics *metrics.Aggregator
	bus     *pubsub.Broker

	// validator vets proposal payloads before admission. Optional.
	validator Validator

	// peers is the cluster membership excluding this node.
	membershipMu sync.RWMutex
	peers        map[string]config.Peer

	// progress is the leader-side view of each follower, rebuilt on every
	// election win.
	progressMu sync.Mutex
	progress   map[string]*peerProgress

	// electionInProgress prevents two concurrent election attempts.
	electionInProgress atomic.Bool

	batch *batchScheduler

	// heartbeatInterval is nanoseconds, adjusted by the adaptive mode.
	heartbeatInterval  atomic.Int64
	lastIntervalChange atomic.Int64
	missedQuorumRounds atomic.Int32

	// applyMu serializes state machine application so entries are applied
	// in index order.
	applyMu sync.Mutex

	// persistMu serializes hard-state writes to the store.
	persistMu sync.Mutex

	// commitCh is closed and replaced whenever commitIndex advances, waking
	// proposal waiters without polling.
	commitMu sync.Mutex
	commitCh chan struct{}

	running    atomic.Bool
	stopped    atomic.Bool
	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New builds an engine from its collaborators and restores any durable
// state the store holds (term, vote, log, snapshot). The transport must be
// attached with UseTransport before Start, because the transport itself
// needs the engine as its RPC handler.
func New(cfg config.Config, store storage.Store, sm statemachine.StateMachine) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}

	e := &Engine{
		id:         cfg.NodeID,
		cfg:        cfg,
		raftLog:    raftlog.New(),
		store:      store,
		sm:         sm,
		metrics:    metrics.NewAggregator(),
		bus:        pubsub.NewBroker(),
		peers:      make(map[string]config.Peer, len(cfg.Peers)),
		progress:   make(map[string]*peerProgress),
		commitCh:   make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
	e.state = newNodeState(e.randomElectionTimeout())
	e.heartbeatInterval.Store(int64(cfg.HeartbeatInterval))
	e.batch = newBatchScheduler(cfg)

	for _, p := range cfg.Peers {
		if p.ID == e.id {
			continue
		}
		e.peers[p.ID] = p
	}

	if err := e.restore(); err != nil {
		return nil, err
	}
	return e, nil
}

// restore reloads durable state after a restart: hard state first, then the
// latest snapshot, then the log suffix the store kept past it.
func (e *Engine) restore() error {
	hs, err := e.store.HardState()
	if err != nil {
		return fmt.Errorf("failed to restore hard state: %w", err)
	}
	if hs.CurrentTerm > 0 {
		e.state.setTermIfHigher(hs.CurrentTerm)
	}
	if hs.VotedFor != "" {
		e.state.setVotedFor(hs.VotedFor)
	}

	snap, haveSnap, err := e.store.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	var firstIndex uint64 = 1
	if haveSnap {
		if err := e.sm.Restore(snap.State); err != nil {
			return fmt.Errorf("failed to restore state machine: %w", err)
		}
		firstIndex = snap.LastIncludedIndex + 1
	}

	entries, err := e.store.Entries(firstIndex)
	if err != nil {
		return fmt.Errorf("failed to restore log: %w", err)
	}

	if haveSnap {
		e.raftLog.Restore(snap.LastIncludedIndex, snap.LastIncludedTerm, entries)
		e.state.setCommitIndex(snap.LastIncludedIndex)
		e.state.setLastApplied(snap.LastIncludedIndex)
	} else if len(entries) > 0 {
		if err := e.raftLog.Append(entries...); err != nil {
			return fmt.Errorf("failed to rebuild log: %w", err)
		}
	}

	if hs.CurrentTerm > 0 || len(entries) > 0 {
		log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Restored %d log entries (snapshot=%v)",
			e.id, e.state.getCurrentTerm(), len(entries), haveSnap)
	}
	return nil
}

// UseTransport attaches the RPC layer. The engine owns it from here on and
// closes it on Stop.
func (e *Engine) UseTransport(t transport.Transport) {
	e.trans = t
}

// SetValidator installs the proposal validation hook.
func (e *Engine) SetValidator(v Validator) {
	e.validator = v
}

// ID returns this node's identity.
func (e *Engine) ID() string { return e.id }

// Metrics exposes the engine's metrics aggregator.
func (e *Engine) Metrics() *metrics.Aggregator { return e.metrics }

// Bus exposes the engine's event bus for external subscribers.
func (e *Engine) Bus() *pubsub.Broker { return e.bus }

// Start launches the background jobs. The transport must already be
// attached and serving.
func (e *Engine) Start() error {
	if e.trans == nil {
		return fmt.Errorf("no transport attached")
	}
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}

	log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Starting consensus engine (cluster size %d, quorum %d)",
		e.id, e.state.getCurrentTerm(), e.clusterSize(), e.quorumSize())

	jobs := []func(){
		e.runElectionLoop,
		e.runHeartbeatLoop,
		e.runBatchFlushLoop,
		e.runBatchTuneLoop,
		e.runSnapshotLoop,
		e.runMetricsLoop,
	}
	for _, job := range jobs {
		e.wg.Add(1)
		go job()
	}
	return nil
}

// Stop shuts the engine down: signals every background job, fails pending
// proposals, waits for the jobs to exit, and closes the transport and bus.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Stopping consensus engine", e.id, e.state.getCurrentTerm())
		e.running.Store(false)
		e.stopped.Store(true)
		close(e.shutdownCh)
		pubsub.Publish(e.bus, pubsub.NewEvent(EngineShutdown, struct{}{}))
		e.wg.Wait()
		e.batch.failAll("engine is shut down")
		if e.trans != nil {
			if err := e.trans.Close(); err != nil {
				log.Printf("[ENGINE] [SERVER-%s] Failed to close transport: %v", e.id, err)
			}
		}
		e.bus.Shutdown()
	})
}

// subscribeShutdown gives a background job its stop channel, following the
// one-subscription-per-job pattern so no job holds a reference to another.
func (e *Engine) subscribeShutdown() chan *pubsub.Event[struct{}] {
	ch := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(e.bus, EngineShutdown, ch, pubsub.SubscriptionOptions{IsBlocking: false})
	return ch
}

// Propose submits one command. It is non-blocking with respect to
// leadership: a non-leader answers immediately with the known leader's ID.
// On a leader it joins the current batch and blocks until the batch commits,
// the replication window times out, or ctx is cancelled.
//
// Note: the command is appended to the local log before the quorum outcome
// is known, and a quorum timeout does not retract it. Repeated timeouts can
// leave uncommitted local entries behind; a later leader overwrites them
// through the normal conflict resolution path.
func (e *Engine) Propose(ctx context.Context, payload []byte) ProposeResult {
	start := time.Now()

	if e.stopped.Load() || !e.running.Load() {
		return ProposeResult{Success: false, Message: ErrShutdown.Error()}
	}

	if e.validator != nil {
		if err := e.validator(payload); err != nil {
			return ProposeResult{Success: false, Message: fmt.Sprintf("rejected by validator: %v", err)}
		}
	}

	if e.state.getRole() != Leader {
		nle := &NotLeaderError{LeaderID: e.state.getLeaderID()}
		return ProposeResult{Success: false, Message: nle.Error(), LeaderID: nle.LeaderID}
	}

	p := &proposal{
		payload:    payload,
		clientID:   uuid.NewString(),
		resultCh:   make(chan ProposeResult, 1),
		enqueuedAt: start,
	}

	if !e.batch.enqueue(p) {
		e.metrics.RecordProposalsFailed(1)
		return ProposeResult{Success: false, Message: "proposal queue full", LeaderID: e.id}
	}

	select {
	case res := <-p.resultCh:
		res.Latency = time.Since(start)
		return res
	case <-ctx.Done():
		return ProposeResult{Success: false, Message: ctx.Err().Error(), LeaderID: e.id, Latency: time.Since(start)}
	case <-e.shutdownCh:
		return ProposeResult{Success: false, Message: ErrShutdown.Error(), Latency: time.Since(start)}
	}
}

// AddNode admits a new voting member. Leader-only; quorum is recomputed
// from the updated membership on the next tally.
func (e *Engine) AddNode(id, addr string) bool {
	if e.state.getRole() != Leader {
		return false
	}
	if id == e.id {
		return false
	}

	e.membershipMu.Lock()
	if _, exists := e.peers[id]; exists {
		e.membershipMu.Unlock()
		return false
	}
	e.peers[id] = config.Peer{ID: id, Address: addr, Voting: true}
	e.membershipMu.Unlock()

	if err := e.trans.AddPeer(id, addr); err != nil {
		log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Failed to connect new peer %s: %v",
			e.id, e.state.getCurrentTerm(), id, err)
	}

	e.progressMu.Lock()
	e.progress[id] = &peerProgress{nextIndex: e.raftLog.LastIndex() + 1}
	e.progressMu.Unlock()

	term := e.state.getCurrentTerm()
	entry := e.raftLog.AppendCommand(term, []byte("ADD "+id), "", raftlog.EntryConfigChange)
	e.persistEntries(entry)
	log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Added node %s (cluster size %d, quorum %d)",
		e.id, term, id, e.clusterSize(), e.quorumSize())
	return true
}

// RemoveNode evicts a member. Leader-only; a leader cannot remove itself.
func (e *Engine) RemoveNode(id string) bool {
	if e.state.getRole() != Leader || id == e.id {
		return false
	}

	e.membershipMu.Lock()
	if _, exists := e.peers[id]; !exists {
		e.membershipMu.Unlock()
		return false
	}
	delete(e.peers, id)
	e.membershipMu.Unlock()

	if err := e.trans.RemovePeer(id); err != nil {
		log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Failed to disconnect peer %s: %v",
			e.id, e.state.getCurrentTerm(), id, err)
	}

	e.progressMu.Lock()
	delete(e.progress, id)
	e.progressMu.Unlock()

	term := e.state.getCurrentTerm()
	entry := e.raftLog.AppendCommand(term, []byte("REMOVE "+id), "", raftlog.EntryConfigChange)
	e.persistEntries(entry)
	log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Removed node %s (cluster size %d, quorum %d)",
		e.id, term, id, e.clusterSize(), e.quorumSize())
	return true
}

// Status reports the node's consensus state for the API layer.
func (e *Engine) Status() Status {
	role := e.state.getRole()
	leaderID := e.state.getLeaderID()

	health := HealthNoLeader
	switch {
	case e.stopped.Load():
		health = HealthStopped
	case role == Leader:
		health = HealthLeader
	case role == Candidate:
		health = HealthElecting
	case leaderID != "":
		health = HealthFollower
	}

	return Status{
		NodeID:      e.id,
		Role:        role,
		Term:        e.state.getCurrentTerm(),
		CommitIndex: e.state.getCommitIndex(),
		LastApplied: e.state.getLastApplied(),
		LeaderID:    leaderID,
		ClusterSize: e.clusterSize(),
		Health:      health,
	}
}

// ForceElection makes the node start an election immediately, regardless of
// its timeout. Debug and test hook.
func (e *Engine) ForceElection() {
	if e.stopped.Load() {
		return
	}
	go e.startElection()
}

func (e *Engine) clusterSize() int {
	e.membershipMu.RLock()
	defer e.membershipMu.RUnlock()
	return len(e.peers) + 1
}

// quorumSize is floor(voters/2)+1 counting this node as a voter.
func (e *Engine) quorumSize() int {
	e.membershipMu.RLock()
	defer e.membershipMu.RUnlock()
	voters := 1
	for _, p := range e.peers {
		if p.Voting {
			voters++
		}
	}
	return voters/2 + 1
}

// votingPeers snapshots the IDs of peers that count toward quorum.
func (e *Engine) votingPeers() []string {
	e.membershipMu.RLock()
	defer e.membershipMu.RUnlock()
	ids := make([]string, 0, len(e.peers))
	for id, p := range e.peers {
		if p.Voting {
			ids = append(ids, id)
		}
	}
	return ids
}

// allPeers snapshots every peer ID, voting or not. Non-voting peers still
// receive replicated entries.
func (e *Engine) allPeers() []string {
	e.membershipMu.RLock()
	defer e.membershipMu.RUnlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	return ids
}

// persistHardState writes term and vote to the store. Must complete before
// any RPC response that depends on them is sent.
func (e *Engine) persistHardState() {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	hs := storage.HardState{CurrentTerm: e.state.getCurrentTerm()}
	if v := e.state.getVotedFor(); v != nil {
		hs.VotedFor = *v
	}
	if err := e.store.SetHardState(hs); err != nil {
		log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Failed to persist hard state: %v",
			e.id, hs.CurrentTerm, err)
	}
}

// persistEntries mirrors log entries to the durable store.
func (e *Engine) persistEntries(entries ...raftlog.Entry) {
	if len(entries) == 0 {
		return
	}
	if err := e.store.AppendEntries(entries); err != nil {
		log.Printf("[ENGINE] [SERVER-%s] [TERM-%d] Failed to persist %d entries: %v",
			e.id, e.state.getCurrentTerm(), len(entries), err)
	}
	e.metrics.RecordEntriesAppended(uint64(len(entries)))
}

// notifyCommit wakes everything blocked in waitForCommit.
func (e *Engine) notifyCommit() {
	e.commitMu.Lock()
	close(e.commitCh)
	e.commitCh = make(chan struct{})
	e.commitMu.Unlock()
}

// waitForCommit blocks until commitIndex reaches index, the timeout
// elapses, or the engine shuts down.
func (e *Engine) waitForCommit(index uint64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if e.state.getCommitIndex() >= index {
			return true
		}
		e.commitMu.Lock()
		ch := e.commitCh
		e.commitMu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return e.state.getCommitIndex() >= index
		case <-e.shutdownCh:
			return false
		}
	}
}

// runMetricsLoop logs a metrics report on a fixed cadence.
func (e *Engine) runMetricsLoop() {
	defer e.wg.Done()
	stopCh := e.subscribeShutdown()

	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := e.metrics.Snapshot()
			log.Printf("[METRICS] [SERVER-%s] [TERM-%d] role=%s commit=%d elections=%d/%d commitRate=%.1f/s p99=%.2fms winRate=%.0f%%",
				e.id, e.state.getCurrentTerm(), e.state.getRole(),
				e.state.getCommitIndex(), report.ElectionsWon, report.ElectionsStarted,
				report.Throughput, report.ProposalLatency.P99,
				report.ElectionWinRate*100)
		case <-stopCh:
			return
		}
	}
}
