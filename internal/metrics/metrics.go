// Package metrics collects consensus performance statistics. The aggregator
// is owned by the engine instance; nothing in here is process-global.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Aggregator accumulates counters and latency samples for one engine.
type Aggregator struct {
	mu sync.RWMutex

	// Proposal latencies, submission to commit.
	proposalLatencies []time.Duration

	// RPC counters.
	appendEntriesSent atomic.Uint64
	voteRequestsSent  atomic.Uint64
	heartbeatsSent    atomic.Uint64

	// Replication counters.
	entriesAppended   atomic.Uint64
	entriesCommitted  atomic.Uint64
	conflictsResolved atomic.Uint64
	batchesFlushed    atomic.Uint64
	proposalsFailed   atomic.Uint64

	// Election counters.
	electionsStarted atomic.Uint64
	electionsWon     atomic.Uint64
	electionsLost    atomic.Uint64
	quorumLosses     atomic.Uint64
	snapshotsTaken   atomic.Uint64

	electionMu        sync.Mutex
	electionDurations []time.Duration

	startTime time.Time

	// throughput window for the adaptive batch sizing loop
	windowStart     atomic.Int64
	windowCommitted atomic.Uint64
}

func NewAggregator() *Aggregator {
	a := &Aggregator{
		proposalLatencies: make([]time.Duration, 0, 10000),
		electionDurations: make([]time.Duration, 0, 100),
		startTime:         time.Now(),
	}
	a.windowStart.Store(time.Now().UnixNano())
	return a
}

// RecordProposalLatency records one proposal's submission-to-commit latency.
func (a *Aggregator) RecordProposalLatency(latency time.Duration) {
	a.mu.Lock()
	a.proposalLatencies = append(a.proposalLatencies, latency)
	a.mu.Unlock()
}

func (a *Aggregator) RecordAppendEntries() { a.appendEntriesSent.Add(1) }
func (a *Aggregator) RecordVoteRequest()   { a.voteRequestsSent.Add(1) }
func (a *Aggregator) RecordHeartbeat()     { a.heartbeatsSent.Add(1) }

func (a *Aggregator) RecordEntriesAppended(n uint64) { a.entriesAppended.Add(n) }
func (a *Aggregator) RecordConflictResolved()        { a.conflictsResolved.Add(1) }
func (a *Aggregator) RecordBatchFlushed()            { a.batchesFlushed.Add(1) }
func (a *Aggregator) RecordProposalsFailed(n uint64) { a.proposalsFailed.Add(n) }
func (a *Aggregator) RecordQuorumLost()              { a.quorumLosses.Add(1) }
func (a *Aggregator) RecordSnapshot()                { a.snapshotsTaken.Add(1) }

// RecordEntriesCommitted feeds both the lifetime counter and the sliding
// throughput window.
func (a *Aggregator) RecordEntriesCommitted(n uint64) {
	a.entriesCommitted.Add(n)
	a.windowCommitted.Add(n)
}

func (a *Aggregator) RecordElectionStarted() { a.electionsStarted.Add(1) }
func (a *Aggregator) RecordElectionLost()    { a.electionsLost.Add(1) }

func (a *Aggregator) RecordElectionWon(duration time.Duration) {
	a.electionsWon.Add(1)
	a.electionMu.Lock()
	a.electionDurations = append(a.electionDurations, duration)
	a.electionMu.Unlock()
}

// Throughput returns lifetime committed commands per second.
func (a *Aggregator) Throughput() float64 {
	elapsed := time.Since(a.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(a.entriesCommitted.Load()) / elapsed
}

// WindowThroughput returns commands/sec since the last call and resets the
// window. The batch scheduler samples this to tune its batch size.
func (a *Aggregator) WindowThroughput() float64 {
	now := time.Now().UnixNano()
	start := a.windowStart.Swap(now)
	committed := a.windowCommitted.Swap(0)
	elapsed := float64(now-start) / float64(time.Second)
	if elapsed <= 0 {
		return 0
	}
	return float64(committed) / elapsed
}

// LatencyStats holds percentile statistics in milliseconds.
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// ProposalLatencyStats computes percentile statistics over all recorded
// proposal latencies.
func (a *Aggregator) ProposalLatencyStats() LatencyStats {
	a.mu.RLock()
	samples := make([]time.Duration, len(a.proposalLatencies))
	copy(samples, a.proposalLatencies)
	a.mu.RUnlock()
	return computeStats(samples)
}

// ElectionStats computes percentile statistics over election durations.
func (a *Aggregator) ElectionStats() LatencyStats {
	a.electionMu.Lock()
	samples := make([]time.Duration, len(a.electionDurations))
	copy(samples, a.electionDurations)
	a.electionMu.Unlock()
	return computeStats(samples)
}

func computeStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	ms := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		v := float64(s.Microseconds()) / 1000.0
		ms[i] = v
		sum += v
	}
	mean := sum / float64(len(ms))

	var variance float64
	for _, v := range ms {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(ms),
		Min:    ms[0],
		Max:    ms[len(ms)-1],
		Mean:   mean,
		P50:    percentile(ms, 50),
		P95:    percentile(ms, 95),
		P99:    percentile(ms, 99),
		StdDev: math.Sqrt(variance / float64(len(ms))),
	}
}

// percentile computes the nth percentile from sorted data with linear
// interpolation between adjacent samples.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Report is a point-in-time summary of everything the aggregator tracks.
type Report struct {
	Uptime time.Duration `json:"uptime"`

	EntriesAppended   uint64  `json:"entries_appended"`
	EntriesCommitted  uint64  `json:"entries_committed"`
	ConflictsResolved uint64  `json:"conflicts_resolved"`
	BatchesFlushed    uint64  `json:"batches_flushed"`
	ProposalsFailed   uint64  `json:"proposals_failed"`
	Throughput        float64 `json:"throughput_cmd_per_sec"`

	AppendEntriesSent uint64 `json:"append_entries_sent"`
	VoteRequestsSent  uint64 `json:"vote_requests_sent"`
	HeartbeatsSent    uint64 `json:"heartbeats_sent"`

	ElectionsStarted uint64  `json:"elections_started"`
	ElectionsWon     uint64  `json:"elections_won"`
	ElectionsLost    uint64  `json:"elections_lost"`
	ElectionWinRate  float64 `json:"election_win_rate"`
	QuorumLosses     uint64  `json:"quorum_losses"`
	SnapshotsTaken   uint64  `json:"snapshots_taken"`

	ProposalLatency LatencyStats `json:"proposal_latency"`
	ElectionTiming  LatencyStats `json:"election_timing"`
}

// Snapshot assembles a Report from the current counter values.
func (a *Aggregator) Snapshot() Report {
	started := a.electionsStarted.Load()
	won := a.electionsWon.Load()
	winRate := 0.0
	if started > 0 {
		winRate = float64(won) / float64(started)
	}

	return Report{
		Uptime:            time.Since(a.startTime),
		EntriesAppended:   a.entriesAppended.Load(),
		EntriesCommitted:  a.entriesCommitted.Load(),
		ConflictsResolved: a.conflictsResolved.Load(),
		BatchesFlushed:    a.batchesFlushed.Load(),
		ProposalsFailed:   a.proposalsFailed.Load(),
		Throughput:        a.Throughput(),
		AppendEntriesSent: a.appendEntriesSent.Load(),
		VoteRequestsSent:  a.voteRequestsSent.Load(),
		HeartbeatsSent:    a.heartbeatsSent.Load(),
		ElectionsStarted:  started,
		ElectionsWon:      won,
		ElectionsLost:     a.electionsLost.Load(),
		ElectionWinRate:   winRate,
		QuorumLosses:      a.quorumLosses.Load(),
		SnapshotsTaken:    a.snapshotsTaken.Load(),
		ProposalLatency:   a.ProposalLatencyStats(),
		ElectionTiming:    a.ElectionStats(),
	}
}

// Reset clears all collected data. Useful when running repeated benchmarks
// against one engine instance.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.proposalLatencies = a.proposalLatencies[:0]
	a.mu.Unlock()

	a.electionMu.Lock()
	a.electionDurations = a.electionDurations[:0]
	a.electionMu.Unlock()

	a.appendEntriesSent.Store(0)
	a.voteRequestsSent.Store(0)
	a.heartbeatsSent.Store(0)
	a.entriesAppended.Store(0)
	a.entriesCommitted.Store(0)
	a.conflictsResolved.Store(0)
	a.batchesFlushed.Store(0)
	a.proposalsFailed.Store(0)
	a.electionsStarted.Store(0)
	a.electionsWon.Store(0)
	a.electionsLost.Store(0)
	a.quorumLosses.Store(0)
	a.snapshotsTaken.Store(0)
	a.windowCommitted.Store(0)
	a.windowStart.Store(time.Now().UnixNano())
	a.startTime = time.Now()
}
