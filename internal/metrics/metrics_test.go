package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	a := NewAggregator()

	a.RecordAppendEntries()
	a.RecordAppendEntries()
	a.RecordVoteRequest()
	a.RecordHeartbeat()
	a.RecordEntriesAppended(5)
	a.RecordEntriesCommitted(3)
	a.RecordConflictResolved()
	a.RecordBatchFlushed()
	a.RecordProposalsFailed(2)
	a.RecordQuorumLost()
	a.RecordSnapshot()

	report := a.Snapshot()
	assert.Equal(t, uint64(2), report.AppendEntriesSent)
	assert.Equal(t, uint64(1), report.VoteRequestsSent)
	assert.Equal(t, uint64(1), report.HeartbeatsSent)
	assert.Equal(t, uint64(5), report.EntriesAppended)
	assert.Equal(t, uint64(3), report.EntriesCommitted)
	assert.Equal(t, uint64(1), report.ConflictsResolved)
	assert.Equal(t, uint64(1), report.BatchesFlushed)
	assert.Equal(t, uint64(2), report.ProposalsFailed)
	assert.Equal(t, uint64(1), report.QuorumLosses)
	assert.Equal(t, uint64(1), report.SnapshotsTaken)
}

func TestElectionWinRate(t *testing.T) {
	a := NewAggregator()

	assert.Equal(t, 0.0, a.Snapshot().ElectionWinRate)

	a.RecordElectionStarted()
	a.RecordElectionStarted()
	a.RecordElectionStarted()
	a.RecordElectionStarted()
	a.RecordElectionWon(20 * time.Millisecond)
	a.RecordElectionLost()

	report := a.Snapshot()
	assert.Equal(t, uint64(4), report.ElectionsStarted)
	assert.Equal(t, uint64(1), report.ElectionsWon)
	assert.Equal(t, uint64(1), report.ElectionsLost)
	assert.InDelta(t, 0.25, report.ElectionWinRate, 0.001)
}

func TestProposalLatencyStats(t *testing.T) {
	a := NewAggregator()

	for _, ms := range []int{10, 20, 30, 40, 50} {
		a.RecordProposalLatency(time.Duration(ms) * time.Millisecond)
	}

	stats := a.ProposalLatencyStats()
	assert.Equal(t, 5, stats.Count)
	assert.InDelta(t, 10, stats.Min, 0.1)
	assert.InDelta(t, 50, stats.Max, 0.1)
	assert.InDelta(t, 30, stats.Mean, 0.1)
	assert.InDelta(t, 30, stats.P50, 0.1)
	assert.Greater(t, stats.P99, stats.P50)
}

func TestLatencyStatsEmpty(t *testing.T) {
	a := NewAggregator()
	stats := a.ProposalLatencyStats()
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 0.0, stats.P99)
}

func TestWindowThroughputResets(t *testing.T) {
	a := NewAggregator()

	a.RecordEntriesCommitted(100)
	time.Sleep(10 * time.Millisecond)

	first := a.WindowThroughput()
	assert.Greater(t, first, 0.0)

	// The window restarts on every sample; with no new commits the second
	// reading is zero.
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0.0, a.WindowThroughput())
}

func TestReset(t *testing.T) {
	a := NewAggregator()
	a.RecordProposalLatency(time.Millisecond)
	a.RecordElectionWon(time.Millisecond)

	a.Reset()

	assert.Equal(t, 0, a.ProposalLatencyStats().Count)
	assert.Equal(t, 0, a.ElectionStats().Count)
}
