package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurigraph/hyperraft/internal/config"
	"github.com/aurigraph/hyperraft/internal/statemachine"
	"github.com/aurigraph/hyperraft/internal/storage"
	"github.com/aurigraph/hyperraft/internal/transport"
)

func TestQuorumSize(t *testing.T) {
	for _, n := range []int{1, 3, 5, 7, 100} {
		t.Run(fmt.Sprintf("%d nodes", n), func(t *testing.T) {
			cfg := config.Default()
			cfg.NodeID = "node-0"
			for i := 1; i < n; i++ {
				cfg.Peers = append(cfg.Peers, config.Peer{
					ID:      fmt.Sprintf("node-%d", i),
					Address: "mem://peer",
					Voting:  true,
				})
			}

			e, err := New(cfg, storage.NewInMemoryStore(), statemachine.NewKVStateMachine(cfg.NodeID))
			require.NoError(t, err)
			defer e.Stop()

			assert.Equal(t, n/2+1, e.quorumSize())
			assert.Equal(t, n, e.clusterSize())
		})
	}
}

func TestRandomElectionTimeoutStaysInRange(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	h := newHarness(t, network, testConfig("node-1", "node-2"))

	for i := 0; i < 1000; i++ {
		timeout := h.engine.randomElectionTimeout()
		assert.GreaterOrEqual(t, timeout, h.engine.cfg.ElectionTimeoutMin)
		assert.Less(t, timeout, h.engine.cfg.ElectionTimeoutMax)
	}
}

// fixedLatencyTransport overrides the measured RTT; everything else passes
// through to the wrapped transport.
type fixedLatencyTransport struct {
	transport.Transport
	latency time.Duration
}

func (t *fixedLatencyTransport) AverageLatency() time.Duration { return t.latency }

func TestRandomElectionTimeoutAdaptiveStaysInRange(t *testing.T) {
	newAdaptive := func(t *testing.T, latency time.Duration) *Engine {
		network := transport.NewInMemoryNetwork()
		cfg := testConfig("node-1", "node-2")
		cfg.AdaptiveElectionTimeout = true
		h := newHarness(t, network, cfg)
		h.engine.trans = &fixedLatencyTransport{Transport: h.engine.trans, latency: latency}
		return h.engine
	}

	t.Run("moderate latency raises the lower bound", func(t *testing.T) {
		e := newAdaptive(t, 60*time.Millisecond) // 3x = 180ms, inside the range
		for i := 0; i < 1000; i++ {
			timeout := e.randomElectionTimeout()
			assert.GreaterOrEqual(t, timeout, 180*time.Millisecond)
			assert.Less(t, timeout, e.cfg.ElectionTimeoutMax)
		}
	})

	t.Run("extreme latency never pushes the draw past the maximum", func(t *testing.T) {
		e := newAdaptive(t, time.Second) // 3x clamps to the maximum
		for i := 0; i < 1000; i++ {
			timeout := e.randomElectionTimeout()
			assert.GreaterOrEqual(t, timeout, e.cfg.ElectionTimeoutMin)
			assert.LessOrEqual(t, timeout, e.cfg.ElectionTimeoutMax)
		}
	})
}

func TestRandomElectionTimeoutsAreDistinct(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	a := newHarness(t, network, testConfig("node-1", "node-2"))
	b := newHarness(t, network, testConfig("node-2", "node-1"))

	collisions := 0
	for i := 0; i < 1000; i++ {
		if a.engine.randomElectionTimeout() == b.engine.randomElectionTimeout() {
			collisions++
		}
	}
	// Nanosecond-granular draws over a 150ms span; identical pairs would
	// point at a broken randomness source.
	assert.Zero(t, collisions)
}

func TestStartElection_WinsWithQuorum(t *testing.T) {
	// Scenario: 5-node cluster, candidate gets 2 of 4 peer votes plus its
	// own, reaching 3/5.
	network := transport.NewInMemoryNetwork()
	nodes := newCluster(t, network, 5, nil)

	// Two peers have already voted for another candidate this term.
	nodes["node-4"].engine.state.decideVote(1, "someone-else", 0, 0, 0, 0)
	nodes["node-5"].engine.state.decideVote(1, "someone-else", 0, 0, 0, 0)

	candidate := nodes["node-1"].engine
	candidate.startElection()

	assert.Equal(t, Leader, candidate.state.getRole())
	assert.Equal(t, uint64(1), candidate.state.getCurrentTerm())
	assert.Equal(t, candidate.id, candidate.state.getLeaderID())
}

func TestStartElection_LosesWithoutQuorum(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	nodes := newCluster(t, network, 5, nil)

	// Three peers are already committed elsewhere this term; 2/5 is short
	// of quorum.
	for _, id := range []string{"node-3", "node-4", "node-5"} {
		nodes[id].engine.state.decideVote(1, "someone-else", 0, 0, 0, 0)
	}

	candidate := nodes["node-1"].engine
	candidate.startElection()

	assert.Equal(t, Follower, candidate.state.getRole(), "split vote demotes back to follower")
	assert.Equal(t, uint64(1), candidate.state.getCurrentTerm())
}

func TestStartElection_UnreachablePeers(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	nodes := newCluster(t, network, 3, nil)
	network.Isolate("node-1")

	candidate := nodes["node-1"].engine
	candidate.startElection()

	assert.Equal(t, Follower, candidate.state.getRole())
}

func TestStartElection_SingleNodeClusterElectsItself(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	h := newHarness(t, network, testConfig("node-1"))

	h.engine.startElection()

	assert.Equal(t, Leader, h.engine.state.getRole())
	// The no-op asserting the new term is in the log.
	assert.Equal(t, uint64(1), h.engine.raftLog.LastIndex())
}

func TestStartElection_HigherTermResponseStandsDown(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	nodes := newCluster(t, network, 3, nil)

	// One peer already lives in term 10; the other has spent its term-1
	// vote, so the candidate cannot reach quorum before seeing the higher
	// term.
	nodes["node-2"].engine.state.setTermIfHigher(10)
	nodes["node-3"].engine.state.decideVote(1, "someone-else", 0, 0, 0, 0)

	candidate := nodes["node-1"].engine
	candidate.startElection()

	assert.Equal(t, Follower, candidate.state.getRole())
	assert.Equal(t, uint64(10), candidate.state.getCurrentTerm(), "must adopt the discovered term")
}

func TestBecomeLeaderSendsImmediateHeartbeat(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	nodes := newCluster(t, network, 3, nil)

	nodes["node-1"].engine.startElection()
	require.Equal(t, Leader, nodes["node-1"].engine.state.getRole())

	// The winning round already asserted authority: followers know the
	// leader and hold its no-op entry.
	for _, id := range []string{"node-2", "node-3"} {
		follower := nodes[id].engine
		assert.Equal(t, "node-1", follower.state.getLeaderID())
		assert.Equal(t, uint64(1), follower.raftLog.LastIndex())
	}
}

func TestHandleVoteRequest(t *testing.T) {
	network := transport.NewInMemoryNetwork()
	ctx := context.Background()

	t.Run("grants and persists the vote", func(t *testing.T) {
		h := newHarness(t, network, testConfig("voter-1", "cand"))

		resp, err := h.engine.HandleVoteRequest(ctx, &transport.VoteRequest{
			Term: 3, CandidateID: "cand", LastLogIndex: 0, LastLogTerm: 0,
		})
		require.NoError(t, err)
		assert.True(t, resp.Granted)
		assert.Equal(t, "voter-1", resp.VoterID)

		hs, err := h.store.HardState()
		require.NoError(t, err)
		assert.Equal(t, uint64(3), hs.CurrentTerm)
		assert.Equal(t, "cand", hs.VotedFor, "vote must be durable before the response")
	})

	t.Run("rejects a candidate with a stale log", func(t *testing.T) {
		h := newHarness(t, network, testConfig("voter-2", "cand"))
		h.engine.raftLog.AppendCommand(2, []byte("x"), "", 0)

		resp, err := h.engine.HandleVoteRequest(ctx, &transport.VoteRequest{
			Term: 3, CandidateID: "cand", LastLogIndex: 5, LastLogTerm: 1,
		})
		require.NoError(t, err)
		assert.False(t, resp.Granted)
		assert.Equal(t, "log not up-to-date", resp.RejectReason)
	})

	t.Run("two requests for one term grant only the first", func(t *testing.T) {
		// Scenario: simultaneous VoteRequests for term 5.
		h := newHarness(t, network, testConfig("voter-3", "cand-A", "cand-B"))

		first, err := h.engine.HandleVoteRequest(ctx, &transport.VoteRequest{Term: 5, CandidateID: "cand-A"})
		require.NoError(t, err)
		second, err := h.engine.HandleVoteRequest(ctx, &transport.VoteRequest{Term: 5, CandidateID: "cand-B"})
		require.NoError(t, err)

		assert.True(t, first.Granted)
		assert.False(t, second.Granted)
		assert.Equal(t, "already voted", second.RejectReason)
	})

	t.Run("granting resets the election timer", func(t *testing.T) {
		h := newHarness(t, network, testConfig("voter-4", "cand"))
		h.engine.state.mu.Lock()
		h.engine.state.lastContact = time.Now().Add(-time.Second)
		h.engine.state.mu.Unlock()

		resp, err := h.engine.HandleVoteRequest(ctx, &transport.VoteRequest{Term: 1, CandidateID: "cand"})
		require.NoError(t, err)
		require.True(t, resp.Granted)
		assert.Less(t, h.engine.state.timeSinceLastContact(), 100*time.Millisecond)
	})
}
