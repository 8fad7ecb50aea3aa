package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurigraph/hyperraft/internal/config"
	"github.com/aurigraph/hyperraft/internal/statemachine"
	"github.com/aurigraph/hyperraft/internal/storage"
	"github.com/aurigraph/hyperraft/internal/transport"
)

// testConfig builds a cluster member's config with fast test timings.
func testConfig(id string, peerIDs ...string) config.Config {
	cfg := config.Default()
	cfg.NodeID = id
	for _, pid := range peerIDs {
		if pid == id {
			continue
		}
		cfg.Peers = append(cfg.Peers, config.Peer{ID: pid, Address: "mem://" + pid, Voting: true})
	}
	return cfg
}

// harness bundles an engine with the collaborators the tests poke at.
type harness struct {
	engine *Engine
	store  *storage.InMemoryStore
	sm     *statemachine.KVStateMachine
}

// newHarness wires one engine into the shared in-memory network. The engine
// is NOT started; tests drive it directly or call Start themselves.
func newHarness(t *testing.T, network *transport.InMemoryNetwork, cfg config.Config) *harness {
	t.Helper()

	store := storage.NewInMemoryStore()
	sm := statemachine.NewKVStateMachine(cfg.NodeID)

	engine, err := New(cfg, store, sm)
	require.NoError(t, err)
	engine.UseTransport(network.Transport(cfg.NodeID, engine))
	t.Cleanup(engine.Stop)

	return &harness{engine: engine, store: store, sm: sm}
}

// newCluster builds n unstarted engines named node-1..node-n on one
// in-memory network.
func newCluster(t *testing.T, network *transport.InMemoryNetwork, n int, mutate func(*config.Config)) map[string]*harness {
	t.Helper()

	ids := make([]string, n)
	for i := range ids {
		ids[i] = nodeName(i + 1)
	}

	nodes := make(map[string]*harness, n)
	for _, id := range ids {
		cfg := testConfig(id, ids...)
		if mutate != nil {
			mutate(&cfg)
		}
		nodes[id] = newHarness(t, network, cfg)
	}
	return nodes
}

func nodeName(i int) string {
	return "node-" + string(rune('0'+i))
}

// makeLeader walks an engine through the legal transitions into Leader for
// a new term, without running an election.
func makeLeader(t *testing.T, e *Engine) uint64 {
	t.Helper()
	require.True(t, e.state.transitionTo(Candidate))
	term := e.state.incrementTerm(e.id)
	require.True(t, e.state.transitionTo(Leader))
	e.state.setLeaderID(e.id)

	nextIndex := e.raftLog.LastIndex() + 1
	e.progressMu.Lock()
	e.progress = make(map[string]*peerProgress)
	for _, peerID := range e.allPeers() {
		e.progress[peerID] = &peerProgress{nextIndex: nextIndex}
	}
	e.progressMu.Unlock()
	return term
}
