package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryNetwork wires InMemoryTransports together inside one process.
// It exists for tests and local multi-node simulations, and supports
// cutting links to simulate partitions.
type InMemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	cut      map[string]map[string]bool
	latency  time.Duration
}

func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		handlers: make(map[string]Handler),
		cut:      make(map[string]map[string]bool),
	}
}

// SetLatency injects a fixed delay on every delivered RPC.
func (n *InMemoryNetwork) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// Cut drops all traffic from one node to another until Restore is called.
func (n *InMemoryNetwork) Cut(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cut[from] == nil {
		n.cut[from] = make(map[string]bool)
	}
	n.cut[from][to] = true
}

// Restore re-enables traffic from one node to another.
func (n *InMemoryNetwork) Restore(from, to string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut[from], to)
}

// Isolate cuts a node off from every registered peer in both directions.
func (n *InMemoryNetwork) Isolate(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.handlers {
		if other == nodeID {
			continue
		}
		if n.cut[nodeID] == nil {
			n.cut[nodeID] = make(map[string]bool)
		}
		if n.cut[other] == nil {
			n.cut[other] = make(map[string]bool)
		}
		n.cut[nodeID][other] = true
		n.cut[other][nodeID] = true
	}
}

// Rejoin undoes Isolate.
func (n *InMemoryNetwork) Rejoin(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, nodeID)
	for _, targets := range n.cut {
		delete(targets, nodeID)
	}
}

func (n *InMemoryNetwork) deliver(from, to string) (Handler, time.Duration, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.cut[from][to] {
		return nil, 0, fmt.Errorf("link from %s to %s is down", from, to)
	}
	h, ok := n.handlers[to]
	if !ok {
		return nil, 0, fmt.Errorf("no node registered for %s", to)
	}
	return h, n.latency, nil
}

// Transport returns an InMemoryTransport attached to this network for the
// given node, registering its handler so peers can reach it.
func (n *InMemoryNetwork) Transport(nodeID string, handler Handler) *InMemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[nodeID] = handler
	return &InMemoryTransport{network: n, nodeID: nodeID}
}

// InMemoryTransport routes RPCs through an InMemoryNetwork. AddPeer and
// RemovePeer are no-ops because the network itself holds the routing table.
type InMemoryTransport struct {
	network *InMemoryNetwork
	nodeID  string

	latencyMu sync.Mutex
	totalRTT  time.Duration
	samples   int
}

func (t *InMemoryTransport) RequestVote(ctx context.Context, peerID string, req *VoteRequest) (*VoteResponse, error) {
	h, delay, err := t.network.deliver(t.nodeID, peerID)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := h.HandleVoteRequest(ctx, req)
	if err == nil {
		t.recordLatency(delay + time.Since(start))
	}
	return resp, err
}

func (t *InMemoryTransport) AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	h, delay, err := t.network.deliver(t.nodeID, peerID)
	if err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, delay); err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := h.HandleAppendEntries(ctx, req)
	if err == nil {
		t.recordLatency(delay + time.Since(start))
	}
	return resp, err
}

func (t *InMemoryTransport) AddPeer(peerID, addr string) error { return nil }

func (t *InMemoryTransport) RemovePeer(peerID string) error { return nil }

func (t *InMemoryTransport) AverageLatency() time.Duration {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	if t.samples == 0 {
		return 0
	}
	return t.totalRTT / time.Duration(t.samples)
}

func (t *InMemoryTransport) recordLatency(rtt time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	t.totalRTT += rtt
	t.samples++
}

func (t *InMemoryTransport) Close() error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
