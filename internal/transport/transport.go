package transport

import (
	"context"
	"time"
)

// Handler is implemented by the consensus engine. The transport delivers
// inbound RPCs to it; the engine never sees the wire layer.
type Handler interface {
	HandleVoteRequest(ctx context.Context, req *VoteRequest) (*VoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

// Transport abstracts the RPC layer between cluster nodes so the consensus
// engine can run over gRPC in production and over an in-process network in
// tests. Implementations must be safe for concurrent use.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, req *VoteRequest) (*VoteResponse, error)
	AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error)

	// AddPeer registers a peer connection; RemovePeer tears it down. Both
	// are called during cluster membership changes.
	AddPeer(peerID, addr string) error
	RemovePeer(peerID string) error

	// AverageLatency reports the mean round-trip time of recent successful
	// RPCs. It feeds the adaptive election timeout and returns 0 when no
	// samples have been collected yet.
	AverageLatency() time.Duration

	Close() error
}
