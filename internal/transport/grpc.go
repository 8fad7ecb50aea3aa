package transport

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	// RPCTimeout is the maximum time to wait for a single RPC attempt.
	// Section 5.6 states that broadcast time should be an order of magnitude
	// less than the election timeout (150-300ms). For typical networks, RPC
	// round-trip times are << 15ms, so 50ms provides a comfortable safety margin.
	RPCTimeout = 50 * time.Millisecond

	// MaxRequestVoteRetries is the number of times to retry a failed RequestVote RPC.
	// RequestVote retries are bounded by the election timeout - if an election fails,
	// a new election with a new term will be started. 3 attempts × 50ms = ~150ms,
	// which is within the election timeout window.
	MaxRequestVoteRetries = 3

	// MaxAppendEntriesRetries controls retry behavior for AppendEntries RPCs.
	// Section 5.3: "If followers crash or run slowly, or if network packets are
	// lost, the leader retries AppendEntries RPCs indefinitely". The replication
	// loop re-dispatches on the next heartbeat tick, so per-call retries stay
	// bounded here.
	MaxAppendEntriesRetries = 5

	// RetryBackoffBase is the base duration for exponential backoff between retries
	RetryBackoffBase = 10 * time.Millisecond

	// MaxRetryBackoff is the maximum backoff duration between retries
	MaxRetryBackoff = 100 * time.Millisecond

	// latencyWindow is how many RTT samples feed the adaptive election timeout
	latencyWindow = 64
)

const (
	serviceName         = "hyperraft.Consensus"
	requestVoteMethod   = "/hyperraft.Consensus/RequestVote"
	appendEntriesMethod = "/hyperraft.Consensus/AppendEntries"
)

// gobCodec lets gRPC carry the gob-encoded RPC messages. Registering it
// under its own name keeps the default proto codec untouched for any other
// services sharing the process.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return "gob" }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// serviceDesc registers the two consensus RPCs by hand. There is no
// generated client/server code; the handlers below unpack the request and
// forward it to the Handler.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteRPCHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesRPCHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hyperraft",
}

func requestVoteRPCHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(VoteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandleVoteRequest(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: requestVoteMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).HandleVoteRequest(ctx, req.(*VoteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func appendEntriesRPCHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(AppendEntriesRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).HandleAppendEntries(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: appendEntriesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).HandleAppendEntries(ctx, req.(*AppendEntriesRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// GRPCTransport carries consensus RPCs over gRPC. It owns both the serving
// side (the listener peers dial into) and a pool of client connections to
// every peer.
type GRPCTransport struct {
	bindAddr   string
	grpcServer *grpc.Server
	listener   net.Listener

	// A map[string]*grpc.ClientConn keyed by peer ID. sync.Map provides
	// thread-safe access optimized for the read-heavy RPC path.
	clientsConnPool *sync.Map

	// Ring buffer of recent RTT samples in nanoseconds.
	latencyMu      sync.Mutex
	latencySamples [latencyWindow]int64
	latencyCount   atomic.Uint64
}

// NewGRPCTransport creates the transport and opens client connections to
// every peer in addrs (a map of peer ID to dial address). Serve must be
// called before peers can reach this node.
func NewGRPCTransport(bindAddr string, handler Handler, addrs map[string]string) (*GRPCTransport, error) {
	t := &GRPCTransport{
		bindAddr:        bindAddr,
		clientsConnPool: &sync.Map{},
	}

	t.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	t.grpcServer.RegisterService(&serviceDesc, handler)

	for peerID, addr := range addrs {
		if err := t.AddPeer(peerID, addr); err != nil {
			// Failing to connect to a single peer should not prevent conn to
			// other nodes, so log it and continue
			log.Printf("[TRANSPORT] Failed establishing a gRPC channel to peer %s: %v", peerID, err)
		}
	}

	return t, nil
}

// Listen binds the server socket. It is separate from Serve so callers can
// learn the bound address before serving (the config may specify port 0).
func (t *GRPCTransport) Listen() error {
	lis, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.bindAddr, err)
	}
	t.listener = lis
	log.Printf("[TRANSPORT] Listening on %s", lis.Addr())
	return nil
}

// Addr returns the bound listen address. Valid only after Listen.
func (t *GRPCTransport) Addr() string {
	if t.listener == nil {
		return t.bindAddr
	}
	return t.listener.Addr().String()
}

// Serve blocks serving inbound RPCs until Close is called. It calls Listen
// first if the caller has not.
func (t *GRPCTransport) Serve() error {
	if t.listener == nil {
		if err := t.Listen(); err != nil {
			return err
		}
	}
	return t.grpcServer.Serve(t.listener)
}

// getClientConn retrieves a grpc.ClientConn for the given peer from the connection pool
func (t *GRPCTransport) getClientConn(peerID string) (*grpc.ClientConn, error) {
	clientConn, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("gRPC client connection not found for peer: %v", peerID)
	}

	// We must type assert the value returned by Load, as it is of type `any` by default
	conn, ok := clientConn.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for peer %v. Type is %T", peerID, clientConn)
	}

	return conn, nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, peerID string, req *VoteRequest) (*VoteResponse, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		// Peer no longer in cluster - this is expected during membership changes
		return nil, fmt.Errorf("peer %s not found (likely removed from cluster): %w", peerID, err)
	}

	var lastErr error
	for attempt := 0; attempt < MaxRequestVoteRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)

		resp := new(VoteResponse)
		start := time.Now()
		lastErr = conn.Invoke(rpcCtx, requestVoteMethod, req, resp, grpc.CallContentSubtype("gob"))
		cancel()

		if lastErr == nil {
			t.recordLatency(time.Since(start))
			return resp, nil
		}

		// Check if parent context is cancelled (e.g., node shutting down)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("RequestVote to %s cancelled: %w", peerID, ctx.Err())
		default:
		}

		if attempt < MaxRequestVoteRetries-1 {
			time.Sleep(retryBackoff(attempt))
		}
	}

	log.Printf("[TRANSPORT] RequestVote to %s failed after %d attempts: %v", peerID, MaxRequestVoteRetries, lastErr)
	return nil, fmt.Errorf("RequestVote to %s failed after %d attempts: %w", peerID, MaxRequestVoteRetries, lastErr)
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, peerID string, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		// Don't retry a removed peer, just return immediately
		return nil, fmt.Errorf("peer %s not found (likely removed from cluster): %w", peerID, err)
	}

	var lastErr error
	for attempt := 0; attempt < MaxAppendEntriesRetries; attempt++ {
		rpcCtx, cancel := context.WithTimeout(ctx, RPCTimeout)

		resp := new(AppendEntriesResponse)
		start := time.Now()
		lastErr = conn.Invoke(rpcCtx, appendEntriesMethod, req, resp, grpc.CallContentSubtype("gob"))
		cancel()

		if lastErr == nil {
			t.recordLatency(time.Since(start))
			if attempt > 0 {
				log.Printf("[TRANSPORT] AppendEntries to %s succeeded after %d retries", peerID, attempt)
			}
			return resp, nil
		}

		// Check if parent context is cancelled (leader stepping down, node shutting down, etc.)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("AppendEntries to %s cancelled: %w", peerID, ctx.Err())
		default:
		}

		if attempt < MaxAppendEntriesRetries-1 {
			time.Sleep(retryBackoff(attempt))
		}
	}

	log.Printf("[TRANSPORT] AppendEntries to %s failed after %d attempts: %v", peerID, MaxAppendEntriesRetries, lastErr)
	return nil, fmt.Errorf("AppendEntries to %s failed after %d attempts: %w", peerID, MaxAppendEntriesRetries, lastErr)
}

// AddPeer opens a gRPC connection for a new peer that joined the cluster
func (t *GRPCTransport) AddPeer(peerID, addr string) error {
	// Connection already exists, nothing to do
	if _, err := t.getClientConn(peerID); err == nil {
		return nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed establishing a gRPC channel to peer %s at %s: %w", peerID, addr, err)
	}

	t.clientsConnPool.Store(peerID, conn)
	return nil
}

// RemovePeer closes and drops the connection for a peer that left the cluster
func (t *GRPCTransport) RemovePeer(peerID string) error {
	clientConn, ok := t.clientsConnPool.LoadAndDelete(peerID)
	if !ok {
		return nil
	}
	if conn, ok := clientConn.(*grpc.ClientConn); ok {
		return conn.Close()
	}
	return nil
}

func (t *GRPCTransport) AverageLatency() time.Duration {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()

	count := t.latencyCount.Load()
	if count == 0 {
		return 0
	}
	n := uint64(latencyWindow)
	if count < n {
		n = count
	}

	var sum int64
	for i := uint64(0); i < n; i++ {
		sum += t.latencySamples[i]
	}
	return time.Duration(sum / int64(n))
}

func (t *GRPCTransport) recordLatency(rtt time.Duration) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	idx := t.latencyCount.Add(1) - 1
	t.latencySamples[idx%latencyWindow] = int64(rtt)
}

// Close stops the server and closes all client connections.
func (t *GRPCTransport) Close() error {
	t.grpcServer.GracefulStop()

	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				log.Printf("[TRANSPORT] Failed to close connection to %s: %v", key, err)
			}
		}
		return true
	})
	log.Println("[TRANSPORT] All gRPC client connections closed.")
	return nil
}

func retryBackoff(attempt int) time.Duration {
	backoff := RetryBackoffBase * time.Duration(attempt+1)
	if backoff > MaxRetryBackoff {
		backoff = MaxRetryBackoff
	}
	return backoff
}
