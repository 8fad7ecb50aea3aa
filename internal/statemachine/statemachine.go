package statemachine

import "github.com/aurigraph/hyperraft/internal/raftlog"

// StateMachine is the application layer that committed entries are applied
// to, as described in Section 2 of the [Raft paper](https://raft.github.io/raft.pdf).
// It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go).
//
// Snapshot and Restore support log compaction: Snapshot serializes the full
// machine state, Restore replaces it from a previously taken snapshot.
type StateMachine interface {
	Apply(entries []raftlog.Entry)
	Snapshot() ([]byte, error)
	Restore(state []byte) error
}
