package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/aurigraph/hyperraft/internal/raftlog"
)

// KVStateMachine is a simple key-value store that implements the StateMachine interface
type KVStateMachine struct {
	mu    sync.RWMutex
	store map[string]string
	id    string // Node ID for logging
}

// NewKVStateMachine creates a new key-value state machine
func NewKVStateMachine(nodeID string) *KVStateMachine {
	return &KVStateMachine{
		store: make(map[string]string),
		id:    nodeID,
	}
}

// Apply applies committed log entries to the state machine.
// Commands are expected to be in the format: "SET key=value" or "DEL key".
// Non-command entries (no-ops, membership changes, batch markers) are skipped.
func (kv *KVStateMachine) Apply(entries []raftlog.Entry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, entry := range entries {
		if entry.Type != raftlog.EntryNormal {
			continue
		}

		command := string(entry.Payload)
		parts := strings.Fields(command)

		if len(parts) == 0 {
			continue
		}

		op := strings.ToUpper(parts[0])
		switch op {
		case "SET":
			if len(parts) >= 2 {
				// Parse "key=value"
				pair := strings.SplitN(parts[1], "=", 2)
				if len(pair) == 2 {
					kv.store[pair[0]] = pair[1]
					log.Printf("[KV-SM-%s] Applied SET: %s=%s (index=%d)",
						kv.id, pair[0], pair[1], entry.Index)
				}
			}
		case "DEL":
			if len(parts) >= 2 {
				delete(kv.store, parts[1])
				log.Printf("[KV-SM-%s] Applied DEL: %s (index=%d)",
					kv.id, parts[1], entry.Index)
			}
		default:
			log.Printf("[KV-SM-%s] Unknown command: %s (index=%d)",
				kv.id, command, entry.Index)
		}
	}
}

// Get returns the value for a key and whether it exists
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// Len returns the number of keys in the store
func (kv *KVStateMachine) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}

// Snapshot serializes the full key-value map
func (kv *KVStateMachine) Snapshot() ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(kv.store); err != nil {
		return nil, fmt.Errorf("failed to encode kv state: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the key-value map with the snapshotted one
func (kv *KVStateMachine) Restore(state []byte) error {
	store := make(map[string]string)
	if err := gob.NewDecoder(bytes.NewReader(state)).Decode(&store); err != nil {
		return fmt.Errorf("failed to decode kv state: %w", err)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.store = store
	log.Printf("[KV-SM-%s] Restored state with %d keys", kv.id, len(store))
	return nil
}
