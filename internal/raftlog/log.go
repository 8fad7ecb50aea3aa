// Package raftlog holds the ordered, append-only replicated log together
// with the consistency-check and conflict-resolution primitives the
// replication protocol needs.
package raftlog

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCompacted reports that the requested index fell behind the latest
	// snapshot point and its entry no longer exists.
	ErrCompacted = errors.New("raftlog: index compacted away")
	// ErrOutOfRange reports that the requested index is beyond the last
	// appended entry.
	ErrOutOfRange = errors.New("raftlog: index out of range")
	// ErrGap reports an append that would leave a hole in the index sequence.
	ErrGap = errors.New("raftlog: non-contiguous append")
)

// Log is the in-memory replicated log. Entries before the compaction point
// are gone; their cumulative effect lives in the snapshot that caused the
// compaction.
//
// The zero offset means nothing has been compacted. entries[0], when
// present, always has index offset+1.
type Log struct {
	mu         sync.RWMutex
	entries    []Entry
	offset     uint64 // last index discarded by compaction
	offsetTerm uint64 // term of the entry at offset
}

func New() *Log {
	return &Log{}
}

// FirstIndex returns the lowest index still present, or offset+1 when the
// live window is empty.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.offset + 1
}

// LastIndex returns the index of the last appended entry, counting
// compacted-away entries. Zero for a brand-new log.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	return l.offset + uint64(len(l.entries))
}

// LastTerm returns the term of the last entry, or the compaction point's
// term when the live window is empty.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return l.offsetTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// Len reports how many live (non-compacted) entries the log holds.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entry returns the entry at index.
func (l *Log) Entry(index uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entryLocked(index)
}

func (l *Log) entryLocked(index uint64) (Entry, error) {
	if index <= l.offset {
		return Entry{}, fmt.Errorf("entry %d: %w", index, ErrCompacted)
	}
	if index > l.lastIndexLocked() {
		return Entry{}, fmt.Errorf("entry %d: %w", index, ErrOutOfRange)
	}
	return l.entries[index-l.offset-1], nil
}

// Term returns the term of the entry at index. Index 0 reports term 0, and
// the compaction point itself answers with the snapshot's term, so the
// consistency check still works right at the boundary.
func (l *Log) Term(index uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.termLocked(index)
}

func (l *Log) termLocked(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == l.offset {
		return l.offsetTerm, nil
	}
	entry, err := l.entryLocked(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

// AppendCommand builds and appends the next entry under the given term,
// returning it. This is the leader-side append: strictly at the tail, never
// rewriting history (Leader Append-Only property).
func (l *Log) AppendCommand(term uint64, payload []byte, clientID string, entryType EntryType) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Index:     l.lastIndexLocked() + 1,
		Term:      term,
		Payload:   payload,
		ClientID:  clientID,
		Type:      entryType,
		Timestamp: time.Now(),
	}
	l.entries = append(l.entries, entry)
	return entry
}

// Append adds already-indexed entries at the tail. The first entry must
// directly follow the current last index.
func (l *Log) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if entries[0].Index != l.lastIndexLocked()+1 {
		return fmt.Errorf("append at %d after %d: %w", entries[0].Index, l.lastIndexLocked(), ErrGap)
	}
	l.entries = append(l.entries, entries...)
	return nil
}

// Slice returns entries in [from, to] inclusive, clamped to the live window.
func (l *Log) Slice(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from <= l.offset {
		return nil, fmt.Errorf("slice from %d: %w", from, ErrCompacted)
	}
	last := l.lastIndexLocked()
	if to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	out := make([]Entry, to-from+1)
	copy(out, l.entries[from-l.offset-1:to-l.offset])
	return out, nil
}

// EntriesFrom returns up to max entries starting at from. max <= 0 means no
// limit.
func (l *Log) EntriesFrom(from uint64, max int) ([]Entry, error) {
	to := l.LastIndex()
	if max > 0 && from+uint64(max)-1 < to {
		to = from + uint64(max) - 1
	}
	return l.Slice(from, to)
}

// MatchesTerm reports whether the entry at index exists and carries term.
// The compaction point matches against the snapshot term; index 0 matches
// term 0.
func (l *Log) MatchesTerm(index, term uint64) bool {
	t, err := l.Term(index)
	if err != nil {
		return false
	}
	return t == term
}

// CheckConsistency runs the AppendEntries consistency check: the follower
// must hold an entry at prevIndex whose term is prevTerm. prevIndex 0 is
// always consistent (start of log).
func (l *Log) CheckConsistency(prevIndex, prevTerm uint64) error {
	if prevIndex == 0 {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if prevIndex < l.offset {
		return fmt.Errorf("consistency check at %d: %w", prevIndex, ErrCompacted)
	}
	if prevIndex > l.lastIndexLocked() {
		return fmt.Errorf("consistency check at %d past %d: %w", prevIndex, l.lastIndexLocked(), ErrOutOfRange)
	}
	term, err := l.termLocked(prevIndex)
	if err != nil {
		return err
	}
	if term != prevTerm {
		return fmt.Errorf("term mismatch at %d: have %d, leader expects %d", prevIndex, term, prevTerm)
	}
	return nil
}

// ConflictHint computes the (conflictIndex, conflictTerm) pair a follower
// returns after a failed consistency check, bounding the leader's nextIndex
// backoff. When the log is shorter than prevIndex the hint is lastIndex+1;
// otherwise it is the first index of the conflicting entry's term run.
func (l *Log) ConflictHint(prevIndex uint64) (uint64, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	last := l.lastIndexLocked()
	if prevIndex > last {
		return last + 1, 0
	}
	if prevIndex <= l.offset {
		return l.offset + 1, 0
	}

	conflictTerm := l.entries[prevIndex-l.offset-1].Term
	first := prevIndex
	for first > l.offset+1 {
		if l.entries[first-l.offset-2].Term != conflictTerm {
			break
		}
		first--
	}
	return first, conflictTerm
}

// MergeEntries reconciles incoming entries against the suffix after
// prevIndex: entries already present with matching terms are skipped, the
// first term divergence truncates everything from that point on, and the
// remainder is appended. It returns the number of truncated and appended
// entries.
func (l *Log) MergeEntries(prevIndex uint64, entries []Entry) (truncated, appended int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	insert := prevIndex + 1
	for _, entry := range entries {
		if insert <= l.lastIndexLocked() {
			existing := l.entries[insert-l.offset-1]
			if existing.Term == entry.Term {
				// Same (index, term) means same entry by the Log Matching
				// property; keep what we have.
				insert++
				continue
			}
			// Divergent term: drop this entry and everything after it.
			truncated = int(l.lastIndexLocked() - insert + 1)
			l.entries = l.entries[:insert-l.offset-1]
		}
		l.entries = append(l.entries, entry)
		appended++
		insert++
	}
	return truncated, appended
}

// TruncateFrom deletes all entries from index (inclusive) to the end.
func (l *Log) TruncateFrom(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index <= l.offset {
		return fmt.Errorf("truncate from %d: %w", index, ErrCompacted)
	}
	if index > l.lastIndexLocked() {
		return nil
	}
	l.entries = l.entries[:index-l.offset-1]
	return nil
}

// CompactTo discards every entry at or below index, recording (index, term)
// as the new compaction point. The caller must only compact indices covered
// by a snapshot.
func (l *Log) CompactTo(index, term uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index <= l.offset {
		return fmt.Errorf("compact to %d at offset %d: %w", index, l.offset, ErrCompacted)
	}
	if index > l.lastIndexLocked() {
		return fmt.Errorf("compact to %d past %d: %w", index, l.lastIndexLocked(), ErrOutOfRange)
	}

	keep := l.entries[index-l.offset:]
	l.entries = make([]Entry, len(keep))
	copy(l.entries, keep)
	l.offset = index
	l.offsetTerm = term
	return nil
}

// Restore resets the log to start immediately after a snapshot point,
// discarding everything. Used when bootstrapping from durable storage.
func (l *Log) Restore(lastIncludedIndex, lastIncludedTerm uint64, entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.offset = lastIncludedIndex
	l.offsetTerm = lastIncludedTerm
	l.entries = append([]Entry(nil), entries...)
}
