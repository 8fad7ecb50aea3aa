package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/aurigraph/hyperraft/internal/raftlog"
)

var (
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
	snapshotKey    = []byte("snapshot")
)

// BboltStore is a bbolt-backed Store. Every Update is an fsynced
// transaction, which is what gives the persist-before-acknowledge guarantee.
type BboltStore struct {
	conn *bbolt.DB
}

// OpenBbolt opens (or creates) the store at path.
func OpenBbolt(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{conn: db}, nil
}

func (b *BboltStore) HardState() (HardState, error) {
	var hs HardState
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			hs.CurrentTerm = bytesToUint64(data)
		}
		if data := bucket.Get(votedForKey); data != nil {
			hs.VotedFor = string(data)
		}
		return nil
	})
	return hs, err
}

func (b *BboltStore) SetHardState(hs HardState) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(hs.CurrentTerm)); err != nil {
			return err
		}
		if hs.VotedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(hs.VotedFor))
	})
}

func (b *BboltStore) AppendEntries(entries []raftlog.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		for i := range entries {
			data, err := encodeEntry(&entries[i])
			if err != nil {
				return err
			}
			if err := bucket.Put(uint64ToBytes(entries[i].Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltStore) Entries(startIndex uint64) ([]raftlog.Entry, error) {
	var entries []raftlog.Entry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()
		for k, v := cursor.Seek(uint64ToBytes(startIndex)); k != nil; k, v = cursor.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return fmt.Errorf("failed to decode log entry %d: %w", bytesToUint64(k), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (b *BboltStore) DeleteFrom(startIndex uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(uint64ToBytes(startIndex)); k != nil; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltStore) DeleteThrough(endIndex uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && bytesToUint64(k) <= endIndex; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltStore) SaveSnapshot(snap raftlog.Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(snapshotKey, buf.Bytes())
	})
}

func (b *BboltStore) Snapshot() (raftlog.Snapshot, bool, error) {
	var snap raftlog.Snapshot
	var found bool
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(snapshotKey)
		if data == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		found = true
		return nil
	})
	return snap, found, err
}

func (b *BboltStore) Close() error {
	return b.conn.Close()
}

func encodeEntry(entry *raftlog.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, fmt.Errorf("failed to encode log entry: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raftlog.Entry, error) {
	var entry raftlog.Entry
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry)
	return entry, err
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
