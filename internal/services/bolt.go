package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB stores the diagnostics of failed exchanges. It is the developer side channel for failure details
// that never reach the transcript. Transcripts themselves are not stored.
type BoltDB struct {
	db *bolt.DB

	maxEntries int
}

var diagnosticsBucket = []byte("diagnostics")

// NewBoltDB creates a new BoltDB instance with the specified file path. It keeps at most maxEntries
// diagnostics, dropping the oldest ones first; a non-positive maxEntries keeps everything. The database file
// is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string, maxEntries int) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(diagnosticsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db, maxEntries: maxEntries}, nil
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// AddDiagnostic stores d under the next sequence number, then trims the bucket down to the configured
// maximum.
func (b BoltDB) AddDiagnostic(_ context.Context, d models.Diagnostic) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(diagnosticsBucket)

		seq, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("failed to marshal diagnostic: %w", err)
		}

		if err := bk.Put(sequenceKey(seq), v); err != nil {
			return fmt.Errorf("failed to put diagnostic: %w", err)
		}

		if b.maxEntries <= 0 {
			return nil
		}
		// Keys are consecutive sequence numbers and only the oldest ones are ever deleted, so the bucket
		// holds every key from the first one up to seq.
		c := bk.Cursor()
		for k, _ := c.First(); k != nil && seq-binary.BigEndian.Uint64(k) >= uint64(b.maxEntries); k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return fmt.Errorf("failed to trim diagnostics: %w", err)
			}
		}
		return nil
	})
}

// Diagnostics retrieves up to limit stored diagnostics, newest first. A non-positive limit returns all of
// them.
func (b BoltDB) Diagnostics(_ context.Context, limit int) ([]models.Diagnostic, error) {
	var diags []models.Diagnostic
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(diagnosticsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(diags) >= limit {
				break
			}
			var d models.Diagnostic
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("failed to unmarshal diagnostic: %w", err)
			}
			diags = append(diags, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return diags, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
