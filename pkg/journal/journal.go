package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/incus-tools/converge/pkg/types"
)

var bucketPasses = []byte("passes")

// Journal persists reconciliation pass results in a local BoltDB file.
type Journal struct {
	db *bolt.DB
}

// Open opens (or creates) the journal database under dataDir.
func Open(dataDir string) (*Journal, error) {
	dbPath := filepath.Join(dataDir, "converge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPasses); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketPasses, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// SavePass records a pass result keyed by its pass ID (upsert).
func (j *Journal) SavePass(result *types.ApplyResult) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPasses)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put([]byte(result.PassID), data)
	})
}

// GetPass retrieves a pass result by ID.
func (j *Journal) GetPass(id string) (*types.ApplyResult, error) {
	var result types.ApplyResult
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPasses)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pass not found: %s", id)
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPasses returns all recorded passes, oldest first.
func (j *Journal) ListPasses() ([]*types.ApplyResult, error) {
	var results []*types.ApplyResult
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPasses)
		return b.ForEach(func(k, v []byte) error {
			var result types.ApplyResult
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, k int) bool {
		return results[i].StartedAt.Before(results[k].StartedAt)
	})
	return results, nil
}

// LatestPass returns the most recently started pass, or nil when the
// journal is empty.
func (j *Journal) LatestPass() (*types.ApplyResult, error) {
	passes, err := j.ListPasses()
	if err != nil {
		return nil, err
	}
	if len(passes) == 0 {
		return nil, nil
	}
	return passes[len(passes)-1], nil
}
