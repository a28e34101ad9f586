package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/blockmesh/blockmesh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWorkers  = []byte("workers")
	bucketDatasets = []byte("datasets")
)

// BoltStore implements Store using BoltDB. Workers live in a single
// top-level bucket keyed by node_id. Blocks live in a "datasets" bucket
// holding one nested sub-bucket per dataset (file_base), keyed by
// block_id, so that a dataset's blocks can be listed or dropped as a unit.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the coordinator's BoltDB file
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "blockmesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWorkers); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketWorkers, err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketDatasets); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketDatasets, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Worker operations

func (s *BoltStore) PutWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.NodeID), data)
	})
}

func (s *BoltStore) GetWorker(nodeID string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return fmt.Errorf("worker not found: %s", nodeID)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(nodeID))
	})
}

// Block operations

func (s *BoltStore) PutBlock(dataset string, block *types.Block) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		b, err := datasets.CreateBucketIfNotExists([]byte(dataset))
		if err != nil {
			return fmt.Errorf("failed to create dataset bucket %s: %w", dataset, err)
		}
		data, err := json.Marshal(block)
		if err != nil {
			return err
		}
		return b.Put([]byte(block.BlockID), data)
	})
}

func (s *BoltStore) GetBlock(dataset, blockID string) (*types.Block, error) {
	var block types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		b := datasets.Bucket([]byte(dataset))
		if b == nil {
			return fmt.Errorf("dataset not found: %s", dataset)
		}
		data := b.Get([]byte(blockID))
		if data == nil {
			return fmt.Errorf("block not found: %s", blockID)
		}
		return json.Unmarshal(data, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *BoltStore) ListBlocks(dataset string) ([]*types.Block, error) {
	var blocks []*types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		b := datasets.Bucket([]byte(dataset))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var block types.Block
			if err := json.Unmarshal(v, &block); err != nil {
				return err
			}
			blocks = append(blocks, &block)
			return nil
		})
	})
	return blocks, err
}

func (s *BoltStore) ListDatasets() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		return datasets.ForEach(func(k, v []byte) error {
			if v == nil { // nested bucket, not a plain key
				names = append(names, string(k))
			}
			return nil
		})
	})
	return names, err
}

func (s *BoltStore) DeleteBlock(dataset, blockID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		b := datasets.Bucket([]byte(dataset))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(blockID))
	})
}
