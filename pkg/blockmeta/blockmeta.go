// Package blockmeta implements the block metadata store (C2): a per-dataset
// table mapping block_id to its status and replica placement, the source of
// truth consulted by the scheduler and recovery path.
package blockmeta

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/storage"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/rs/zerolog"
)

// Store wraps a storage.Store with the per-dataset block bookkeeping the
// coordinator needs on every request path.
type Store struct {
	store  storage.Store
	logger zerolog.Logger
	mu     sync.RWMutex
}

// New returns a Store backed by the given persistence layer.
func New(store storage.Store) *Store {
	return &Store{
		store:  store,
		logger: log.WithComponent("blockmeta"),
	}
}

// PutBlocks seeds (or replaces) a dataset's block list, used when a new
// dataset is split into blocks (the compute request's caller) and by
// blockctl apply.
func (s *Store) PutBlocks(dataset string, blocks []types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range blocks {
		b := blocks[i]
		b.Dataset = dataset
		if err := s.store.PutBlock(dataset, &b); err != nil {
			return fmt.Errorf("blockmeta: put block %s: %w", b.BlockID, err)
		}
	}
	return nil
}

// ListBlocks returns every block of a dataset, block_id ascending.
func (s *Store) ListBlocks(dataset string) ([]types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := s.store.ListBlocks(dataset)
	if err != nil {
		return nil, fmt.Errorf("blockmeta: list blocks for %s: %w", dataset, err)
	}
	out := make([]types.Block, 0, len(raw))
	for _, b := range raw {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out, nil
}

// GetBlock returns a single block's metadata.
func (s *Store) GetBlock(dataset, blockID string) (types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, err := s.store.GetBlock(dataset, blockID)
	if err != nil {
		return types.Block{}, fmt.Errorf("blockmeta: get block %s: %w", blockID, err)
	}
	return *b, nil
}

// SetPlacement atomically rewrites a block's leader, followers, and status.
func (s *Store) SetPlacement(dataset, blockID, leader string, followers []string, status types.BlockStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.store.GetBlock(dataset, blockID)
	if err != nil {
		return fmt.Errorf("blockmeta: set placement on %s: %w", blockID, err)
	}
	b.Leader = leader
	b.Followers = followers
	b.Status = status
	return s.store.PutBlock(dataset, b)
}

// ClearBlock marks a block completed with placement cleared.
func (s *Store) ClearBlock(dataset, blockID string) error {
	return s.SetPlacement(dataset, blockID, "", nil, types.BlockCompleted)
}

// ListUnassigned returns a dataset's pending blocks, block_id ascending.
func (s *Store) ListUnassigned(dataset string) ([]types.Block, error) {
	blocks, err := s.ListBlocks(dataset)
	if err != nil {
		return nil, err
	}
	var out []types.Block
	for _, b := range blocks {
		if b.Status == types.BlockPending {
			out = append(out, b)
		}
	}
	return out, nil
}

// RemoveNodeFromFollowers sweeps every dataset bucket, dropping nodeID from
// any block's follower list. A dead worker cannot serve as a follower
// anywhere.
func (s *Store) RemoveNodeFromFollowers(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	datasets, err := s.store.ListDatasets()
	if err != nil {
		return fmt.Errorf("blockmeta: list datasets: %w", err)
	}

	for _, dataset := range datasets {
		blocks, err := s.store.ListBlocks(dataset)
		if err != nil {
			return fmt.Errorf("blockmeta: list blocks for %s: %w", dataset, err)
		}
		for _, b := range blocks {
			if !containsString(b.Followers, nodeID) {
				continue
			}
			b.Followers = removeString(b.Followers, nodeID)
			if err := s.store.PutBlock(dataset, b); err != nil {
				return fmt.Errorf("blockmeta: update block %s: %w", b.BlockID, err)
			}
			s.logger.Debug().Str("node_id", nodeID).Str("block_id", b.BlockID).Msg("removed from followers")
		}
	}
	return nil
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
