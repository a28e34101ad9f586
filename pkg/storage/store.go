package storage

import (
	"github.com/blockmesh/blockmesh/pkg/types"
)

// Store defines the persistence interface for the coordinator's cluster
// state: workers (the node registry) and blocks (the block metadata store),
// the latter partitioned per dataset.
type Store interface {
	// Workers
	PutWorker(worker *types.Worker) error
	GetWorker(nodeID string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(nodeID string) error

	// Blocks, partitioned by dataset (file_base)
	PutBlock(dataset string, block *types.Block) error
	GetBlock(dataset, blockID string) (*types.Block, error)
	ListBlocks(dataset string) ([]*types.Block, error)
	ListDatasets() ([]string, error)
	DeleteBlock(dataset, blockID string) error

	Close() error
}
