// Package registry implements the node registry (C1): the coordinator's
// in-memory, BoltDB-backed table of known workers, their liveness, and
// their current assignment.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/blockmesh/blockmesh/pkg/storage"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/rs/zerolog"
)

// Registry wraps a storage.Store with an in-memory cache of workers,
// mirroring the way pkg/manager.Manager layers a node cache over its
// storage.Store.
type Registry struct {
	store  storage.Store
	logger zerolog.Logger
	mu     sync.RWMutex
	nodes  map[string]*types.Worker
}

// New loads the registry from store. Every loaded worker starts dead:
// liveness is never trusted across a restart, only fresh heartbeats confirm
// it again.
func New(store storage.Store) (*Registry, error) {
	r := &Registry{
		store:  store,
		logger: log.WithComponent("registry"),
		nodes:  make(map[string]*types.Worker),
	}

	workers, err := store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("registry: load workers: %w", err)
	}
	for _, w := range workers {
		w.Status = types.WorkerDead
		r.nodes[w.NodeID] = w
	}
	return r, nil
}

// Register inserts a new worker or refreshes an existing one, marking it
// alive.
func (r *Registry) Register(nodeID string) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.nodes[nodeID]
	if !exists {
		w = &types.Worker{
			NodeID:  nodeID,
			Task:    types.FreeTask,
			Storage: []string{},
		}
		r.nodes[nodeID] = w
	}
	w.Status = types.WorkerAlive
	w.LastHeartbeat = time.Now()

	if err := r.store.PutWorker(w); err != nil {
		return nil, fmt.Errorf("registry: persist worker %s: %w", nodeID, err)
	}
	r.logger.Info().Str("node_id", nodeID).Msg("worker registered")
	return w, nil
}

// Heartbeat refreshes a known worker's liveness and, when the worker reports
// a current task that differs from what the registry holds, updates it.
// Returns false if the node is unknown.
func (r *Registry) Heartbeat(nodeID, currentTask string) (*types.Worker, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.nodes[nodeID]
	if !exists {
		return nil, false, nil
	}

	w.Status = types.WorkerAlive
	w.LastHeartbeat = time.Now()
	if currentTask != "" && currentTask != w.Task {
		w.Task = currentTask
	}

	if err := r.store.PutWorker(w); err != nil {
		return nil, true, fmt.Errorf("registry: persist heartbeat for %s: %w", nodeID, err)
	}
	return w, true, nil
}

// Remove deletes a worker entry. Callers must have already recovered its
// assignments (see pkg/coordinator's RecoverWorker).
func (r *Registry) Remove(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.nodes, nodeID)
	if err := r.store.DeleteWorker(nodeID); err != nil {
		return fmt.Errorf("registry: delete worker %s: %w", nodeID, err)
	}
	r.logger.Info().Str("node_id", nodeID).Msg("worker removed")
	return nil
}

// Get returns a copy of a worker entry, or false if unknown.
func (r *Registry) Get(nodeID string) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, exists := r.nodes[nodeID]
	if !exists {
		return types.Worker{}, false
	}
	return *w, true
}

// List returns a snapshot of every worker, node_id ascending.
func (r *Registry) List() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.nodes))
	for _, w := range r.nodes {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// FreeWorkers returns alive workers with task=="free", node_id ascending.
func (r *Registry) FreeWorkers() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Worker
	for _, w := range r.nodes {
		if w.Status == types.WorkerAlive && w.IsFree() {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// CandidatesForFollower returns alive workers other than exclude, sorted
// ascending by how many blocks they already store, ties broken by node_id.
func (r *Registry) CandidatesForFollower(exclude string) []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Worker
	for _, w := range r.nodes {
		if w.NodeID == exclude || w.Status != types.WorkerAlive {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Storage) != len(out[j].Storage) {
			return len(out[i].Storage) < len(out[j].Storage)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// SetTask assigns a worker's task field and persists it. Used by the
// scheduler and recovery path, which already hold the coordinator mutex;
// Registry's own mutex still guards the in-memory map against concurrent
// heartbeats.
func (r *Registry) SetTask(nodeID, task string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.nodes[nodeID]
	if !exists {
		return fmt.Errorf("registry: set task on unknown worker %s", nodeID)
	}
	w.Task = task
	return r.store.PutWorker(w)
}

// AppendStorage adds blockID to a worker's follower-storage list and
// persists it.
func (r *Registry) AppendStorage(nodeID, blockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.nodes[nodeID]
	if !exists {
		return fmt.Errorf("registry: append storage on unknown worker %s", nodeID)
	}
	w.Storage = append(w.Storage, blockID)
	return r.store.PutWorker(w)
}

// RemoveStorage removes blockID from a worker's follower-storage list, if
// present, and persists it.
func (r *Registry) RemoveStorage(nodeID, blockID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.nodes[nodeID]
	if !exists {
		return nil
	}
	w.Storage = removeString(w.Storage, blockID)
	return r.store.PutWorker(w)
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

// ExpireStale scans for workers whose last heartbeat is older than timeout
// and returns their node_ids, ascending. It does not mutate state: the
// caller (the failure detector) is responsible for recovery before removal.
func (r *Registry) ExpireStale(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var dead []string
	for _, w := range r.nodes {
		if w.Status == types.WorkerAlive && now.Sub(w.LastHeartbeat) > timeout {
			dead = append(dead, w.NodeID)
		}
	}
	sort.Strings(dead)
	if len(dead) > 0 {
		metrics.WorkersExpiredTotal.Add(float64(len(dead)))
	}
	return dead
}
