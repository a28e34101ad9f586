// Package scheduler implements the scheduler (C4): picking a leader and
// followers for a pending block and dispatching task messages to workers.
package scheduler

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/pkg/blockmeta"
	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/blockmesh/blockmesh/pkg/registry"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
	"github.com/rs/zerolog"
)

// ErrNoFreeWorker is returned by AssignNext when no worker is currently
// free to lead a block.
var ErrNoFreeWorker = errors.New("scheduler: no free worker")

// DefaultPollInterval is the background drainer's retry cadence.
const DefaultPollInterval = 2 * time.Second

// Scheduler assigns blocks to workers based on registry state.
type Scheduler struct {
	registry *registry.Registry
	blocks   *blockmeta.Store
	logger   zerolog.Logger

	pollInterval time.Duration
	dialTimeout  time.Duration

	mu       sync.Mutex
	draining map[string]bool // dataset -> drainer goroutine active
}

// New creates a Scheduler over the given registry and block store.
func New(reg *registry.Registry, blocks *blockmeta.Store) *Scheduler {
	return &Scheduler{
		registry:     reg,
		blocks:       blocks,
		logger:       log.WithComponent("scheduler"),
		pollInterval: DefaultPollInterval,
		dialTimeout:  5 * time.Second,
		draining:     make(map[string]bool),
	}
}

// SetPollInterval overrides the drainer cadence, for configuration/tests.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// AssignNext picks a leader and up to two followers for blockID and
// dispatches task messages. Returns ErrNoFreeWorker if no worker is free.
func (s *Scheduler) AssignNext(dataset, blockID string) error {
	timer := metrics.NewTimer()

	free := s.registry.FreeWorkers()
	if len(free) == 0 {
		metrics.NoFreeWorkerTotal.Inc()
		return ErrNoFreeWorker
	}
	leader := free[0]

	candidates := s.registry.CandidatesForFollower(leader.NodeID)
	followers := firstTwo(candidates)
	followerIDs := make([]string, 0, len(followers))
	for _, f := range followers {
		followerIDs = append(followerIDs, f.NodeID)
	}

	if err := s.registry.SetTask(leader.NodeID, blockID); err != nil {
		return fmt.Errorf("scheduler: assign leader: %w", err)
	}
	for _, f := range followerIDs {
		if err := s.registry.AppendStorage(f, blockID); err != nil {
			return fmt.Errorf("scheduler: append follower storage: %w", err)
		}
	}
	if err := s.blocks.SetPlacement(dataset, blockID, leader.NodeID, followerIDs, types.BlockProcessing); err != nil {
		return fmt.Errorf("scheduler: set placement: %w", err)
	}

	s.logger.Info().
		Str("dataset", dataset).
		Str("block_id", blockID).
		Str("leader", leader.NodeID).
		Strs("followers", followerIDs).
		Msg("block assigned")

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.BlocksScheduled.Inc()

	s.dispatch(leader.NodeID, wire.Message{
		Type:    wire.TypeTask,
		Role:    types.RoleLeader,
		BlockID: blockID,
		File:    dataset,
	})
	for _, f := range followerIDs {
		s.dispatch(f, wire.Message{
			Type:    wire.TypeTask,
			Role:    types.RoleStorage,
			BlockID: blockID,
			File:    dataset,
		})
	}
	return nil
}

// AssignMany walks a dataset's pending blocks in ascending block_id order,
// calling AssignNext for each. On the first ErrNoFreeWorker it stops the
// initial pass and arms a background drainer that keeps retrying until the
// unassigned set is empty.
func (s *Scheduler) AssignMany(dataset string) error {
	pending, err := s.blocks.ListUnassigned(dataset)
	if err != nil {
		return fmt.Errorf("scheduler: list unassigned: %w", err)
	}

	for _, b := range pending {
		if err := s.AssignNext(dataset, b.BlockID); err != nil {
			if errors.Is(err, ErrNoFreeWorker) {
				s.armDrainer(dataset)
				return nil
			}
			return err
		}
	}
	return nil
}

// armDrainer starts the background retry loop for dataset if one is not
// already running.
func (s *Scheduler) armDrainer(dataset string) {
	s.mu.Lock()
	if s.draining[dataset] {
		s.mu.Unlock()
		return
	}
	s.draining[dataset] = true
	s.mu.Unlock()

	go s.drain(dataset)
}

func (s *Scheduler) drain(dataset string) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	defer func() {
		s.mu.Lock()
		s.draining[dataset] = false
		s.mu.Unlock()
	}()

	for range ticker.C {
		pending, err := s.blocks.ListUnassigned(dataset)
		if err != nil {
			s.logger.Error().Err(err).Str("dataset", dataset).Msg("drainer: list unassigned failed")
			continue
		}
		if len(pending) == 0 {
			return
		}

		allBlocked := true
		for _, b := range pending {
			if err := s.AssignNext(dataset, b.BlockID); err != nil {
				if errors.Is(err, ErrNoFreeWorker) {
					break
				}
				s.logger.Error().Err(err).Str("block_id", b.BlockID).Msg("drainer: assign failed")
				continue
			}
			allBlocked = false
		}
		if allBlocked {
			continue
		}
	}
}

// dispatch sends msg to the worker's task listener. Failure is logged, not
// returned: per spec this is advisory for release-style pushes and, for
// task pushes, the failure detector will eventually recover a worker that
// never received its assignment.
func (s *Scheduler) dispatch(nodeID string, msg wire.Message) {
	conn, err := net.DialTimeout("tcp", nodeID, s.dialTimeout)
	if err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("dispatch: dial failed")
		return
	}
	defer conn.Close()

	if err := wire.Encode(conn, msg); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("dispatch: encode failed")
	}
}

func firstTwo(workers []types.Worker) []types.Worker {
	if len(workers) <= 2 {
		return workers
	}
	return workers[:2]
}
