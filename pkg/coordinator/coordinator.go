// Package coordinator implements the coordinator server (C5), task
// completion handling (C6's counterpart), and recovery/leader promotion
// (C7): the single-process control plane that owns the node registry, the
// block metadata store, the scheduler, and the failure detector.
package coordinator

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/pkg/blockmeta"
	"github.com/blockmesh/blockmesh/pkg/detector"
	"github.com/blockmesh/blockmesh/pkg/events"
	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/blockmesh/blockmesh/pkg/registry"
	"github.com/blockmesh/blockmesh/pkg/scheduler"
	"github.com/blockmesh/blockmesh/pkg/storage"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is the worker->coordinator heartbeat cadence
// this coordinator assumes when sizing connection read deadlines.
const DefaultHeartbeatInterval = 10 * time.Second

// Config holds configuration for creating a Coordinator.
type Config struct {
	NodeID            string
	BindAddr          string
	DataDir           string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MonitorInterval   time.Duration
	PollInterval      time.Duration
}

// Coordinator is the top-level control-plane object, the teacher's
// Manager-shaped container for every subsystem, plus the single mutex that
// preserves the cross-table invariants between the node registry and the
// block metadata store.
type Coordinator struct {
	nodeID   string
	bindAddr string

	store    storage.Store
	registry *registry.Registry
	blocks   *blockmeta.Store
	sched    *scheduler.Scheduler
	detect   *detector.Detector
	events   *events.Broker

	mu     sync.Mutex
	logger zerolog.Logger

	listener     net.Listener
	stopCh       chan struct{}
	readDeadline time.Duration
}

// New assembles a Coordinator from a Config, opening (or reopening) its
// BoltDB-backed state under cfg.DataDir.
func New(cfg Config) (*Coordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	reg, err := registry.New(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("coordinator: load registry: %w", err)
	}

	blocks := blockmeta.New(store)
	sched := scheduler.New(reg, blocks)
	broker := events.NewBroker()

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval == 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	c := &Coordinator{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		store:        store,
		registry:     reg,
		blocks:       blocks,
		sched:        sched,
		events:       broker,
		logger:       log.WithComponent("coordinator"),
		stopCh:       make(chan struct{}),
		readDeadline: 2 * heartbeatInterval,
	}

	c.detect = detector.New(reg, c)
	if cfg.HeartbeatTimeout > 0 || cfg.MonitorInterval > 0 {
		heartbeatTimeout := cfg.HeartbeatTimeout
		if heartbeatTimeout == 0 {
			heartbeatTimeout = detector.DefaultHeartbeatTimeout
		}
		monitorInterval := cfg.MonitorInterval
		if monitorInterval == 0 {
			monitorInterval = detector.DefaultMonitorInterval
		}
		c.detect.SetIntervals(monitorInterval, heartbeatTimeout)
	}
	if cfg.PollInterval > 0 {
		sched.SetPollInterval(cfg.PollInterval)
	}

	return c, nil
}

// ListenAndServe starts the failure detector, the event broker, and the
// TCP accept loop, and blocks until Shutdown is called or Accept fails.
func (c *Coordinator) ListenAndServe() error {
	ln, err := net.Listen("tcp", c.bindAddr)
	if err != nil {
		return fmt.Errorf("coordinator: listen on %s: %w", c.bindAddr, err)
	}
	c.listener = ln

	c.events.Start()
	c.detect.Start()
	c.logger.Info().Str("addr", c.bindAddr).Msg("coordinator listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.stopCh:
				return nil
			default:
				return fmt.Errorf("coordinator: accept: %w", err)
			}
		}
		go c.handleConn(conn)
	}
}

// Shutdown stops the accept loop and background subsystems.
func (c *Coordinator) Shutdown() error {
	close(c.stopCh)
	c.detect.Stop()
	c.events.Stop()
	if c.listener != nil {
		_ = c.listener.Close()
	}
	return c.store.Close()
}

func (c *Coordinator) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := wire.NewScanner(bufio.NewReader(conn))
	for scanner.Scan() {
		_ = conn.SetReadDeadline(time.Now().Add(c.readDeadline))

		msg, err := wire.Decode(scanner.Bytes())
		if err != nil {
			c.logger.Warn().Err(err).Msg("malformed message")
			_ = wire.Encode(conn, wire.Reply{Status: wire.StatusBadRequest, Error: err.Error()})
			continue
		}

		timer := metrics.NewTimer()
		reply := c.dispatch(msg)
		timer.ObserveDurationVec(metrics.ServerRequestDuration, string(msg.Type))
		metrics.ServerRequestsTotal.WithLabelValues(string(msg.Type), reply.Status).Inc()

		if err := wire.Encode(conn, reply); err != nil {
			c.logger.Warn().Err(err).Msg("failed to write reply")
			return
		}
	}
}

func (c *Coordinator) dispatch(msg wire.Message) wire.Reply {
	switch msg.Type {
	case wire.TypeRegister:
		return c.handleRegister(msg)
	case wire.TypeHeartbeat:
		return c.handleHeartbeat(msg)
	case wire.TypeCompute:
		return c.handleCompute(msg)
	case wire.TypeTaskComplete:
		return c.handleTaskComplete(msg)
	case wire.TypeNodeFree:
		return c.handleNodeFree(msg)
	case wire.TypeApply:
		return c.handleApply(msg)
	case wire.TypeStatusQuery:
		return c.handleStatusQuery(msg)
	default:
		return wire.Reply{Status: wire.StatusBadRequest, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}

func (c *Coordinator) handleRegister(msg wire.Message) wire.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.registry.Register(msg.ID); err != nil {
		return wire.Reply{Status: wire.StatusError, Error: err.Error()}
	}
	metrics.WorkersTotal.WithLabelValues(string(types.WorkerAlive)).Inc()
	c.events.Publish(&events.Event{Type: events.EventWorkerRegistered, Message: msg.ID})
	return wire.Reply{Status: wire.StatusRegistered}
}

func (c *Coordinator) handleHeartbeat(msg wire.Message) wire.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, known, err := c.registry.Heartbeat(msg.ID, msg.CurrentTask)
	if err != nil {
		return wire.Reply{Status: wire.StatusError, Error: err.Error()}
	}
	if !known {
		return wire.Reply{Status: wire.StatusUnknownNode}
	}
	return wire.Reply{Status: wire.StatusAlive}
}

func (c *Coordinator) handleCompute(msg wire.Message) wire.Reply {
	dataset := msg.File
	c.mu.Lock()
	err := c.sched.AssignMany(dataset)
	c.mu.Unlock()

	if err != nil {
		return wire.Reply{Status: wire.StatusError, Error: err.Error(), File: dataset}
	}
	return wire.Reply{Status: wire.StatusOK, File: dataset}
}

func (c *Coordinator) handleApply(msg wire.Message) wire.Reply {
	c.mu.Lock()
	err := c.blocks.PutBlocks(msg.Dataset, msg.Blocks)
	c.mu.Unlock()

	if err != nil {
		return wire.Reply{Status: wire.StatusError, Error: err.Error(), File: msg.Dataset}
	}
	return wire.Reply{Status: wire.StatusApplied, File: msg.Dataset}
}

func (c *Coordinator) handleStatusQuery(msg wire.Message) wire.Reply {
	blocks, err := c.blocks.ListBlocks(msg.Dataset)
	if err != nil {
		return wire.Reply{Status: wire.StatusError, Error: err.Error(), File: msg.Dataset}
	}
	return wire.Reply{Status: wire.StatusOK, File: msg.Dataset, Blocks: blocks}
}

// handleNodeFree handles a worker's advisory "I just freed up" push: it
// attempts to assign the named dataset's pending blocks to whichever workers
// are free (lowest node_id first) without waiting for the next compute/poll
// cycle.
func (c *Coordinator) handleNodeFree(msg wire.Message) wire.Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.File != "" {
		if err := c.sched.AssignMany(msg.File); err != nil {
			return wire.Reply{Status: wire.StatusError, Error: err.Error()}
		}
	}
	return wire.Reply{Status: wire.StatusOK}
}

// handleTaskComplete implements spec.md §4.6: on success it frees the
// leader, releases followers, clears the block, and attempts an immediate
// drain; on failure it reverts the block to pending and frees the reporter.
func (c *Coordinator) handleTaskComplete(msg wire.Message) wire.Reply {
	c.mu.Lock()
	dataset := wire.DatasetFromBlockID(msg.BlockID)

	if !msg.Success {
		block, err := c.blocks.GetBlock(dataset, msg.BlockID)
		if err != nil {
			c.mu.Unlock()
			return wire.Reply{Status: wire.StatusError, Error: err.Error()}
		}
		failedFollowers := block.Followers

		for _, f := range failedFollowers {
			if err := c.registry.RemoveStorage(f, msg.BlockID); err != nil {
				c.logger.Error().Err(err).Str("node_id", f).Msg("failed to release follower storage")
			}
		}
		if err := c.blocks.SetPlacement(dataset, msg.BlockID, "", nil, types.BlockPending); err != nil {
			c.mu.Unlock()
			return wire.Reply{Status: wire.StatusError, Error: err.Error()}
		}
		if err := c.registry.SetTask(msg.NodeID, types.FreeTask); err != nil {
			c.logger.Error().Err(err).Str("node_id", msg.NodeID).Msg("failed to free worker after task failure")
		}
		metrics.TaskCompleteTotal.WithLabelValues(string(msg.Role), "false").Inc()
		c.mu.Unlock()

		c.events.Publish(&events.Event{
			Type:     events.EventBlockFailed,
			Message:  msg.BlockID,
			Metadata: map[string]string{"dataset": dataset, "node_id": msg.NodeID},
		})

		c.releaseBlock("", failedFollowers, msg.BlockID)
		c.drainDataset(dataset)
		return wire.Reply{Status: wire.StatusTaskFailedAck}
	}

	block, err := c.blocks.GetBlock(dataset, msg.BlockID)
	if err != nil {
		c.mu.Unlock()
		return wire.Reply{Status: wire.StatusError, Error: err.Error()}
	}
	followers := block.Followers

	if err := c.registry.SetTask(msg.NodeID, types.FreeTask); err != nil {
		c.mu.Unlock()
		return wire.Reply{Status: wire.StatusError, Error: err.Error()}
	}
	for _, f := range followers {
		if err := c.registry.RemoveStorage(f, msg.BlockID); err != nil {
			c.logger.Error().Err(err).Str("node_id", f).Msg("failed to release follower storage")
		}
	}
	if err := c.blocks.ClearBlock(dataset, msg.BlockID); err != nil {
		c.mu.Unlock()
		return wire.Reply{Status: wire.StatusError, Error: err.Error()}
	}
	metrics.TaskCompleteTotal.WithLabelValues(string(msg.Role), "true").Inc()
	c.mu.Unlock()

	c.events.Publish(&events.Event{
		Type:     events.EventBlockCompleted,
		Message:  msg.BlockID,
		Metadata: map[string]string{"dataset": dataset, "node_id": msg.NodeID},
	})

	c.releaseBlock(msg.NodeID, followers, msg.BlockID)
	c.drainDataset(dataset)
	return wire.Reply{Status: wire.StatusTaskCompleteAck}
}

// releaseBlock advises the ex-leader and its former followers to delete
// their local copies. Best-effort, outside the coordinator mutex.
func (c *Coordinator) releaseBlock(leader string, followers []string, blockID string) {
	if leader != "" {
		c.sendRelease(leader, blockID, types.RoleLeader)
	}
	for _, f := range followers {
		c.sendRelease(f, blockID, types.RoleStorage)
	}
}

func (c *Coordinator) sendRelease(nodeID, blockID string, role types.Role) {
	conn, err := net.DialTimeout("tcp", nodeID, 5*time.Second)
	if err != nil {
		c.logger.Warn().Err(err).Str("node_id", nodeID).Msg("release: dial failed")
		return
	}
	defer conn.Close()
	_ = wire.Encode(conn, wire.Message{Type: wire.TypeRelease, BlockID: blockID, Role: role})
}

// drainDataset attempts to assign the dataset's pending blocks to free
// workers via AssignMany, mirroring the "immediate drain" step of spec.md §4.6.
func (c *Coordinator) drainDataset(dataset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sched.AssignMany(dataset); err != nil {
		c.logger.Error().Err(err).Str("dataset", dataset).Msg("drain after task completion failed")
	}
}

// RecoverWorker implements spec.md §4.7, the recovery half of leader
// promotion, invoked by the failure detector before it removes nodeID from
// the registry. Grounded on reassign_leader_on_disconnect's decision shape:
// promote followers[0] to leader reusing its on-disk replica, demote the
// remaining followers, and purge nodeID from every dataset's follower
// lists.
func (c *Coordinator) RecoverWorker(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	worker, ok := c.registry.Get(nodeID)
	if ok && worker.Task != types.FreeTask && worker.Task != "" {
		blockID := worker.Task
		dataset := wire.DatasetFromBlockID(blockID)

		block, err := c.blocks.GetBlock(dataset, blockID)
		if err != nil {
			return fmt.Errorf("coordinator: recover: get block %s: %w", blockID, err)
		}

		if len(block.Followers) == 0 {
			if err := c.blocks.SetPlacement(dataset, blockID, "", nil, types.BlockPending); err != nil {
				return fmt.Errorf("coordinator: recover: revert block %s: %w", blockID, err)
			}
		} else {
			newLeader := block.Followers[0]
			newFollowers := append([]string(nil), block.Followers[1:]...)

			// Mark processing, not pending: the block already has a leader and
			// must stay out of ListUnassigned until the new leader reports in.
			if err := c.blocks.SetPlacement(dataset, blockID, newLeader, newFollowers, types.BlockProcessing); err != nil {
				return fmt.Errorf("coordinator: recover: promote block %s: %w", blockID, err)
			}
			if err := c.registry.SetTask(newLeader, blockID); err != nil {
				return fmt.Errorf("coordinator: recover: assign new leader %s: %w", newLeader, err)
			}

			c.logger.Info().
				Str("block_id", blockID).
				Str("old_leader", nodeID).
				Str("new_leader", newLeader).
				Msg("promoting follower to leader")
			metrics.PromotionsTotal.Inc()
			c.events.Publish(&events.Event{
				Type:     events.EventLeaderPromoted,
				Message:  blockID,
				Metadata: map[string]string{"old_leader": nodeID, "new_leader": newLeader},
			})

			go func() {
				conn, err := net.DialTimeout("tcp", newLeader, 5*time.Second)
				if err != nil {
					c.logger.Warn().Err(err).Str("node_id", newLeader).Msg("promote_to_leader: dial failed")
					return
				}
				defer conn.Close()
				_ = wire.Encode(conn, wire.Message{
					Type:     wire.TypePromoteToLeader,
					BlockID:  blockID,
					FileBase: dataset,
				})
			}()
		}
	}

	if err := c.blocks.RemoveNodeFromFollowers(nodeID); err != nil {
		return fmt.Errorf("coordinator: recover: purge follower lists: %w", err)
	}
	c.events.Publish(&events.Event{Type: events.EventWorkerDown, Message: nodeID})
	return nil
}

// Events returns the coordinator's event broker, for subscribers wired in
// by cmd/coordinator (e.g. a logging sink).
func (c *Coordinator) Events() *events.Broker {
	return c.events
}
