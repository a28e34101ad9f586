// Package worker implements the worker runtime (C6): a persistent control
// connection to the coordinator, a task-listener port for leader/follower
// pushes, and the processing of a single block at a time with a queue of
// promoted follower blocks waiting behind it.
package worker

import (
	"bufio"
	"container/list"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blockmesh/blockmesh/pkg/analyze"
	"github.com/blockmesh/blockmesh/pkg/artifact"
	"github.com/blockmesh/blockmesh/pkg/log"
	"github.com/blockmesh/blockmesh/pkg/metrics"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
	"github.com/rs/zerolog"
)

// DefaultHeartbeatInterval is the worker->coordinator heartbeat cadence.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultDrainRetryBackoff is the pause between retries of a stuck
// drain-queue head.
const DefaultDrainRetryBackoff = 2 * time.Second

// DefaultDrainRetryBudget bounds how many times a drain-queue head is
// retried before it is dropped.
const DefaultDrainRetryBudget = 5

// Config holds worker configuration.
type Config struct {
	NodeID            string // host:port this worker's task listener binds to, and its registry identity
	CoordinatorAddr   string
	ArtifactAddr      string
	DataDir           string
	HeartbeatInterval time.Duration
}

// job is one block awaiting or undergoing processing.
type job struct {
	dataset string
	blockID string
	role    types.Role
}

// Worker is a single node of the processing cluster.
type Worker struct {
	nodeID          string
	coordinatorAddr string
	dataDir         string
	heartbeatInt    time.Duration

	artifact *artifact.Client
	logger   zerolog.Logger

	mu           sync.Mutex
	currentTask  string
	procStatus   types.ProcessingStatus
	waitingQueue *list.List // of *job, promoted followers awaiting processing

	controlConn net.Conn
	taskLn      net.Listener
	stopCh      chan struct{}
}

// New creates a Worker from cfg. It does not connect or listen yet; call
// Start for that.
func New(cfg Config) *Worker {
	heartbeatInt := cfg.HeartbeatInterval
	if heartbeatInt == 0 {
		heartbeatInt = DefaultHeartbeatInterval
	}

	return &Worker{
		nodeID:          cfg.NodeID,
		coordinatorAddr: cfg.CoordinatorAddr,
		dataDir:         cfg.DataDir,
		heartbeatInt:    heartbeatInt,
		artifact:        artifact.NewClient(cfg.ArtifactAddr),
		logger:          log.WithNodeID(cfg.NodeID),
		procStatus:      types.ProcessingIdle,
		waitingQueue:    list.New(),
		stopCh:          make(chan struct{}),
	}
}

// Start opens the task listener and begins the control loop. It returns
// once the task listener is bound; the control loop and accept loop run in
// background goroutines.
func (w *Worker) Start() error {
	ln, err := net.Listen("tcp", w.nodeID)
	if err != nil {
		return fmt.Errorf("worker: listen on %s: %w", w.nodeID, err)
	}
	w.taskLn = ln
	w.nodeID = ln.Addr().String()

	go w.acceptTasks()
	go w.controlLoop()

	w.logger.Info().Str("addr", w.nodeID).Msg("worker started")
	return nil
}

// Stop halts the control loop and task listener.
func (w *Worker) Stop() {
	close(w.stopCh)
	if w.taskLn != nil {
		_ = w.taskLn.Close()
	}
	w.mu.Lock()
	if w.controlConn != nil {
		_ = w.controlConn.Close()
	}
	w.mu.Unlock()
}

// controlLoop connects to the coordinator, registers, and heartbeats until
// Stop is called, reconnecting with exponential backoff on connection loss.
func (w *Worker) controlLoop() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		conn, err := net.Dial("tcp", w.coordinatorAddr)
		if err != nil {
			w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("coordinator connect failed")
			if !w.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		if err := w.register(conn); err != nil {
			w.logger.Warn().Err(err).Msg("register failed")
			conn.Close()
			if !w.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		w.mu.Lock()
		w.controlConn = conn
		w.mu.Unlock()

		backoff = time.Second
		w.heartbeatLoop(conn)

		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}

func (w *Worker) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-w.stopCh:
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (w *Worker) register(conn net.Conn) error {
	if err := wire.Encode(conn, wire.Message{Type: wire.TypeRegister, ID: w.nodeID}); err != nil {
		return err
	}
	reader := bufio.NewReader(conn)
	scanner := wire.NewScanner(reader)
	if !scanner.Scan() {
		return fmt.Errorf("no reply to register")
	}
	return nil
}

// heartbeatLoop sends a heartbeat every heartbeatInt until the connection
// breaks or the worker stops.
func (w *Worker) heartbeatLoop(conn net.Conn) {
	ticker := time.NewTicker(w.heartbeatInt)
	defer ticker.Stop()

	reader := bufio.NewReader(conn)

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			task, status := w.currentTask, w.procStatus
			w.mu.Unlock()

			if err := wire.Encode(conn, wire.Message{
				Type:             wire.TypeHeartbeat,
				ID:               w.nodeID,
				CurrentTask:      task,
				ProcessingStatus: status,
			}); err != nil {
				w.logger.Warn().Err(err).Msg("heartbeat send failed")
				return
			}
			metrics.HeartbeatsSentTotal.Inc()

			scanner := wire.NewScanner(reader)
			if !scanner.Scan() {
				w.logger.Warn().Msg("heartbeat: coordinator closed connection")
				return
			}
		case <-w.stopCh:
			return
		}
	}
}

// sendControl writes msg on the persistent control connection, best
// effort: a dropped control message only delays the coordinator's view,
// it is never the sole trigger for a safety property.
func (w *Worker) sendControl(msg wire.Message) {
	w.mu.Lock()
	conn := w.controlConn
	w.mu.Unlock()

	if conn == nil {
		w.logger.Warn().Str("type", string(msg.Type)).Msg("no control connection, dropping message")
		return
	}
	if err := wire.Encode(conn, msg); err != nil {
		w.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("control send failed")
	}
}

// acceptTasks accepts pushes from the coordinator's scheduler/recovery
// path: task, release, promote_to_leader.
func (w *Worker) acceptTasks() {
	for {
		conn, err := w.taskLn.Accept()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
				w.logger.Error().Err(err).Msg("task listener accept failed")
				return
			}
		}
		go w.handleTaskConn(conn)
	}
}

func (w *Worker) handleTaskConn(conn net.Conn) {
	defer conn.Close()

	scanner := wire.NewScanner(bufio.NewReader(conn))
	if !scanner.Scan() {
		return
	}
	msg, err := wire.Decode(scanner.Bytes())
	if err != nil {
		w.logger.Warn().Err(err).Msg("malformed task push")
		return
	}

	switch msg.Type {
	case wire.TypeTask:
		w.onTask(msg)
	case wire.TypeRelease:
		w.onRelease(msg)
	case wire.TypePromoteToLeader:
		w.onPromote(msg)
	default:
		w.logger.Warn().Str("type", string(msg.Type)).Msg("unexpected task push type")
	}
}

// onTask handles a leader or follower assignment (spec.md §4.8).
func (w *Worker) onTask(msg wire.Message) {
	if msg.Role == types.RoleStorage {
		dest := w.storagePath(msg.File, msg.BlockID)
		if err := w.artifact.DownloadBlock(msg.File, msg.BlockID, dest); err != nil {
			w.logger.Error().Err(err).Str("block_id", msg.BlockID).Msg("follower download failed")
			return
		}
		w.logger.Info().Str("block_id", msg.BlockID).Msg("stored follower replica")
		return
	}

	w.mu.Lock()
	busy := w.currentTask != "" && w.currentTask != types.FreeTask
	if !busy {
		w.currentTask = msg.BlockID
		w.procStatus = types.ProcessingBusy
	}
	w.mu.Unlock()

	if busy {
		// A leader task should only ever arrive when this worker reported
		// itself free; treat a stray one as a queued retry of the same kind
		// as a promotion.
		w.enqueue(job{dataset: msg.File, blockID: msg.BlockID, role: types.RoleLeader})
		return
	}

	w.runLeaderTask(msg.File, msg.BlockID, false)
}

// onRelease deletes a local replica; idempotent, silently ignores an
// already-absent file.
func (w *Worker) onRelease(msg wire.Message) {
	var path string
	if msg.Role == types.RoleLeader {
		path = w.taskPath(wire.DatasetFromBlockID(msg.BlockID), msg.BlockID)
	} else {
		path = w.storagePath(wire.DatasetFromBlockID(msg.BlockID), msg.BlockID)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn().Err(err).Str("path", path).Msg("release: delete failed")
	}
}

// onPromote enqueues a promoted block; if the worker is idle it starts
// immediately, otherwise it waits behind the current task's drain step.
func (w *Worker) onPromote(msg wire.Message) {
	w.enqueue(job{dataset: msg.FileBase, blockID: msg.BlockID, role: types.RoleLeader})

	w.mu.Lock()
	idle := w.currentTask == "" || w.currentTask == types.FreeTask
	w.mu.Unlock()

	if idle {
		w.drain()
	}
}

func (w *Worker) enqueue(j job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waitingQueue.PushBack(j)
}

// runLeaderTask downloads (unless fromStorage, in which case the block is
// already on disk as a follower replica), analyzes, uploads, and reports
// completion, then drains the waiting queue.
func (w *Worker) runLeaderTask(dataset, blockID string, fromStorage bool) {
	var blockPath string
	if fromStorage {
		blockPath = w.storagePath(dataset, blockID)
	} else {
		blockPath = w.taskPath(dataset, blockID)
		if err := w.artifact.DownloadBlock(dataset, blockID, blockPath); err != nil {
			w.fail(dataset, blockID, err)
			return
		}
	}

	resultPath, err := analyze.Run(blockPath)
	if err != nil {
		w.fail(dataset, blockID, err)
		return
	}

	resultName := fmt.Sprintf("%s_analysis.%s", dataset, blockID)
	if err := w.artifact.UploadResult(dataset, resultName, resultPath); err != nil {
		w.fail(dataset, blockID, err)
		return
	}

	w.sendControl(wire.Message{
		Type:    wire.TypeTaskComplete,
		NodeID:  w.nodeID,
		BlockID: blockID,
		Role:    types.RoleLeader,
		Success: true,
	})
	metrics.BlocksProcessedTotal.WithLabelValues("success").Inc()

	if err := os.Remove(blockPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn().Err(err).Str("path", blockPath).Msg("cleanup failed")
	}

	w.mu.Lock()
	w.currentTask = types.FreeTask
	w.procStatus = types.ProcessingIdle
	w.mu.Unlock()

	w.drain()

	w.sendControl(wire.Message{Type: wire.TypeNodeFree, NodeID: w.nodeID, File: dataset})
}

func (w *Worker) fail(dataset, blockID string, cause error) {
	w.logger.Error().Err(cause).Str("dataset", dataset).Str("block_id", blockID).Msg("task failed")
	w.sendControl(wire.Message{
		Type:    wire.TypeTaskComplete,
		NodeID:  w.nodeID,
		BlockID: blockID,
		Role:    types.RoleLeader,
		Success: false,
	})
	metrics.BlocksProcessedTotal.WithLabelValues("failure").Inc()

	w.mu.Lock()
	w.currentTask = types.FreeTask
	w.procStatus = types.ProcessingIdle
	w.mu.Unlock()
}

// drain repeatedly pops the oldest promoted block and processes it from
// its storage/ replica, retrying a stuck head with a short backoff up to a
// bounded budget before dropping it with an error log.
func (w *Worker) drain() {
	for {
		w.mu.Lock()
		elem := w.waitingQueue.Front()
		if elem == nil {
			w.currentTask = types.FreeTask
			w.procStatus = types.ProcessingIdle
			w.mu.Unlock()
			return
		}
		j := elem.Value.(job)
		w.currentTask = j.blockID
		w.procStatus = types.ProcessingBusy
		w.mu.Unlock()

		if w.processFromStorage(j) {
			w.mu.Lock()
			w.waitingQueue.Remove(elem)
			w.mu.Unlock()
			continue
		}

		w.mu.Lock()
		w.waitingQueue.Remove(elem)
		w.currentTask = types.FreeTask
		w.procStatus = types.ProcessingIdle
		w.mu.Unlock()
		w.logger.Error().Str("block_id", j.blockID).Msg("drain: retry budget exhausted, dropping block")
	}
}

// processFromStorage runs the drain step for a single queued job, retrying
// in place up to DefaultDrainRetryBudget times. Returns true on success.
func (w *Worker) processFromStorage(j job) bool {
	blockPath := w.storagePath(j.dataset, j.blockID)

	for attempt := 0; attempt < DefaultDrainRetryBudget; attempt++ {
		resultPath, err := analyze.Run(blockPath)
		if err == nil {
			resultName := fmt.Sprintf("%s_analysis.%s", j.dataset, j.blockID)
			uploadErr := w.artifact.UploadResult(j.dataset, resultName, resultPath)
			if uploadErr == nil {
				w.sendControl(wire.Message{
					Type:    wire.TypeTaskComplete,
					NodeID:  w.nodeID,
					BlockID: j.blockID,
					Role:    types.RoleLeader,
					Success: true,
				})
				metrics.BlocksProcessedTotal.WithLabelValues("success").Inc()
				if rmErr := os.Remove(blockPath); rmErr != nil && !os.IsNotExist(rmErr) {
					w.logger.Warn().Err(rmErr).Str("path", blockPath).Msg("cleanup failed")
				}
				return true
			}
			err = fmt.Errorf("upload: %w", uploadErr)
		}

		w.logger.Warn().Err(err).Str("block_id", j.blockID).Int("attempt", attempt+1).Msg("drain step failed, retrying")
		time.Sleep(DefaultDrainRetryBackoff)
	}

	w.sendControl(wire.Message{
		Type:    wire.TypeTaskComplete,
		NodeID:  w.nodeID,
		BlockID: j.blockID,
		Role:    types.RoleLeader,
		Success: false,
	})
	metrics.BlocksProcessedTotal.WithLabelValues("failure").Inc()
	return false
}

func (w *Worker) taskPath(dataset, blockID string) string {
	return filepath.Join(w.dataDir, "task", dataset, blockID)
}

func (w *Worker) storagePath(dataset, blockID string) string {
	return filepath.Join(w.dataDir, "storage", dataset, blockID)
}
