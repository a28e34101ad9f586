package coordinator

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker is a minimal stand-in for pkg/worker in coordinator-side
// tests: it registers, heartbeats, and answers task pushes with an
// immediate task_complete over its own control connection.
type fakeWorker struct {
	t        *testing.T
	nodeID   string
	taskLn   net.Listener
	control  net.Conn
	coordAdr string
}

func newFakeWorker(t *testing.T, coordAddr string) *fakeWorker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	w := &fakeWorker{t: t, nodeID: ln.Addr().String(), taskLn: ln, coordAdr: coordAddr}

	conn, err := net.Dial("tcp", coordAddr)
	require.NoError(t, err)
	w.control = conn

	require.NoError(t, wire.Encode(conn, wire.Message{Type: wire.TypeRegister, ID: w.nodeID}))
	w.readReply()

	go w.serveTasks()
	return w
}

func (w *fakeWorker) readReply() wire.Reply {
	scanner := wire.NewScanner(bufio.NewReader(w.control))
	require.True(w.t, scanner.Scan())
	var reply wire.Reply
	require.NoError(w.t, json.Unmarshal(scanner.Bytes(), &reply))
	return reply
}

func (w *fakeWorker) heartbeat(currentTask string) wire.Reply {
	require.NoError(w.t, wire.Encode(w.control, wire.Message{Type: wire.TypeHeartbeat, ID: w.nodeID, CurrentTask: currentTask}))
	return w.readReply()
}

// serveTasks accepts task pushes and, for leader tasks, reports success
// back on the control connection immediately (no real analysis).
func (w *fakeWorker) serveTasks() {
	for {
		conn, err := w.taskLn.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			scanner := wire.NewScanner(bufio.NewReader(conn))
			if !scanner.Scan() {
				return
			}
			msg, err := wire.Decode(scanner.Bytes())
			if err != nil {
				return
			}
			if msg.Type == wire.TypeTask && msg.Role == types.RoleLeader {
				_ = wire.Encode(w.control, wire.Message{
					Type:    wire.TypeTaskComplete,
					NodeID:  w.nodeID,
					BlockID: msg.BlockID,
					Role:    types.RoleLeader,
					Success: true,
				})
				w.readReply()
			}
		}()
	}
}

func startCoordinator(t *testing.T) (*Coordinator, string) {
	c, err := New(Config{
		NodeID:           "coord-1",
		BindAddr:         "127.0.0.1:0",
		DataDir:          t.TempDir(),
		HeartbeatTimeout: time.Hour,
		MonitorInterval:  time.Hour,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	c.listener = ln
	go func() {
		c.events.Start()
		c.detect.Start()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go c.handleConn(conn)
		}
	}()

	t.Cleanup(func() { _ = c.Shutdown() })
	return c, ln.Addr().String()
}

func dialAndSend(t *testing.T, addr string, msg wire.Message) wire.Reply {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.Encode(conn, msg))
	scanner := wire.NewScanner(bufio.NewReader(conn))
	require.True(t, scanner.Scan())
	var reply wire.Reply
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &reply))
	return reply
}

func TestHappyPathThreeWorkersTwoBlocks(t *testing.T) {
	c, addr := startCoordinator(t)

	w1 := newFakeWorker(t, addr)
	w2 := newFakeWorker(t, addr)
	w3 := newFakeWorker(t, addr)
	_ = w2
	_ = w3

	require.NoError(t, c.blocks.PutBlocks("D", []types.Block{
		{BlockID: "D_block1.csv", Status: types.BlockPending},
		{BlockID: "D_block2.csv", Status: types.BlockPending},
	}))

	reply := dialAndSend(t, addr, wire.Message{Type: wire.TypeCompute, File: "D"})
	assert.Equal(t, wire.StatusOK, reply.Status)

	require.Eventually(t, func() bool {
		blocks, err := c.blocks.ListBlocks("D")
		if err != nil {
			return false
		}
		for _, b := range blocks {
			if b.Status != types.BlockCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 20*time.Millisecond)

	workers := c.registry.List()
	for _, w := range workers {
		assert.True(t, w.IsFree())
		assert.Empty(t, w.Storage)
	}

	_ = w1.heartbeat("")
}

func TestMalformedMessageKeepsConnectionUsable(t *testing.T) {
	_, addr := startCoordinator(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"type":"garbage"}` + "\n"))
	require.NoError(t, err)

	scanner := wire.NewScanner(bufio.NewReader(conn))
	require.True(t, scanner.Scan())
	var reply wire.Reply
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &reply))
	assert.Equal(t, wire.StatusBadRequest, reply.Status)

	require.NoError(t, wire.Encode(conn, wire.Message{Type: wire.TypeRegister, ID: "127.0.0.1:9999"}))
	require.True(t, scanner.Scan())
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &reply))
	assert.Equal(t, wire.StatusRegistered, reply.Status)
}

func TestRecoverWorkerPromotesFirstFollower(t *testing.T) {
	c, _ := startCoordinator(t)

	_, err := c.registry.Register("127.0.0.1:7001")
	require.NoError(t, err)
	_, err = c.registry.Register("127.0.0.1:7002")
	require.NoError(t, err)
	_, err = c.registry.Register("127.0.0.1:7003")
	require.NoError(t, err)

	require.NoError(t, c.blocks.PutBlocks("D", []types.Block{{BlockID: "D_block1.csv", Status: types.BlockPending}}))
	require.NoError(t, c.blocks.SetPlacement("D", "D_block1.csv", "127.0.0.1:7001", []string{"127.0.0.1:7002", "127.0.0.1:7003"}, types.BlockProcessing))
	require.NoError(t, c.registry.SetTask("127.0.0.1:7001", "D_block1.csv"))
	require.NoError(t, c.registry.AppendStorage("127.0.0.1:7002", "D_block1.csv"))
	require.NoError(t, c.registry.AppendStorage("127.0.0.1:7003", "D_block1.csv"))

	require.NoError(t, c.RecoverWorker("127.0.0.1:7001"))

	block, err := c.blocks.GetBlock("D", "D_block1.csv")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7002", block.Leader)
	assert.Equal(t, []string{"127.0.0.1:7003"}, block.Followers)

	newLeader, ok := c.registry.Get("127.0.0.1:7002")
	require.True(t, ok)
	assert.Equal(t, "D_block1.csv", newLeader.Task)
}
