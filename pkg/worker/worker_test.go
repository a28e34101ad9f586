package worker

import (
	"bufio"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blockmesh/blockmesh/pkg/artifact"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/blockmesh/blockmesh/pkg/wire"
	"github.com/stretchr/testify/require"
)

// fakeCoordinator is a minimal stand-in for pkg/coordinator in worker-side
// tests: it accepts register/heartbeat/task_complete/node_free and records
// what it saw.
type fakeCoordinator struct {
	ln          net.Listener
	taskComplete chan wire.Message
	nodeFree     chan wire.Message
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fc := &fakeCoordinator{
		ln:           ln,
		taskComplete: make(chan wire.Message, 8),
		nodeFree:     make(chan wire.Message, 8),
	}
	go fc.serve(t)
	return fc
}

func (fc *fakeCoordinator) serve(t *testing.T) {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		go fc.handleConn(t, conn)
	}
}

func (fc *fakeCoordinator) handleConn(t *testing.T, conn net.Conn) {
	defer conn.Close()
	scanner := wire.NewScanner(bufio.NewReader(conn))
	for scanner.Scan() {
		msg, err := wire.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		switch msg.Type {
		case wire.TypeRegister:
			_ = wire.Encode(conn, wire.Reply{Status: wire.StatusRegistered})
		case wire.TypeHeartbeat:
			_ = wire.Encode(conn, wire.Reply{Status: wire.StatusAlive})
		case wire.TypeTaskComplete:
			fc.taskComplete <- msg
		case wire.TypeNodeFree:
			fc.nodeFree <- msg
		}
	}
}

func (fc *fakeCoordinator) addr() string {
	return fc.ln.Addr().String()
}

func newTestWorker(t *testing.T, coordAddr, artifactAddr string) *Worker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	w := New(Config{
		NodeID:            addr,
		CoordinatorAddr:   coordAddr,
		ArtifactAddr:      artifactAddr,
		DataDir:           t.TempDir(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func pushTask(t *testing.T, w *Worker, dataset, blockID string, role types.Role) {
	conn, err := net.Dial("tcp", w.nodeID)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.Encode(conn, wire.Message{
		Type:    wire.TypeTask,
		File:    dataset,
		BlockID: blockID,
		Role:    role,
	}))
}

func TestRegisterOpensControlConnection(t *testing.T) {
	fc := newFakeCoordinator(t)
	defer fc.ln.Close()

	artifactSrv, err := artifact.NewServer(t.TempDir())
	require.NoError(t, err)
	httpSrv := httptest.NewServer(artifactSrv.Handler())
	defer httpSrv.Close()

	w := newTestWorker(t, fc.addr(), httpSrv.URL)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		conn := w.controlConn
		w.mu.Unlock()
		return conn != nil
	}, time.Second, 10*time.Millisecond)
}

func TestLeaderTaskDownloadsAnalyzesUploadsAndCompletes(t *testing.T) {
	fc := newFakeCoordinator(t)
	defer fc.ln.Close()

	artifactDir := t.TempDir()
	artifactSrv, err := artifact.NewServer(artifactDir)
	require.NoError(t, err)
	require.NoError(t, artifactSrv.PutBlock("sales", "sales_block1.csv", []byte("value\n1\n2\n3\n")))

	httpSrv := httptest.NewServer(artifactSrv.Handler())
	defer httpSrv.Close()

	w := newTestWorker(t, fc.addr(), httpSrv.URL)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.controlConn != nil
	}, time.Second, 10*time.Millisecond)

	pushTask(t, w, "sales", "sales_block1.csv", types.RoleLeader)

	select {
	case msg := <-fc.taskComplete:
		require.True(t, msg.Success)
		require.Equal(t, "sales_block1.csv", msg.BlockID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task_complete")
	}

	select {
	case msg := <-fc.nodeFree:
		require.Equal(t, "sales", msg.File)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for node_free")
	}

	downloaded := filepath.Join(artifactDir, "results", "sales")
	entries, err := os.ReadDir(downloaded)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestFollowerTaskStoresWithoutAck(t *testing.T) {
	fc := newFakeCoordinator(t)
	defer fc.ln.Close()

	artifactDir := t.TempDir()
	artifactSrv, err := artifact.NewServer(artifactDir)
	require.NoError(t, err)
	require.NoError(t, artifactSrv.PutBlock("sales", "sales_block2.csv", []byte("value\n4\n5\n")))

	httpSrv := httptest.NewServer(artifactSrv.Handler())
	defer httpSrv.Close()

	w := newTestWorker(t, fc.addr(), httpSrv.URL)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.controlConn != nil
	}, time.Second, 10*time.Millisecond)

	pushTask(t, w, "sales", "sales_block2.csv", types.RoleStorage)

	require.Eventually(t, func() bool {
		_, err := os.Stat(w.storagePath("sales", "sales_block2.csv"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case <-fc.taskComplete:
		t.Fatal("follower task should not send task_complete")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPromoteToLeaderDrainsFromStorage(t *testing.T) {
	fc := newFakeCoordinator(t)
	defer fc.ln.Close()

	artifactDir := t.TempDir()
	artifactSrv, err := artifact.NewServer(artifactDir)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(artifactSrv.Handler())
	defer httpSrv.Close()

	w := newTestWorker(t, fc.addr(), httpSrv.URL)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.controlConn != nil
	}, time.Second, 10*time.Millisecond)

	storedPath := w.storagePath("sales", "sales_block3.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(storedPath), 0755))
	require.NoError(t, os.WriteFile(storedPath, []byte("value\n9\n"), 0644))

	conn, err := net.Dial("tcp", w.nodeID)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.Encode(conn, wire.Message{
		Type:     wire.TypePromoteToLeader,
		FileBase: "sales",
		BlockID:  "sales_block3.csv",
	}))

	select {
	case msg := <-fc.taskComplete:
		require.True(t, msg.Success)
		require.Equal(t, "sales_block3.csv", msg.BlockID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for promoted block's task_complete")
	}

	_, err = os.Stat(storedPath)
	require.True(t, os.IsNotExist(err))
}

func TestReleaseDeletesLocalReplicaIdempotently(t *testing.T) {
	fc := newFakeCoordinator(t)
	defer fc.ln.Close()

	artifactSrv, err := artifact.NewServer(t.TempDir())
	require.NoError(t, err)
	httpSrv := httptest.NewServer(artifactSrv.Handler())
	defer httpSrv.Close()

	w := newTestWorker(t, fc.addr(), httpSrv.URL)

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.controlConn != nil
	}, time.Second, 10*time.Millisecond)

	storedPath := w.storagePath("sales", "sales_block4.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(storedPath), 0755))
	require.NoError(t, os.WriteFile(storedPath, []byte("value\n1\n"), 0644))

	conn, err := net.Dial("tcp", w.nodeID)
	require.NoError(t, err)
	require.NoError(t, wire.Encode(conn, wire.Message{
		Type:    wire.TypeRelease,
		BlockID: "sales_block4.csv",
		Role:    types.RoleStorage,
	}))
	conn.Close()

	require.Eventually(t, func() bool {
		_, err := os.Stat(storedPath)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	// Releasing again must not error or panic.
	conn2, err := net.Dial("tcp", w.nodeID)
	require.NoError(t, err)
	require.NoError(t, wire.Encode(conn2, wire.Message{
		Type:    wire.TypeRelease,
		BlockID: "sales_block4.csv",
		Role:    types.RoleStorage,
	}))
	conn2.Close()
}
