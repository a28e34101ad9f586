package scheduler

import (
	"net"
	"testing"
	"time"

	"github.com/blockmesh/blockmesh/pkg/blockmeta"
	"github.com/blockmesh/blockmesh/pkg/registry"
	"github.com/blockmesh/blockmesh/pkg/storage"
	"github.com/blockmesh/blockmesh/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry, *blockmeta.Store) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(store)
	require.NoError(t, err)

	blocks := blockmeta.New(store)
	return New(reg, blocks), reg, blocks
}

// listeningWorker opens a loopback listener and drains whatever is sent to
// it, standing in for a worker's task port.
func listeningWorker(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				_, _ = conn.Read(buf)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestAssignNextPicksLeaderAndFollowers(t *testing.T) {
	sched, reg, blocks := newTestScheduler(t)

	w1 := listeningWorker(t)
	w2 := listeningWorker(t)
	w3 := listeningWorker(t)
	for _, id := range []string{w1, w2, w3} {
		_, err := reg.Register(id)
		require.NoError(t, err)
	}

	require.NoError(t, blocks.PutBlocks("alogs", []types.Block{
		{BlockID: "alogs_block1.csv", Status: types.BlockPending},
	}))

	require.NoError(t, sched.AssignNext("alogs", "alogs_block1.csv"))

	b, err := blocks.GetBlock("alogs", "alogs_block1.csv")
	require.NoError(t, err)
	assert.Equal(t, types.BlockProcessing, b.Status)
	assert.NotEmpty(t, b.Leader)
	assert.Len(t, b.Followers, 2)

	leader, ok := reg.Get(b.Leader)
	require.True(t, ok)
	assert.Equal(t, "alogs_block1.csv", leader.Task)
}

func TestAssignNextNoFreeWorker(t *testing.T) {
	sched, _, blocks := newTestScheduler(t)

	require.NoError(t, blocks.PutBlocks("alogs", []types.Block{
		{BlockID: "alogs_block1.csv", Status: types.BlockPending},
	}))

	err := sched.AssignNext("alogs", "alogs_block1.csv")
	assert.ErrorIs(t, err, ErrNoFreeWorker)
}

func TestAssignManyArmsDrainerUntilWorkerJoins(t *testing.T) {
	sched, reg, blocks := newTestScheduler(t)
	sched.SetPollInterval(20 * time.Millisecond)

	require.NoError(t, blocks.PutBlocks("alogs", []types.Block{
		{BlockID: "alogs_block1.csv", Status: types.BlockPending},
	}))

	require.NoError(t, sched.AssignMany("alogs"))

	b, err := blocks.GetBlock("alogs", "alogs_block1.csv")
	require.NoError(t, err)
	assert.Equal(t, types.BlockPending, b.Status)

	w1 := listeningWorker(t)
	_, err = reg.Register(w1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err := blocks.GetBlock("alogs", "alogs_block1.csv")
		return err == nil && b.Status == types.BlockProcessing
	}, 2*time.Second, 20*time.Millisecond)
}
