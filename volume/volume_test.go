package volume

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
)

func newFormattedVolume(t *testing.T) (*Volume, *blockdev.Mem) {
	t.Helper()
	mem := blockdev.NewMem(64 << 20)
	v := Open(mem, nil, nil)
	require.NoError(t, v.Format(4096))
	require.NoError(t, v.Load())
	return v, mem
}

func TestFormatLoadSmoke(t *testing.T) {
	v, _ := newFormattedVolume(t)
	defer v.Unmount()

	assert.False(t, v.GetVolumeId().IsNil())
}

func TestConcurrentChunkWritesUnderSharedLock(t *testing.T) {
	v, _ := newFormattedVolume(t)
	defer v.Unmount()

	const n = 10
	ids := make([]guid.GUID, n)
	datas := make([][]byte, n)
	for i := 0; i < n; i++ {
		id, err := guid.New()
		require.NoError(t, err)
		ids[i] = id
		datas[i] = []byte(fmt.Sprintf("payload-%d", i))

		require.NoError(t, v.ChunkCreate(id))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, v.ChunkWrite(ids[i], datas[i]))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		got, err := v.ChunkRead(ids[i])
		require.NoError(t, err)
		assert.Equal(t, datas[i], got[:len(datas[i])])
	}
}

// TestChunkCreateCanceledMidCommitLeavesChunkTableUnchanged forces the
// journal to cancel an in-flight ChunkCreate the same way Unmount's
// journal.Stop does (journal/journal.go's drain/forceCancel), bypassing
// Volume's own v.mu serialization so the cancellation actually lands while
// the transaction is pending, and asserts the chunk never becomes visible.
func TestChunkCreateCanceledMidCommitLeavesChunkTableUnchanged(t *testing.T) {
	v, _ := newFormattedVolume(t)

	id, err := guid.New()
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- v.ChunkCreate(id) }()

	v.mu.RLock()
	jr := v.jr
	v.mu.RUnlock()
	jr.Stop()

	err = <-result
	assert.True(t, kerr.Is(err, kerr.Cancelled))

	_, err = v.ChunkRead(id)
	assert.Error(t, err, "a canceled ChunkCreate must never become readable")
}

// TestChunkDeleteCanceledMidCommitLeavesChunkTableUnchanged mirrors the
// Create case for ChunkDelete: a canceled commit must leave the existing
// chunk-table entry intact.
func TestChunkDeleteCanceledMidCommitLeavesChunkTableUnchanged(t *testing.T) {
	v, _ := newFormattedVolume(t)

	id, err := guid.New()
	require.NoError(t, err)
	require.NoError(t, v.ChunkCreate(id))

	result := make(chan error, 1)
	go func() { result <- v.ChunkDelete(id) }()

	v.mu.RLock()
	jr := v.jr
	v.mu.RUnlock()
	jr.Stop()

	err = <-result
	assert.True(t, kerr.Is(err, kerr.Cancelled))

	_, err = v.ChunkRead(id)
	assert.NoError(t, err, "a canceled ChunkDelete must leave the chunk readable")
}

func TestChunkDeleteThenReadNotFound(t *testing.T) {
	v, _ := newFormattedVolume(t)
	defer v.Unmount()

	id, err := guid.New()
	require.NoError(t, err)
	require.NoError(t, v.ChunkCreate(id))
	require.NoError(t, v.ChunkDelete(id))

	_, err = v.ChunkRead(id)
	assert.Error(t, err)
}
