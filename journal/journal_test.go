package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/kerr"
)

const testBlockSize = 4096

func newTestJournal(t *testing.T, mem *blockdev.Mem) *Journal {
	t.Helper()
	j := Open(mem, testBlockSize, nil, nil)
	require.NoError(t, j.Format(1, 16))
	require.NoError(t, j.Load(1))
	return j
}

func TestFormatLoadSmoke(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := newTestJournal(t, mem)
	defer j.Stop()

	assert.Equal(t, StateRunning, j.State())
	assert.Equal(t, uint64(1), j.GetStart())
	assert.Equal(t, uint64(16), j.GetSize())
	assert.Equal(t, uint64(2), j.currBlockIndex)
}

func TestSingleTransactionCommitSurvivesCrash(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := newTestJournal(t, mem)

	tx, err := j.BeginTx()
	require.NoError(t, err)

	payload := make([]byte, testBlockSize)
	for i := range payload {
		payload[i] = 0xAB
	}
	// Blocks [0, Start+Size) hold the superblock slot and the journal ring,
	// so the home position lies past the journal's end.
	pos := (j.GetStart()+j.GetSize())*testBlockSize + 8192
	require.NoError(t, tx.Write(pos, payload))
	require.NoError(t, tx.Commit())

	j.Stop()

	reopened := blockdev.Reopen(mem)
	j2 := Open(reopened, testBlockSize, nil, nil)
	require.NoError(t, j2.Load(1))
	defer j2.Stop()

	got := make([]byte, testBlockSize)
	copy(got, reopened.Storage()[pos:pos+testBlockSize])
	for _, b := range got {
		assert.Equal(t, byte(0xAB), b)
	}
}

func TestUncommittedWriteInvisible(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := newTestJournal(t, mem)

	tx, err := j.BeginTx()
	require.NoError(t, err)

	payload := make([]byte, testBlockSize)
	for i := range payload {
		payload[i] = 0xCD
	}
	pos := (j.GetStart()+j.GetSize())*testBlockSize + 12288
	require.NoError(t, tx.Write(pos, payload))
	require.NoError(t, tx.Cancel())

	j.Stop()

	reopened := blockdev.Reopen(mem)
	j2 := Open(reopened, testBlockSize, nil, nil)
	require.NoError(t, j2.Load(1))
	defer j2.Stop()

	for _, b := range reopened.Storage()[pos : pos+testBlockSize] {
		assert.Equal(t, byte(0), b)
	}
}

func TestOverlapRejection(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := newTestJournal(t, mem)
	defer j.Stop()

	tx, err := j.BeginTx()
	require.NoError(t, err)

	page := make([]byte, 1)

	err = tx.Write(4096, page)
	assert.True(t, kerr.Is(err, kerr.Overlap))

	err = tx.Write(0, page)
	assert.True(t, kerr.Is(err, kerr.Overlap))

	err = tx.Write(69632, page)
	assert.NoError(t, err)
}

func TestDoubleCommitIsInvalidState(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := newTestJournal(t, mem)
	defer j.Stop()

	tx, err := j.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	err = tx.Commit()
	assert.True(t, kerr.Is(err, kerr.InvalidState))
}

// TestManyTransactionsWrapRingWithoutLosingData commits far more
// transactions than the ring has room for live at once. Each commit applies
// its data to home synchronously, so wrapping the ring must never overwrite
// a mutation that has not yet reached its home location.
func TestManyTransactionsWrapRingWithoutLosingData(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := Open(mem, testBlockSize, nil, nil)
	require.NoError(t, j.Format(1, 16))
	require.NoError(t, j.Load(1))
	defer j.Stop()

	const n = 40 // a 16-block ring holds only a handful of 3-block txs at once
	homeBase := uint64((j.GetStart() + j.GetSize()) * testBlockSize)

	for i := 0; i < n; i++ {
		tx, err := j.BeginTx()
		require.NoError(t, err)

		payload := make([]byte, 16)
		for k := range payload {
			payload[k] = byte(i)
		}
		require.NoError(t, tx.Write(homeBase+uint64(i)*testBlockSize, payload))
		require.NoError(t, tx.Commit())
	}

	for i := 0; i < n; i++ {
		off := homeBase + uint64(i)*testBlockSize
		got := mem.Storage()[off : off+16]
		for _, b := range got {
			assert.Equal(t, byte(i), b, "transaction %d overwritten by ring wraparound", i)
		}
	}
}

func TestShutdownCancelsInFlightCommit(t *testing.T) {
	mem := blockdev.NewMem(1 << 20)
	j := newTestJournal(t, mem)

	tx, err := j.BeginTx()
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		payload := make([]byte, 16)
		require.NoError(t, tx.Write(uint64(100000+i*64), payload))
	}

	result := make(chan error, 1)
	go func() { result <- tx.Commit() }()

	j.Stop()

	err = <-result
	assert.True(t, kerr.Is(err, kerr.Cancelled))
}
