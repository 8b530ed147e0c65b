package chunktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/journal"
	"github.com/kstorage/kstor/kerr"
)

const testBlockSize = 4096

func newTestTable(t *testing.T, mem *blockdev.Mem) (*Table, *journal.Journal) {
	t.Helper()
	jr := journal.Open(mem, testBlockSize, nil, nil)
	require.NoError(t, jr.Format(1, 16))
	require.NoError(t, jr.Load(1))

	ct := Open(mem, testBlockSize)
	require.NoError(t, ct.Format(17, 8, 25))
	return ct, jr
}

func TestCreateThenLookup(t *testing.T) {
	mem := blockdev.NewMem(1 << 24)
	ct, jr := newTestTable(t, mem)
	defer jr.Stop()

	id, err := guid.New()
	require.NoError(t, err)

	tx, err := jr.BeginTx()
	require.NoError(t, err)

	loc, err := ct.Create(tx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, ok := ct.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, loc, got)
}

func TestCreateDuplicateFails(t *testing.T) {
	mem := blockdev.NewMem(1 << 24)
	ct, jr := newTestTable(t, mem)
	defer jr.Stop()

	id, err := guid.New()
	require.NoError(t, err)

	tx, err := jr.BeginTx()
	require.NoError(t, err)
	_, err = ct.Create(tx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := jr.BeginTx()
	require.NoError(t, err)
	_, err = ct.Create(tx2, id)
	assert.True(t, kerr.Is(err, kerr.AlreadyExists))
	tx2.Cancel()
}

func TestDeleteThenLookupMisses(t *testing.T) {
	mem := blockdev.NewMem(1 << 24)
	ct, jr := newTestTable(t, mem)
	defer jr.Stop()

	id, err := guid.New()
	require.NoError(t, err)

	tx, err := jr.BeginTx()
	require.NoError(t, err)
	_, err = ct.Create(tx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := jr.BeginTx()
	require.NoError(t, err)
	require.NoError(t, ct.Delete(tx2, id))
	require.NoError(t, tx2.Commit())

	_, ok := ct.Lookup(id)
	assert.False(t, ok)
}

func TestCreateCanceledCommitLeavesTableUnchanged(t *testing.T) {
	mem := blockdev.NewMem(1 << 24)
	ct, jr := newTestTable(t, mem)

	id, err := guid.New()
	require.NoError(t, err)

	tx, err := jr.BeginTx()
	require.NoError(t, err)
	_, err = ct.Create(tx, id)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- tx.Commit() }()

	jr.Stop()

	err = <-result
	assert.True(t, kerr.Is(err, kerr.Cancelled))

	_, ok := ct.Lookup(id)
	assert.False(t, ok, "a canceled Create must never become visible")
}

func TestDeleteCanceledCommitLeavesTableUnchanged(t *testing.T) {
	mem := blockdev.NewMem(1 << 24)
	ct, jr := newTestTable(t, mem)

	id, err := guid.New()
	require.NoError(t, err)

	tx, err := jr.BeginTx()
	require.NoError(t, err)
	loc, err := ct.Create(tx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := jr.BeginTx()
	require.NoError(t, err)
	require.NoError(t, ct.Delete(tx2, id))

	result := make(chan error, 1)
	go func() { result <- tx2.Commit() }()

	jr.Stop()

	err = <-result
	assert.True(t, kerr.Is(err, kerr.Cancelled))

	got, ok := ct.Lookup(id)
	assert.True(t, ok, "a canceled Delete must leave the entry intact")
	assert.Equal(t, loc, got)
}

func TestTableSurvivesReload(t *testing.T) {
	mem := blockdev.NewMem(1 << 24)
	ct, jr := newTestTable(t, mem)

	id, err := guid.New()
	require.NoError(t, err)

	tx, err := jr.BeginTx()
	require.NoError(t, err)
	loc, err := ct.Create(tx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	jr.Stop()

	reopened := blockdev.Reopen(mem)
	jr2 := journal.Open(reopened, testBlockSize, nil, nil)
	require.NoError(t, jr2.Load(1))
	defer jr2.Stop()

	ct2 := Open(reopened, testBlockSize)
	require.NoError(t, ct2.Load(17, 8))

	got, ok := ct2.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, loc, got)
}
