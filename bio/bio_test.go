package bio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/page"
)

func TestAddExecWriteThenRead(t *testing.T) {
	mem := blockdev.NewMem(4096 * 4)

	wp, err := page.New(4096)
	require.NoError(t, err)
	for i := 0; i < wp.Size(); i++ {
		wp.WriteAt([]byte{0x42}, i)
	}
	require.NoError(t, AddExec(mem, wp, 4096, true, true))

	rp, err := page.New(4096)
	require.NoError(t, err)
	require.NoError(t, AddExec(mem, rp, 4096, false, false))

	for _, b := range rp.Bytes() {
		assert.Equal(t, byte(0x42), b)
	}
}

func TestListExecAggregatesFirstError(t *testing.T) {
	mem := blockdev.NewMem(4096)
	list := NewList()

	p1, err := page.New(4096)
	require.NoError(t, err)
	require.NoError(t, list.AddWrite(mem, p1, 0))

	p2, err := page.New(4096)
	require.NoError(t, err)
	// Out of bounds write: Mem.WriteAt rejects it.
	require.NoError(t, list.AddWrite(mem, p2, 8192))

	err = list.Exec(true)
	assert.Error(t, err)
}

func TestNoIOListReturnsBiosToPool(t *testing.T) {
	mem := blockdev.NewMem(4096)
	list := NewNoIOList()

	p, err := page.New(4096)
	require.NoError(t, err)
	require.NoError(t, list.AddWrite(mem, p, 0))
	require.NoError(t, list.Exec(true))

	assert.Empty(t, list.bios)
}
