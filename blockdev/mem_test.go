package blockdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstorage/kstor/page"
)

func TestMemWriteReadRoundTrip(t *testing.T) {
	m := NewMem(4096 * 2)

	p, err := page.New(4096)
	require.NoError(t, err)
	for i := 0; i < p.Size(); i++ {
		p.WriteAt([]byte{byte(i)}, i)
	}
	require.NoError(t, m.WriteAt(p, 4096))

	out, err := page.New(4096)
	require.NoError(t, err)
	require.NoError(t, m.ReadAt(out, 4096))
	assert.Equal(t, p.Bytes(), out.Bytes())
}

func TestReopenSharesBackingStorage(t *testing.T) {
	m := NewMem(4096)
	p, err := page.New(4096)
	require.NoError(t, err)
	for i := range p.Bytes() {
		p.Bytes()[i] = 0x7A
	}
	require.NoError(t, m.WriteAt(p, 0))

	reopened := Reopen(m)
	out, err := page.New(4096)
	require.NoError(t, err)
	require.NoError(t, reopened.ReadAt(out, 0))
	assert.Equal(t, p.Bytes(), out.Bytes())
}

func TestWriteOutOfBoundsFails(t *testing.T) {
	m := NewMem(4096)
	p, err := page.New(4096)
	require.NoError(t, err)
	err = m.WriteAt(p, 4096)
	assert.Error(t, err)
}
