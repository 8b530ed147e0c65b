package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroClearsBuffer(t *testing.T) {
	p, err := New(4096)
	require.NoError(t, err)
	p.WriteAt([]byte{1, 2, 3}, 0)
	p.Zero()
	for _, b := range p.Bytes() {
		assert.Equal(t, byte(0), b)
	}
}

func TestMapPanicsWhenAlreadyMapped(t *testing.T) {
	p, err := New(4096)
	require.NoError(t, err)
	_, release := p.Map()
	defer release()

	assert.Panics(t, func() {
		p.Map()
	})
}
