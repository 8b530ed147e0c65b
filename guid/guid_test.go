package guid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsNotNil(t *testing.T) {
	g, err := New()
	require.NoError(t, err)
	assert.False(t, g.IsNil())
}

func TestBytesRoundTrip(t *testing.T) {
	g, err := New()
	require.NoError(t, err)
	g2 := FromBytes(g.Bytes())
	assert.True(t, g.Equal(g2))
}

func TestNilIsNil(t *testing.T) {
	assert.True(t, Nil.IsNil())
}
