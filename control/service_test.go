package control

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
)

func tempDevicePath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kstor-device-*")
	require.NoError(t, err)
	defer f.Close()

	// Provision a fixed-size device before Format: chunk home regions lie
	// past everything Format writes, and reads beyond end of file fail.
	dev, err := blockdev.Open(f.Name(), false)
	require.NoError(t, err)
	require.NoError(t, dev.Truncate(64<<20))
	require.NoError(t, dev.Close())
	return f.Name()
}

func TestMountTwiceFailsAlreadyExists(t *testing.T) {
	svc := New(nil, nil)
	path := tempDevicePath(t)

	_, err := svc.Mount(path, true, 4096)
	require.NoError(t, err)
	defer svc.Unmount()

	_, err = svc.Mount(path, false, 4096)
	assert.True(t, kerr.Is(err, kerr.AlreadyExists))
}

func TestChunkRoundTripThroughService(t *testing.T) {
	svc := New(nil, nil)
	path := tempDevicePath(t)

	_, err := svc.Mount(path, true, 4096)
	require.NoError(t, err)
	defer svc.Unmount()

	id, err := guid.New()
	require.NoError(t, err)

	require.NoError(t, svc.ChunkCreate(id))
	require.NoError(t, svc.ChunkWrite(id, []byte("hello")))

	data, err := svc.ChunkRead(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data[:len("hello")])

	require.NoError(t, svc.ChunkDelete(id))
}

func TestUnmountByNameMismatch(t *testing.T) {
	svc := New(nil, nil)
	path := tempDevicePath(t)

	_, err := svc.Mount(path, true, 4096)
	require.NoError(t, err)
	defer svc.Unmount()

	err = svc.UnmountByName("/not/the/mounted/device")
	assert.True(t, kerr.Is(err, kerr.NotFound))
}
