// Package control implements the thin administrative surface of spec.md
// section 4.5: single-volume mount/unmount dispatch plus a TCP listener
// speaking the wire protocol original_source/golang/client.go defines.
// Grounded on original_source/kstor/control_device.cpp's one-volume-at-a-time
// ownership and original_source/ctl/ctl.cpp's subcommand set.
package control

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/volume"
)

// Service dispatches administrative requests into at most one mounted
// Volume, held behind a control-surface sync.RWMutex per spec.md section 5
// ("Control-surface lock ... acquired before the volume lock").
type Service struct {
	logger     log.Logger
	registerer prometheus.Registerer

	mu     sync.RWMutex
	vol    *volume.Volume
	name   string
	server *Server
}

// New constructs a Service with no volume mounted, registering every
// mounted volume's metrics with registerer. A nil registerer gets each
// volume its own throwaway registry, which is fine for a CLI that does not
// expose a /metrics endpoint.
func New(logger log.Logger, registerer prometheus.Registerer) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Service{logger: log.With(logger, "component", "control"), registerer: registerer}
}

// GetTime returns the current wall-clock time, the Go stand-in for the
// kernel's time-source collaborator named in spec.md section 4.5.
func (s *Service) GetTime() time.Time {
	return time.Now()
}

// GetRandomUlong returns a cryptographically random uint64, the Go
// stand-in for the kernel's random-number collaborator.
func (s *Service) GetRandomUlong() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, kerr.Wrap(kerr.NoMemory, err, "control: random")
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// Mount opens devicePath exclusively, formats it if format is true,
// otherwise loads it, and keeps it as this service's single mounted
// volume. A second Mount while one is already active fails AlreadyExists,
// per spec.md section 8's boundary behaviors.
func (s *Service) Mount(devicePath string, format bool, blockSize uint64) (guid.GUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vol != nil {
		return guid.Nil, kerr.New(kerr.AlreadyExists)
	}

	dev, err := blockdev.Open(devicePath, true)
	if err != nil {
		return guid.Nil, err
	}

	vol := volume.Open(dev, s.logger, volume.NewMetrics(s.registerer))

	if format {
		if err := vol.Format(blockSize); err != nil {
			dev.Close()
			return guid.Nil, err
		}
	}
	if err := vol.Load(); err != nil {
		dev.Close()
		return guid.Nil, err
	}

	s.vol = vol
	s.name = devicePath
	level.Info(s.logger).Log("msg", "mounted", "device", devicePath, "volume_id", vol.GetVolumeId())
	return vol.GetVolumeId(), nil
}

// Unmount releases the currently mounted volume, blocking until any
// in-flight chunk operations complete (volume.Volume.Unmount takes the
// volume's write lock internally).
func (s *Service) Unmount() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vol == nil {
		return kerr.New(kerr.InvalidState)
	}
	err := s.vol.Unmount()
	s.vol = nil
	s.name = ""
	return err
}

// UnmountByName unmounts only if name matches the currently mounted
// device, per the CLI's `umount <dev>` subcommand.
func (s *Service) UnmountByName(name string) error {
	s.mu.RLock()
	match := s.name == name
	s.mu.RUnlock()
	if !match {
		return kerr.New(kerr.NotFound)
	}
	return s.Unmount()
}

func (s *Service) currentVolume() (*volume.Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vol == nil {
		return nil, kerr.New(kerr.InvalidState)
	}
	return s.vol, nil
}

// ChunkCreate, ChunkRead, ChunkWrite, and ChunkDelete dispatch straight
// into the mounted volume. The control surface's read lock is held only
// while looking the volume up; the operation itself runs under the
// volume's own shared lock.
func (s *Service) ChunkCreate(id guid.GUID) error {
	vol, err := s.currentVolume()
	if err != nil {
		return err
	}
	return vol.ChunkCreate(id)
}

func (s *Service) ChunkRead(id guid.GUID) ([]byte, error) {
	vol, err := s.currentVolume()
	if err != nil {
		return nil, err
	}
	return vol.ChunkRead(id)
}

func (s *Service) ChunkWrite(id guid.GUID, data []byte) error {
	vol, err := s.currentVolume()
	if err != nil {
		return err
	}
	return vol.ChunkWrite(id, data)
}

func (s *Service) ChunkDelete(id guid.GUID) error {
	vol, err := s.currentVolume()
	if err != nil {
		return err
	}
	return vol.ChunkDelete(id)
}

// StartServer starts a TCP listener dispatching into this Service, per
// spec.md section 4.5.
func (s *Service) StartServer(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return kerr.New(kerr.AlreadyExists)
	}
	srv := NewServer(s, s.logger)
	if err := srv.Start(host, port); err != nil {
		return err
	}
	s.server = srv
	return nil
}

// StopServer stops the TCP listener started by StartServer.
func (s *Service) StopServer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return kerr.New(kerr.InvalidState)
	}
	err := s.server.Stop()
	s.server = nil
	return err
}
