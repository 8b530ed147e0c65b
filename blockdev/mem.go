package blockdev

import (
	"sync"

	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// Mem is an in-memory Device for tests, matching disk.NewMemDisk in the
// teacher. Crash simulation is done by discarding a Mem and wrapping its
// byte slice in a fresh Mem that shares the same backing storage.
type Mem struct {
	mu   sync.RWMutex
	data []byte
}

// NewMem allocates size bytes of zeroed, in-memory backing storage.
func NewMem(size int64) *Mem {
	return &Mem{data: make([]byte, size)}
}

// Storage returns the raw backing slice, so a test can simulate a crash by
// building a new Mem that reuses it (`blockdev.Reopen`).
func (m *Mem) Storage() []byte {
	return m.data
}

// Reopen builds a new Mem instance over the same backing storage, modeling
// "drop the in-memory journal and reopen the device" from spec.md section 8.
func Reopen(m *Mem) *Mem {
	return &Mem{data: m.data}
}

func (m *Mem) ReadAt(p *page.Page, byteOffset int64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := p.Bytes()
	if byteOffset < 0 || byteOffset+int64(len(buf)) > int64(len(m.data)) {
		return kerr.New(kerr.UnexpectedEOF)
	}
	copy(buf, m.data[byteOffset:byteOffset+int64(len(buf))])
	return nil
}

func (m *Mem) WriteAt(p *page.Page, byteOffset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := p.Bytes()
	if byteOffset < 0 || byteOffset+int64(len(buf)) > int64(len(m.data)) {
		return kerr.New(kerr.UnexpectedEOF)
	}
	copy(m.data[byteOffset:byteOffset+int64(len(buf))], buf)
	return nil
}

func (m *Mem) Flush() error { return nil }

func (m *Mem) Size() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

func (m *Mem) Close() error { return nil }

var _ Device = (*Mem)(nil)
