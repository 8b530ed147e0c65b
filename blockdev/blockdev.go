// Package blockdev implements an opened raw device (or, for development
// and tests, an in-memory region standing in for one) in read/write/
// exclusive mode, claimed for the duration of one mount.
package blockdev

import (
	"sync"

	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// Device is the contract every chunk/journal/volume operation issues I/O
// through.
type Device interface {
	// ReadAt reads one page's worth of bytes starting at byteOffset.
	ReadAt(p *page.Page, byteOffset int64) error
	// WriteAt writes one page's worth of bytes starting at byteOffset.
	WriteAt(p *page.Page, byteOffset int64) error
	// Flush is the durability barrier: FUA+FLUSH semantics materialize as
	// a Flush call issued by the last Bio of a batch.
	Flush() error
	// Size reports the device's size in bytes.
	Size() (int64, error)
	// Close releases the device's claim and underlying handle.
	Close() error
}

// claims tracks exclusively-opened paths within this process. The kernel's
// block-device exclusive-claim API has no portable Go equivalent for plain
// files, so this is the in-process stand-in spec.md section 4.1 asks for
// ("fails with ... Busy").
var claims = struct {
	sync.Mutex
	paths map[string]bool
}{paths: make(map[string]bool)}

func acquireClaim(path string) error {
	claims.Lock()
	defer claims.Unlock()
	if claims.paths[path] {
		return kerr.New(kerr.Busy)
	}
	claims.paths[path] = true
	return nil
}

func releaseClaim(path string) {
	claims.Lock()
	defer claims.Unlock()
	delete(claims.paths, path)
}
