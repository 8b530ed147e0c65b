// Package page implements the fixed-size, page-aligned buffer that every
// I/O in this repository moves through (spec.md section 3, "Page"). A Page
// has exactly one owner at a time; Map hands out a scoped view of the
// backing array and panics if called again before the previous mapping is
// released, which is this package's expression of "no aliasing of the raw
// address outside the mapping's lifetime."
package page

import (
	"sync/atomic"

	"github.com/ncw/directio"

	"github.com/kstorage/kstor/kerr"
)

// Page is a single fixed-size buffer sized to a volume's block size.
type Page struct {
	buf    []byte
	mapped atomic.Bool
}

// New allocates a zeroed page of the given size, page-aligned via
// directio.AlignedBlock so the buffer is also usable for O_DIRECT I/O if a
// BlockDevice is opened that way.
func New(size int) (*Page, error) {
	if size <= 0 {
		return nil, kerr.New(kerr.InvalidValue)
	}
	return &Page{buf: directio.AlignedBlock(size)}, nil
}

// Size returns the page's fixed size in bytes.
func (p *Page) Size() int {
	return len(p.buf)
}

// Zero clears the page's contents.
func (p *Page) Zero() {
	for i := range p.buf {
		p.buf[i] = 0
	}
}

// ReadAt copies up to len(dst) bytes starting at off within the page into
// dst, returning the number of bytes copied.
func (p *Page) ReadAt(dst []byte, off int) int {
	if off < 0 || off > len(p.buf) {
		return 0
	}
	return copy(dst, p.buf[off:])
}

// WriteAt copies up to len(src) bytes from src into the page starting at
// off, returning the number of bytes copied.
func (p *Page) WriteAt(src []byte, off int) int {
	if off < 0 || off > len(p.buf) {
		return 0
	}
	return copy(p.buf[off:], src)
}

// Map returns a scoped view of the page's backing array and a release
// function. It panics if the page is already mapped, enforcing the
// single-owner invariant from spec.md's Page description.
func (p *Page) Map() (buf []byte, release func()) {
	if !p.mapped.CompareAndSwap(false, true) {
		panic("page: already mapped")
	}
	return p.buf, func() { p.mapped.Store(false) }
}

// Bytes returns the page's backing array without the scoped-mapping
// discipline, for internal callers (bio, journal) that already hold the
// page's sole reference for the duration of one I/O.
func (p *Page) Bytes() []byte {
	return p.buf
}
