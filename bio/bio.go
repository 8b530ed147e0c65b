// Package bio implements a batched I/O submission pipeline: pages are added
// to a List, then Exec submits every page concurrently and waits for all of
// them (and, if any page requests it, a trailing Flush) to complete.
package bio

import (
	"sync"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// Bio is a single I/O descriptor: one device, one direction, one page, one
// byte offset, with optional FUA/FLUSH durability flags.
type Bio struct {
	device blockdev.Device
	write  bool
	page   *page.Page
	offset int64
	flush  bool

	err error
}

func (b *Bio) submit() {
	if b.write {
		b.err = b.device.WriteAt(b.page, b.offset)
	} else {
		b.err = b.device.ReadAt(b.page, b.offset)
	}
	if b.err == nil && b.flush {
		b.err = b.device.Flush()
	}
}

// Error reports the outcome of this bio after the enclosing BioList has
// executed. Calling it before Exec returns is meaningless.
func (b *Bio) Error() error {
	return b.err
}

// pool determines the allocation context a BioList stages its bios from.
// General lists allocate from the regular heap; NoIO lists draw from a
// sync.Pool so that staging a commit batch during memory pressure cannot
// recursively trigger the allocator's own I/O-triggering reclaim path —
// the Go analogue of spec.md's "no-I/O-recursion" BioList variant.
type pool int

const (
	poolGeneral pool = iota
	poolNoIO
)

var noIOPool = sync.Pool{New: func() any { return &Bio{} }}

// List is an ordered batch of pending bios for possibly several devices,
// executed together.
type List struct {
	kind  pool
	bios  []*Bio
}

// NewList builds a general-purpose BioList.
func NewList() *List {
	return &List{kind: poolGeneral}
}

// NewNoIOList builds a BioList whose Bio values are drawn from a
// pre-allocated pool, for use on paths (like the journal writer) that must
// not recurse into I/O while staging a batch.
func NewNoIOList() *List {
	return &List{kind: poolNoIO}
}

func (l *List) newBio() *Bio {
	if l.kind == poolNoIO {
		b := noIOPool.Get().(*Bio)
		*b = Bio{}
		return b
	}
	return &Bio{}
}

// AddRead appends a single-page read bio at byteOffset.
func (l *List) AddRead(device blockdev.Device, p *page.Page, byteOffset int64) error {
	return l.addIO(device, p, byteOffset, false)
}

// AddWrite appends a single-page write bio at byteOffset.
func (l *List) AddWrite(device blockdev.Device, p *page.Page, byteOffset int64) error {
	return l.addIO(device, p, byteOffset, true)
}

func (l *List) addIO(device blockdev.Device, p *page.Page, byteOffset int64, write bool) error {
	if p == nil {
		return kerr.New(kerr.InvalidValue)
	}
	b := l.newBio()
	b.device = device
	b.page = p
	b.offset = byteOffset
	b.write = write
	l.bios = append(l.bios, b)
	return nil
}

// SetFlush marks the most recently added bio as carrying the FUA+FLUSH
// durability barrier — the only barrier the core exposes, per spec.md
// section 4.2.
func (l *List) SetFlush() error {
	if len(l.bios) == 0 {
		return kerr.New(kerr.InvalidValue)
	}
	l.bios[len(l.bios)-1].flush = true
	return nil
}

// AddExec builds and synchronously executes a one-bio list.
func AddExec(device blockdev.Device, p *page.Page, byteOffset int64, write bool, flush bool) error {
	l := NewList()
	if err := l.addIO(device, p, byteOffset, write); err != nil {
		return err
	}
	if flush {
		if err := l.SetFlush(); err != nil {
			return err
		}
	}
	return l.Exec(true)
}

// Exec submits every bio in the list. If wait is true it blocks until every
// bio has completed and returns the first non-nil error encountered, in
// submission order; errors do not halt submission of the remaining bios.
func (l *List) Exec(wait bool) error {
	var wg sync.WaitGroup
	for _, b := range l.bios {
		wg.Add(1)
		go func(b *Bio) {
			defer wg.Done()
			b.submit()
		}(b)
	}

	if !wait {
		return nil
	}

	wg.Wait()

	var first error
	for _, b := range l.bios {
		if b.err != nil && first == nil {
			first = b.err
		}
	}

	if l.kind == poolNoIO {
		for _, b := range l.bios {
			noIOPool.Put(b)
		}
	}
	l.bios = nil

	return first
}
