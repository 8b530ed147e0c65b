// Package chunktable implements the on-disk chunk directory: a header
// block plus a packed array of fixed-size slots mapping a chunk's GUID to
// its home block range, kept in sync with an in-memory map and mutated
// only inside a journal transaction, following a decode-mutate-re-encode-
// journal discipline for every write.
package chunktable

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/tchajed/marshal"

	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/common"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/journal"
	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// chunkTableMagic identifies a formatted chunk-table header block.
const chunkTableMagic uint64 = 0x4b53544f52434e54 // "KSTORCNT"

// slotSize is the encoded width of one Slot on disk: GUID + HomeBlock +
// BlockCount + Used.
const slotSize = guid.Size + 8 + 8 + 8

// header offsets within block 0 of the chunk-table region.
const (
	hdrMagicOff         = 0
	hdrSlotCountOff     = 8
	hdrNextHomeBlockOff = 16
	hdrHashOff          = 24
)

// Location is the home region assigned to one chunk.
type Location struct {
	HomeBlock  uint64
	BlockCount uint64
}

// slot is the on-disk and in-memory record for one directory entry.
type slot struct {
	id    guid.GUID
	loc   Location
	used  bool
}

func putU64(buf []byte, off int, v uint64) {
	enc := marshal.NewEnc(8)
	enc.PutInt(v)
	copy(buf[off:off+8], enc.Finish())
}

func getU64(buf []byte, off int) uint64 {
	return marshal.NewDec(buf[off : off+8]).GetInt()
}

func writeHash(buf []byte, hashOff int) {
	sum := xxhash.Sum64(buf[:hashOff])
	var h [common.HashSize]byte
	putU64(h[:], 0, sum)
	copy(buf[hashOff:hashOff+common.HashSize], h[:])
}

func verifyHash(buf []byte, hashOff int) bool {
	sum := xxhash.Sum64(buf[:hashOff])
	var want [common.HashSize]byte
	putU64(want[:], 0, sum)
	got := buf[hashOff : hashOff+common.HashSize]
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

func encodeSlot(buf []byte, off int, s slot) {
	id := s.id.Bytes()
	copy(buf[off:off+guid.Size], id[:])
	putU64(buf, off+guid.Size, s.loc.HomeBlock)
	putU64(buf, off+guid.Size+8, s.loc.BlockCount)
	used := uint64(0)
	if s.used {
		used = 1
	}
	putU64(buf, off+guid.Size+16, used)
}

func decodeSlot(buf []byte, off int) slot {
	var idBytes [guid.Size]byte
	copy(idBytes[:], buf[off:off+guid.Size])
	return slot{
		id: guid.FromBytes(idBytes),
		loc: Location{
			HomeBlock:  getU64(buf, off+guid.Size),
			BlockCount: getU64(buf, off+guid.Size+8),
		},
		used: getU64(buf, off+guid.Size+16) != 0,
	}
}

// Table is the chunk directory for one volume: the on-disk region
// [start, start+size) on device, plus an in-memory GUID→Location mirror.
type Table struct {
	device    blockdev.Device
	blockSize uint64
	start     uint64
	size      uint64

	slotsPerBlock int
	maxSlots      int

	mu           sync.RWMutex
	index        map[guid.GUID]int // id -> slot number
	slots        []slot
	nextHomeBlock uint64
	reserved     map[int]bool // slot numbers claimed by a Create whose tx hasn't resolved yet
}

// Open constructs a Table bound to device, not yet formatted or loaded.
func Open(device blockdev.Device, blockSize uint64) *Table {
	t := &Table{device: device, blockSize: blockSize}
	t.slotsPerBlock = int(blockSize) / slotSize
	return t
}

func (t *Table) newPage() (*page.Page, error) {
	return page.New(int(t.blockSize))
}

// Format initializes an empty chunk-table region at [start, start+size),
// with the home-block allocator starting immediately after the region.
func (t *Table) Format(start, size uint64, firstHomeBlock uint64) error {
	if size < 2 {
		return kerr.New(kerr.InvalidValue)
	}
	t.start = start
	t.size = size
	t.maxSlots = (int(size) - 1) * t.slotsPerBlock
	t.slots = make([]slot, t.maxSlots)
	t.index = make(map[guid.GUID]int)
	t.reserved = make(map[int]bool)
	t.nextHomeBlock = firstHomeBlock

	return t.flushAll()
}

// Load reads the header and every slot block back into memory, rebuilding
// the GUID index.
func (t *Table) Load(start, size uint64) error {
	t.start = start
	t.size = size
	t.maxSlots = (int(size) - 1) * t.slotsPerBlock

	hp, err := t.newPage()
	if err != nil {
		return err
	}
	if err := t.device.ReadAt(hp, int64(start*t.blockSize)); err != nil {
		return kerr.Wrap(kerr.IoError, err, "chunktable: load header")
	}
	hbuf := hp.Bytes()
	if getU64(hbuf, hdrMagicOff) != chunkTableMagic {
		return kerr.New(kerr.BadMagic)
	}
	if !verifyHash(hbuf, hdrHashOff) {
		return kerr.New(kerr.DataCorrupt)
	}
	slotCount := getU64(hbuf, hdrSlotCountOff)
	if int(slotCount) != t.maxSlots {
		return kerr.New(kerr.DataCorrupt)
	}
	t.nextHomeBlock = getU64(hbuf, hdrNextHomeBlockOff)

	t.slots = make([]slot, t.maxSlots)
	t.index = make(map[guid.GUID]int)
	t.reserved = make(map[int]bool)

	for blk := uint64(1); blk < size; blk++ {
		p, err := t.newPage()
		if err != nil {
			return err
		}
		if err := t.device.ReadAt(p, int64((start+blk)*t.blockSize)); err != nil {
			return kerr.Wrap(kerr.IoError, err, "chunktable: load slot block")
		}
		buf := p.Bytes()
		for i := 0; i < t.slotsPerBlock; i++ {
			n := int(blk-1)*t.slotsPerBlock + i
			if n >= t.maxSlots {
				break
			}
			s := decodeSlot(buf, i*slotSize)
			t.slots[n] = s
			if s.used {
				t.index[s.id] = n
			}
		}
	}
	return nil
}

// Lookup returns the home-region Location of id, if present.
func (t *Table) Lookup(id guid.GUID) (Location, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.index[id]
	if !ok {
		return Location{}, false
	}
	return t.slots[n].loc, true
}

// blockRangeForSize returns how many blocks a chunk of common.ChunkSize
// bytes occupies at this table's block size.
func (t *Table) blockRangeForSize() uint64 {
	n := common.ChunkSize / t.blockSize
	if common.ChunkSize%t.blockSize != 0 {
		n++
	}
	return n
}

// Create assigns id a fresh home region and journals the new slot plus the
// updated allocator cursor through tx. The
// slot is only claimed against concurrent Create calls (via reserved) and
// the new id only becomes visible to Lookup once tx's outcome is known: a
// tx.OnComplete hook applies the slot/index mutation on success and simply
// releases the reservation on failure, so a canceled or failed Commit leaves
// the slots and index exactly as they were, per spec.md section 7's
// all-or-nothing requirement. The in-memory home-block cursor is advanced
// at once, so concurrent Creates never share a home region, and is not
// rolled back on failure; the skipped range is simply left unused. Callers
// must Commit (or Cancel) tx afterward; Create itself does neither.
func (t *Table) Create(tx *journal.Transaction, id guid.GUID) (Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.index[id]; exists {
		return Location{}, kerr.New(kerr.AlreadyExists)
	}

	n := -1
	for i, s := range t.slots {
		if !s.used && !t.reserved[i] {
			n = i
			break
		}
	}
	if n == -1 {
		return Location{}, kerr.New(kerr.NoMemory)
	}

	loc := Location{HomeBlock: t.nextHomeBlock, BlockCount: t.blockRangeForSize()}
	s := slot{id: id, loc: loc, used: true}

	if err := t.writeSlotTx(tx, n, s); err != nil {
		return Location{}, err
	}

	newNextHomeBlock := t.nextHomeBlock + loc.BlockCount
	if err := t.writeHeaderTx(tx, uint64(t.maxSlots), newNextHomeBlock); err != nil {
		return Location{}, err
	}

	t.reserved[n] = true
	t.nextHomeBlock = newNextHomeBlock

	tx.OnComplete(func(err error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.reserved, n)
		if err == nil {
			t.slots[n] = s
			t.index[id] = n
		}
	})

	return loc, nil
}

// Delete clears id's slot, journaled through tx. The mutation is only
// applied to slots/index from a tx.OnComplete hook once tx's outcome is
// known, so a canceled or failed Commit leaves id looked up as before. The
// home-region block range is not reclaimed (see DESIGN.md).
func (t *Table) Delete(tx *journal.Transaction, id guid.GUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, exists := t.index[id]
	if !exists {
		return kerr.New(kerr.NotFound)
	}

	cleared := slot{}
	if err := t.writeSlotTx(tx, n, cleared); err != nil {
		return err
	}

	tx.OnComplete(func(err error) {
		if err != nil {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.slots[n] = cleared
		delete(t.index, id)
	})

	return nil
}

func (t *Table) slotBlockAndOffset(n int) (block uint64, off int) {
	block = t.start + 1 + uint64(n/t.slotsPerBlock)
	off = (n % t.slotsPerBlock) * slotSize
	return block, off
}

// writeSlotTx re-reads the slot's containing block, patches slot n in
// place, and stages the whole block as one journal data write.
func (t *Table) writeSlotTx(tx *journal.Transaction, n int, s slot) error {
	block, off := t.slotBlockAndOffset(n)

	p, err := t.newPage()
	if err != nil {
		return err
	}
	if err := t.device.ReadAt(p, int64(block*t.blockSize)); err != nil {
		return kerr.Wrap(kerr.IoError, err, "chunktable: read slot block for update")
	}
	buf := p.Bytes()
	encodeSlot(buf, off, s)

	return tx.Write(block*t.blockSize, buf)
}

func (t *Table) writeHeaderTx(tx *journal.Transaction, slotCount, nextHomeBlock uint64) error {
	p, err := t.newPage()
	if err != nil {
		return err
	}
	p.Zero()
	buf := p.Bytes()
	putU64(buf, hdrMagicOff, chunkTableMagic)
	putU64(buf, hdrSlotCountOff, slotCount)
	putU64(buf, hdrNextHomeBlockOff, nextHomeBlock)
	writeHash(buf, hdrHashOff)

	return tx.Write(t.start*t.blockSize, buf)
}

// flushAll writes every block of the table directly (bypassing the
// journal), used only by Format to lay down the initial empty directory.
func (t *Table) flushAll() error {
	hp, err := t.newPage()
	if err != nil {
		return err
	}
	hp.Zero()
	hbuf := hp.Bytes()
	putU64(hbuf, hdrMagicOff, chunkTableMagic)
	putU64(hbuf, hdrSlotCountOff, uint64(t.maxSlots))
	putU64(hbuf, hdrNextHomeBlockOff, t.nextHomeBlock)
	writeHash(hbuf, hdrHashOff)
	if err := t.device.WriteAt(hp, int64(t.start*t.blockSize)); err != nil {
		return kerr.Wrap(kerr.IoError, err, "chunktable: format header")
	}

	for blk := uint64(1); blk < t.size; blk++ {
		p, err := t.newPage()
		if err != nil {
			return err
		}
		p.Zero()
		buf := p.Bytes()
		for i := 0; i < t.slotsPerBlock; i++ {
			n := int(blk-1)*t.slotsPerBlock + i
			if n >= t.maxSlots {
				break
			}
			encodeSlot(buf, i*slotSize, slot{})
		}
		if err := t.device.WriteAt(p, int64((t.start+blk)*t.blockSize)); err != nil {
			return kerr.Wrap(kerr.IoError, err, "chunktable: format slot block")
		}
	}
	return t.device.Flush()
}
