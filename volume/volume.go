// Package volume implements the superblock, the Format/Load/Unmount
// lifecycle, and chunk operations that coordinate the journal and chunk
// table under a shared volume lock. A Volume owns at most one mounted
// device at a time; Unmount releases it for the next Load.
package volume

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/tchajed/marshal"

	"github.com/kstorage/kstor/bio"
	"github.com/kstorage/kstor/blockdev"
	"github.com/kstorage/kstor/chunktable"
	"github.com/kstorage/kstor/common"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/journal"
	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// superblockMagic identifies a formatted volume.
const superblockMagic uint64 = 0x4b53544f52534256 // "KSTORSBV"

const superblockVersion uint64 = 1

// superblock field offsets.
const (
	sbMagicOff           = 0
	sbVersionOff         = 8
	sbVolumeIdOff        = 16
	sbBlockSizeOff       = sbVolumeIdOff + guid.Size // 32
	sbJournalStartOff    = sbBlockSizeOff + 8         // 40
	sbJournalSizeOff     = sbJournalStartOff + 8       // 48
	sbChunkTableStartOff = sbJournalSizeOff + 8        // 56
	sbChunkTableSizeOff  = sbChunkTableStartOff + 8    // 64
	sbHashOff            = sbChunkTableSizeOff + 8     // 72
)

// superblockProbeSize is how many bytes from device offset 0 Load needs to
// read to recover the superblock, independent of the volume's own block
// size (which Load does not yet know).
const superblockProbeSize = sbHashOff + common.HashSize

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

// superblock is the in-memory form of the one superblock block.
type superblock struct {
	volumeId        guid.GUID
	blockSize       uint64
	journalStart    uint64
	journalSize     uint64
	chunkTableStart uint64
	chunkTableSize  uint64
}

func (s *superblock) encode(p *page.Page) {
	p.Zero()
	buf := p.Bytes()
	putU64(buf, sbMagicOff, superblockMagic)
	putU64(buf, sbVersionOff, superblockVersion)
	id := s.volumeId.Bytes()
	copy(buf[sbVolumeIdOff:sbVolumeIdOff+guid.Size], id[:])
	putU64(buf, sbBlockSizeOff, s.blockSize)
	putU64(buf, sbJournalStartOff, s.journalStart)
	putU64(buf, sbJournalSizeOff, s.journalSize)
	putU64(buf, sbChunkTableStartOff, s.chunkTableStart)
	putU64(buf, sbChunkTableSizeOff, s.chunkTableSize)
	writeHash(buf, sbHashOff)
}

func decodeSuperblock(p *page.Page) (*superblock, error) {
	buf := p.Bytes()
	if getU64(buf, sbMagicOff) != superblockMagic {
		return nil, kerr.New(kerr.BadMagic)
	}
	if !verifyHash(buf, sbHashOff) {
		return nil, kerr.New(kerr.DataCorrupt)
	}
	var idBytes [guid.Size]byte
	copy(idBytes[:], buf[sbVolumeIdOff:sbVolumeIdOff+guid.Size])
	return &superblock{
		volumeId:        guid.FromBytes(idBytes),
		blockSize:       getU64(buf, sbBlockSizeOff),
		journalStart:    getU64(buf, sbJournalStartOff),
		journalSize:     getU64(buf, sbJournalSizeOff),
		chunkTableStart: getU64(buf, sbChunkTableStartOff),
		chunkTableSize:  getU64(buf, sbChunkTableSizeOff),
	}, nil
}

// defaultJournalBlocks and defaultChunkTableBlocks size the two on-disk
// regions a freshly formatted volume reserves, chosen generously enough for
// the concurrent-chunk-op scenarios in spec.md section 8.
const (
	defaultJournalBlocks     = 256
	defaultChunkTableBlocks  = 64
)

// Volume owns one block device, its journal, and its chunk table, all
// behind a single shared lock per spec.md section 4.4 / section 5.
type Volume struct {
	device blockdev.Device
	logger log.Logger

	mu sync.RWMutex
	sb *superblock
	jr *journal.Journal
	ct *chunktable.Table

	metrics *Metrics
}

// Open constructs a Volume bound to device, not yet formatted or loaded.
func Open(device blockdev.Device, logger log.Logger, metrics *Metrics) *Volume {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Volume{device: device, logger: log.With(logger, "component", "volume"), metrics: metrics}
}

// GetVolumeId returns the volume's GUID, valid after Format or Load.
func (v *Volume) GetVolumeId() guid.GUID {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.sb == nil {
		return guid.Nil
	}
	return v.sb.volumeId
}

// Format lays down a fresh superblock, journal, and chunk table at
// blockSize, per spec.md section 4.4.
func (v *Volume) Format(blockSize uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if blockSize < common.MinBlockSize {
		return kerr.New(kerr.BadSize)
	}

	id, err := guid.New()
	if err != nil {
		return err
	}

	sb := &superblock{
		volumeId:        id,
		blockSize:       blockSize,
		journalStart:    1,
		journalSize:     defaultJournalBlocks,
		chunkTableStart: 1 + defaultJournalBlocks,
		chunkTableSize:  defaultChunkTableBlocks,
	}

	jr := journal.Open(v.device, blockSize, v.logger, nil)
	if err := jr.Format(sb.journalStart, sb.journalSize); err != nil {
		return err
	}

	ct := chunktable.Open(v.device, blockSize)
	firstHomeBlock := sb.chunkTableStart + sb.chunkTableSize
	if err := ct.Format(sb.chunkTableStart, sb.chunkTableSize, firstHomeBlock); err != nil {
		return err
	}

	p, err := page.New(int(blockSize))
	if err != nil {
		return err
	}
	sb.encode(p)
	if err := bio.AddExec(v.device, p, 0, true, true); err != nil {
		return kerr.Wrap(kerr.IoError, err, "volume: write superblock")
	}

	v.sb = sb
	level.Info(v.logger).Log("msg", "formatted", "volume_id", id, "block_size", blockSize)
	return nil
}

// Load verifies the superblock, loads the journal (triggering replay), and
// loads the chunk table, per spec.md section 4.4.
func (v *Volume) Load() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, err := page.New(superblockProbeSize)
	if err != nil {
		return err
	}
	if err := v.device.ReadAt(p, 0); err != nil {
		return kerr.Wrap(kerr.IoError, err, "volume: read superblock")
	}
	sb, err := decodeSuperblock(p)
	if err != nil {
		return err
	}

	jr := journal.Open(v.device, sb.blockSize, v.logger, nil)
	if err := jr.Load(sb.journalStart); err != nil {
		return err
	}

	ct := chunktable.Open(v.device, sb.blockSize)
	if err := ct.Load(sb.chunkTableStart, sb.chunkTableSize); err != nil {
		jr.Stop()
		return err
	}

	v.sb = sb
	v.jr = jr
	v.ct = ct
	level.Info(v.logger).Log("msg", "loaded", "volume_id", sb.volumeId)
	return nil
}

// Unmount stops the journal's background writer and releases the device.
// It takes the volume's exclusive lock, so it first waits for every
// in-flight chunk operation, including its Commit, to finish; stopping the
// journal then cancels whatever is still pending in it.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.jr != nil {
		v.jr.Stop()
	}
	err := v.device.Close()
	v.jr = nil
	v.ct = nil
	v.sb = nil
	level.Info(v.logger).Log("msg", "unmounted")
	return err
}

func (v *Volume) homeByteOffset(loc chunktable.Location) int64 {
	return int64(loc.HomeBlock * v.sb.blockSize)
}

// ChunkCreate assigns id a fresh home region, journaling the chunk-table
// update, per spec.md section 4.4.
func (v *Volume) ChunkCreate(id guid.GUID) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.jr == nil {
		return kerr.New(kerr.InvalidState)
	}

	tx, err := v.jr.BeginTx()
	if err != nil {
		return err
	}

	if _, err := v.ct.Create(tx, id); err != nil {
		tx.Cancel()
		return err
	}

	if err := tx.Commit(); err != nil {
		v.metrics.chunkOpFailures.WithLabelValues("create").Inc()
		return err
	}
	v.metrics.chunksCreated.Inc()
	return nil
}

// ChunkDelete clears id's chunk-table slot, journaling the update.
func (v *Volume) ChunkDelete(id guid.GUID) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.jr == nil {
		return kerr.New(kerr.InvalidState)
	}

	tx, err := v.jr.BeginTx()
	if err != nil {
		return err
	}

	if err := v.ct.Delete(tx, id); err != nil {
		tx.Cancel()
		return err
	}

	if err := tx.Commit(); err != nil {
		v.metrics.chunkOpFailures.WithLabelValues("delete").Inc()
		return err
	}
	v.metrics.chunksDeleted.Inc()
	return nil
}

// ChunkWrite writes data to id's home region directly (not journaled); the
// journal only protects the chunk-table pointer, per spec.md section 4.4.
func (v *Volume) ChunkWrite(id guid.GUID, data []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.ct == nil {
		return kerr.New(kerr.InvalidState)
	}
	loc, ok := v.ct.Lookup(id)
	if !ok {
		return kerr.New(kerr.NotFound)
	}
	if uint64(len(data)) > loc.BlockCount*v.sb.blockSize {
		return kerr.New(kerr.BadSize)
	}

	list := bio.NewList()
	off := v.homeByteOffset(loc)
	for written := 0; written < len(data); written += int(v.sb.blockSize) {
		p, err := page.New(int(v.sb.blockSize))
		if err != nil {
			return err
		}
		end := written + int(v.sb.blockSize)
		if end > len(data) {
			end = len(data)
		}
		p.WriteAt(data[written:end], 0)
		if err := list.AddWrite(v.device, p, off+int64(written)); err != nil {
			return err
		}
	}
	if err := list.SetFlush(); err != nil {
		return err
	}
	if err := list.Exec(true); err != nil {
		v.metrics.chunkOpFailures.WithLabelValues("write").Inc()
		return kerr.Wrap(kerr.IoError, err, "volume: chunk write")
	}
	v.metrics.bytesWritten.Add(float64(len(data)))
	return nil
}

// ChunkRead reads id's full home region payload directly from disk.
func (v *Volume) ChunkRead(id guid.GUID) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.ct == nil {
		return nil, kerr.New(kerr.InvalidState)
	}
	loc, ok := v.ct.Lookup(id)
	if !ok {
		return nil, kerr.New(kerr.NotFound)
	}

	total := loc.BlockCount * v.sb.blockSize
	out := make([]byte, 0, total)
	off := v.homeByteOffset(loc)

	for read := uint64(0); read < total; read += v.sb.blockSize {
		p, err := page.New(int(v.sb.blockSize))
		if err != nil {
			return nil, err
		}
		if err := v.device.ReadAt(p, off+int64(read)); err != nil {
			v.metrics.chunkOpFailures.WithLabelValues("read").Inc()
			return nil, kerr.Wrap(kerr.IoError, err, "volume: chunk read")
		}
		out = append(out, p.Bytes()...)
	}
	v.metrics.bytesRead.Add(float64(len(out)))
	return out, nil
}
