package journal

import (
	"github.com/cespare/xxhash/v2"
	"github.com/tchajed/marshal"

	"github.com/kstorage/kstor/common"
	"github.com/kstorage/kstor/guid"
	"github.com/kstorage/kstor/kerr"
	"github.com/kstorage/kstor/page"
)

// JournalMagic identifies a formatted journal header, per spec.md section 3.
const JournalMagic uint64 = 0x4b53544f524a4e4c // "KSTORJNL" read as a u64

// blockType discriminates the three kinds of on-disk tx block, per spec.md
// section 3. Unknown values yield InvalidValue on decode, per section 4.3.7.
type blockType uint64

const (
	txBegin  blockType = 1
	txData   blockType = 2
	txCommit blockType = 3
)

// commit-block State values.
const (
	txCommittedState uint64 = 1
)

// header offsets within a JournalHeader block.
const (
	hdrMagicOff = 0
	hdrSizeOff  = 8
	hdrHashOff  = 16
)

// txBlock offsets shared by all block types, followed by a type-specific
// field1/field2 pair and, for data blocks, a payload.
const (
	tbTxIdOff  = 0
	tbTypeOff  = guid.Size
	tbField1Off = tbTypeOff + 8
	tbField2Off = tbField1Off + 8
	tbDataOff   = tbField2Off + 8
)

// maxPayload returns how many payload bytes a single TxData block can carry
// for the given block size: the block minus the shared header and the
// trailing hash field.
func maxPayload(blockSize uint64) int {
	return int(blockSize) - tbDataOff - common.HashSize
}

func putUint64(buf []byte, off int, v uint64) {
	enc := marshal.NewEnc(8)
	enc.PutInt(v)
	copy(buf[off:off+8], enc.Finish())
}

func getUint64(buf []byte, off int) uint64 {
	dec := marshal.NewDec(buf[off : off+8])
	return dec.GetInt()
}

// computeHash returns the 32-byte on-disk hash field for buf[:hashOff],
// the xxHash64 digest in the low 8 bytes, little-endian, zero-padded to
// common.HashSize. See DESIGN.md's "Hash width" decision.
func computeHash(buf []byte, hashOff int) [common.HashSize]byte {
	var out [common.HashSize]byte
	sum := xxhash.Sum64(buf[:hashOff])
	putUint64(out[:], 0, sum)
	return out
}

func writeHash(buf []byte, hashOff int) {
	h := computeHash(buf, hashOff)
	copy(buf[hashOff:hashOff+common.HashSize], h[:])
}

func verifyHash(buf []byte, hashOff int) bool {
	want := computeHash(buf, hashOff)
	got := buf[hashOff : hashOff+common.HashSize]
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// header is the in-memory form of the on-disk JournalHeader (spec.md
// section 3).
type header struct {
	magic uint64
	size  uint64
}

func (h *header) encode(p *page.Page) {
	p.Zero()
	buf := p.Bytes()
	putUint64(buf, hdrMagicOff, h.magic)
	putUint64(buf, hdrSizeOff, h.size)
	writeHash(buf, hdrHashOff)
}

func decodeHeader(p *page.Page) (*header, error) {
	buf := p.Bytes()
	magic := getUint64(buf, hdrMagicOff)
	if magic != JournalMagic {
		return nil, kerr.New(kerr.BadMagic)
	}
	if !verifyHash(buf, hdrHashOff) {
		return nil, kerr.New(kerr.DataCorrupt)
	}
	return &header{magic: magic, size: getUint64(buf, hdrSizeOff)}, nil
}

// txBlock is the in-memory form of one on-disk journal block: a TxBegin,
// TxData, or TxCommit, per spec.md section 3.
type txBlock struct {
	txId   guid.GUID
	typ    blockType
	field1 uint64 // Position (data) / State (commit) / unused (begin)
	field2 uint64 // DataSize (data) / Time (commit) / unused (begin)
	data   []byte // only populated for TxData blocks
}

func (b *txBlock) encode(p *page.Page) error {
	p.Zero()
	buf := p.Bytes()
	id := b.txId.Bytes()
	copy(buf[tbTxIdOff:tbTxIdOff+guid.Size], id[:])
	putUint64(buf, tbTypeOff, uint64(b.typ))
	putUint64(buf, tbField1Off, b.field1)
	putUint64(buf, tbField2Off, b.field2)

	if b.typ == txData {
		if len(b.data) > maxPayload(uint64(p.Size())) {
			return kerr.New(kerr.InvalidValue)
		}
		copy(buf[tbDataOff:tbDataOff+len(b.data)], b.data)
	}

	hashOff := p.Size() - common.HashSize
	writeHash(buf, hashOff)
	return nil
}

func decodeTxBlock(p *page.Page) (*txBlock, error) {
	buf := p.Bytes()
	hashOff := p.Size() - common.HashSize
	if !verifyHash(buf, hashOff) {
		return nil, kerr.New(kerr.DataCorrupt)
	}

	var idBytes [guid.Size]byte
	copy(idBytes[:], buf[tbTxIdOff:tbTxIdOff+guid.Size])

	b := &txBlock{
		txId:   guid.FromBytes(idBytes),
		typ:    blockType(getUint64(buf, tbTypeOff)),
		field1: getUint64(buf, tbField1Off),
		field2: getUint64(buf, tbField2Off),
	}

	switch b.typ {
	case txBegin, txData, txCommit:
	default:
		return nil, kerr.New(kerr.InvalidValue)
	}

	if b.typ == txData {
		n := int(b.field2)
		if n < 0 || n > maxPayload(uint64(p.Size())) {
			return nil, kerr.New(kerr.DataCorrupt)
		}
		b.data = make([]byte, n)
		copy(b.data, buf[tbDataOff:tbDataOff+n])
	}

	return b, nil
}
