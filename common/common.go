// Package common holds the handful of constants shared by every layer of
// the volume: block sizing, chunk sizing, and the on-disk hash width.
package common

// DefaultBlockSize is the block size used when a caller does not pick one
// explicitly at Format time. It matches a typical host page size (4096
// bytes).
const DefaultBlockSize uint64 = 4096

// MinBlockSize is the smallest block size Format will accept. Below this
// a JournalHeader or TxBlock no longer fits in a single block.
const MinBlockSize uint64 = 512

// ChunkSize is the fixed size of a chunk's payload region, in bytes. Taken
// from original_source/golang/client.go's ReqChunkWrite.Data array.
const ChunkSize uint64 = 65536

// HashSize is the width, in bytes, of every on-disk hash field (journal
// header, tx blocks, superblock, chunk-table header). Fixed at 32 bytes per
// spec.md's explicit instruction to pick one width and document it; only
// the low 8 bytes carry the xxHash64 digest, the rest is zero padding that
// is still covered by the integrity check. See DESIGN.md.
const HashSize = 32
