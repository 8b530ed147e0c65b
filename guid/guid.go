// Package guid implements the 128-bit identifier used for volumes,
// transactions and chunks throughout the repository (spec.md section 3).
package guid

import (
	"github.com/google/uuid"

	"github.com/kstorage/kstor/kerr"
)

// Size is the width, in bytes, of a GUID on the wire and on disk.
const Size = 16

// GUID is a 128-bit identifier. The zero value is Nil and is never returned
// by New.
type GUID struct {
	u uuid.UUID
}

// Nil is the reserved all-zero GUID.
var Nil = GUID{}

// New generates a random GUID, backed by uuid.NewRandom (crypto/rand under
// the hood) rather than this package hand-rolling entropy collection.
func New() (GUID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Nil, kerr.Wrap(kerr.NoMemory, err, "guid: generate")
	}
	return GUID{u: u}, nil
}

// FromBytes reinterprets a 16-byte array as a GUID, for disk/wire round
// trips.
func FromBytes(b [Size]byte) GUID {
	var u uuid.UUID
	copy(u[:], b[:])
	return GUID{u: u}
}

// Bytes returns the GUID's raw 16-byte representation.
func (g GUID) Bytes() [Size]byte {
	var b [Size]byte
	copy(b[:], g.u[:])
	return b
}

// String formats the GUID in canonical textual form.
func (g GUID) String() string {
	return g.u.String()
}

// IsNil reports whether g is the reserved all-zero GUID.
func (g GUID) IsNil() bool {
	return g == Nil
}

// Equal reports whether two GUIDs carry the same value.
func (g GUID) Equal(other GUID) bool {
	return g == other
}
