// Package filecache persists the object code of compiled modules across
// processes, keyed by a hash of everything the code was compiled from.
package filecache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Key identifies an entry: the SHA-256 of the inputs the object code was
// compiled from.
type Key [sha256.Size]byte

// NewKey hashes parts into a Key. Each part is length-prefixed, so moving a
// byte from one part to the next changes the key.
func NewKey(parts ...[]byte) Key {
	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	var k Key
	h.Sum(k[:0])
	return k
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Cache is the object code cache consulted before compiling a module.
//
// Implementations must be safe for concurrent use. Errors are the
// implementation's to report: a failed Lookup is a miss, and a failed
// Insert is dropped.
type Cache interface {
	// Lookup returns the object code inserted for key, if any. The returned
	// slice must not be modified.
	Lookup(key Key) (objectCode []byte, ok bool)
	// Insert stores objectCode for key, replacing any previous entry.
	Insert(key Key, objectCode []byte)
}
