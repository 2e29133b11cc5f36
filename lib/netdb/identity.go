// Package netdb implements the distributed key->record store of router
// descriptors and destination lease sets (components B-F of the spec):
// the XOR routing metric, the thread-safe in-memory store, sharded disk
// persistence, pending-lookup bookkeeping, and the single-worker engine
// that dispatches DatabaseStore/DatabaseSearchReply/DatabaseLookup
// messages.
package netdb

import (
	"bytes"
	"encoding/hex"
)

// HashSize is the fixed width of an IdentityHash.
const HashSize = 32

// IdentityHash is the 32-byte identifier of a router or destination.
// Equality and XOR-ordering are defined on the raw bytes.
type IdentityHash [HashSize]byte

// Bytes returns the hash's raw bytes.
func (h IdentityHash) Bytes() []byte {
	return h[:]
}

// String renders the hash as hex, for logging.
func (h IdentityHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal reports whether two hashes are byte-identical.
func (h IdentityHash) Equal(o IdentityHash) bool {
	return bytes.Equal(h[:], o[:])
}

// HashFromBytes copies b (which must be exactly HashSize long) into a
// new IdentityHash.
func HashFromBytes(b []byte) (IdentityHash, bool) {
	var h IdentityHash
	if len(b) != HashSize {
		return h, false
	}
	copy(h[:], b)
	return h, true
}
