package netdb

import (
	"bytes"
	"crypto/sha256"
	"time"
)

// RoutingKey maps an identity hash and a date to the daily-rotated key
// used for XOR-distance comparisons: SHA256(hash || "YYYYMMDD").
//
// Grounded on go-i2p-go-i2p/lib/netdb/kad.go's XOR-distance machinery;
// the daily rotation is this module's own addition per spec §4.B (the
// teacher has no equivalent since it never implements NetDB).
func RoutingKey(hash IdentityHash, at time.Time) IdentityHash {
	date := at.UTC().Format("20060102")
	h := sha256.New()
	h.Write(hash[:])
	h.Write([]byte(date))
	sum := h.Sum(nil)
	var out IdentityHash
	copy(out[:], sum)
	return out
}

// xorDistance computes the bitwise XOR of two hashes. Canonical
// implementation mirrors
// go-i2p-go-i2p/lib/netdb/kademlia_utils.go:CalculateXORDistance.
func xorDistance(a, b IdentityHash) [HashSize]byte {
	var d [HashSize]byte
	for i := 0; i < HashSize; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// lessDistance reports whether XOR-distance d1 is strictly closer
// (lexicographically smaller, big-endian byte comparison) than d2.
// Mirrors go-i2p-go-i2p/lib/netdb/kademlia_utils.go:CompareXORDistances.
func lessDistance(d1, d2 [HashSize]byte) bool {
	return bytes.Compare(d1[:], d2[:]) < 0
}

// ClosestFloodfill returns the flood-fill in floodfills minimizing
// RoutingKey(target) XOR floodfill.Hash, skipping unreachable or
// excluded entries. Returns false if no candidate qualifies. Ties are
// broken by iteration order (spec §4.B) — callers must tolerate either
// choice, so this simply keeps the first minimum it finds.
func ClosestFloodfill(target IdentityHash, floodfills []*RouterRecord, excluded map[IdentityHash]struct{}) (*RouterRecord, bool) {
	key := RoutingKey(target, time.Now())

	var best *RouterRecord
	var bestDist [HashSize]byte

	for _, ff := range floodfills {
		if ff == nil || ff.IsUnreachable() {
			continue
		}
		if _, skip := excluded[ff.Identity]; skip {
			continue
		}
		d := xorDistance(key, ff.Identity)
		if best == nil || lessDistance(d, bestDist) {
			best = ff
			bestDist = d
		}
	}
	return best, best != nil
}
