package netdb

import (
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store is the in-memory index of router records and lease sets plus
// the flood-fill peer list (spec component C). Grounded on
// go-i2p-go-i2p/lib/netdb/std.go's StdNetDB: per-map mutex, map-of-hash
// lookups.
type Store struct {
	routerMu sync.RWMutex
	routers  map[IdentityHash]*RouterRecord

	leaseMu sync.RWMutex
	leases  map[IdentityHash]*LeaseSet

	floodfillMu sync.RWMutex
	floodfills  []*RouterRecord

	lookups *PendingLookups
	decode  DescriptorDecoder
}

// DescriptorDecoder extracts the bookkeeping flags NetDB needs
// (flood-fill status, introducer dependence) from an opaque router
// descriptor buffer. Parsing the real descriptor format is out of scope
// for this module (spec §1: "cryptographic primitives... treated as
// pure functions"); callers inject the real decoder built on top of the
// router-info wire format.
type DescriptorDecoder func(raw []byte) (floodfill, usesIntroducer bool)

// NewStore returns an empty Store wired to lookups for resolving
// pending requests as records arrive.
func NewStore(lookups *PendingLookups) *Store {
	return &Store{
		routers: make(map[IdentityHash]*RouterRecord),
		leases:  make(map[IdentityHash]*LeaseSet),
		lookups: lookups,
	}
}

// SetDescriptorDecoder installs the decoder used by Load to recover
// flood-fill/introducer flags for records read back from disk, where
// only the opaque buffer (not the explicit flags AddRouter normally
// receives) is available.
func (s *Store) SetDescriptorDecoder(d DescriptorDecoder) {
	s.decode = d
}

// AddRouter inserts or updates the router record for hash. If a record
// already exists, it is updated only if buf is strictly newer
// (RouterRecord.UpdateIfNewer); otherwise a fresh record is inserted and,
// if it is a flood-fill, appended to the flood-fill list. Either way,
// any pending lookup for hash is resolved with the resulting record.
func (s *Store) AddRouter(hash IdentityHash, buf []byte, timestampMs int64, floodfill, usesIntroducer bool) *RouterRecord {
	s.routerMu.Lock()
	existing, ok := s.routers[hash]
	var record *RouterRecord
	if ok {
		if existing.UpdateIfNewer(buf, timestampMs, floodfill, usesIntroducer) {
			log.Debug().Str("hash", hash.String()).Msg("netdb: updated router record")
		}
		record = existing
	} else {
		record = NewRouterRecord(hash, buf, timestampMs, floodfill, usesIntroducer)
		s.routers[hash] = record
		log.Debug().Str("hash", hash.String()).Msg("netdb: inserted new router record")
	}
	s.routerMu.Unlock()

	if !ok && floodfill {
		s.floodfillMu.Lock()
		s.floodfills = append(s.floodfills, record)
		s.floodfillMu.Unlock()
	}

	if s.lookups != nil {
		s.lookups.Resolve(hash, record)
	}
	return record
}

// AddLeaseSet inserts or updates the lease set for hash. Per spec §4.C
// and §9 Open Question (b), an update arriving over a tunnel
// (fromTunnel != nil) is rejected outright — unsolicited, tunnel-carried
// lease-set publication is treated as the intended defense against
// forged leases, not a bug.
func (s *Store) AddLeaseSet(hash IdentityHash, leases []Lease, fromTunnel *IdentityHash) bool {
	if fromTunnel != nil {
		log.Warn().Str("hash", hash.String()).Msg("netdb: rejected tunnel-delivered leaseset update")
		return false
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if existing, ok := s.leases[hash]; ok {
		existing.Replace(leases)
		return true
	}
	s.leases[hash] = NewLeaseSet(hash, leases)
	return true
}

// FindRouter returns the router record for hash, if known.
func (s *Store) FindRouter(hash IdentityHash) (*RouterRecord, bool) {
	s.routerMu.RLock()
	defer s.routerMu.RUnlock()
	r, ok := s.routers[hash]
	return r, ok
}

// FindLeaseSet returns the lease set for hash, if known.
func (s *Store) FindLeaseSet(hash IdentityHash) (*LeaseSet, bool) {
	s.leaseMu.RLock()
	defer s.leaseMu.RUnlock()
	ls, ok := s.leases[hash]
	return ls, ok
}

// Floodfills returns a snapshot of the current flood-fill list.
func (s *Store) Floodfills() []*RouterRecord {
	s.floodfillMu.RLock()
	defer s.floodfillMu.RUnlock()
	return append([]*RouterRecord(nil), s.floodfills...)
}

// removeFloodfill drops hash from the flood-fill list, if present.
func (s *Store) removeFloodfill(hash IdentityHash) {
	s.floodfillMu.Lock()
	defer s.floodfillMu.Unlock()
	for i, ff := range s.floodfills {
		if ff.Identity.Equal(hash) {
			s.floodfills = append(s.floodfills[:i], s.floodfills[i+1:]...)
			return
		}
	}
}

// RemoveRouter deletes hash from both the router map and the flood-fill
// list, e.g. once it has been marked unreachable and evicted by
// persistence (spec §4.D).
func (s *Store) RemoveRouter(hash IdentityHash) {
	s.routerMu.Lock()
	delete(s.routers, hash)
	s.routerMu.Unlock()
	s.removeFloodfill(hash)
}

// RouterCount returns the number of known router records.
func (s *Store) RouterCount() int {
	s.routerMu.RLock()
	defer s.routerMu.RUnlock()
	return len(s.routers)
}

// AllRouters returns a snapshot of every known router record.
func (s *Store) AllRouters() []*RouterRecord {
	s.routerMu.RLock()
	defer s.routerMu.RUnlock()
	out := make([]*RouterRecord, 0, len(s.routers))
	for _, r := range s.routers {
		out = append(out, r)
	}
	return out
}

// GetRandomRouter draws a uniform index into the router map and scans
// forward for the first entry satisfying filter; if none is found by
// wraparound to the start, it restarts once from zero, then gives up.
// Mirrors spec §4.C exactly.
func (s *Store) GetRandomRouter(filter func(*RouterRecord) bool) (*RouterRecord, bool) {
	s.routerMu.RLock()
	defer s.routerMu.RUnlock()

	n := len(s.routers)
	if n == 0 {
		return nil, false
	}

	all := make([]*RouterRecord, 0, n)
	for _, r := range s.routers {
		all = append(all, r)
	}

	start := rand.Intn(n)
	for i := start; i < n; i++ {
		if filter == nil || filter(all[i]) {
			return all[i], true
		}
	}
	for i := 0; i < start; i++ {
		if filter == nil || filter(all[i]) {
			return all[i], true
		}
	}
	return nil, false
}
