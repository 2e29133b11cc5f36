package netdb

import (
	"sync"
	"time"
)

// lookupMaxAge is how long a pending lookup may live before it is
// considered exhausted (spec §3, §7e).
const lookupMaxAge = 60 * time.Second

// maxExcludedFloodfills bounds how many flood-fills a single targeted
// lookup may walk through before giving up (spec §4.F manage_requests,
// §8 scenario S6).
const maxExcludedFloodfills = 7

// OnLookupComplete is invoked exactly once when a pending lookup
// resolves, with the found router record, or nil on failure/timeout.
// A lookup resolved by an arriving lease set also receives nil, since a
// lease set is not a RouterRecord.
type OnLookupComplete func(*RouterRecord)

// PendingLookup tracks one in-flight NetDB lookup for a destination.
type PendingLookup struct {
	Destination   IdentityHash
	IsExploratory bool
	CreatedAt     time.Time

	mu       sync.Mutex
	excluded map[IdentityHash]struct{}
	done     bool
	onDone   OnLookupComplete
}

// NewPendingLookup creates a fresh lookup state.
func NewPendingLookup(destination IdentityHash, exploratory bool, onDone OnLookupComplete) *PendingLookup {
	return &PendingLookup{
		Destination:   destination,
		IsExploratory: exploratory,
		CreatedAt:     time.Now(),
		excluded:      make(map[IdentityHash]struct{}),
		onDone:        onDone,
	}
}

// Excluded returns a copy of the excluded-peer set.
func (p *PendingLookup) Excluded() map[IdentityHash]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[IdentityHash]struct{}, len(p.excluded))
	for k := range p.excluded {
		out[k] = struct{}{}
	}
	return out
}

// ExcludedCount reports how many peers have been excluded so far.
func (p *PendingLookup) ExcludedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.excluded)
}

// Exclude adds a peer to the excluded set, e.g. after it fails to
// answer or is revisited.
func (p *PendingLookup) Exclude(peer IdentityHash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.excluded[peer] = struct{}{}
}

// Exhausted reports whether the lookup has aged past lookupMaxAge or
// walked maxExcludedFloodfills flood-fills without success.
func (p *PendingLookup) Exhausted() bool {
	if time.Since(p.CreatedAt) > lookupMaxAge {
		return true
	}
	return p.ExcludedCount() >= maxExcludedFloodfills
}

// Complete resolves the lookup, invoking the completion callback exactly
// once. Calling Complete more than once is a no-op.
func (p *PendingLookup) Complete(found *RouterRecord) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	cb := p.onDone
	p.mu.Unlock()

	if cb != nil {
		cb(found)
	}
}

// PendingLookups is the thread-safe registry of in-flight lookups,
// keyed by destination (spec component E).
type PendingLookups struct {
	mu      sync.Mutex
	entries map[IdentityHash]*PendingLookup
}

// NewPendingLookups returns an empty registry.
func NewPendingLookups() *PendingLookups {
	return &PendingLookups{entries: make(map[IdentityHash]*PendingLookup)}
}

// Start registers a new pending lookup, replacing any existing one for
// the same destination.
func (pl *PendingLookups) Start(lookup *PendingLookup) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.entries[lookup.Destination] = lookup
}

// Get returns the pending lookup for destination, if any.
func (pl *PendingLookups) Get(destination IdentityHash) (*PendingLookup, bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, ok := pl.entries[destination]
	return l, ok
}

// Remove deletes the pending lookup for destination.
func (pl *PendingLookups) Remove(destination IdentityHash) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	delete(pl.entries, destination)
}

// Resolve completes and removes the lookup for destination, if one
// exists. Returns true if a lookup was found.
func (pl *PendingLookups) Resolve(destination IdentityHash, found *RouterRecord) bool {
	pl.mu.Lock()
	l, ok := pl.entries[destination]
	if ok {
		delete(pl.entries, destination)
	}
	pl.mu.Unlock()

	if !ok {
		return false
	}
	l.Complete(found)
	return true
}

// ExpireAged completes (with nil) and removes every exhausted lookup:
// older than lookupMaxAge, or having excluded maxExcludedFloodfills
// flood-fills. Returns the destinations that were expired.
func (pl *PendingLookups) ExpireAged() []IdentityHash {
	pl.mu.Lock()
	var aged []*PendingLookup
	var keys []IdentityHash
	for k, l := range pl.entries {
		if l.Exhausted() {
			aged = append(aged, l)
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		delete(pl.entries, k)
	}
	pl.mu.Unlock()

	for _, l := range aged {
		l.Complete(nil)
	}
	return keys
}

// Snapshot returns all currently pending lookups.
func (pl *PendingLookups) Snapshot() []*PendingLookup {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	out := make([]*PendingLookup, 0, len(pl.entries))
	for _, l := range pl.entries {
		out = append(out, l)
	}
	return out
}
