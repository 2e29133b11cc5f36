package netdb

import "sync"

// RouterRecord is a shared, interior-mutable handle on one router's
// descriptor. The core treats the descriptor payload (RawBuffer) as an
// opaque byte buffer — parsing the real I2P router-info wire format is
// explicitly out of scope (spec §1); only the bookkeeping fields below
// are interpreted.
type RouterRecord struct {
	Identity IdentityHash

	mu                  sync.RWMutex
	rawBuffer           []byte
	lastUpdateTimestamp int64 // ms since epoch
	isFloodfill         bool
	isUnreachable       bool
	usesIntroducer      bool
	updated             bool
}

// NewRouterRecord constructs a record from an initial buffer.
func NewRouterRecord(identity IdentityHash, buf []byte, timestampMs int64, floodfill, usesIntroducer bool) *RouterRecord {
	return &RouterRecord{
		Identity:            identity,
		rawBuffer:           append([]byte(nil), buf...),
		lastUpdateTimestamp: timestampMs,
		isFloodfill:         floodfill,
		usesIntroducer:      usesIntroducer,
		updated:             true,
	}
}

// UpdateIfNewer replaces the buffer and advances the timestamp only if
// timestampMs is strictly newer than the record's current timestamp.
// Returns true if the update was applied.
func (r *RouterRecord) UpdateIfNewer(buf []byte, timestampMs int64, floodfill, usesIntroducer bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if timestampMs <= r.lastUpdateTimestamp {
		return false
	}
	r.rawBuffer = append([]byte(nil), buf...)
	r.lastUpdateTimestamp = timestampMs
	r.isFloodfill = floodfill
	r.usesIntroducer = usesIntroducer
	r.updated = true
	return true
}

// RawBuffer returns a copy of the opaque descriptor payload.
func (r *RouterRecord) RawBuffer() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.rawBuffer...)
}

// DropBuffer frees the in-memory buffer, e.g. after persisting it to
// disk (spec §4.D's save_updated).
func (r *RouterRecord) DropBuffer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rawBuffer = nil
}

// LastUpdateTimestamp returns the last-update time in ms since epoch.
func (r *RouterRecord) LastUpdateTimestamp() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastUpdateTimestamp
}

// IsFloodfill reports whether this router volunteers to serve NetDB
// queries.
func (r *RouterRecord) IsFloodfill() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isFloodfill
}

// IsUnreachable reports whether this router has been marked
// unreachable (and therefore excluded from the flood-fill list).
func (r *RouterRecord) IsUnreachable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isUnreachable
}

// MarkUnreachable marks the record unreachable.
func (r *RouterRecord) MarkUnreachable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isUnreachable = true
}

// UsesIntroducer reports whether the router relies on an introducer to
// be reached (used by the staleness rules of spec §4.D).
func (r *RouterRecord) UsesIntroducer() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usesIntroducer
}

// Updated reports the dirty flag consulted by save_updated; ClearUpdated
// clears it.
func (r *RouterRecord) Updated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updated
}

// ClearUpdated clears the dirty flag.
func (r *RouterRecord) ClearUpdated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = false
}
