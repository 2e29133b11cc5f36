package netdb

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/go-i2p/go-router-core/lib/mqueue"
	"github.com/go-i2p/go-router-core/lib/tunnel"
	"github.com/rs/zerolog/log"
)

const (
	idleQueueTimeout   = 15 * time.Second
	publishInterval    = 40 * time.Minute
	exploreInterval    = 30 * time.Second
	exploreIntervalBig = 90 * time.Second
	largeNetworkExplor = 2500
	manageRetryAfter   = 5 * time.Second
	manageGiveUpAfter  = 60 * time.Second
)

// Sender delivers a raw NetDB message either directly to a peer's
// transport address or through a tunnel. Direct delivery is a link-layer
// concern spec §1 places out of scope; this interface is the injected
// seam.
type Sender interface {
	SendDirect(peer *RouterRecord, msg Message) error
}

// Engine is the single-worker NetDB event loop (spec component F):
// dispatches inbound DatabaseStore/DatabaseSearchReply/DatabaseLookup
// messages, publishes our own record, issues exploratory lookups, and
// times out pending lookups. Grounded on
// go-i2p-go-streaming/manager.go's single-goroutine, ticker-driven
// processing loop — the only structural precedent in the pack for a
// cooperative single-worker message loop, since the teacher never
// implements NetDB itself.
type Engine struct {
	ourHash IdentityHash
	store   *Store
	lookups *PendingLookups
	queue   *mqueue.Queue
	dataDir string

	exploratory tunnel.Pool
	sender      Sender

	ownRecord func() []byte // returns our current, gzip-ready router record bytes

	lastSave    time.Time
	lastPublish time.Time
	lastExplore time.Time
	usedForExploration map[IdentityHash]struct{}
}

// NewEngine constructs an Engine. ownRecord supplies our own descriptor
// bytes on demand for publish()/explore() piggybacking.
func NewEngine(ourHash IdentityHash, store *Store, lookups *PendingLookups, queue *mqueue.Queue, dataDir string, exploratory tunnel.Pool, sender Sender, ownRecord func() []byte) *Engine {
	now := time.Now()
	return &Engine{
		ourHash:             ourHash,
		store:               store,
		lookups:             lookups,
		queue:               queue,
		dataDir:             dataDir,
		exploratory:         exploratory,
		sender:              sender,
		ownRecord:           ownRecord,
		lastSave:            now,
		lastPublish:         now,
		lastExplore:         now,
		usedForExploration:  make(map[IdentityHash]struct{}),
	}
}

// Run executes the engine loop until ctx is cancelled. Intended to be
// the body of the single NetDB worker goroutine (spec §5).
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := e.queue.GetWithTimeout(idleQueueTimeout)
		if ok {
			e.dispatch(msg)
		} else {
			e.manageRequests()
		}

		now := time.Now()
		if now.Sub(e.lastSave) >= saveInterval {
			e.lastSave = now
			if err := e.store.SaveUpdated(e.dataDir); err != nil {
				log.Warn().Err(err).Msg("netdb: save_updated failed")
			}
			e.manageLeaseSets()
		}
		if now.Sub(e.lastPublish) >= publishInterval {
			e.lastPublish = now
			e.publish()
		}
		if now.Sub(e.lastExplore) >= e.exploreEvery() {
			e.lastExplore = now
			e.explore(e.exploreCount())
		}
	}
}

func (e *Engine) exploreEvery() time.Duration {
	if e.store.RouterCount() >= largeNetworkExplor {
		return exploreIntervalBig
	}
	return exploreInterval
}

// exploreCount clamps 800/routerCount into [1,9] per spec §4.F.
func (e *Engine) exploreCount() int {
	count := e.store.RouterCount()
	if count <= 0 {
		return 9
	}
	n := 800 / count
	if n < 1 {
		n = 1
	}
	if n > 9 {
		n = 9
	}
	return n
}

func (e *Engine) dispatch(raw any) {
	msg, ok := raw.(Message)
	if !ok {
		log.Warn().Msg("netdb: dropped message of unexpected type from queue")
		return
	}
	switch msg.Type {
	case MsgTypeDatabaseStore:
		e.handleStore(msg)
	case MsgTypeDatabaseSearchReply:
		e.handleSearchReply(msg)
	case MsgTypeDatabaseLookup:
		e.handleLookup(msg)
	default:
		log.Debug().Int("type", msg.Type).Msg("netdb: forwarding non-DB message to generic I2NP handler")
	}
}

// handleStore implements spec §4.F handle_store.
func (e *Engine) handleStore(msg Message) {
	parsed, err := ParseDatabaseStore(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("netdb: malformed DatabaseStore, dropping")
		return
	}

	switch parsed.Type {
	case StoreTypeRouterInfo:
		raw, err := GunzipRouterRecord(parsed.RouterRecordGzip)
		if err != nil {
			log.Warn().Err(err).Msg("netdb: failed to inflate router record, dropping")
			return
		}
		var floodfill, usesIntroducer bool
		if e.store.decode != nil {
			floodfill, usesIntroducer = e.store.decode(raw)
		}
		e.store.AddRouter(parsed.Key, raw, time.Now().UnixMilli(), floodfill, usesIntroducer)
	case StoreTypeLeaseSet:
		destination, leases, err := ParseLeaseSetWire(parsed.LeaseSetPayload)
		if err != nil {
			log.Warn().Err(err).Msg("netdb: malformed leaseset payload, dropping")
			return
		}
		// A DatabaseStore carries no tunnel-origin label at this layer,
		// so fromTunnel is always nil here. AddLeaseSet's rejection of
		// tunnel-delivered lease sets applies only to callers that pass
		// a non-nil fromTunnel (spec §4.C / §9 Open Question b).
		e.store.AddLeaseSet(destination, leases, nil)
		e.lookups.Resolve(destination, nil)
	}
}

// handleLookup implements spec §4.F handle_lookup.
func (e *Engine) handleLookup(msg Message) {
	parsed, err := ParseDatabaseLookup(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("netdb: malformed DatabaseLookup, dropping")
		return
	}

	if record, ok := e.store.FindRouter(parsed.Target); ok {
		e.replyWithStore(parsed, buildRouterInfoStore(parsed.Target, record))
		return
	}
	if ls, ok := e.store.FindLeaseSet(parsed.Target); ok {
		e.replyWithStore(parsed, buildLeaseSetStore(parsed.Target, ls))
		return
	}

	excluded := make(map[IdentityHash]struct{}, len(parsed.Excluded))
	for _, h := range parsed.Excluded {
		excluded[h] = struct{}{}
	}
	candidates := closestNFloodfills(e.store.Floodfills(), parsed.Target, excluded, 3)
	reply := BuildDatabaseSearchReply(parsed.Target, candidates)
	e.replyWithStore(parsed, reply)
}

func (e *Engine) replyWithStore(lookup *ParsedDatabaseLookup, payload []byte) {
	if lookup.HasReplyTunnel {
		if lookup.HasSessionKey && len(lookup.Tags) > 0 {
			// First tag only, per spec §4.F.
			payload = wrapWithSessionTag(payload, lookup.SessionKey, lookup.Tags[0])
		}
		e.sendViaExploratoryTunnel(lookup.From, lookup.ReplyTunnelID, payload)
		return
	}
	e.sendDirect(lookup.From, payload)
}

// wrapWithSessionTag is a placeholder for the garlic/session-tag
// encryption spec §1 places out of scope (a pure-function
// collaborator); it is a no-op passthrough here since no such
// collaborator is wired into this module's interfaces.
func wrapWithSessionTag(payload []byte, _ [32]byte, _ []byte) []byte {
	return payload
}

func (e *Engine) sendViaExploratoryTunnel(to IdentityHash, tunnelID uint32, payload []byte) {
	if e.exploratory == nil {
		e.sendDirect(to, payload)
		return
	}
	ot, ok := e.exploratory.NextOutboundTunnel()
	if !ok {
		log.Warn().Msg("netdb: no exploratory outbound tunnel available, dropping reply")
		return
	}
	if err := ot.SendTo([32]byte(to), tunnelID, payload); err != nil {
		log.Warn().Err(err).Msg("netdb: failed to send via exploratory tunnel")
	}
}

func (e *Engine) sendDirect(to IdentityHash, payload []byte) {
	if e.sender == nil {
		return
	}
	record, ok := e.store.FindRouter(to)
	if !ok {
		log.Debug().Str("hash", to.String()).Msg("netdb: cannot send direct reply, peer unknown")
		return
	}
	if err := e.sender.SendDirect(record, Message{Type: MsgTypeDatabaseStore, Payload: payload}); err != nil {
		log.Warn().Err(err).Msg("netdb: direct send failed")
	}
}

// handleSearchReply implements spec §4.F handle_search_reply.
func (e *Engine) handleSearchReply(msg Message) {
	parsed, err := ParseDatabaseSearchReply(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("netdb: malformed DatabaseSearchReply, dropping")
		return
	}

	pending, ok := e.lookups.Get(parsed.Key)
	if !ok || len(parsed.Candidates) == 0 || pending.ExcludedCount() >= maxExcludedFloodfills {
		if ok {
			e.lookups.Resolve(parsed.Key, nil)
		}
	} else {
		excluded := pending.Excluded()
		next, found := ClosestFloodfill(parsed.Key, e.store.Floodfills(), excluded)
		if found {
			pending.Exclude(next.Identity)
			e.sendTargetedLookup(parsed.Key, next)
		} else {
			e.lookups.Resolve(parsed.Key, nil)
		}
	}

	for _, candidate := range parsed.Candidates {
		record, known := e.store.FindRouter(candidate)
		stale := known && time.Since(epochMsToTime(record.LastUpdateTimestamp())) > introducerStaleAge
		if !known || stale {
			e.enqueueExploratoryLookup(candidate)
		}
	}
}

// sendTargetedLookup issues the next targeted lookup toward peer,
// piggybacking our own router record so the flood-fill learns of us
// (spec §4.F handle_search_reply).
func (e *Engine) sendTargetedLookup(target IdentityHash, peer *RouterRecord) {
	lookupBody := buildLookupRequest(target, e.ourHash, nil)
	e.sendViaExploratoryTunnel(peer.Identity, 0, lookupBody)
	e.publishTo(peer)
}

// enqueueExploratoryLookup starts a RequestDestination-style
// exploratory lookup for an unfamiliar or stale candidate.
func (e *Engine) enqueueExploratoryLookup(target IdentityHash) {
	if _, exists := e.lookups.Get(target); exists {
		return
	}
	e.lookups.Start(NewPendingLookup(target, true, nil))
	if ff, ok := ClosestFloodfill(target, e.store.Floodfills(), nil); ok {
		e.sendViaExploratoryTunnel(ff.Identity, 0, buildLookupRequest(target, e.ourHash, nil))
	}
}

// publish pushes our router record to the three closest, disjoint
// flood-fills (spec §4.F publish, every 40 min).
func (e *Engine) publish() {
	closest := closestNFloodfills(e.store.Floodfills(), e.ourHash, nil, 3)
	for _, hash := range closest {
		record, ok := e.store.FindRouter(hash)
		if ok {
			e.publishTo(record)
		}
	}
}

func (e *Engine) publishTo(peer *RouterRecord) {
	if e.ownRecord == nil {
		return
	}
	raw := e.ownRecord()
	gz, err := GzipRouterRecord(raw)
	if err != nil {
		log.Warn().Err(err).Msg("netdb: failed to compress own record for publish")
		return
	}
	store := buildRouterInfoStoreRaw(e.ourHash, gz)
	e.sendViaExploratoryTunnel(peer.Identity, 0, store)
}

// explore generates numDestinations random keys and issues an
// exploratory lookup for each toward the closest not-yet-used
// flood-fill (spec §4.F explore).
func (e *Engine) explore(numDestinations int) {
	for i := 0; i < numDestinations; i++ {
		var target IdentityHash
		if _, err := rand.Read(target[:]); err != nil {
			continue
		}
		ff, ok := ClosestFloodfill(target, e.store.Floodfills(), e.usedForExploration)
		if !ok {
			e.usedForExploration = make(map[IdentityHash]struct{})
			continue
		}
		e.usedForExploration[ff.Identity] = struct{}{}
		e.lookups.Start(NewPendingLookup(target, true, nil))
		e.sendViaExploratoryTunnel(ff.Identity, 0, buildLookupRequest(target, e.ourHash, nil))
		e.publishTo(ff)
	}
}

// manageRequests retries stalled non-exploratory lookups against the
// next-closest flood-fill and drops any exploratory lookup revisited on
// an idle tick (spec §4.F manage_requests).
func (e *Engine) manageRequests() {
	for _, pending := range e.lookups.Snapshot() {
		if pending.IsExploratory {
			e.lookups.Remove(pending.Destination)
			continue
		}
		if time.Since(pending.CreatedAt) < manageRetryAfter {
			continue
		}
		if pending.Exhausted() {
			e.lookups.Resolve(pending.Destination, nil)
			continue
		}
		excluded := pending.Excluded()
		next, ok := ClosestFloodfill(pending.Destination, e.store.Floodfills(), excluded)
		if !ok {
			e.lookups.Resolve(pending.Destination, nil)
			continue
		}
		pending.Exclude(next.Identity)
		e.sendViaExploratoryTunnel(next.Identity, 0, buildLookupRequest(pending.Destination, e.ourHash, nil))
	}
}

// manageLeaseSets drops lease sets whose every lease has expired.
func (e *Engine) manageLeaseSets() {
	now := uint64(time.Now().UnixMilli())
	e.store.leaseMu.Lock()
	defer e.store.leaseMu.Unlock()
	for hash, ls := range e.store.leases {
		if len(ls.NonExpiredLeases(now)) == 0 {
			delete(e.store.leases, hash)
		}
	}
}

// closestNFloodfills returns up to n disjoint closest flood-fills to
// target, excluding the given set.
func closestNFloodfills(floodfills []*RouterRecord, target IdentityHash, excluded map[IdentityHash]struct{}, n int) []IdentityHash {
	chosen := make(map[IdentityHash]struct{}, len(excluded))
	for k := range excluded {
		chosen[k] = struct{}{}
	}
	var out []IdentityHash
	for len(out) < n {
		ff, ok := ClosestFloodfill(target, floodfills, chosen)
		if !ok {
			break
		}
		out = append(out, ff.Identity)
		chosen[ff.Identity] = struct{}{}
	}
	return out
}

func buildLookupRequest(target, from IdentityHash, excluded []IdentityHash) []byte {
	buf := make([]byte, 0, 65+2+len(excluded)*32)
	buf = append(buf, target[:]...)
	buf = append(buf, from[:]...)
	buf = append(buf, 0) // flags: no reply tunnel, no session key
	countBuf := [2]byte{}
	n := len(excluded)
	countBuf[0] = byte(n >> 8)
	countBuf[1] = byte(n)
	buf = append(buf, countBuf[:]...)
	for _, h := range excluded {
		buf = append(buf, h[:]...)
	}
	return buf
}

func buildRouterInfoStore(key IdentityHash, record *RouterRecord) []byte {
	gz, err := GzipRouterRecord(record.RawBuffer())
	if err != nil {
		return nil
	}
	return buildRouterInfoStoreRaw(key, gz)
}

func buildRouterInfoStoreRaw(key IdentityHash, gzipped []byte) []byte {
	buf := make([]byte, 0, 37+2+len(gzipped))
	buf = append(buf, key[:]...)
	buf = append(buf, byte(StoreTypeRouterInfo))
	buf = append(buf, 0, 0, 0, 0) // reply token = 0
	lenBuf := [2]byte{byte(len(gzipped) >> 8), byte(len(gzipped))}
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, gzipped...)
	return buf
}

func buildLeaseSetStore(key IdentityHash, ls *LeaseSet) []byte {
	payload := BuildLeaseSetWire(ls.Destination, ls.Leases())
	buf := make([]byte, 0, 37+len(payload))
	buf = append(buf, key[:]...)
	buf = append(buf, byte(StoreTypeLeaseSet))
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, payload...)
	return buf
}
