package streaming

import (
	"sync"
	"time"

	cryptoed25519 "github.com/go-i2p/crypto/ed25519"
	"github.com/go-i2p/go-router-core/lib/netdb"
	"github.com/go-i2p/go-router-core/lib/tunnel"
	"github.com/rs/zerolog/log"
)

// AcceptorFunc is invoked on a newly accepted inbound stream. A nil
// acceptor means the destination does not listen; inbound SYNs create
// and immediately discard the stream.
type AcceptorFunc func(*Stream)

// StreamingDestination is a local addressable endpoint: an identity,
// its tunnel pool, and every live stream bound to it (spec §4.I).
// Grounded on go-i2p-go-streaming/manager.go's per-session connection
// map, trimmed of I2CP session plumbing and access-list/rate-limiting
// concerns that are out of scope here.
type StreamingDestination struct {
	mu sync.Mutex

	identityHash   netdb.IdentityHash
	publicIdentity []byte // raw 32-byte Ed25519 public key, used as FROM_INCLUDED
	signingKey     cryptoed25519.Ed25519PrivateKey

	tunnelPool     tunnel.Pool
	routingSession tunnel.RoutingSession
	store          *netdb.Store
	engine         *Engine

	isPublic bool

	leaseSet      *netdb.LeaseSet
	leaseSetWire  []byte
	leaseSetStale bool

	streams  map[uint32]*Stream
	acceptor AcceptorFunc
}

// NewStreamingDestination constructs a destination bound to the given
// identity and collaborators. Callers must still call engine.Register
// to make it reachable.
func NewStreamingDestination(
	identityHash netdb.IdentityHash,
	publicIdentity []byte,
	signingKey cryptoed25519.Ed25519PrivateKey,
	pool tunnel.Pool,
	routingSession tunnel.RoutingSession,
	store *netdb.Store,
	isPublic bool,
) *StreamingDestination {
	return &StreamingDestination{
		identityHash:   identityHash,
		publicIdentity: publicIdentity,
		signingKey:     signingKey,
		tunnelPool:     pool,
		routingSession: routingSession,
		store:          store,
		isPublic:       isPublic,
		leaseSetStale:  true,
		streams:        make(map[uint32]*Stream),
	}
}

// SetAcceptor registers the callback invoked on freshly accepted
// inbound streams (spec §4.I). Pass nil to stop listening.
func (d *StreamingDestination) SetAcceptor(fn AcceptorFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acceptor = fn
}

// HandleNextPacket implements spec §4.I's handle_next_packet: route to
// an existing stream by send_stream_id, or — for a zero send_stream_id
// — accept a new inbound stream and hand it to the acceptor.
func (d *StreamingDestination) HandleNextPacket(p *Packet) {
	d.mu.Lock()
	if p.SendStreamID != 0 {
		stream, ok := d.streams[p.SendStreamID]
		d.mu.Unlock()
		if !ok {
			log.Debug().Uint32("sendStreamID", p.SendStreamID).Msg("streaming: packet for unknown stream, dropping")
			return
		}
		stream.HandleNextPacket(p)
		return
	}
	d.mu.Unlock()

	stream, err := d.newInboundStream()
	if err != nil {
		log.Warn().Err(err).Msg("streaming: failed to accept inbound stream")
		return
	}
	stream.HandleNextPacket(p)

	d.mu.Lock()
	acceptor := d.acceptor
	d.mu.Unlock()

	if acceptor != nil {
		acceptor(stream)
	} else {
		d.mu.Lock()
		delete(d.streams, stream.recvStreamID)
		d.mu.Unlock()
	}
}

// CreateNewOutgoingStream implements spec §4.I's
// create_new_outgoing_stream: construct a Stream, register it, and
// return it. The caller's first Write issues the SYN.
func (d *StreamingDestination) CreateNewOutgoingStream(remoteHash netdb.IdentityHash) (*Stream, error) {
	id, err := generateRandomUint32Nonzero()
	if err != nil {
		return nil, err
	}
	stream, err := newStream(d, id, d.signingKey)
	if err != nil {
		return nil, err
	}
	stream.remoteHash = remoteHash
	stream.hasRemoteHash = true

	d.mu.Lock()
	d.streams[id] = stream
	d.mu.Unlock()
	return stream, nil
}

func (d *StreamingDestination) newInboundStream() (*Stream, error) {
	id, err := generateRandomUint32Nonzero()
	if err != nil {
		return nil, err
	}
	stream, err := newStream(d, id, d.signingKey)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streams[id] = stream
	d.mu.Unlock()
	return stream, nil
}

func (d *StreamingDestination) lookupStream(recvStreamID uint32) (*Stream, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[recvStreamID]
	return s, ok
}

// leaseValidityMs is how far in the future a freshly built lease's
// expiry is set. The spec leaves lease lifetime unspecified; this
// mirrors real I2P's ~10-minute tunnel lifetime.
const leaseValidityMs = 10 * 60 * 1000

// RemoveStream drops a stream from the destination's table, e.g. after
// Close completes.
func (d *StreamingDestination) RemoveStream(recvStreamID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, recvStreamID)
}

// GetLeaseSet implements spec §4.I's get_lease_set: lazily materialize
// the local lease set from the tunnel pool, republishing on staleness.
func (d *StreamingDestination) GetLeaseSet() *netdb.LeaseSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leaseSet == nil || d.leaseSetStale {
		d.rebuildLeaseSetLocked()
	}
	return d.leaseSet
}

func (d *StreamingDestination) rebuildLeaseSetLocked() {
	var leases []netdb.Lease
	now := uint64(time.Now().UnixMilli())
	for i := 0; i < 3; i++ {
		inbound, ok := d.tunnelPool.NextInboundTunnel()
		if !ok {
			break
		}
		leases = append(leases, netdb.Lease{
			TunnelGateway: netdb.IdentityHash(inbound.GatewayHash()),
			TunnelID:      inbound.TunnelID(),
			EndDateMs:     now + leaseValidityMs,
		})
	}
	d.leaseSet = netdb.NewLeaseSet(d.identityHash, leases)
	d.leaseSetWire = netdb.BuildLeaseSetWire(d.identityHash, leases)
	d.leaseSetStale = false

	if d.isPublic && d.store != nil {
		d.store.AddLeaseSet(d.identityHash, leases, nil)
	}
}

// SetLeaseSetUpdated implements spec §4.I's set_leaseset_updated:
// marks the cached lease set stale so the next GetLeaseSet rebuilds it,
// and flags every live stream as needing to attach it on next send.
func (d *StreamingDestination) SetLeaseSetUpdated() {
	d.mu.Lock()
	d.leaseSetStale = true
	streams := make([]*Stream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	d.mu.Unlock()

	for _, s := range streams {
		s.leasesetUpdated = true
	}
}

func (d *StreamingDestination) localIdentity() []byte {
	return d.publicIdentity
}

func (d *StreamingDestination) currentLeaseSetWire() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.leaseSet == nil || d.leaseSetStale {
		d.rebuildLeaseSetLocked()
	}
	return d.leaseSetWire
}
