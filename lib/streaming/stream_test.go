package streaming

import (
	"crypto/sha256"
	"sync"
	"testing"

	cryptoed25519 "github.com/go-i2p/crypto/ed25519"
	"github.com/go-i2p/go-router-core/lib/netdb"
	"github.com/go-i2p/go-router-core/lib/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOutboundTunnel records every message handed to it, standing in
// for the out-of-scope tunnel transport (spec §1).
type fakeOutboundTunnel struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeOutboundTunnel) SendTo(gateway [32]byte, tunnelID uint32, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeOutboundTunnel) messages(t *testing.T) []*Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Packet, 0, len(f.sent))
	for _, raw := range f.sent {
		marshaled, err := UnwrapDataMessage(raw)
		require.NoError(t, err)
		var p Packet
		require.NoError(t, p.Unmarshal(marshaled))
		out = append(out, &p)
	}
	return out
}

type fakePool struct {
	ot *fakeOutboundTunnel
}

func (f *fakePool) NextOutboundTunnel() (tunnel.OutboundTunnel, bool) { return f.ot, true }
func (f *fakePool) NextInboundTunnel() (tunnel.InboundTunnel, bool)   { return nil, false }

type passthroughRoutingSession struct{}

func (passthroughRoutingSession) WrapSingleMessage(payload []byte, _ []byte) ([]byte, error) {
	return payload, nil
}

func hashOf(b []byte) netdb.IdentityHash {
	sum := sha256.Sum256(b)
	h, _ := netdb.HashFromBytes(sum[:])
	return h
}

// newTestDestination builds a StreamingDestination with fake tunnel
// collaborators and a real in-memory NetDB store, plus a registered (but
// not started) Engine so Stream's timer-arming code has a non-nil
// engine to post to.
func newTestDestination(t *testing.T) (*StreamingDestination, *fakeOutboundTunnel) {
	t.Helper()
	pub, priv, err := cryptoed25519.GenerateEd25519KeyPair()
	require.NoError(t, err)

	store := netdb.NewStore(netdb.NewPendingLookups())
	ot := &fakeOutboundTunnel{}
	dest := NewStreamingDestination(
		hashOf([]byte(*pub)),
		[]byte(*pub),
		*priv,
		&fakePool{ot: ot},
		passthroughRoutingSession{},
		store,
		false,
	)
	engine := NewEngine()
	engine.Register(dest)
	return dest, ot
}

func registerRemoteLeaseSet(store *netdb.Store, remoteHash netdb.IdentityHash) {
	gateway := hashOf([]byte("gateway"))
	store.AddLeaseSet(remoteHash, []netdb.Lease{
		{TunnelGateway: gateway, TunnelID: 7, EndDateMs: ^uint64(0) / 2},
	}, nil)
}

// TestStreamHandshakeSendsSYN covers scenario S1: the first Send from a
// freshly created outgoing stream carries the full initial-packet
// option set and a verifiable signature.
func TestStreamHandshakeSendsSYN(t *testing.T) {
	dest, ot := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)

	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	n, err := stream.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	sent := ot.messages(t)
	require.Len(t, sent, 1)
	pkt := sent[0]
	assert.True(t, pkt.IsSYN())
	assert.True(t, pkt.IsNoAck())
	assert.NotZero(t, pkt.Flags&FlagFromIncluded)
	assert.NotZero(t, pkt.Flags&FlagSignatureIncluded)
	assert.NotZero(t, pkt.Flags&FlagMaxPacketSizeIncluded)
	assert.True(t, verifySignature(pkt, pkt.FromIdentity))
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.Len(t, stream.sentPackets, 1)
}

// TestHandleNextPacketCompletesInboundHandshake covers the acceptor
// side of S1: a SYN for a brand-new stream is accepted and answered
// with an empty reply completing the handshake.
func TestHandleNextPacketCompletesInboundHandshake(t *testing.T) {
	dest, ot := newTestDestination(t)
	remotePub, remotePriv, err := cryptoed25519.GenerateEd25519KeyPair()
	require.NoError(t, err)
	remoteHash := hashOf([]byte(*remotePub))
	registerRemoteLeaseSet(dest.store, remoteHash)

	syn := &Packet{
		SendStreamID: 0,
		RecvStreamID: 555,
		SequenceNum:  0,
		AckThrough:   0,
		Flags:        FlagSynchronize | FlagFromIncluded | FlagSignatureIncluded | FlagNoAck,
		FromIdentity: []byte(*remotePub),
		Payload:      []byte("syn payload"),
	}
	marshaled, err := signAndMarshal(syn, *remotePriv)
	require.NoError(t, err)
	require.NoError(t, syn.Unmarshal(marshaled))

	var accepted *Stream
	dest.SetAcceptor(func(s *Stream) { accepted = s })
	dest.HandleNextPacket(syn)

	require.NotNil(t, accepted)
	assert.True(t, accepted.isOpen)
	assert.Equal(t, int64(0), accepted.lastReceivedSeq)
	assert.Equal(t, remoteHash, accepted.remoteHash)

	sent := ot.messages(t)
	require.NotEmpty(t, sent)
}

// TestProcessPacketReorderAndGapFill covers scenario S2: packets
// arriving out of order are buffered until the gap closes, then
// delivered in order.
func TestProcessPacketReorderAndGapFill(t *testing.T) {
	dest, _ := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	syn := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 0, Flags: FlagSynchronize | FlagNoAck}
	stream.HandleNextPacket(syn)
	require.Equal(t, int64(0), stream.lastReceivedSeq)

	p1 := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 1, Payload: []byte("one"), Flags: FlagNoAck}
	stream.HandleNextPacket(p1)
	require.Equal(t, int64(1), stream.lastReceivedSeq)

	p3 := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 3, Payload: []byte("three"), Flags: FlagNoAck}
	stream.HandleNextPacket(p3)
	assert.Equal(t, int64(1), stream.lastReceivedSeq)
	assert.Contains(t, stream.savedPackets, uint32(3))

	p2 := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 2, Payload: []byte("two"), Flags: FlagNoAck}
	stream.HandleNextPacket(p2)
	assert.Equal(t, int64(3), stream.lastReceivedSeq)
	assert.Empty(t, stream.savedPackets)
}

// TestProcessPacketDuplicateResetsPath covers scenario S3: a duplicate
// (already-seen) sequence number drops the current outbound path.
func TestProcessPacketDuplicateResetsPath(t *testing.T) {
	dest, _ := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	syn := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 0, Flags: FlagSynchronize | FlagNoAck}
	stream.HandleNextPacket(syn)
	require.Equal(t, int64(0), stream.lastReceivedSeq)

	first := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 1, Flags: FlagNoAck}
	stream.HandleNextPacket(first)
	require.Equal(t, int64(1), stream.lastReceivedSeq)

	stream.hasCurrentRemoteLease = true
	stream.currentOutboundTunnel = &fakeOutboundTunnel{}

	dup := &Packet{RecvStreamID: stream.recvStreamID, SequenceNum: 1, Flags: FlagNoAck}
	stream.HandleNextPacket(dup)

	assert.False(t, stream.hasCurrentRemoteLease)
	assert.Nil(t, stream.currentOutboundTunnel)
}

// TestProcessAckClearsSentPackets covers scenario S4: acking through a
// seqn clears every outstanding packet at or below it except those
// explicitly NACKed.
func TestProcessAckClearsSentPackets(t *testing.T) {
	dest, _ := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	stream.sentPackets[1] = &sentPacket{seqn: 1}
	stream.sentPackets[2] = &sentPacket{seqn: 2}
	stream.sentPackets[3] = &sentPacket{seqn: 3}

	ack := &Packet{AckThrough: 3, NACKs: []uint32{2}}
	stream.ProcessAck(ack)

	assert.NotContains(t, stream.sentPackets, uint32(1))
	assert.Contains(t, stream.sentPackets, uint32(2))
	assert.NotContains(t, stream.sentPackets, uint32(3))
}

// TestResendTimerExhaustionClosesStream covers scenario S5: once any
// outstanding packet hits MaxResendAttempts, the stream closes instead
// of retrying again.
func TestResendTimerExhaustionClosesStream(t *testing.T) {
	dest, _ := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	stream.sentPackets[1] = &sentPacket{seqn: 1, attempts: MaxResendAttempts - 1, marshaled: []byte("x")}
	stream.resendEpoch = 1

	stream.fireResendTimer(1)

	assert.False(t, stream.isOpen)
}

// TestResendTimerRetransmitsBeforeExhaustion checks that a resend fire
// below the attempt cap retransmits and keeps the stream open.
func TestResendTimerRetransmitsBeforeExhaustion(t *testing.T) {
	dest, ot := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	marshaled, err := (&Packet{SendStreamID: 1, RecvStreamID: stream.recvStreamID, SequenceNum: 1}).Marshal()
	require.NoError(t, err)
	stream.sentPackets[1] = &sentPacket{seqn: 1, attempts: 0, marshaled: marshaled}
	stream.resendEpoch = 1

	stream.fireResendTimer(1)

	assert.True(t, stream.isOpen)
	assert.Equal(t, 1, stream.sentPackets[1].attempts)
	assert.NotEmpty(t, ot.messages(t))
}

// TestResendTimerIgnoresStaleEpoch ensures a timer fire from a
// superseded epoch (the resend was already cancelled) is a no-op.
func TestResendTimerIgnoresStaleEpoch(t *testing.T) {
	dest, _ := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	stream.sentPackets[1] = &sentPacket{seqn: 1, attempts: MaxResendAttempts - 1}
	stream.resendEpoch = 2

	stream.fireResendTimer(1)

	assert.True(t, stream.isOpen)
}

// TestCloseEmitsSignedClosePacket covers the close path: the stream
// stops being open and emits a signed CLOSE packet.
func TestCloseEmitsSignedClosePacket(t *testing.T) {
	dest, ot := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	stream.Close()

	assert.False(t, stream.isOpen)
	sent := ot.messages(t)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsClose())
	assert.True(t, verifySignature(sent[0], dest.localIdentity()))

	_, stillRegistered := dest.lookupStream(stream.recvStreamID)
	assert.False(t, stillRegistered)
}

// TestAsyncReceiveDeliversBufferedDataSynchronously ensures a receive
// already satisfied by buffered bytes does not need to wait on a timer.
func TestAsyncReceiveDeliversBufferedDataSynchronously(t *testing.T) {
	dest, _ := newTestDestination(t)
	remoteHash := hashOf([]byte("remote"))
	registerRemoteLeaseSet(dest.store, remoteHash)
	stream, err := dest.CreateNewOutgoingStream(remoteHash)
	require.NoError(t, err)

	_, werr := stream.recvBuf.Write([]byte("buffered"))
	require.NoError(t, werr)

	delivered := make(chan int, 1)
	stream.AsyncReceive(make([]byte, 64), 0, func(timedOut bool, n int) {
		assert.False(t, timedOut)
		delivered <- n
	})
	select {
	case n := <-delivered:
		assert.Equal(t, len("buffered"), n)
	default:
		t.Fatal("handler was not called synchronously")
	}
}
