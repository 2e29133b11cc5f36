package streaming

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/armon/circbuf"
	cryptoed25519 "github.com/go-i2p/crypto/ed25519"
	"github.com/go-i2p/go-router-core/lib/netdb"
	"github.com/go-i2p/go-router-core/lib/tunnel"
	"github.com/rs/zerolog/log"
)

// Timing/size constants (spec §6).
const (
	ResendTimeout     = 10 * time.Second
	MaxResendAttempts = 5
	dataProtocol      = 6 // "streaming" per spec §4.H create_data_message
	recvBufCapacity   = 256 * 1024
)

// sentPacket tracks one outstanding (sent, unacked) packet for resend.
// Grounded on go-i2p-go-streaming/stream.go's sentPacket, trimmed to
// what spec §4.H's flat resend timer needs (no RTT/cwnd bookkeeping).
type sentPacket struct {
	seqn        uint32
	marshaled   []byte
	attempts    int
}

// asyncReceiveWaiter is a pending AsyncReceive call waiting for data,
// a timeout, or stream closure (spec §5 cancellation/timeouts).
type asyncReceiveWaiter struct {
	buffer  []byte
	handler func(timedOut bool, n int)
	epoch   uint64
}

// Stream is a single reliable, ordered connection (spec §3/§4.G/H).
// Every field is mutated only from the Engine's single worker
// goroutine; external callers post StreamCommands instead of touching
// fields directly (spec §5, §9 "dynamic dispatch across stream
// worker").
type Stream struct {
	destination *StreamingDestination

	recvStreamID uint32 // ours; random at birth, never 0
	sendStreamID uint32 // peer's; 0 until learned from their first packet

	nextSeqn        uint32
	lastReceivedSeq int64 // -1 until first packet processed
	isOpen          bool
	leasesetUpdated bool

	remoteIdentity []byte // 32-byte Ed25519 public key, first-seen via FROM_INCLUDED
	remoteHash     netdb.IdentityHash
	hasRemoteHash  bool

	currentRemoteLease    netdb.Lease
	hasCurrentRemoteLease bool
	currentOutboundTunnel tunnel.OutboundTunnel

	savedPackets map[uint32]*Packet   // seqn -> packet, gap-filling buffer
	sentPackets  map[uint32]*sentPacket

	recvBuf *circbuf.Buffer

	receiveWaiter *asyncReceiveWaiter
	receiveEpoch  uint64
	resendEpoch   uint64

	signingKey cryptoed25519.Ed25519PrivateKey
}

// newStream allocates a Stream with the given recv_stream_id, for both
// locally-initiated and freshly accepted inbound streams. send_stream_id
// starts at 0 until the peer's is learned from its first packet.
func newStream(dest *StreamingDestination, recvStreamID uint32, signingKey cryptoed25519.Ed25519PrivateKey) (*Stream, error) {
	buf, err := circbuf.NewBuffer(recvBufCapacity)
	if err != nil {
		return nil, fmt.Errorf("streaming: allocate receive buffer: %w", err)
	}
	return &Stream{
		destination:     dest,
		recvStreamID:    recvStreamID,
		lastReceivedSeq: -1,
		isOpen:          true,
		savedPackets:    make(map[uint32]*Packet),
		sentPackets:     make(map[uint32]*sentPacket),
		recvBuf:         buf,
		signingKey:      signingKey,
	}, nil
}

// HandleNextPacket implements spec §4.G's handle_next_packet. When a SYN
// arrives on a stream that has not sent anything yet (nextSeqn==0), it
// completes the handshake itself by sending an empty reply via Send(nil).
func (s *Stream) HandleNextPacket(p *Packet) {
	if s.sendStreamID == 0 {
		s.sendStreamID = p.RecvStreamID
	}

	if !p.IsNoAck() {
		s.ProcessAck(p)
	}

	r := p.SequenceNum
	switch {
	case r == 0 && !p.IsSYN():
		// Pure ACK, nothing further to do.
	case p.IsSYN() || int64(r) == s.lastReceivedSeq+1:
		s.ProcessPacket(p)
		s.drainSavedPackets()
		if s.isOpen {
			s.sendQuickAck()
		}
		if p.IsSYN() && s.nextSeqn == 0 {
			if _, err := s.Send(nil); err != nil {
				log.Warn().Err(err).Msg("streaming: failed to complete inbound handshake")
			}
		}
	case int64(r) <= s.lastReceivedSeq:
		log.Debug().Uint32("seqn", r).Msg("streaming: duplicate packet, rotating path")
		s.currentOutboundTunnel = nil
		s.hasCurrentRemoteLease = false
		s.sendQuickAck()
		// The quick-ack went out over a freshly resolved lease/tunnel; the
		// path stays dropped so the next send resolves one again.
		s.currentOutboundTunnel = nil
		s.hasCurrentRemoteLease = false
	default:
		s.savedPackets[r] = p
	}
}

// drainSavedPackets feeds in-order packets out of the gap-filling set
// once the hole they were waiting on is closed.
func (s *Stream) drainSavedPackets() {
	for {
		next := uint32(s.lastReceivedSeq + 1)
		p, ok := s.savedPackets[next]
		if !ok {
			return
		}
		delete(s.savedPackets, next)
		s.ProcessPacket(p)
	}
}

// ProcessPacket implements spec §4.H's process_packet: validates
// options in fixed order, verifies the signature if present, delivers
// payload, and handles CLOSE.
func (s *Stream) ProcessPacket(p *Packet) {
	if p.Flags&FlagFromIncluded != 0 {
		s.remoteIdentity = p.FromIdentity
		if len(p.FromIdentity) > 0 {
			s.remoteHash = netdb.IdentityHash(sha256.Sum256(p.FromIdentity))
			s.hasRemoteHash = true
		}
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		pub := p.FromIdentity
		if len(pub) == 0 {
			pub = s.remoteIdentity
		}
		if !verifySignature(p, pub) {
			log.Warn().Uint32("seqn", p.SequenceNum).Msg("streaming: signature verification failed, closing stream")
			s.isOpen = false
			return
		}
	}

	if len(p.Payload) > 0 {
		if _, err := s.recvBuf.Write(p.Payload); err != nil {
			log.Warn().Err(err).Msg("streaming: receive buffer write failed, dropping payload")
		} else {
			s.cancelReceiveTimer(false)
		}
	}
	s.lastReceivedSeq = int64(p.SequenceNum)

	if p.IsClose() {
		s.sendQuickAck()
		s.isOpen = false
		s.cancelReceiveTimer(true)
		s.cancelResendTimer()
	}
}

// ProcessAck implements spec §4.H's process_ack.
func (s *Stream) ProcessAck(p *Packet) {
	nacked := make(map[uint32]struct{}, len(p.NACKs))
	for _, n := range p.NACKs {
		nacked[n] = struct{}{}
	}
	for seqn := range s.sentPackets {
		if seqn > p.AckThrough {
			continue
		}
		if _, keep := nacked[seqn]; keep {
			continue
		}
		delete(s.sentPackets, seqn)
	}
	if len(s.sentPackets) == 0 {
		s.cancelResendTimer()
	}
}

// Write is the cross-thread entry point for application code (spec §5:
// "call sites from outside the worker must post work, never mutate
// stream state directly"). It posts a SendBuffer command and blocks for
// the result.
func (s *Stream) Write(buf []byte) (int, error) {
	result := make(chan sendResult, 1)
	s.destination.engine.submit(StreamCommand{
		kind:     cmdSendBuffer,
		destHash: s.destination.identityHash,
		streamID: s.recvStreamID,
		buffer:   buf,
		result:   result,
	})
	r := <-result
	return r.n, r.err
}

// Send implements spec §4.H's send path: chunk buf into STREAMING_MTU
// packets, attach handshake options to the very first packet this
// stream ever sends, and post them to the tunnel. Returns the number
// of bytes written (spec §9 Open Question (a)). Send runs on the
// streaming engine goroutine — call it directly only from there (e.g.
// from HandleNextPacket's handshake completion); external callers use
// Write.
func (s *Stream) Send(buf []byte) (int, error) {
	if len(buf) == 0 {
		return s.sendOne(nil)
	}
	written := 0
	for written < len(buf) {
		end := written + StreamingMTU
		if end > len(buf) {
			end = len(buf)
		}
		n, err := s.sendOne(buf[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Stream) sendOne(payload []byte) (int, error) {
	pkt := &Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		SequenceNum:  s.nextSeqn,
		AckThrough:   uint32(s.lastReceivedSeq),
		Payload:      payload,
	}

	first := s.nextSeqn == 0
	if first {
		pkt.Flags = FlagSynchronize | FlagFromIncluded | FlagSignatureIncluded | FlagMaxPacketSizeIncluded
		if s.lastReceivedSeq < 0 {
			pkt.Flags |= FlagNoAck
		}
		pkt.FromIdentity = s.localIdentity()
		pkt.MaxPacketSize = MaxPacketSize
	}

	if err := s.sendPacket(pkt, first); err != nil {
		return 0, err
	}
	s.nextSeqn++
	return len(payload), nil
}

// drainRecvBuf copies as much of the buffered receive data into dst as
// fits, keeping any undelivered tail in recvBuf. armon/circbuf.Buffer
// has no Read method (per go-i2p-go-streaming/stream.go's own usage
// convention, consume via Bytes()+Reset() and re-write any leftover).
func (s *Stream) drainRecvBuf(dst []byte) int {
	data := s.recvBuf.Bytes()
	n := copy(dst, data)
	remaining := data[n:]
	s.recvBuf.Reset()
	if len(remaining) > 0 {
		_, _ = s.recvBuf.Write(remaining)
	}
	return n
}

func (s *Stream) localIdentity() []byte {
	if s.destination == nil {
		return nil
	}
	return s.destination.localIdentity()
}

// sendPacket implements spec §4.H's send_packet: resolve a remote
// lease/tunnel, wrap the data message, enqueue to the tunnel, and track
// it in sent_packets.
func (s *Stream) sendPacket(p *Packet, attachLeaseSet bool) error {
	if err := s.updateCurrentRemoteLeaseIfNeeded(); err != nil {
		return err
	}

	var leaseSetPayload []byte
	if attachLeaseSet && s.leasesetUpdated {
		leaseSetPayload = s.destination.currentLeaseSetWire()
		s.leasesetUpdated = false
	}

	marshaled, err := s.marshalAndMaybeSign(p)
	if err != nil {
		return err
	}

	dataMsg := CreateDataMessage(marshaled)
	wrapped, err := s.destination.routingSession.WrapSingleMessage(dataMsg, leaseSetPayload)
	if err != nil {
		return fmt.Errorf("streaming: wrap message: %w", err)
	}

	ot, err := s.nextOutboundTunnel()
	if err != nil {
		return err
	}

	lease := s.currentRemoteLease
	if err := ot.SendTo([32]byte(lease.TunnelGateway), lease.TunnelID, wrapped); err != nil {
		return fmt.Errorf("streaming: send to tunnel: %w", err)
	}

	s.sentPackets[p.SequenceNum] = &sentPacket{seqn: p.SequenceNum, marshaled: marshaled}
	s.armResendTimer()
	return nil
}

func (s *Stream) marshalAndMaybeSign(p *Packet) ([]byte, error) {
	if p.Flags&FlagSignatureIncluded != 0 {
		return signAndMarshal(p, s.signingKey)
	}
	return p.Marshal()
}

// updateCurrentRemoteLeaseIfNeeded resolves a non-expired lease for the
// remote destination via NetDB, selecting uniformly at random among
// non-expired leases when the current one has expired or none is set.
func (s *Stream) updateCurrentRemoteLeaseIfNeeded() error {
	needsNew := !s.hasCurrentRemoteLease
	if s.hasCurrentRemoteLease && uint64(time.Now().UnixMilli()) >= s.currentRemoteLease.EndDateMs {
		needsNew = true
	}
	if !needsNew {
		return nil
	}
	if !s.hasRemoteHash {
		return fmt.Errorf("streaming: no remote identity known yet")
	}
	ls, ok := s.destination.store.FindLeaseSet(s.remoteHash)
	if !ok {
		return fmt.Errorf("streaming: no lease set for remote destination")
	}
	nonExpired := ls.NonExpiredLeases(uint64(time.Now().UnixMilli()))
	if len(nonExpired) == 0 {
		return fmt.Errorf("streaming: remote lease set has no non-expired leases")
	}
	s.currentRemoteLease = nonExpired[pseudoRandomIndex(len(nonExpired))]
	s.hasCurrentRemoteLease = true
	return nil
}

// nextOutboundTunnel takes the next outbound tunnel from the
// destination's tunnel pool and records it as current (spec §4.H
// send_packet). The rotation order is the Pool's round-robin; this
// function does not itself skip the previously used tunnel.
func (s *Stream) nextOutboundTunnel() (tunnel.OutboundTunnel, error) {
	pool := s.destination.tunnelPool
	ot, ok := pool.NextOutboundTunnel()
	if !ok {
		return nil, fmt.Errorf("streaming: no outbound tunnel available")
	}
	s.currentOutboundTunnel = ot
	return ot, nil
}

// CreateDataMessage implements spec §4.H's create_data_message:
// length-prefixed, port/protocol-headered, GZip-compressed packet.
func CreateDataMessage(marshaledPacket []byte) []byte {
	level := gzip.DefaultCompression
	if len(marshaledPacket) < CompressionThreshold {
		level = gzip.BestSpeed
	}

	var compressed bytes.Buffer
	w, _ := gzip.NewWriterLevel(&compressed, level)
	_, _ = w.Write(marshaledPacket)
	_ = w.Close()

	body := make([]byte, 5+compressed.Len()) // src_port(2), dst_port(2), proto(1), gzip payload
	body[4] = dataProtocol
	copy(body[5:], compressed.Bytes())

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// UnwrapDataMessage is the inverse of CreateDataMessage, used by tests
// and by the engine when a Data(18) message targets a local
// destination.
func UnwrapDataMessage(msg []byte) ([]byte, error) {
	if len(msg) < 9 {
		return nil, fmt.Errorf("streaming: data message too short")
	}
	length := binary.BigEndian.Uint32(msg[0:4])
	if int(length) != len(msg)-4 {
		return nil, fmt.Errorf("streaming: data message length mismatch")
	}
	proto := msg[8]
	if proto != dataProtocol {
		return nil, fmt.Errorf("streaming: unexpected protocol %d", proto)
	}
	r, err := gzip.NewReader(bytes.NewReader(msg[9:]))
	if err != nil {
		return nil, fmt.Errorf("streaming: gunzip data message: %w", err)
	}
	defer r.Close()
	buf := make([]byte, 0, len(msg))
	tmp := make([]byte, 4096)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

// sendQuickAck implements spec §4.H's quick-ack: a minimal packet
// acknowledging last_received_seqn, not tracked in sent_packets.
func (s *Stream) sendQuickAck() {
	pkt := &Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		SequenceNum:  0,
		AckThrough:   uint32(s.lastReceivedSeq),
	}
	marshaled, err := pkt.Marshal()
	if err != nil {
		log.Warn().Err(err).Msg("streaming: failed to marshal quick-ack")
		return
	}
	if err := s.deliverUntracked(marshaled); err != nil {
		log.Debug().Err(err).Msg("streaming: quick-ack delivery failed")
	}
}

func (s *Stream) deliverUntracked(marshaled []byte) error {
	if err := s.updateCurrentRemoteLeaseIfNeeded(); err != nil {
		return err
	}
	dataMsg := CreateDataMessage(marshaled)
	wrapped, err := s.destination.routingSession.WrapSingleMessage(dataMsg, nil)
	if err != nil {
		return err
	}
	ot, err := s.nextOutboundTunnel()
	if err != nil {
		return err
	}
	lease := s.currentRemoteLease
	return ot.SendTo([32]byte(lease.TunnelGateway), lease.TunnelID, wrapped)
}

// Close implements spec §4.H's close: emit CLOSE|SIGNATURE_INCLUDED
// with no payload, no retry obligation.
func (s *Stream) Close() {
	if !s.isOpen {
		return
	}
	s.isOpen = false
	s.cancelReceiveTimer(true)
	s.cancelResendTimer()
	defer s.destination.RemoveStream(s.recvStreamID)

	pkt := &Packet{
		SendStreamID: s.sendStreamID,
		RecvStreamID: s.recvStreamID,
		SequenceNum:  s.nextSeqn,
		AckThrough:   uint32(s.lastReceivedSeq),
		Flags:        FlagClose | FlagSignatureIncluded,
	}
	marshaled, err := signAndMarshal(pkt, s.signingKey)
	if err != nil {
		log.Warn().Err(err).Msg("streaming: failed to sign CLOSE packet")
		return
	}
	if err := s.deliverUntracked(marshaled); err != nil {
		log.Debug().Err(err).Msg("streaming: CLOSE delivery failed")
	}
}

// AsyncReceive implements spec §5's async_receive: deliver
// synchronously if data is already buffered, or arm the receive timer
// otherwise. If the stream is closed and nothing is buffered, handler is
// called at once with timedOut=false and n=0; no separate closed-stream
// error value is delivered.
func (s *Stream) AsyncReceive(buffer []byte, timeout time.Duration, handler func(timedOut bool, n int)) {
	if s.recvBuf.TotalWritten() > 0 {
		n := s.drainRecvBuf(buffer)
		handler(false, n)
		return
	}
	if !s.isOpen {
		handler(false, 0)
		return
	}

	s.receiveEpoch++
	epoch := s.receiveEpoch
	s.receiveWaiter = &asyncReceiveWaiter{buffer: buffer, handler: handler, epoch: epoch}

	destHash := s.destination.identityHash
	streamID := s.recvStreamID
	engine := s.destination.engine
	time.AfterFunc(timeout, func() {
		engine.submit(StreamCommand{kind: cmdReceiveTimerFired, destHash: destHash, streamID: streamID, epoch: epoch})
	})
}

func (s *Stream) fireReceiveTimeout(epoch uint64) {
	if s.receiveWaiter == nil || s.receiveWaiter.epoch != epoch {
		return
	}
	w := s.receiveWaiter
	s.receiveWaiter = nil
	n := s.drainRecvBuf(w.buffer)
	w.handler(true, n)
}

// cancelReceiveTimer fires the pending AsyncReceive handler (if any)
// with the bytes drained so far, bumping the epoch so the timer's
// delayed fire is ignored when it eventually reaches the engine.
func (s *Stream) cancelReceiveTimer(closed bool) {
	s.receiveEpoch++
	if s.receiveWaiter == nil {
		return
	}
	w := s.receiveWaiter
	s.receiveWaiter = nil
	n := s.drainRecvBuf(w.buffer)
	w.handler(false, n)
	_ = closed
}

// armResendTimer schedules the resend timer per spec §4.H; fires every
// 10 s while sent_packets is non-empty.
func (s *Stream) armResendTimer() {
	s.resendEpoch++
	epoch := s.resendEpoch
	destHash := s.destination.identityHash
	streamID := s.recvStreamID
	engine := s.destination.engine
	time.AfterFunc(ResendTimeout, func() {
		engine.submit(StreamCommand{kind: cmdResendTimerFired, destHash: destHash, streamID: streamID, epoch: epoch})
	})
}

func (s *Stream) cancelResendTimer() {
	s.resendEpoch++
}

// fireResendTimer implements spec §4.H's resend timer body.
func (s *Stream) fireResendTimer(epoch uint64) {
	if epoch != s.resendEpoch || len(s.sentPackets) == 0 {
		return
	}

	exhausted := false
	for _, sp := range s.sentPackets {
		sp.attempts++
		if sp.attempts >= MaxResendAttempts {
			exhausted = true
		}
	}
	if exhausted {
		log.Warn().Uint32("recvStreamID", s.recvStreamID).Msg("streaming: resend attempts exhausted, closing stream")
		s.isOpen = false
		s.cancelReceiveTimer(true)
		return
	}

	s.currentOutboundTunnel = nil
	s.hasCurrentRemoteLease = false
	s.retransmitAll()
	s.armResendTimer()
}

func (s *Stream) retransmitAll() {
	seqns := make([]uint32, 0, len(s.sentPackets))
	for seqn := range s.sentPackets {
		seqns = append(seqns, seqn)
	}
	sort.Slice(seqns, func(i, j int) bool { return seqns[i] < seqns[j] })

	for _, seqn := range seqns {
		sp := s.sentPackets[seqn]
		if err := s.updateCurrentRemoteLeaseIfNeeded(); err != nil {
			log.Debug().Err(err).Msg("streaming: resend: no route yet")
			return
		}
		dataMsg := CreateDataMessage(sp.marshaled)
		wrapped, err := s.destination.routingSession.WrapSingleMessage(dataMsg, nil)
		if err != nil {
			log.Warn().Err(err).Msg("streaming: resend: wrap failed")
			continue
		}
		ot, err := s.nextOutboundTunnel()
		if err != nil {
			log.Debug().Err(err).Msg("streaming: resend: no tunnel")
			return
		}
		lease := s.currentRemoteLease
		if err := ot.SendTo([32]byte(lease.TunnelGateway), lease.TunnelID, wrapped); err != nil {
			log.Warn().Err(err).Msg("streaming: resend: send failed")
		}
	}
}

// pseudoRandomIndex picks a random index into [0,n) without pulling in
// math/rand's global source contention; good enough for lease
// selection, which is not adversarial (spec §4.H).
func pseudoRandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	now := time.Now().UnixNano()
	binary.BigEndian.PutUint64(b[:], uint64(now))
	return int(b[7]) % n
}
