// Package streaming implements the reliable, ordered byte-stream
// transport carried over tunnel-delivered messages (spec components
// G-J).
package streaming

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Packet flag bits, big-endian u16 (spec §6).
const (
	FlagSynchronize          uint16 = 0x0001
	FlagClose                uint16 = 0x0002
	FlagReset                uint16 = 0x0004
	FlagSignatureIncluded    uint16 = 0x0008
	FlagSignatureRequested   uint16 = 0x0010
	FlagFromIncluded         uint16 = 0x0020
	FlagDelayRequested       uint16 = 0x0040
	FlagMaxPacketSizeIncluded uint16 = 0x0080
	FlagProfileInteractive   uint16 = 0x0100
	FlagEcho                 uint16 = 0x0200
	FlagNoAck                uint16 = 0x0400
)

// Size limits (spec §6).
const (
	StreamingMTU         = 1730
	MaxPacketSize        = 4096
	CompressionThreshold = 66
)

const fixedHeaderSize = 18 // send_stream_id, recv_stream_id, seqn, ack_through, nack_count, resend_delay

// Packet is the stream-layer wire record (spec §3). Fields mirror the
// wire layout exactly; Offset tracks progressive consumption by the
// reader and is never serialized.
type Packet struct {
	SendStreamID uint32
	RecvStreamID uint32
	SequenceNum  uint32
	AckThrough   uint32
	NACKs        []uint32
	ResendDelay  uint8
	Flags        uint16

	OptionalDelay uint16
	MaxPacketSize uint16
	FromIdentity  []byte // remote's first-seen identity, present when FlagFromIncluded is set
	Signature     []byte

	Payload []byte

	// Offset is how much of Payload has already been delivered to the
	// application. Invariant: Offset <= len(Payload) <= MaxPacketSize.
	Offset int
}

// IsSYN reports whether the SYNCHRONIZE flag is set.
func (p *Packet) IsSYN() bool { return p.Flags&FlagSynchronize != 0 }

// IsClose reports whether the CLOSE flag is set.
func (p *Packet) IsClose() bool { return p.Flags&FlagClose != 0 }

// IsNoAck reports whether the NO_ACK flag is set.
func (p *Packet) IsNoAck() bool { return p.Flags&FlagNoAck != 0 }

// Remaining returns the unconsumed tail of Payload.
func (p *Packet) Remaining() []byte {
	if p.Offset >= len(p.Payload) {
		return nil
	}
	return p.Payload[p.Offset:]
}

// Marshal serializes a Packet per spec §3/§6's bit-exact layout:
// 18-byte fixed header, NACKs, flags, option size, options (in the
// fixed order DELAY_REQUESTED, MAX_PACKET_SIZE_INCLUDED, FROM_INCLUDED,
// SIGNATURE_INCLUDED), payload.
//
// Grounded on go-i2p-go-streaming/packet.go's Marshal, adjusted to the
// spec's flag bit values and to carrying a raw identity byte slice
// instead of a go-i2cp Destination (identity serialization is out of
// scope per spec §1).
func (p *Packet) Marshal() ([]byte, error) {
	if len(p.NACKs) > 255 {
		return nil, fmt.Errorf("streaming: too many NACKs: got %d, max 255", len(p.NACKs))
	}

	optionSize := 0
	if p.Flags&FlagDelayRequested != 0 {
		optionSize += 2
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		optionSize += 2
	}
	if p.Flags&FlagFromIncluded != 0 {
		if len(p.FromIdentity) == 0 {
			return nil, fmt.Errorf("streaming: FROM_INCLUDED set but FromIdentity is empty")
		}
		optionSize += len(p.FromIdentity)
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		if len(p.Signature) == 0 {
			return nil, fmt.Errorf("streaming: SIGNATURE_INCLUDED set but Signature is empty")
		}
		optionSize += len(p.Signature)
	}

	total := fixedHeaderSize + len(p.NACKs)*4 + 2 + 2 + optionSize + len(p.Payload)
	if total > MaxPacketSize {
		return nil, fmt.Errorf("streaming: packet of %d bytes exceeds MAX_PACKET_SIZE %d", total, MaxPacketSize)
	}

	buf := make([]byte, 0, total)
	var tmp4 [4]byte
	binary.BigEndian.PutUint32(tmp4[:], p.SendStreamID)
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], p.RecvStreamID)
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], p.SequenceNum)
	buf = append(buf, tmp4[:]...)
	binary.BigEndian.PutUint32(tmp4[:], p.AckThrough)
	buf = append(buf, tmp4[:]...)

	buf = append(buf, byte(len(p.NACKs)))
	buf = append(buf, p.ResendDelay)
	for _, nack := range p.NACKs {
		binary.BigEndian.PutUint32(tmp4[:], nack)
		buf = append(buf, tmp4[:]...)
	}

	var tmp2 [2]byte
	binary.BigEndian.PutUint16(tmp2[:], p.Flags)
	buf = append(buf, tmp2[:]...)
	binary.BigEndian.PutUint16(tmp2[:], uint16(optionSize))
	buf = append(buf, tmp2[:]...)

	if p.Flags&FlagDelayRequested != 0 {
		binary.BigEndian.PutUint16(tmp2[:], p.OptionalDelay)
		buf = append(buf, tmp2[:]...)
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		binary.BigEndian.PutUint16(tmp2[:], p.MaxPacketSize)
		buf = append(buf, tmp2[:]...)
	}
	if p.Flags&FlagFromIncluded != 0 {
		buf = append(buf, p.FromIdentity...)
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		buf = append(buf, p.Signature...)
	}

	buf = append(buf, p.Payload...)
	return buf, nil
}

// Unmarshal is the inverse of Marshal. FROM_INCLUDED and
// SIGNATURE_INCLUDED fields are fixed-width (identityLen, signatureLen
// in crypto.go) since this module targets Ed25519-only destinations;
// identity serialization proper is out of scope (spec §1).
func (p *Packet) Unmarshal(data []byte) error {
	if len(data) < fixedHeaderSize+4 {
		return fmt.Errorf("streaming: packet too short: got %d bytes, need at least %d", len(data), fixedHeaderSize+4)
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("streaming: packet of %d bytes exceeds MAX_PACKET_SIZE %d", len(data), MaxPacketSize)
	}

	offset := 0
	p.SendStreamID = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	p.RecvStreamID = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	p.SequenceNum = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	p.AckThrough = binary.BigEndian.Uint32(data[offset:])
	offset += 4

	nackCount := int(data[offset])
	offset++
	p.ResendDelay = data[offset]
	offset++

	if len(data) < offset+nackCount*4 {
		return fmt.Errorf("streaming: packet too short for %d NACKs", nackCount)
	}
	if nackCount > 0 {
		p.NACKs = make([]uint32, nackCount)
		for i := 0; i < nackCount; i++ {
			p.NACKs[i] = binary.BigEndian.Uint32(data[offset:])
			offset += 4
		}
	} else {
		p.NACKs = nil
	}

	if len(data) < offset+4 {
		return fmt.Errorf("streaming: packet too short for flags/option-size")
	}
	p.Flags = binary.BigEndian.Uint16(data[offset:])
	offset += 2
	optionSize := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) < offset+optionSize {
		return fmt.Errorf("streaming: packet too short for options: need %d, have %d", optionSize, len(data)-offset)
	}
	optionsEnd := offset + optionSize

	if p.Flags&FlagDelayRequested != 0 {
		if offset+2 > optionsEnd {
			return fmt.Errorf("streaming: option data too short for DELAY_REQUESTED")
		}
		p.OptionalDelay = binary.BigEndian.Uint16(data[offset:])
		offset += 2
	}
	if p.Flags&FlagMaxPacketSizeIncluded != 0 {
		if offset+2 > optionsEnd {
			return fmt.Errorf("streaming: option data too short for MAX_PACKET_SIZE_INCLUDED")
		}
		p.MaxPacketSize = binary.BigEndian.Uint16(data[offset:])
		offset += 2
	}
	if p.Flags&FlagFromIncluded != 0 {
		if identityLen <= 0 || offset+identityLen > optionsEnd {
			return fmt.Errorf("streaming: option data too short for FROM_INCLUDED")
		}
		p.FromIdentity = append([]byte(nil), data[offset:offset+identityLen]...)
		offset += identityLen
	}
	if p.Flags&FlagSignatureIncluded != 0 {
		if signatureLen <= 0 || offset+signatureLen > optionsEnd {
			return fmt.Errorf("streaming: option data too short for SIGNATURE_INCLUDED")
		}
		p.Signature = append([]byte(nil), data[offset:offset+signatureLen]...)
		offset += signatureLen
	}

	offset = optionsEnd
	if offset < len(data) {
		p.Payload = data[offset:]
	} else {
		p.Payload = nil
	}
	p.Offset = 0
	return nil
}

// generateRandomUint32Nonzero returns a cryptographically random,
// non-zero 32-bit value — used for stream IDs (spec §3: recv_stream_id
// is "random at birth, never 0"). Sequence numbers start at 0 instead.
func generateRandomUint32Nonzero() (uint32, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("streaming: generate random uint32: %w", err)
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v != 0 {
			return v, nil
		}
	}
}
