package netdb

import (
	"encoding/binary"
	"fmt"
)

// leaseWireSize is the on-wire size of one lease: gateway hash (32) +
// tunnel id (4) + end date ms (8). Mirrors the 44-byte I2CP lease
// layout confirmed by go-i2p-go-i2cp/lease.go.
const leaseWireSize = 32 + 4 + 8

// ParseLeaseSetWire decodes a leaseset payload: destination identity
// hash (32 bytes), lease count (1 byte), then that many 44-byte leases.
func ParseLeaseSetWire(body []byte) (destination IdentityHash, leases []Lease, err error) {
	if len(body) < 33 {
		return destination, nil, fmt.Errorf("netdb: leaseset payload too short: %d bytes", len(body))
	}
	copy(destination[:], body[0:32])
	count := int(body[32])
	offset := 33
	if len(body) < offset+count*leaseWireSize {
		return destination, nil, fmt.Errorf("netdb: leaseset payload truncated for %d leases", count)
	}
	leases = make([]Lease, count)
	for i := 0; i < count; i++ {
		start := offset + i*leaseWireSize
		var l Lease
		copy(l.TunnelGateway[:], body[start:start+32])
		l.TunnelID = binary.BigEndian.Uint32(body[start+32 : start+36])
		l.EndDateMs = binary.BigEndian.Uint64(body[start+36 : start+44])
		leases[i] = l
	}
	return destination, leases, nil
}

// BuildLeaseSetWire serializes a destination + lease list into the
// leaseset wire payload consumed by ParseLeaseSetWire.
func BuildLeaseSetWire(destination IdentityHash, leases []Lease) []byte {
	buf := make([]byte, 0, 33+len(leases)*leaseWireSize)
	buf = append(buf, destination[:]...)
	buf = append(buf, byte(len(leases)))
	for _, l := range leases {
		buf = append(buf, l.TunnelGateway[:]...)
		var tb [4]byte
		binary.BigEndian.PutUint32(tb[:], l.TunnelID)
		buf = append(buf, tb[:]...)
		var eb [8]byte
		binary.BigEndian.PutUint64(eb[:], l.EndDateMs)
		buf = append(buf, eb[:]...)
	}
	return buf
}
