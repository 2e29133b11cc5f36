package netdb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatabaseStoreLeaseSet(t *testing.T) {
	key := hashOf(1)
	body := append([]byte{}, key[:]...)
	body = append(body, byte(StoreTypeLeaseSet))
	body = append(body, 0, 0, 0, 0) // reply token = 0
	body = append(body, []byte("leaseset-bytes")...)

	parsed, err := ParseDatabaseStore(body)
	require.NoError(t, err)
	assert.Equal(t, key, parsed.Key)
	assert.Equal(t, StoreTypeLeaseSet, parsed.Type)
	assert.Equal(t, []byte("leaseset-bytes"), parsed.LeaseSetPayload)
}

func TestParseDatabaseStoreRouterInfoRejectsOversized(t *testing.T) {
	key := hashOf(2)
	body := append([]byte{}, key[:]...)
	body = append(body, byte(StoreTypeRouterInfo))
	body = append(body, 0, 0, 0, 0)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, 3000)
	body = append(body, lenBuf...)

	_, err := ParseDatabaseStore(body)
	assert.Error(t, err)
}

func TestGzipRoundTrip(t *testing.T) {
	raw := []byte("a router descriptor's opaque payload")
	compressed, err := GzipRouterRecord(raw)
	require.NoError(t, err)

	inflated, err := GunzipRouterRecord(compressed)
	require.NoError(t, err)
	assert.Equal(t, raw, inflated)
}

func TestParseDatabaseLookupWithExcludedAndSessionKey(t *testing.T) {
	target := hashOf(3)
	from := hashOf(4)
	excl1 := hashOf(5)

	body := append([]byte{}, target[:]...)
	body = append(body, from[:]...)
	body = append(body, byte(lookupFlagSessionKey)) // no reply tunnel, has session key
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, 1)
	body = append(body, countBuf...)
	body = append(body, excl1[:]...)
	var sessKey [32]byte
	sessKey[0] = 0xAB
	body = append(body, sessKey[:]...)
	body = append(body, 1) // tag count
	tag := make([]byte, 32)
	tag[0] = 0xCD
	body = append(body, tag...)

	parsed, err := ParseDatabaseLookup(body)
	require.NoError(t, err)
	assert.Equal(t, target, parsed.Target)
	assert.Equal(t, from, parsed.From)
	assert.False(t, parsed.HasReplyTunnel)
	require.Len(t, parsed.Excluded, 1)
	assert.Equal(t, excl1, parsed.Excluded[0])
	require.True(t, parsed.HasSessionKey)
	assert.Equal(t, byte(0xAB), parsed.SessionKey[0])
	require.Len(t, parsed.Tags, 1)
	assert.Equal(t, byte(0xCD), parsed.Tags[0][0])
}

func TestParseDatabaseLookupClampsExcludedCount(t *testing.T) {
	target := hashOf(6)
	from := hashOf(7)
	body := append([]byte{}, target[:]...)
	body = append(body, from[:]...)
	body = append(body, byte(0))
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, 5000)
	body = append(body, countBuf...)
	// Only supply enough bytes for the clamp (512), not the claimed 5000.
	body = append(body, make([]byte, maxExcludedInLookup*32)...)

	parsed, err := ParseDatabaseLookup(body)
	require.NoError(t, err)
	assert.Len(t, parsed.Excluded, maxExcludedInLookup)
}

func TestDatabaseSearchReplyRoundTrip(t *testing.T) {
	key := hashOf(8)
	candidates := []IdentityHash{hashOf(9), hashOf(10)}

	wire := BuildDatabaseSearchReply(key, candidates)
	parsed, err := ParseDatabaseSearchReply(wire)
	require.NoError(t, err)
	assert.Equal(t, key, parsed.Key)
	assert.Equal(t, candidates, parsed.Candidates)
}

func TestDatabaseSearchReplyRejectsTooManyCandidates(t *testing.T) {
	key := hashOf(11)
	body := append([]byte{}, key[:]...)
	body = append(body, byte(20))
	body = append(body, make([]byte, 20*32)...)

	_, err := ParseDatabaseSearchReply(body)
	assert.Error(t, err)
}
