package netdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(b byte) IdentityHash {
	var h IdentityHash
	h[0] = b
	return h
}

func TestAddRouterInsertsAndUpdates(t *testing.T) {
	s := NewStore(NewPendingLookups())
	h := hashOf(1)

	r := s.AddRouter(h, []byte("v1"), 100, false, false)
	require.NotNil(t, r)
	assert.Equal(t, 1, s.RouterCount())

	// Older timestamp: no-op update, same record returned.
	r2 := s.AddRouter(h, []byte("stale"), 50, false, false)
	assert.Equal(t, r, r2)
	assert.Equal(t, []byte("v1"), r2.RawBuffer())

	// Newer timestamp: buffer replaced in place.
	s.AddRouter(h, []byte("v2"), 200, false, false)
	assert.Equal(t, []byte("v2"), r.RawBuffer())
	assert.Equal(t, 1, s.RouterCount())
}

func TestAddRouterTwiceIdenticalIsIdempotent(t *testing.T) {
	s := NewStore(NewPendingLookups())
	h := hashOf(2)

	s.AddRouter(h, []byte("same"), 100, false, false)
	countBefore := s.RouterCount()
	tsBefore := mustFind(t, s, h).LastUpdateTimestamp()

	s.AddRouter(h, []byte("same"), 100, false, false)
	assert.Equal(t, countBefore, s.RouterCount())
	assert.Equal(t, tsBefore, mustFind(t, s, h).LastUpdateTimestamp())
}

func mustFind(t *testing.T, s *Store, h IdentityHash) *RouterRecord {
	t.Helper()
	r, ok := s.FindRouter(h)
	require.True(t, ok)
	return r
}

func TestAddRouterFloodfillMembership(t *testing.T) {
	s := NewStore(NewPendingLookups())
	h := hashOf(3)
	s.AddRouter(h, []byte("x"), 1, true, false)

	ffs := s.Floodfills()
	require.Len(t, ffs, 1)
	assert.True(t, ffs[0].Identity.Equal(h))
}

func TestAddLeaseSetRejectsTunnelDelivered(t *testing.T) {
	s := NewStore(NewPendingLookups())
	h := hashOf(4)
	gw := hashOf(5)

	ok := s.AddLeaseSet(h, []Lease{{TunnelGateway: gw, TunnelID: 1, EndDateMs: 1000}}, &gw)
	assert.False(t, ok)
	_, found := s.FindLeaseSet(h)
	assert.False(t, found)
}

func TestAddLeaseSetAcceptsDirect(t *testing.T) {
	s := NewStore(NewPendingLookups())
	h := hashOf(6)
	gw := hashOf(7)

	ok := s.AddLeaseSet(h, []Lease{{TunnelGateway: gw, TunnelID: 1, EndDateMs: 1000}}, nil)
	assert.True(t, ok)
	ls, found := s.FindLeaseSet(h)
	require.True(t, found)
	assert.Len(t, ls.Leases(), 1)
}

func TestAddRouterResolvesPendingLookup(t *testing.T) {
	lookups := NewPendingLookups()
	s := NewStore(lookups)
	h := hashOf(8)

	var resolved *RouterRecord
	done := make(chan struct{})
	lookups.Start(NewPendingLookup(h, false, func(r *RouterRecord) {
		resolved = r
		close(done)
	}))

	s.AddRouter(h, []byte("payload"), 1, false, false)
	<-done
	require.NotNil(t, resolved)
	assert.True(t, resolved.Identity.Equal(h))
}

func TestGetRandomRouterFiltersAndWraps(t *testing.T) {
	s := NewStore(NewPendingLookups())
	for i := byte(0); i < 5; i++ {
		s.AddRouter(hashOf(i), nil, int64(i), i == 4, false)
	}

	r, ok := s.GetRandomRouter(func(r *RouterRecord) bool { return r.IsFloodfill() })
	require.True(t, ok)
	assert.True(t, r.IsFloodfill())

	_, ok = s.GetRandomRouter(func(r *RouterRecord) bool { return false })
	assert.False(t, ok)
}

func TestRemoveRouterDropsFromFloodfillList(t *testing.T) {
	s := NewStore(NewPendingLookups())
	h := hashOf(9)
	s.AddRouter(h, nil, 1, true, false)
	require.Len(t, s.Floodfills(), 1)

	s.RemoveRouter(h)
	assert.Len(t, s.Floodfills(), 0)
	_, ok := s.FindRouter(h)
	assert.False(t, ok)
}
