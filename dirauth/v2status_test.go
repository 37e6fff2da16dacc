package dirauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestV2Cache_ReceiveAndGet(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{Clock: clock})
	id := digest20(1)

	err := v.Receive(id, time.Unix(99000, 0), []byte("body-1"), true)
	require.NoError(t, err)

	s, ok := v.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("body-1"), s.Body)
}

// S5 analog — clock skew rejection.
func TestV2Cache_RejectsClockSkew(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{Clock: clock})
	id := digest20(1)

	future := clock.now.Add(NetworkstatusAllowSkew + time.Hour)
	err := v.Receive(id, future, []byte("body"), true)
	require.ErrorIs(t, err, ErrV2ClockSkew)
	_, ok := v.Get(id)
	require.False(t, ok)
}

// S6 analog — protocol violation: status arrives for an authority we
// didn't request.
func TestV2Cache_RejectsUnrequested(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{Clock: clock})
	id := digest20(1)

	err := v.Receive(id, time.Unix(99000, 0), []byte("body"), false)
	require.ErrorIs(t, err, ErrV2Unrequested)
	_, ok := v.Get(id)
	require.False(t, ok)
}

func TestV2Cache_ReplacesOnlyIfNewer(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{Clock: clock})
	id := digest20(1)

	require.NoError(t, v.Receive(id, time.Unix(50000, 0), []byte("old"), true))

	err := v.Receive(id, time.Unix(50000, 0), []byte("same-time"), true)
	require.ErrorIs(t, err, ErrV2NotNewer)

	err = v.Receive(id, time.Unix(40000, 0), []byte("older"), true)
	require.ErrorIs(t, err, ErrV2NotNewer)

	require.NoError(t, v.Receive(id, time.Unix(60000, 0), []byte("newer"), true))
	s, _ := v.Get(id)
	require.Equal(t, []byte("newer"), s.Body)
}

func TestV2Cache_PersistAndLoadStartup(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{DataDir: dir, Clock: clock, IsCache: true})
	id := digest20(3)

	require.NoError(t, v.Receive(id, time.Unix(99000, 0), []byte("persisted-body"), true))

	v2 := NewV2Cache(V2CacheOptions{DataDir: dir, Clock: clock, IsCache: true})
	v2.LoadStartup()
	s, ok := v2.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("persisted-body"), s.Body)
	require.WithinDuration(t, time.Unix(99000, 0), s.PublishedOn, 0)
}

func TestV2Cache_NoPersistWhenNotCache(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{DataDir: dir, Clock: clock, IsCache: false})
	id := digest20(3)
	require.NoError(t, v.Receive(id, time.Unix(99000, 0), []byte("not-persisted"), true))

	v2 := NewV2Cache(V2CacheOptions{DataDir: dir, Clock: clock, IsCache: true})
	v2.LoadStartup()
	_, ok := v2.Get(id)
	require.False(t, ok)
}

func TestV2Cache_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{Clock: clock})
	oldID := digest20(1)
	freshID := digest20(2)
	require.NoError(t, v.Receive(oldID, time.Unix(0, 0), []byte("old"), true))
	require.NoError(t, v.Receive(freshID, time.Unix(99999, 0), []byte("fresh"), true))

	removed := v.Sweep(time.Hour)
	require.Len(t, removed, 1)
	require.Equal(t, oldID, removed[0])
	_, ok := v.Get(oldID)
	require.False(t, ok)
	_, ok = v.Get(freshID)
	require.True(t, ok)
}

func TestV2Cache_SortedByPublishedOn(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100000, 0)}
	v := NewV2Cache(V2CacheOptions{Clock: clock})
	require.NoError(t, v.Receive(digest20(1), time.Unix(50, 0), []byte("a"), true))
	require.NoError(t, v.Receive(digest20(2), time.Unix(10, 0), []byte("b"), true))
	require.NoError(t, v.Receive(digest20(3), time.Unix(30, 0), []byte("c"), true))

	sorted := v.Sorted()
	require.Len(t, sorted, 3)
	require.Equal(t, digest20(2), sorted[0].Identity)
	require.Equal(t, digest20(3), sorted[1].Identity)
	require.Equal(t, digest20(1), sorted[2].Identity)
	require.Equal(t, 3, v.Len())
}
