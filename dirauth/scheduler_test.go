package dirauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleRefetch_NoLiveConsensus(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	s.ScheduleRefetch(FlavorNS, nil, clock.now)
	require.Equal(t, clock.now, s.NextDownloadTime(FlavorNS))
}

// S1's scheduling assertion: next_download_time lands strictly between
// fresh_until+120s and valid_until for a live consensus.
func TestScheduleRefetch_ClientWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	validAfter := time.Unix(0, 0)
	live := &Consensus{
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(3600 * time.Second),
		ValidUntil: validAfter.Add(3 * 3600 * time.Second),
	}
	for i := 0; i < 50; i++ {
		s.ScheduleRefetch(FlavorNS, live, clock.now)
		next := s.NextDownloadTime(FlavorNS)
		require.True(t, next.After(live.FreshUntil.Add(120*time.Second)))
		require.True(t, next.Before(live.ValidUntil))
	}
}

// Calling ScheduleRefetch again with the same live consensus must not
// reroll the jitter: the anti-download-storm pacing only holds if the
// schedule stays put between installs.
func TestScheduleRefetch_StableAcrossRepeatedCalls(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	validAfter := time.Unix(0, 0)
	live := &Consensus{
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(3600 * time.Second),
		ValidUntil: validAfter.Add(3 * 3600 * time.Second),
	}
	s.ScheduleRefetch(FlavorNS, live, clock.now)
	first := s.NextDownloadTime(FlavorNS)

	for i := 0; i < 10; i++ {
		s.ScheduleRefetch(FlavorNS, live, clock.now)
		require.Equal(t, first, s.NextDownloadTime(FlavorNS))
	}
}

// Once the existing schedule has elapsed, a later call is free to
// recompute it.
func TestScheduleRefetch_RecomputesAfterElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	validAfter := time.Unix(0, 0)
	live := &Consensus{
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(3600 * time.Second),
		ValidUntil: validAfter.Add(3 * 3600 * time.Second),
	}
	s.ScheduleRefetch(FlavorNS, live, clock.now)
	first := s.NextDownloadTime(FlavorNS)

	s.ScheduleRefetch(FlavorNS, live, first.Add(time.Second))
	require.NotEqual(t, first, s.NextDownloadTime(FlavorNS))
}

func TestScheduleRefetch_CacheExtraEarly(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleCache, true, clock)
	validAfter := time.Unix(0, 0)
	live := &Consensus{
		ValidAfter: validAfter,
		FreshUntil: validAfter.Add(3600 * time.Second),
		ValidUntil: validAfter.Add(3 * 3600 * time.Second),
	}
	s.ScheduleRefetch(FlavorNS, live, clock.now)
	next := s.NextDownloadTime(FlavorNS)
	require.True(t, next.After(live.FreshUntil))
	require.True(t, next.Before(live.ValidUntil))
}

func TestShouldLaunch_RespectsNextDownloadTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	transport := newFakeTransport()
	waiting := NewWaitingSlot()
	s.ScheduleRefetch(FlavorNS, nil, clock.now) // NextDownloadTime = now

	require.True(t, s.ShouldLaunch(FlavorNS, clock.now, transport, "ns", waiting))

	s.flavors[FlavorNS].NextDownloadTime = clock.now.Add(time.Hour)
	require.False(t, s.ShouldLaunch(FlavorNS, clock.now, transport, "ns", waiting))
}

func TestShouldLaunch_BlockedByInFlight(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	transport := newFakeTransport()
	transport.inFlight["consensus:ns"] = true
	waiting := NewWaitingSlot()
	s.ScheduleRefetch(FlavorNS, nil, clock.now)

	require.False(t, s.ShouldLaunch(FlavorNS, clock.now, transport, "ns", waiting))
}

func TestShouldLaunch_BlockedByRecentPark(t *testing.T) {
	clock := &fakeClock{now: time.Unix(10000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	transport := newFakeTransport()
	waiting := NewWaitingSlot()
	c := &Consensus{Flavor: FlavorNS, ValidAfter: time.Unix(1000, 0)}
	waiting.Park(c, []byte("raw"), clock.now)
	s.ScheduleRefetch(FlavorNS, nil, clock.now)

	require.False(t, s.ShouldLaunch(FlavorNS, clock.now, transport, "ns", waiting))

	later := clock.now.Add(DelayWhileFetchingCerts + time.Second)
	require.True(t, s.ShouldLaunch(FlavorNS, later, transport, "ns", waiting))
}

func TestOnDownloadFailed_Backoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	s := NewScheduler(RoleClient, false, clock)
	s.OnDownloadFailed(FlavorNS, clock.now)
	require.Equal(t, 1, s.flavors[FlavorNS].DL.FailureCount)
	require.True(t, s.flavors[FlavorNS].DL.NextTry.After(clock.now))

	s.OnDownloadSucceeded(FlavorNS, clock.now)
	require.Equal(t, 0, s.flavors[FlavorNS].DL.FailureCount)
}

func TestWeWantFlavor_RejectsOutOfRange(t *testing.T) {
	require.True(t, weWantFlavor(FlavorNS))
	require.True(t, weWantFlavor(FlavorMicrodesc))
	require.False(t, weWantFlavor(Flavor(numFlavors)))
}

func TestV2FetchInterval(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	cache := NewScheduler(RoleCache, false, clock)
	require.Equal(t, 10*time.Minute, cache.V2FetchInterval())

	client := NewScheduler(RoleClient, false, clock)
	require.Equal(t, 60*time.Minute, client.V2FetchInterval())
}
