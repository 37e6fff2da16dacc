package dirauth

import (
	"math/rand"
	"time"
)

// NodeRole selects which of the three fetch-window formulas applies.
type NodeRole uint8

const (
	RoleClient NodeRole = iota
	RoleCache           // "early-fetching": authorities and directory caches
	RoleBridgeClient    // "late-fetching": bridge users
)

// FlavorSchedule holds the per-flavor scheduling state.
type FlavorSchedule struct {
	NextDownloadTime time.Time
	DL               DownloadStatus
}

// Scheduler drives consensus and v2 download timing. It
// holds no reference to the transport directly; callers pass one to
// ShouldLaunch/ShouldLaunchV2 and act on the returned decisions
// (DirectoryState.Tick does this).
type Scheduler struct {
	Role           NodeRole
	ExtraEarly     bool
	clock          Clock
	rng            *rand.Rand

	flavors    [numFlavors]FlavorSchedule
	lastV2Attempt time.Time
	isAuthorityOrCache bool
}

func NewScheduler(role NodeRole, extraEarly bool, clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	return &Scheduler{
		Role:       role,
		ExtraEarly: extraEarly,
		clock:      clock,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		isAuthorityOrCache: role == RoleCache,
	}
}

// weWantFlavor rejects flavor values >= nConsensusFlavors. An earlier
// strict greater-than-only comparison is treated as an off-by-one and
// fixed here to reject flavor == N as well.
func weWantFlavor(f Flavor) bool {
	return int(f) < nConsensusFlavors
}

// ScheduleRefetch computes next_download_time for one flavor. live is nil
// if no current consensus exists for this flavor.
func (s *Scheduler) ScheduleRefetch(flavor Flavor, live *Consensus, now time.Time) {
	if !weWantFlavor(flavor) {
		return
	}
	fs := &s.flavors[flavor]

	if live == nil || !live.Live(now) {
		fs.NextDownloadTime = now
		return
	}

	// Stable once computed: redrawing the jitter on every call would
	// reroll the anti-download-storm pacing this schedule exists to
	// guarantee. Only recompute when there's no schedule yet, or the
	// existing one has already elapsed.
	if !fs.NextDownloadTime.IsZero() && fs.NextDownloadTime.After(now) {
		return
	}

	interval := live.FreshUntil.Sub(live.ValidAfter)
	slop := interval / 16
	if slop > 120*time.Second {
		slop = 120 * time.Second
	}

	var start time.Time
	var dlInterval time.Duration

	switch s.Role {
	case RoleCache:
		start = live.FreshUntil.Add(slop)
		dlInterval = interval / 2
		if s.ExtraEarly {
			dlInterval = 60 * time.Second
			if dlInterval > interval/2 {
				dlInterval = interval / 2
			}
		}
	case RoleBridgeClient:
		start = live.FreshUntil.Add(3 * interval / 4)
		dlInterval = 7 * live.ValidUntil.Sub(start) / 8
		if dlInterval < time.Second {
			dlInterval = time.Second
		}
		start = start.Add(dlInterval + slop)
		// Recompute dlInterval to end before ValidUntil - slop.
		remaining := live.ValidUntil.Add(-slop).Sub(start)
		if remaining > 0 {
			dlInterval = remaining
		}
	default: // RoleClient
		start = live.FreshUntil.Add(3 * interval / 4)
		dlInterval = 7 * live.ValidUntil.Sub(start) / 8
	}

	if dlInterval < time.Second {
		dlInterval = time.Second
	}

	var jitter time.Duration
	if dlInterval > 0 {
		jitter = time.Duration(s.rng.Int63n(int64(dlInterval)))
	}
	fs.NextDownloadTime = start.Add(jitter)
}

// ShouldLaunch applies the launch rules for one flavor: whether a fetch
// is due, not already in flight, and not blocked on waiting certs.
func (s *Scheduler) ShouldLaunch(flavor Flavor, now time.Time, transport Transport, resource string, waiting *WaitingSlot) bool {
	if !weWantFlavor(flavor) {
		return false
	}
	fs := &s.flavors[flavor]
	if now.Before(fs.NextDownloadTime) {
		return false
	}
	if transport.InFlight("consensus", resource) {
		return false
	}
	if !fs.DL.Ready(now) {
		return false
	}
	if w := waiting.Get(flavor); w != nil && now.Sub(w.ParkedAt) < DelayWhileFetchingCerts {
		return false
	}
	return true
}

// OnDownloadFailed advances the per-flavor backoff and reschedules
// immediately.
func (s *Scheduler) OnDownloadFailed(flavor Flavor, now time.Time) {
	if !weWantFlavor(flavor) {
		return
	}
	s.flavors[flavor].DL.Fail(now)
}

// OnDownloadSucceeded resets the backoff for flavor.
func (s *Scheduler) OnDownloadSucceeded(flavor Flavor, now time.Time) {
	if !weWantFlavor(flavor) {
		return
	}
	s.flavors[flavor].DL.Reset(now)
}

func (s *Scheduler) NextDownloadTime(flavor Flavor) time.Time {
	if !weWantFlavor(flavor) {
		return time.Time{}
	}
	return s.flavors[flavor].NextDownloadTime
}

// V2FetchInterval returns the global v2-cache-refresh interval: 10 minutes
// for a RoleCache scheduler (authorities and directory caches alike), 60
// minutes for every other role. Authorities and caches are not told apart.
func (s *Scheduler) V2FetchInterval() time.Duration {
	if s.isAuthorityOrCache {
		return 10 * time.Minute
	}
	return 60 * time.Minute
}

// ShouldLaunchV2 reports whether a v2 status fetch may be launched now.
func (s *Scheduler) ShouldLaunchV2(now time.Time, transport Transport, purpose string) bool {
	if now.Sub(s.lastV2Attempt) < s.V2FetchInterval() {
		return false
	}
	if transport.InFlight(purpose, "") {
		return false
	}
	return true
}

// MarkV2Attempted records that a v2 fetch was just launched.
func (s *Scheduler) MarkV2Attempted(now time.Time) {
	s.lastV2Attempt = now
}
