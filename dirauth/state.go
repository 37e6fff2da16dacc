package dirauth

import "time"

// DirectoryState bundles the subsystem's stores into a single explicit
// value. Callers construct one per running node/cache;
// nothing in this package reaches for package-level mutable state.
type DirectoryState struct {
	Store      *Store
	Scheduler  *Scheduler
	Microdescs *MicrodescCache
	V2         *V2Cache

	lastV2Sweep time.Time
}

// NewDirectoryState wires the four stores from cfg and opts. role and
// cfg.FetchDirInfoExtraEarly select the scheduler's fetch-window formula.
func NewDirectoryState(cfg *Config, opts Options, role NodeRole) (*DirectoryState, error) {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	opts.DataDir = cfg.DataDirectory
	opts.IsCache = cfg.IsDirectoryCache
	opts.UsableFlavor = cfg.ResolveUsableFlavor()
	opts.Version = cfg.Version

	sched := NewScheduler(role, cfg.FetchDirInfoExtraEarly, opts.Clock)
	opts.Reschedule = sched.ScheduleRefetch

	store := NewStore(opts)

	mc, err := NewMicrodescCache(MicrodescCacheOptions{
		DataDir:       cfg.DataDirectory,
		SaveToJournal: cfg.DataDirectory != "",
		NodeList:      opts.NodeList,
		HaveLiveMicrodescConsensus: func() bool {
			c := store.Current(FlavorMicrodesc)
			return c != nil && c.Live(opts.Clock.Now())
		},
		CurrentMicrodescConsensus: func() *Consensus {
			return store.Current(FlavorMicrodesc)
		},
	})
	if err != nil {
		return nil, err
	}

	var index StatusIndex
	if cfg.StatusIndexDB != "" {
		index, err = OpenLevelDBStatusIndex(cfg.StatusIndexDB)
		if err != nil {
			return nil, err
		}
	}
	v2 := NewV2Cache(V2CacheOptions{
		DataDir: cfg.DataDirectory,
		Clock:   opts.Clock,
		IsCache: cfg.IsDirectoryCache,
		Index:   index,
	})

	return &DirectoryState{Store: store, Scheduler: sched, Microdescs: mc, V2: v2}, nil
}

// Tick runs one pass of the scheduling/maintenance loop: launch any due
// fetches via transport, sweep expired v2 statuses, and opportunistically
// compact the microdescriptor cache. Callers invoke this from their own
// ticker at a coarse interval (seconds, typically). Per-flavor download
// windows are not recomputed here — Store.install recomputes a flavor's
// window the moment a fresh consensus for it lands, and the schedule holds
// stable between installs.
func (d *DirectoryState) Tick(now time.Time) {
	transport := d.Store.opts.Transport
	if transport == nil {
		transport = noopTransport{}
	}
	for _, flavor := range []Flavor{FlavorNS, FlavorMicrodesc} {
		if d.Scheduler.ShouldLaunch(flavor, now, transport, resourceFor(flavor), d.Store.Waiting()) {
			transport.LaunchFetch("consensus", resourceFor(flavor), FetchFlags{Purpose: "consensus"})
		}
	}
	if d.Scheduler.ShouldLaunchV2(now, transport, "v2-status") {
		d.Scheduler.MarkV2Attempted(now)
		transport.LaunchFetch("v2-status", "all", FetchFlags{Purpose: "v2-status"})
	}
	if d.lastV2Sweep.IsZero() || now.Sub(d.lastV2Sweep) >= V2SweepInterval {
		d.V2.Sweep(MaxNetworkstatusAge)
		d.lastV2Sweep = now
	}
	if d.Microdescs.ShouldRebuild(false) {
		if err := d.Microdescs.Rebuild(now, now.Add(-TolerateMicrodescAge), false); err != nil {
			log.Warn("microdesc cache rebuild failed", "err", err)
		}
	}
}

// noopTransport stands in for Tick when no Transport collaborator has been
// wired (e.g. cmd/dirauthd serve, which builds its state from a zero-value
// Options): fetches never launch, nothing is ever in flight.
type noopTransport struct{}

func (noopTransport) LaunchFetch(purpose, resource string, flags FetchFlags) {}
func (noopTransport) InFlight(purpose, resource string) bool                { return false }

var _ Transport = noopTransport{}

func resourceFor(flavor Flavor) string {
	if flavor == FlavorMicrodesc {
		return "microdesc"
	}
	return "ns"
}
