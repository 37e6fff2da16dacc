package dirauth

import "time"

// Timing and retry constants governing consensus and microdescriptor
// freshness, staleness, and retry behavior.
const (
	NetworkstatusAllowSkew      = 86400 * time.Second
	V2NetworkstatusRouterLifetime = 10800 * time.Second
	ConsensusMinSecondsBeforeCaching = 120 * time.Second
	DelayWhileFetchingCerts     = 1200 * time.Second
	ConsensusMaxDownloadTries   = 8
	ReasonablyLiveTime          = 86400 * time.Second
	EarlyConsensusNoticeSkew    = 60 * time.Second
	TolerateMicrodescAge        = 604800 * time.Second

	// MaxNetworkstatusAge bounds the lifetime of a cached v2 status doc;
	// the source leaves this configured, the default here matches the
	// "reasonably live" window used elsewhere for the same purpose.
	MaxNetworkstatusAge = 24 * time.Hour

	// V2SweepInterval paces DirectoryState.Tick's call to V2Cache.Sweep:
	// the §4.6 "periodic sweep" doesn't need to run on every scheduler
	// tick, just often enough that expired entries don't linger.
	V2SweepInterval = time.Hour

	journalRebuildThreshold = 16 * 1024
)
