package dirauth

// UseMicrodescriptors selects which consensus flavor a node treats as
// usable.
type UseMicrodescriptors uint8

const (
	UseMicrodescsAuto UseMicrodescriptors = iota
	UseMicrodescsYes
	UseMicrodescsNo
)

// Config holds the operator-supplied settings for a running node or
// cache: plain fields, sane zero values, no struct tags.
type Config struct {
	UseMicrodescriptors     UseMicrodescriptors
	FetchUselessDescriptors bool
	FetchV2Networkstatus    bool
	UseBridges              bool
	FallbackNetworkstatusFile string
	FetchDirInfoExtraEarly  bool
	DataDirectory           string

	// (ADDED) fields needed to wire in the domain stack.
	IsServer          bool
	IsDirectoryCache  bool
	BridgesAllSupportMicrodescs bool
	Version           string

	// StatusIndexDB, if set, is a filesystem path for a goleveldb-backed
	// StatusIndex over the v2 status cache.
	// Left empty, the v2 cache uses only cached-status/ files + an
	// in-memory map.
	StatusIndexDB string
}

// ResolveUsableFlavor applies the UseMicrodescriptors "auto" rule:
// auto ≡ !server && !FetchUselessDescriptors, further forced off
// when bridges are configured and any bridge doesn't support microdescs.
func (c *Config) ResolveUsableFlavor() Flavor {
	switch c.UseMicrodescriptors {
	case UseMicrodescsYes:
		return FlavorMicrodesc
	case UseMicrodescsNo:
		return FlavorNS
	default:
		if c.IsServer || c.FetchUselessDescriptors {
			return FlavorNS
		}
		if c.UseBridges && !c.BridgesAllSupportMicrodescs {
			return FlavorNS
		}
		return FlavorMicrodesc
	}
}
