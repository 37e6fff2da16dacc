// Package dirauth implements the consensus directory subsystem: fetching,
// quorum-validating, caching, and exposing the signed directory consensus
// and its microdescriptors. The package owns no network I/O; its disk I/O
// is limited to the on-disk caches (persist.go, microdesc.go, v2status.go,
// statusdb.go). Parsing, certificates,
// transport, and the node list are consumed through the interfaces in
// external.go.
package dirauth

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/torrelay/dirauth/common"
)

// Flavor identifies a consensus variant.
type Flavor uint8

const (
	FlavorNS Flavor = iota
	FlavorMicrodesc
	numFlavors
)

func (f Flavor) String() string {
	switch f {
	case FlavorNS:
		return "ns"
	case FlavorMicrodesc:
		return "microdesc"
	default:
		return "unknown"
	}
}

// nConsensusFlavors is the number of consensus flavors as an int, the
// bound weWantFlavor checks against.
const nConsensusFlavors = int(numFlavors)

// DigestAlg is a content-digest / signature algorithm tag.
type DigestAlg uint8

const (
	AlgSHA1 DigestAlg = iota
	AlgSHA256
	AlgEd25519
)

// DigestLen returns the expected digest length in bytes for alg.
func (a DigestAlg) DigestLen() int {
	switch a {
	case AlgSHA1:
		return 20
	default:
		return 32
	}
}

// RouterFlag is a single bit in RouterStatus.Flags.
type RouterFlag uint16

const (
	FlagAuthority RouterFlag = 1 << iota
	FlagExit
	FlagStable
	FlagFast
	FlagRunning
	FlagNamed
	FlagUnnamed
	FlagValid
	FlagV2Dir
	FlagGuard
	FlagBadExit
	FlagBadDirectory
	FlagHSDir
)

// Signature is one voter's signature over a consensus's content digest.
type Signature struct {
	Alg             DigestAlg
	SigningKeyDigest common.Digest20
	IdentityDigest   common.Digest20
	Sig              []byte

	GoodSignature bool
	BadSignature  bool
}

// Classified reports whether verification has been run on this signature.
func (s *Signature) Classified() bool { return s.GoodSignature || s.BadSignature }

// Voter is one signer entry in a consensus.
type Voter struct {
	IdentityDigest common.Digest20
	Nickname       string
	Address        string
	Contact        string
	Signatures     []Signature
}

// DownloadStatus is a per-resource retry record.
type DownloadStatus struct {
	NextTry        time.Time
	FailureCount   int
	LastTry        time.Time
}

// Reset marks the resource as freshly successful.
func (d *DownloadStatus) Reset(now time.Time) {
	d.FailureCount = 0
	d.LastTry = now
	d.NextTry = now
}

// backoffSchedule is the capped exponential-ish retry schedule, in seconds,
// indexed by failure count. The last entry repeats once the cap is hit,
// matching CONSENSUS_NETWORKSTATUS_MAX_DL_TRIES plateauing.
var backoffSchedule = []int{0, 10, 30, 60, 5 * 60, 15 * 60, 30 * 60, 60 * 60}

// Fail advances the backoff by one step and schedules NextTry.
func (d *DownloadStatus) Fail(now time.Time) {
	d.LastTry = now
	d.FailureCount++
	idx := d.FailureCount
	if idx >= ConsensusMaxDownloadTries {
		idx = ConsensusMaxDownloadTries - 1
	}
	if idx < 0 {
		idx = 0
	}
	d.NextTry = now.Add(time.Duration(backoffSchedule[idx]) * time.Second)
}

// Ready reports whether a new download attempt may be launched now.
func (d *DownloadStatus) Ready(now time.Time) bool {
	return !now.Before(d.NextTry)
}

// RouterStatus is one router entry within a consensus.
type RouterStatus struct {
	IdentityDigest   common.Digest20
	DescriptorDigest []byte // 20 (ns) or 32 (microdesc) bytes
	Nickname         string
	Address          string
	ORPort           uint16
	DirPort          uint16
	Flags            RouterFlag
	VersionBits      uint32
	DL               DownloadStatus
	LastDir503At     time.Time
}

func (rs *RouterStatus) HasFlag(f RouterFlag) bool { return rs.Flags&f != 0 }

// NamedParam is a named integer network or bandwidth-weight parameter.
type NamedParam struct {
	Name  string
	Value int64
}

// Consensus is the parsed, signed directory document.
type Consensus struct {
	Flavor     Flavor
	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time

	Digests map[DigestAlg][]byte

	Voters        []Voter
	RouterStatus  []RouterStatus // sorted ascending by IdentityDigest
	NetParams     []NamedParam
	BandwidthWts  []NamedParam

	// RecommendedVersions is the consensus's recommended-versions
	// parameter, when the parser populated one; checked once per install
	// of the usable flavor against Config.Version (store.go's
	// checkDangerousVersion). Nil means the parser found none, not that
	// every version is recommended.
	RecommendedVersions []string

	// descIndex is a lazily-built cache over descriptor digests, built
	// once on first FindByDescriptor call and reused; not part of the
	// wire format.
	descIndex *lru.ARCCache
}

// Live reports whether now falls within [ValidAfter, ValidUntil].
func (c *Consensus) Live(now time.Time) bool {
	return !now.Before(c.ValidAfter) && !now.After(c.ValidUntil)
}

// ReasonablyLive reports live, or expired by at most ReasonablyLiveTime.
func (c *Consensus) ReasonablyLive(now time.Time) bool {
	if c.Live(now) {
		return true
	}
	return !now.After(c.ValidUntil.Add(ReasonablyLiveTime))
}

// FindByIdentity binary-searches RouterStatus (sorted ascending) for digest.
func (c *Consensus) FindByIdentity(digest common.Digest20) (*RouterStatus, bool) {
	list := c.RouterStatus
	i := sort.Search(len(list), func(i int) bool {
		return string(list[i].IdentityDigest[:]) >= string(digest[:])
	})
	if i < len(list) && list[i].IdentityDigest == digest {
		return &list[i], true
	}
	return nil, false
}

// FindByDescriptor looks up the RouterStatus entry whose descriptor digest
// equals digest, building a lazy lru.ARCCache-backed index on first use
// (grounded on consensus/dpos/snapshot.go's sigcache, the same library the
// quorum checker memoizes cert lookups with). The cache is sized to the
// full router count so, once warm, it never evicts and behaves as a
// complete hash index rather than a sampling cache — RouterStatus is only
// sorted by identity digest, so a descriptor-digest lookup has no binary
// search to fall back on.
func (c *Consensus) FindByDescriptor(digest []byte) (*RouterStatus, bool) {
	if c.descIndex == nil {
		idx, _ := lru.NewARC(len(c.RouterStatus) + 1)
		for i := range c.RouterStatus {
			idx.Add(string(c.RouterStatus[i].DescriptorDigest), i)
		}
		c.descIndex = idx
	}
	v, ok := c.descIndex.Get(string(digest))
	if !ok {
		return nil, false
	}
	return &c.RouterStatus[v.(int)], true
}

// SameContent reports whether c and other have identical content digests —
// the duplicate-detection check in set_current step 5.
func (c *Consensus) SameContent(other *Consensus) bool {
	if other == nil || len(c.Digests) != len(other.Digests) {
		return false
	}
	for alg, d := range c.Digests {
		od, ok := other.Digests[alg]
		if !ok || string(d) != string(od) {
			return false
		}
	}
	return true
}
