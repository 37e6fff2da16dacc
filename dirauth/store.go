package dirauth

import (
	"fmt"
	"time"

	"github.com/torrelay/dirauth/common"
	"github.com/torrelay/dirauth/internal/dirlog"
)

var log = dirlog.New("pkg", "dirauth")

// ErrorKind classifies a set_current failure.
type ErrorKind uint8

const (
	ErrBadParse ErrorKind = iota
	ErrWrongFlavor
	ErrDuplicate
	ErrStale
	ErrClockSkew
	ErrObsolete
	ErrInsufficientSignatures
	ErrNeedCerts
	ErrIOFailure
	ErrProtocolViolation
)

// SetCurrentError carries a classified failure and a return-code
// convention: -1 for mild failures that must not bump the
// download-failure counter, -2 for hard failures that must.
type SetCurrentError struct {
	Kind ErrorKind
	Code int
	Msg  string
}

func (e *SetCurrentError) Error() string { return fmt.Sprintf("dirauth: %s (%d)", e.Msg, e.Code) }

func mild(kind ErrorKind, msg string) error { return &SetCurrentError{kind, -1, msg} }
func hard(kind ErrorKind, msg string) error { return &SetCurrentError{kind, -2, msg} }

// SetCurrentFlags replaces an integer-flag bitset with named booleans.
type SetCurrentFlags struct {
	FromCache           bool
	WasWaitingForCerts  bool
	DontDownloadCerts   bool
	AcceptObsolete      bool
	RequireFlavor       bool
}

// Options configures a Store.
type Options struct {
	Authorities     *AuthoritySet
	Parser          Parser
	CertStore       CertStore
	Verifier        SignatureVerifier
	Transport       Transport
	NodeList        NodeList
	Events          EventSink
	Clock           Clock
	DataDir         string
	UsableFlavor    Flavor
	IsCache         bool
	Version         string

	// Reschedule lets the scheduler recompute a flavor's download window
	// at the one moment that should ever trigger it: right after a fresh
	// consensus for that flavor installs. Nil is valid (e.g. read-only
	// inspection tools with no scheduler).
	Reschedule func(flavor Flavor, live *Consensus, now time.Time)
}

// Store is the consensus store: holds the current live
// consensus per flavor and implements the set_current install protocol.
type Store struct {
	opts    Options
	current [numFlavors]*Consensus
	waiting *WaitingSlot

	named    map[string]common.Digest20
	unnamed  map[string]struct{}

	dangerousVersionWarned bool
}

func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	return &Store{
		opts:    opts,
		waiting: NewWaitingSlot(),
		named:   make(map[string]common.Digest20),
		unnamed: make(map[string]struct{}),
	}
}

// Current returns the installed consensus for flavor, or nil.
func (s *Store) Current(flavor Flavor) *Consensus {
	if !weWantFlavor(flavor) {
		return nil
	}
	return s.current[flavor]
}

func (s *Store) Waiting() *WaitingSlot { return s.waiting }

// SetCurrent runs the full install protocol for a freshly-parsed
// consensus document, in 13 steps: parse, quorum-check, possibly park,
// diff against the prior install, and swap in.
func (s *Store) SetCurrent(raw []byte, requestedFlavor Flavor, flags SetCurrentFlags) error {
	now := s.opts.Clock.Now()

	// Step 1: parse.
	c, err := s.opts.Parser.ParseConsensus(raw)
	if err != nil {
		return hard(ErrBadParse, "bad-parse")
	}

	// Step 2: flavor mismatch.
	if c.Flavor != requestedFlavor {
		if flags.RequireFlavor {
			return mild(ErrWrongFlavor, "wrong-flavor")
		}
		requestedFlavor = c.Flavor
	}

	// Step 3: drop if we don't use this flavor and we aren't a cache.
	if requestedFlavor != s.opts.UsableFlavor && !s.opts.IsCache {
		return nil
	}

	// Step 4: obsolete-from-cache drop.
	if flags.FromCache && !flags.AcceptObsolete && c.ValidUntil.Before(now.Add(-ReasonablyLiveTime)) {
		return nil
	}

	// Step 5: duplicate.
	if cur := s.current[requestedFlavor]; cur != nil && c.SameContent(cur) {
		return mild(ErrDuplicate, "duplicate")
	}

	// Step 6: stale.
	if cur := s.current[requestedFlavor]; cur != nil && !c.ValidAfter.After(cur.ValidAfter) {
		return mild(ErrStale, "stale")
	}

	// Step 7: quorum check.
	report := CheckQuorum(c, s.opts.Authorities, s.opts.CertStore, s.opts.Verifier, now)
	switch report.Result {
	case QuorumInsufficient:
		return hard(ErrInsufficientSignatures, "bad-sigs: "+report.DiagnosticString())
	case QuorumNeedMoreCerts:
		s.waiting.Park(c, raw, now)
		if err := s.persistUnverified(requestedFlavor, raw); err != nil {
			log.Warn("failed to persist unverified consensus", "flavor", requestedFlavor, "err", err)
		}
		if !flags.DontDownloadCerts {
			s.opts.CertStore.FetchMissing(c, now)
		}
		return nil
	}

	// Steps 8-13: install.
	return s.install(c, raw, requestedFlavor, flags, now)
}

func (s *Store) install(c *Consensus, raw []byte, flavor Flavor, flags SetCurrentFlags, now time.Time) error {
	prev := s.current[flavor]

	// Step 8: carry forward per-router ancillary state.
	if prev != nil {
		carryForwardRouterState(prev, c)
	}
	s.current[flavor] = c

	if s.opts.Events != nil {
		s.opts.Events.NewConsensus(c)
		if prev != nil {
			s.opts.Events.NetworkStatusChanged(diffRouterStatus(prev, c))
		} else {
			s.opts.Events.NetworkStatusChanged(c.RouterStatus)
		}
	}

	// Step 9: evict a stale park for this flavor.
	if evicted, ok := s.waiting.EvictIfStale(flavor, c.ValidAfter); ok {
		if err := s.deleteUnverified(flavor); err != nil {
			log.Warn("failed to delete unverified consensus", "flavor", flavor, "err", err)
		}
		_ = evicted
	}

	// Step 10 (reset or fail the flavor's download status) is not performed
	// here: the scheduler owns DownloadStatus and Store does not update it.

	// Step 11: if usable flavor, recompute derived state.
	if flavor == s.opts.UsableFlavor {
		s.rebuildNicknameMaps(c)
		if s.opts.NodeList != nil {
			s.opts.NodeList.SetConsensus(c)
		}
		s.checkDangerousVersion(c)
	}

	// Recompute this flavor's download window now that it has a fresh
	// live consensus installed, rather than every scheduler tick — the
	// schedule holds stable between installs.
	if s.opts.Reschedule != nil {
		s.opts.Reschedule(flavor, c, now)
	}

	// Step 12: persist.
	if !flags.FromCache {
		if err := s.persistCurrent(flavor, raw); err != nil {
			log.Warn("failed to persist consensus", "flavor", flavor, "err", err)
		}
	}

	// Step 13: clock-skew check.
	if now.Before(c.ValidAfter.Add(-EarlyConsensusNoticeSkew)) {
		log.Warn("consensus valid_after is in the future", "skew", c.ValidAfter.Sub(now))
		if s.opts.Events != nil {
			s.opts.Events.GeneralStatus(SeverityWarn, "CLOCK_SKEW consensus arrived early")
		}
	}

	return nil
}

// carryForwardRouterState copies per-entry last_dir_503_at (always) and
// dl_status (only if the descriptor digest is unchanged) from prev to next.
func carryForwardRouterState(prev, next *Consensus) {
	prevByID := make(map[common.Digest20]*RouterStatus, len(prev.RouterStatus))
	for i := range prev.RouterStatus {
		rs := &prev.RouterStatus[i]
		prevByID[rs.IdentityDigest] = rs
	}
	for i := range next.RouterStatus {
		rs := &next.RouterStatus[i]
		old, ok := prevByID[rs.IdentityDigest]
		if !ok {
			continue
		}
		rs.LastDir503At = old.LastDir503At
		if string(rs.DescriptorDigest) == string(old.DescriptorDigest) {
			rs.DL = old.DL
		}
	}
}

// diffRouterStatus returns entries in next that are new or changed
// relative to prev.
func diffRouterStatus(prev, next *Consensus) []RouterStatus {
	prevByID := make(map[common.Digest20]*RouterStatus, len(prev.RouterStatus))
	for i := range prev.RouterStatus {
		prevByID[prev.RouterStatus[i].IdentityDigest] = &prev.RouterStatus[i]
	}
	var changed []RouterStatus
	for i := range next.RouterStatus {
		rs := &next.RouterStatus[i]
		old, ok := prevByID[rs.IdentityDigest]
		if !ok || old.Flags != rs.Flags || string(old.DescriptorDigest) != string(rs.DescriptorDigest) {
			changed = append(changed, *rs)
		}
	}
	return changed
}

// rebuildNicknameMaps recomputes the named/unnamed nickname maps for a
// newly-installed consensus. Atomic w.r.t. external lookups: new maps are
// built off to the side, then swapped in.
func (s *Store) rebuildNicknameMaps(c *Consensus) {
	named := make(map[string]common.Digest20)
	unnamed := make(map[string]struct{})
	for i := range c.RouterStatus {
		rs := &c.RouterStatus[i]
		key := toLower(rs.Nickname)
		if rs.HasFlag(FlagNamed) {
			named[key] = rs.IdentityDigest
		}
		if rs.HasFlag(FlagUnnamed) {
			unnamed[key] = struct{}{}
		}
	}
	s.named = named
	s.unnamed = unnamed
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// LookupNickname resolves a nickname to an identity digest (case
// insensitive), reporting whether it is known-unnamed.
func (s *Store) LookupNickname(nickname string) (id common.Digest20, named, unnamed bool) {
	key := toLower(nickname)
	if id, ok := s.named[key]; ok {
		return id, true, false
	}
	_, ok := s.unnamed[key]
	return common.Digest20{}, false, ok
}

// checkDangerousVersion raises a one-shot warning when the running
// version is absent from the consensus's recommended list.
func (s *Store) checkDangerousVersion(c *Consensus) {
	if s.dangerousVersionWarned || s.opts.Version == "" || len(c.RecommendedVersions) == 0 {
		return
	}
	for _, v := range c.RecommendedVersions {
		if v == s.opts.Version {
			return
		}
	}
	s.MarkDangerousVersionWarned(fmt.Sprintf("version %s not in recommended list", s.opts.Version))
}

// MarkDangerousVersionWarned lets a caller that has already determined the
// running version is unrecommended emit the one-shot event.
func (s *Store) MarkDangerousVersionWarned(msg string) {
	if s.dangerousVersionWarned {
		return
	}
	s.dangerousVersionWarned = true
	if s.opts.Events != nil {
		s.opts.Events.GeneralStatus(SeverityWarn, "DANGEROUS_VERSION "+msg)
	}
}

// NoteCertsArrived re-runs the quorum check on every parked consensus,
// and re-enters set_current for any that now reach enough/all_good.
func (s *Store) NoteCertsArrived() {
	for _, parked := range s.waiting.All() {
		report := CheckQuorum(parked.Consensus, s.opts.Authorities, s.opts.CertStore, s.opts.Verifier, s.opts.Clock.Now())
		if report.Result == QuorumEnough || report.Result == QuorumAllGood {
			if err := s.SetCurrent(parked.RawBytes, parked.Consensus.Flavor, SetCurrentFlags{WasWaitingForCerts: true}); err != nil {
				log.Warn("failed to install consensus after certs arrived", "err", err)
			}
		}
	}
}
