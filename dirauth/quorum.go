package dirauth

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/torrelay/dirauth/common"
)

// QuorumResult is the classification produced by the quorum checker.
type QuorumResult uint8

const (
	QuorumAllGood QuorumResult = iota
	QuorumEnough
	QuorumNeedMoreCerts
	QuorumInsufficient
)

func (r QuorumResult) String() string {
	switch r {
	case QuorumAllGood:
		return "all_good"
	case QuorumEnough:
		return "enough"
	case QuorumNeedMoreCerts:
		return "need_more_certs"
	default:
		return "insufficient"
	}
}

// Authority is a recognized v3 directory authority, configured out-of-band.
type Authority struct {
	IdentityDigest common.Digest20
	Nickname       string
}

// AuthoritySet is the recognized set of directory authorities a
// consensus is checked against.
type AuthoritySet struct {
	byDigest map[common.Digest20]Authority
}

func NewAuthoritySet(auths []Authority) *AuthoritySet {
	m := make(map[common.Digest20]Authority, len(auths))
	for _, a := range auths {
		m[a.IdentityDigest] = a
	}
	return &AuthoritySet{byDigest: m}
}

func (a *AuthoritySet) Len() int { return len(a.byDigest) }

func (a *AuthoritySet) Contains(id common.Digest20) (Authority, bool) {
	auth, ok := a.byDigest[id]
	return auth, ok
}

// RequiredQuorum returns Q = floor(|A|/2) + 1.
func RequiredQuorum(totalAuthorities int) int {
	return totalAuthorities/2 + 1
}

// voterClass is the per-voter bucket assigned during quorum checking. The
// declaration order is not the priority order; CheckQuorum and
// classifyVoter apply that (unknown, missing cert, bad, good, no signature).
type voterClass uint8

const (
	classGood voterClass = iota
	classBad
	classMissingCert
	classMissingCertFailedDL
	classUnknown
	classNoSignature
)

// QuorumReport is the full diagnostic surface from a quorum check.
type QuorumReport struct {
	Result QuorumResult

	NGood                int
	NBad                 int
	NMissing             int
	NMissingWithFailedDL int
	NUnknown             int
	NNoSig               int

	// AbsentAuthorities lists nicknames of recognized authorities with no
	// entry in C.Voters at all.
	AbsentAuthorities []string
}

// certKey memoizes a (identity,signingKey) lookup for the life of one
// CheckQuorum call.
type certKey struct {
	identity common.Digest20
	signing  common.Digest20
}

// CheckQuorum implements the quorum checker. verifier
// classifies/verifies signatures lazily; certs comes from the consumed
// CertStore collaborator.
func CheckQuorum(c *Consensus, authorities *AuthoritySet, certs CertStore, verifier SignatureVerifier, now time.Time) QuorumReport {
	var report QuorumReport
	seen := mapset.NewThreadUnsafeSet[common.Digest20]()

	cache, _ := lru.NewARC(256)

	for vi := range c.Voters {
		v := &c.Voters[vi]
		seen.Add(v.IdentityDigest)

		if _, ok := authorities.Contains(v.IdentityDigest); !ok {
			report.NUnknown++
			continue
		}

		class, failedDL := classifyVoter(c, v, certs, verifier, cache, now)
		switch class {
		case classGood:
			report.NGood++
		case classBad:
			report.NBad++
		case classMissingCert:
			report.NMissing++
			if failedDL {
				report.NMissingWithFailedDL++
			}
		case classNoSignature:
			report.NNoSig++
		}
	}

	for id, a := range authorities.byDigest {
		if !seen.Contains(id) {
			report.AbsentAuthorities = append(report.AbsentAuthorities, a.Nickname)
		}
	}

	total := authorities.Len()
	q := RequiredQuorum(total)
	switch {
	case report.NGood == total:
		report.Result = QuorumAllGood
	case report.NGood >= q:
		report.Result = QuorumEnough
	case report.NGood+report.NMissing >= q && report.NGood+report.NMissing-report.NMissingWithFailedDL >= q:
		report.Result = QuorumNeedMoreCerts
	default:
		report.Result = QuorumInsufficient
	}
	return report
}

// classifyVoter classifies one voter into the first matching bucket, in
// priority order, verifying any not-yet-classified signatures as it goes.
func classifyVoter(c *Consensus, v *Voter, certs CertStore, verifier SignatureVerifier, cache *lru.ARCCache, now time.Time) (voterClass, bool) {
	anyMissing := false
	anyMissingFailedDL := false
	anyBad := false
	anyGood := false

	for si := range v.Signatures {
		sig := &v.Signatures[si]
		if sig.IdentityDigest != v.IdentityDigest {
			anyBad = true
			continue
		}
		if !sig.Classified() {
			key := certKey{sig.IdentityDigest, sig.SigningKeyDigest}
			var cert *Cert
			if cv, ok := cache.Get(key); ok {
				cert, _ = cv.(*Cert)
			} else {
				if found, ok := certs.Lookup(sig.IdentityDigest, sig.SigningKeyDigest); ok {
					cert = found
				}
				cache.Add(key, cert)
			}
			if cert == nil || (!cert.Expires.IsZero() && cert.Expires.Before(now)) {
				anyMissing = true
				if certs.DLLooksUncertain(sig.IdentityDigest) {
					anyMissingFailedDL = true
				}
				continue
			}
			_ = VerifySignature(c, sig, cert, verifier)
		}
		if sig.GoodSignature {
			anyGood = true
		}
		if sig.BadSignature {
			anyBad = true
		}
	}

	// Priority order: missing cert, then bad, then good, then no
	// signature — a voter with any missing-cert signature is classified
	// missing even if another signature already verified good.
	switch {
	case anyMissing:
		return classMissingCert, anyMissingFailedDL
	case anyBad:
		return classBad, false
	case anyGood:
		return classGood, false
	default:
		return classNoSignature, false
	}
}

// DiagnosticString renders a QuorumReport as a diagnostic list of
// good / missing-key / unknown / missing-voter authorities.
func (r QuorumReport) DiagnosticString() string {
	var b strings.Builder
	b.WriteString(r.Result.String())
	if len(r.AbsentAuthorities) > 0 {
		b.WriteString(" missing-voters=")
		b.WriteString(strings.Join(r.AbsentAuthorities, ","))
	}
	return b.String()
}
