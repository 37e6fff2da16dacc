package dirauth

import (
	"time"

	"github.com/torrelay/dirauth/common"
)

// Cert is an authority's signing-key certificate.
type Cert struct {
	IdentityDigest    common.Digest20
	SigningKeyDigest  common.Digest20
	SigningPublicKey  []byte
	Expires           time.Time
}

// CertStore is the consumed certificate-store collaborator.
type CertStore interface {
	Lookup(identity, signingKey common.Digest20) (*Cert, bool)
	DLLooksUncertain(identity common.Digest20) bool
	FetchMissing(c *Consensus, now time.Time)
}

// FetchFlags mirror the transport launch flags the core cares about.
type FetchFlags struct {
	Purpose string
}

// Transport is the consumed directory-transport collaborator.
type Transport interface {
	LaunchFetch(purpose, resource string, flags FetchFlags)
	InFlight(purpose, resource string) bool
}

// NodeList is the consumed node-list collaborator.
type NodeList interface {
	SetConsensus(c *Consensus)
	AddMicrodesc(md *Microdesc)
	List() []NodeRef
}

// NodeRef is the minimal shape the cache needs to reconcile held_by_nodes.
type NodeRef struct {
	MicrodescDigest common.Digest32
}

// Severity is a control-event severity level.
type Severity uint8

const (
	SeverityNotice Severity = iota
	SeverityWarn
)

// EventSink is the consumed control-port event emitter.
type EventSink interface {
	NewConsensus(c *Consensus)
	NetworkStatusChanged(changed []RouterStatus)
	GeneralStatus(sev Severity, msg string)
	ClientStatus(sev Severity, msg string)
}

// SignatureVerifier verifies one signature against one certificate's public
// key and a consensus's recorded content digest.
type SignatureVerifier interface {
	// Verify returns true if sig verifies over digest using pk.
	Verify(alg DigestAlg, pk []byte, sig []byte, digest []byte) bool
}

// Parser is the consumed document parser. It must
// populate Digests, ValidAfter/FreshUntil/ValidUntil, Voters, and
// RouterStatus sorted ascending by identity digest.
type Parser interface {
	ParseConsensus(raw []byte) (*Consensus, error)
}

// Clock is the consumed wall-clock abstraction.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock backed by time.Now.
var SystemClock Clock = systemClock{}
