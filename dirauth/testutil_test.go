package dirauth

import (
	"crypto/ed25519"
	"crypto/sha1"
	"time"

	"github.com/torrelay/dirauth/common"
)

// fakeClock is a controllable Clock for deterministic tests.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeParser ignores the raw bytes and returns the pre-built *Consensus in
// next (or err), so tests can exercise SetCurrent without a real
// wire-format parser (Parser is an external collaborator).
type fakeParser struct {
	next *Consensus
	err  error
}

func (p *fakeParser) ParseConsensus(raw []byte) (*Consensus, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.next == nil {
		return nil, errParseNoFixture
	}
	return p.next, nil
}

var errParseNoFixture = &SetCurrentError{Kind: ErrBadParse, Code: -2, Msg: "no fixture configured"}

// fakeCertStore implements CertStore over an in-memory cert set.
type fakeCertStore struct {
	certs        map[certKey]*Cert
	uncertain    map[common.Digest20]bool
	fetchCalls   int
}

func newFakeCertStore() *fakeCertStore {
	return &fakeCertStore{certs: make(map[certKey]*Cert), uncertain: make(map[common.Digest20]bool)}
}

func (f *fakeCertStore) add(c *Cert) {
	f.certs[certKey{c.IdentityDigest, c.SigningKeyDigest}] = c
}

func (f *fakeCertStore) Lookup(identity, signingKey common.Digest20) (*Cert, bool) {
	c, ok := f.certs[certKey{identity, signingKey}]
	return c, ok
}

func (f *fakeCertStore) DLLooksUncertain(identity common.Digest20) bool {
	return f.uncertain[identity]
}

func (f *fakeCertStore) FetchMissing(c *Consensus, now time.Time) { f.fetchCalls++ }

// fakeTransport implements Transport, tracking launched fetches.
type fakeTransport struct {
	launched []string
	inFlight map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inFlight: make(map[string]bool)}
}

func (t *fakeTransport) LaunchFetch(purpose, resource string, flags FetchFlags) {
	t.launched = append(t.launched, purpose+":"+resource)
}

func (t *fakeTransport) InFlight(purpose, resource string) bool {
	return t.inFlight[purpose+":"+resource]
}

// fakeNodeList implements NodeList, recording calls.
type fakeNodeList struct {
	consensuses []*Consensus
	added       []*Microdesc
	nodes       []NodeRef
}

func (n *fakeNodeList) SetConsensus(c *Consensus)     { n.consensuses = append(n.consensuses, c) }
func (n *fakeNodeList) AddMicrodesc(md *Microdesc)    { n.added = append(n.added, md) }
func (n *fakeNodeList) List() []NodeRef               { return n.nodes }

// fakeEventSink implements EventSink, recording every call.
type fakeEventSink struct {
	newConsensus []*Consensus
	nsChanged    [][]RouterStatus
	general      []string
	client       []string
}

func (e *fakeEventSink) NewConsensus(c *Consensus) { e.newConsensus = append(e.newConsensus, c) }
func (e *fakeEventSink) NetworkStatusChanged(changed []RouterStatus) {
	e.nsChanged = append(e.nsChanged, changed)
}
func (e *fakeEventSink) GeneralStatus(sev Severity, msg string) { e.general = append(e.general, msg) }
func (e *fakeEventSink) ClientStatus(sev Severity, msg string)  { e.client = append(e.client, msg) }

// testVerifier is the real CompositeVerifier used across tests: every
// fixture here signs with ed25519, so only its Ed25519Verifier half ever
// gets exercised, but wiring the composite keeps these tests honest about
// what production code actually constructs.
var testVerifier SignatureVerifier = &CompositeVerifier{}

// genVoter builds a voter whose single ed25519 signature verifies
// correctly (or incorrectly, if corrupt is true) against the AlgEd25519
// content digest in digests, and registers the matching cert in certs.
// genVoterCert does the same but returns the cert unregistered, so the
// caller can register it later (e.g. to exercise the "certs arrive late"
// path).
func genVoter(nickname string, identity common.Digest20, digests map[DigestAlg][]byte, certs *fakeCertStore, corrupt bool) Voter {
	v, cert := genVoterCert(nickname, identity, digests, corrupt)
	certs.add(cert)
	return v
}

func genVoterCert(nickname string, identity common.Digest20, digests map[DigestAlg][]byte, corrupt bool) (Voter, *Cert) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	// VerifySignature recomputes this as sha1(pub) (Digest20 is sized for
	// SHA-1), so the fixture must use the same hash to ever match a cert.
	signingKeyDigest := common.Digest20(sha1.Sum(pub))
	msg := digests[AlgEd25519]
	sig := ed25519.Sign(priv, msg)
	if corrupt {
		sig[0] ^= 0xff
	}
	cert := &Cert{IdentityDigest: identity, SigningKeyDigest: signingKeyDigest, SigningPublicKey: pub}
	v := Voter{
		IdentityDigest: identity,
		Nickname:       nickname,
		Signatures: []Signature{
			{Alg: AlgEd25519, SigningKeyDigest: signingKeyDigest, IdentityDigest: identity, Sig: sig},
		},
	}
	return v, cert
}

func digest20(seed byte) common.Digest20 {
	var d common.Digest20
	d[0] = seed
	d[19] = seed
	return d
}

func digest32(seed byte) common.Digest32 {
	var d common.Digest32
	d[0] = seed
	d[31] = seed
	return d
}

func routerStatus(seed byte, nickname string, flags RouterFlag) RouterStatus {
	return RouterStatus{
		IdentityDigest:   digest20(seed),
		DescriptorDigest: digest32(seed)[:],
		Nickname:         nickname,
		Address:          "10.0.0.1",
		ORPort:           9001,
		DirPort:          9030,
		Flags:            flags,
	}
}

func baseConsensus(validAfter time.Time, voters []Voter, routers []RouterStatus) *Consensus {
	msg := []byte("consensus-body")
	digests := map[DigestAlg][]byte{AlgEd25519: msg}
	for i := range voters {
		// nothing extra; signatures were already computed against msg in genVoter
		_ = i
	}
	return &Consensus{
		Flavor:       FlavorNS,
		ValidAfter:   validAfter,
		FreshUntil:   validAfter.Add(time.Hour),
		ValidUntil:   validAfter.Add(3 * time.Hour),
		Digests:      digests,
		Voters:       voters,
		RouterStatus: routers,
	}
}
