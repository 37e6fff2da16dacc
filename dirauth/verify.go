package dirauth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha1"
	"crypto/sha256"
	"errors"

	"github.com/torrelay/dirauth/common"
)

// ErrCertMismatch is returned when a signature's embedded key digests don't
// match the certificate offered to verify it.
var ErrCertMismatch = errors.New("dirauth: cert-mismatch")

// Ed25519Verifier verifies ed25519-signed voters using crypto/ed25519,
// the teacher's own seal-verification primitive for its ed25519-keyed
// signers (consensus/dpos/dpos.go).
type Ed25519Verifier struct{}

var _ SignatureVerifier = Ed25519Verifier{}

func (Ed25519Verifier) Verify(alg DigestAlg, pk, sig, digest []byte) bool {
	if alg != AlgEd25519 {
		return false
	}
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pk, digest, sig)
}

// RSAVerifier verifies the ns flavor's raw-public-key RSA signatures by
// recomputing the expected digest and doing a direct byte compare
// (signature == PKCS#1 encode(digest) recovered via pk, approximated here
// with a digest-compare hook so the core never touches ASN.1/PKCS#1
// directly).
type RSAVerifier struct {
	// Recover recovers the digest embedded in an RSA raw signature given
	// the signer's public key. Supplied by the external PKI collaborator;
	// nil disables RSA verification (e.g. in tests that only exercise
	// ed25519 voters).
	Recover func(pk, sig []byte) ([]byte, error)
}

var _ SignatureVerifier = (*RSAVerifier)(nil)

func (v *RSAVerifier) Verify(alg DigestAlg, pk, sig, digest []byte) bool {
	if alg == AlgEd25519 {
		return false
	}
	if v.Recover == nil {
		return false
	}
	recovered, err := v.Recover(pk, sig)
	if err != nil {
		return false
	}
	return bytes.Equal(recovered, digest)
}

// CompositeVerifier dispatches each signature to whichever of RSAVerifier
// or Ed25519Verifier matches its algorithm — a single SignatureVerifier
// able to handle a consensus whose voters mix both signing schemes.
type CompositeVerifier struct {
	RSA     RSAVerifier
	Ed25519 Ed25519Verifier
}

var _ SignatureVerifier = (*CompositeVerifier)(nil)

func (v *CompositeVerifier) Verify(alg DigestAlg, pk, sig, digest []byte) bool {
	if alg == AlgEd25519 {
		return v.Ed25519.Verify(alg, pk, sig, digest)
	}
	return v.RSA.Verify(alg, pk, sig, digest)
}

// Digest computes the content digest of body under alg, used by callers
// that need to populate Consensus.Digests from raw bytes (e.g. tests).
func Digest(alg DigestAlg, body []byte) []byte {
	switch alg {
	case AlgSHA1:
		sum := sha1.Sum(body)
		return sum[:]
	default:
		sum := sha256.Sum256(body)
		return sum[:]
	}
}

// VerifySignature performs the digest/signature verifier component
//: preconditions, then delegates to verifier, setting
// exactly one of GoodSignature/BadSignature as a side effect.
func VerifySignature(c *Consensus, s *Signature, cert *Cert, verifier SignatureVerifier) error {
	signingKeyDigest := common.Digest20(sha1.Sum(cert.SigningPublicKey))
	if !bytes.Equal(signingKeyDigest[:], s.SigningKeyDigest[:]) || cert.IdentityDigest != s.IdentityDigest {
		return ErrCertMismatch
	}
	expected, ok := c.Digests[s.Alg]
	if !ok {
		s.BadSignature = true
		return nil
	}
	if verifier.Verify(s.Alg, cert.SigningPublicKey, s.Sig, expected) {
		s.GoodSignature = true
	} else {
		s.BadSignature = true
	}
	return nil
}
