package dirauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func consensusDigests() map[DigestAlg][]byte {
	return map[DigestAlg][]byte{AlgEd25519: []byte("consensus-body")}
}

func TestRequiredQuorum(t *testing.T) {
	require.Equal(t, 1, RequiredQuorum(1))
	require.Equal(t, 5, RequiredQuorum(9))
	require.Equal(t, 2, RequiredQuorum(3))
}

func TestCheckQuorum_AllGood(t *testing.T) {
	digests := consensusDigests()
	certs := newFakeCertStore()
	var auths []Authority
	var voters []Voter
	for i := byte(1); i <= 9; i++ {
		id := digest20(i)
		auths = append(auths, Authority{IdentityDigest: id, Nickname: "auth"})
		voters = append(voters, genVoter("auth", id, digests, certs, false))
	}
	a := NewAuthoritySet(auths)
	c := baseConsensus(time.Unix(1000, 0), voters, nil)
	c.Digests = digests

	report := CheckQuorum(c, a, certs, testVerifier, time.Unix(2000, 0))
	require.Equal(t, QuorumAllGood, report.Result)
	require.Equal(t, 9, report.NGood)
}

func TestCheckQuorum_EnoughButNotAll(t *testing.T) {
	digests := consensusDigests()
	certs := newFakeCertStore()
	var auths []Authority
	var voters []Voter
	for i := byte(1); i <= 9; i++ {
		id := digest20(i)
		auths = append(auths, Authority{IdentityDigest: id, Nickname: "auth"})
		if i <= 5 {
			voters = append(voters, genVoter("auth", id, digests, certs, false))
		}
	}
	a := NewAuthoritySet(auths)
	c := baseConsensus(time.Unix(1000, 0), voters, nil)
	c.Digests = digests

	report := CheckQuorum(c, a, certs, testVerifier, time.Unix(2000, 0))
	require.Equal(t, QuorumEnough, report.Result)
	require.Equal(t, 5, report.NGood)
	require.Len(t, report.AbsentAuthorities, 4)
}

func TestCheckQuorum_NeedMoreCerts(t *testing.T) {
	digests := consensusDigests()
	certs := newFakeCertStore()
	var auths []Authority
	var voters []Voter
	for i := byte(1); i <= 9; i++ {
		id := digest20(i)
		auths = append(auths, Authority{IdentityDigest: id, Nickname: "auth"})
		switch {
		case i <= 3:
			voters = append(voters, genVoter("auth", id, digests, certs, false))
		case i <= 5:
			// Voter present but signing cert withheld: build signature with
			// an identity that has no matching registered cert.
			v := genVoter("auth", id, digests, certs, false)
			delete(certs.certs, certKey{id, v.Signatures[0].SigningKeyDigest})
			voters = append(voters, v)
		}
	}
	a := NewAuthoritySet(auths)
	c := baseConsensus(time.Unix(1000, 0), voters, nil)
	c.Digests = digests

	report := CheckQuorum(c, a, certs, testVerifier, time.Unix(2000, 0))
	require.Equal(t, QuorumNeedMoreCerts, report.Result)
	require.Equal(t, 3, report.NGood)
	require.Equal(t, 2, report.NMissing)
}

func TestCheckQuorum_Insufficient(t *testing.T) {
	digests := consensusDigests()
	certs := newFakeCertStore()
	var auths []Authority
	for i := byte(1); i <= 9; i++ {
		auths = append(auths, Authority{IdentityDigest: digest20(i), Nickname: "auth"})
	}
	a := NewAuthoritySet(auths)
	c := baseConsensus(time.Unix(1000, 0), nil, nil)
	c.Digests = digests

	report := CheckQuorum(c, a, certs, testVerifier, time.Unix(2000, 0))
	require.Equal(t, QuorumInsufficient, report.Result)
	require.Len(t, report.AbsentAuthorities, 9)
}

func TestCheckQuorum_MissingCertOutranksGoodSignature(t *testing.T) {
	// A voter with two signatures, one good and one whose cert is
	// withheld, must classify as missing-cert, not good: missing cert
	// outranks good in the classification priority order.
	digests := consensusDigests()
	certs := newFakeCertStore()
	id := digest20(1)
	auths := NewAuthoritySet([]Authority{{IdentityDigest: id, Nickname: "auth"}})

	v, goodCert := genVoterCert("auth", id, digests, false)
	certs.add(goodCert)
	_, withheldCert := genVoterCert("auth", id, digests, false)
	v.Signatures = append(v.Signatures, Signature{
		Alg:              AlgEd25519,
		SigningKeyDigest: withheldCert.SigningKeyDigest,
		IdentityDigest:   id,
	})

	c := baseConsensus(time.Unix(1000, 0), []Voter{v}, nil)
	c.Digests = digests

	report := CheckQuorum(c, auths, certs, testVerifier, time.Unix(2000, 0))
	require.Equal(t, 0, report.NGood)
	require.Equal(t, 1, report.NMissing)
	require.Equal(t, QuorumNeedMoreCerts, report.Result)
}

func TestCheckQuorum_BadSignatureCountsAsBad(t *testing.T) {
	digests := consensusDigests()
	certs := newFakeCertStore()
	id := digest20(1)
	auths := NewAuthoritySet([]Authority{{IdentityDigest: id, Nickname: "auth"}})
	v := genVoter("auth", id, digests, certs, true)
	c := baseConsensus(time.Unix(1000, 0), []Voter{v}, nil)
	c.Digests = digests

	report := CheckQuorum(c, auths, certs, testVerifier, time.Unix(2000, 0))
	require.Equal(t, 1, report.NBad)
	require.Equal(t, QuorumInsufficient, report.Result)
}
