package survey

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

func TestThresholdVerifier(t *testing.T) {
	var pairs []*key.Pair
	var publics []kyber.Point
	for i := 0; i < 3; i++ {
		kp := key.NewKeyPair(tSuite)
		pairs = append(pairs, kp)
		publics = append(publics, kp.Public)
	}
	v, err := NewThresholdVerifier(tSuite, publics, 2)
	require.NoError(t, err)

	digest := []byte("payload digest that everybody signs")
	sign := func(kp *key.Pair) OracleSignature {
		sig, err := schnorr.Sign(tSuite, kp.Private, digest)
		require.NoError(t, err)
		return OracleSignature{Signer: kp.Public, Signature: sig}
	}

	require.NoError(t, v.Verify(digest, []OracleSignature{sign(pairs[0]), sign(pairs[1])}))
	require.NoError(t, v.Verify(digest, []OracleSignature{sign(pairs[0]), sign(pairs[1]), sign(pairs[2])}))

	// Below threshold.
	err = v.Verify(digest, []OracleSignature{sign(pairs[0])})
	require.True(t, xerrors.Is(err, ErrVerification))

	// A duplicate signer rejects the set, it does not count twice.
	err = v.Verify(digest, []OracleSignature{sign(pairs[0]), sign(pairs[0])})
	require.True(t, xerrors.Is(err, ErrVerification))

	// Signers outside the configured set reject the whole set.
	outsider := key.NewKeyPair(tSuite)
	err = v.Verify(digest, []OracleSignature{sign(pairs[0]), sign(pairs[1]), sign(outsider)})
	require.True(t, xerrors.Is(err, ErrVerification))

	// A valid signature over a different digest doesn't verify.
	other := []byte("some other payload")
	sig, err := schnorr.Sign(tSuite, pairs[0].Private, other)
	require.NoError(t, err)
	err = v.Verify(digest, []OracleSignature{
		{Signer: pairs[0].Public, Signature: sig}, sign(pairs[1])})
	require.True(t, xerrors.Is(err, ErrVerification))

	// Thresholds outside 1..n are configuration errors.
	_, err = NewThresholdVerifier(tSuite, publics, 0)
	require.Error(t, err)
	_, err = NewThresholdVerifier(tSuite, publics, 4)
	require.Error(t, err)
}

func TestAttestationDigests(t *testing.T) {
	d1, err := AggregateAttestation{RequestID: 1, Sum: 7, Count: 2}.Digest()
	require.NoError(t, err)
	d2, err := AggregateAttestation{RequestID: 1, Sum: 7, Count: 2}.Digest()
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	// Every field is bound by the digest.
	d3, err := AggregateAttestation{RequestID: 1, Sum: 7, Count: 3}.Digest()
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
	d4, err := AggregateAttestation{RequestID: 2, Sum: 7, Count: 2}.Digest()
	require.NoError(t, err)
	require.NotEqual(t, d1, d4)

	d5, err := IndividualAttestation{RequestID: 1, Value: 7}.Digest()
	require.NoError(t, err)
	require.NotEqual(t, d1, d5)
}
