package survey

import (
	"crypto/sha256"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// OracleSignature is one oracle's attestation of a decrypted payload.
type OracleSignature struct {
	Signer    kyber.Point
	Signature []byte
}

// CallbackVerifier decides whether a set of oracle signatures over a
// payload digest is authoritative. Implementations must be free of side
// effects so a verification can be replayed for diagnostics.
type CallbackVerifier interface {
	Verify(digest []byte, sigs []OracleSignature) error
}

// ThresholdVerifier accepts a digest once at least Threshold distinct
// oracles out of the configured set signed it. Any unknown signer,
// duplicate signer or bad signature rejects the whole set: a callback
// carrying garbage is a misbehaving oracle network, not a rounding error.
type ThresholdVerifier struct {
	Suite     suites.Suite
	Publics   []kyber.Point
	Threshold int
}

// NewThresholdVerifier returns a verifier for the given signer set.
func NewThresholdVerifier(suite suites.Suite, publics []kyber.Point, t int) (*ThresholdVerifier, error) {
	if t < 1 || t > len(publics) {
		return nil, xerrors.Errorf("threshold %d out of range for %d signers", t, len(publics))
	}
	return &ThresholdVerifier{Suite: suite, Publics: publics, Threshold: t}, nil
}

// Verify implements CallbackVerifier.
func (v *ThresholdVerifier) Verify(digest []byte, sigs []OracleSignature) error {
	seen := make(map[string]bool)
	for _, sig := range sigs {
		if sig.Signer == nil {
			return xerrors.Errorf("%w: signature without signer", ErrVerification)
		}
		if !v.knownSigner(sig.Signer) {
			return xerrors.Errorf("%w: unknown signer %v", ErrVerification, sig.Signer)
		}
		id := sig.Signer.String()
		if seen[id] {
			return xerrors.Errorf("%w: duplicate signer %v", ErrVerification, sig.Signer)
		}
		seen[id] = true
		if err := schnorr.Verify(v.Suite, sig.Signer, digest, sig.Signature); err != nil {
			return xerrors.Errorf("%w: bad signature from %v: %v", ErrVerification, sig.Signer, err)
		}
	}
	if len(seen) < v.Threshold {
		return xerrors.Errorf("%w: %d valid signers, need %d", ErrVerification, len(seen), v.Threshold)
	}
	return nil
}

func (v *ThresholdVerifier) knownSigner(p kyber.Point) bool {
	for _, pub := range v.Publics {
		if pub.Equal(p) {
			return true
		}
	}
	return false
}

// AggregateAttestation is the payload the oracles attest to when
// fulfilling an aggregate reveal. The field order is the canonical
// encoding order - signers and the verifier must agree on it exactly.
type AggregateAttestation struct {
	RequestID uint64
	Sum       uint64
	Count     uint64
}

// Digest returns the canonical digest of the attestation.
func (a AggregateAttestation) Digest() ([]byte, error) {
	return attestationDigest(&a)
}

// IndividualAttestation is the payload attested to for an individual
// reveal.
type IndividualAttestation struct {
	RequestID uint64
	Value     uint64
}

// Digest returns the canonical digest of the attestation.
func (a IndividualAttestation) Digest() ([]byte, error) {
	return attestationDigest(&a)
}

func attestationDigest(msg interface{}) ([]byte, error) {
	buf, err := protobuf.Encode(msg)
	if err != nil {
		return nil, xerrors.Errorf("encoding attestation: %v", err)
	}
	digest := sha256.Sum256(buf)
	return digest[:], nil
}
