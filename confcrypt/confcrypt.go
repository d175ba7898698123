// Package confcrypt implements the confidential-computation layer used by
// the survey ledger: additively homomorphic ElGamal ciphertexts, opaque
// handles referencing stored ciphertexts, and proofs that a submitted
// ciphertext encrypts a well-formed answer.
//
// A value v is encrypted towards the collective oracle key X as
// (K, C) = (kG, kX + vG). Adding two ciphertexts component-wise adds the
// embedded values, which is all the ledger ever does with them. Decryption
// recovers vG and resolves v by bounded search - answers are small scale
// values, so the search is cheap.
package confcrypt

import (
	"crypto/sha256"
	"encoding/hex"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Ciphertext is an ElGamal encryption of a small integer value.
type Ciphertext struct {
	K kyber.Point
	C kyber.Point
}

// Handle is an opaque reference to a ciphertext held by a Registry. It is
// the sha256 of the ciphertext's encoding, so it is stable exactly as long
// as the underlying ciphertext doesn't change.
type Handle []byte

// Equal returns true if both handles reference the same ciphertext.
func (h Handle) Equal(other Handle) bool {
	if len(h) != len(other) || len(h) == 0 {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

func (h Handle) String() string {
	if len(h) < 4 {
		return "nil"
	}
	return hex.EncodeToString(h[:4])
}

// Encrypt encrypts value towards the public key X. It returns the
// ciphertext together with the randomness, which the caller needs to
// build a Proof.
func Encrypt(suite suites.Suite, X kyber.Point, value uint64) (*Ciphertext, kyber.Scalar) {
	k := suite.Scalar().Pick(random.New())
	v := suite.Scalar().SetInt64(int64(value))
	ct := &Ciphertext{
		K: suite.Point().Mul(k, nil),
		C: suite.Point().Add(suite.Point().Mul(k, X), suite.Point().Mul(v, nil)),
	}
	return ct, k
}

// Add returns the component-wise sum of two ciphertexts, which encrypts
// the sum of the two values.
func (ct *Ciphertext) Add(suite suites.Suite, other *Ciphertext) *Ciphertext {
	return &Ciphertext{
		K: suite.Point().Add(ct.K, other.K),
		C: suite.Point().Add(ct.C, other.C),
	}
}

// Encode returns the canonical encoding of the ciphertext.
func (ct *Ciphertext) Encode() ([]byte, error) {
	buf, err := protobuf.Encode(ct)
	if err != nil {
		return nil, xerrors.Errorf("encoding ciphertext: %v", err)
	}
	return buf, nil
}

// NewHandle computes the handle referencing ct.
func NewHandle(ct *Ciphertext) (Handle, error) {
	buf, err := ct.Encode()
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(buf)
	return Handle(h[:]), nil
}

// Decrypt recovers the value embedded in ct using the private key.
// It searches values up to and including bound and returns an error if the
// embedded value lies outside that range.
func Decrypt(suite suites.Suite, private kyber.Scalar, ct *Ciphertext, bound uint64) (uint64, error) {
	S := suite.Point().Mul(private, ct.K)
	M := suite.Point().Sub(ct.C, S)

	base := suite.Point().Base()
	acc := suite.Point().Null()
	for v := uint64(0); v <= bound; v++ {
		if acc.Equal(M) {
			return v, nil
		}
		acc = suite.Point().Add(acc, base)
	}
	return 0, xerrors.New("decrypted value is out of range")
}
