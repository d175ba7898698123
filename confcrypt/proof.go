package confcrypt

import (
	"crypto/sha256"
	"encoding/binary"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

// Proof shows that whoever built a ciphertext knows both the randomness
// and the embedded value, and declared the bound the value was checked
// against. The declared bound is part of the challenge, so it cannot be
// swapped after the fact.
type Proof struct {
	Bound uint64
	E     kyber.Scalar
	F1    kyber.Scalar
	F2    kyber.Scalar
}

// EncryptedAnswer bundles a ciphertext with its proof, which is how
// answers travel from a respondent to the ledger.
type EncryptedAnswer struct {
	Ciphertext *Ciphertext
	Proof      *Proof
}

// NewProof creates a proof of knowledge of (k, value) for a ciphertext
// created with Encrypt. It refuses values above bound.
func NewProof(suite suites.Suite, X kyber.Point, ct *Ciphertext, k kyber.Scalar,
	value, bound uint64) (*Proof, error) {
	if value > bound {
		return nil, xerrors.New("value exceeds the declared bound")
	}
	v := suite.Scalar().SetInt64(int64(value))

	s1 := suite.Scalar().Pick(random.New())
	s2 := suite.Scalar().Pick(random.New())
	W1 := suite.Point().Mul(s1, nil)
	W2 := suite.Point().Add(suite.Point().Mul(s1, X), suite.Point().Mul(s2, nil))

	e, err := proofChallenge(X, ct, W1, W2, bound)
	if err != nil {
		return nil, err
	}
	es := suite.Scalar().SetBytes(e)
	return &Proof{
		Bound: bound,
		E:     es,
		F1:    suite.Scalar().Add(s1, suite.Scalar().Mul(es, k)),
		F2:    suite.Scalar().Add(s2, suite.Scalar().Mul(es, v)),
	}, nil
}

// Verify checks the proof against the ciphertext and the public key the
// ciphertext was encrypted towards.
func (p *Proof) Verify(suite suites.Suite, X kyber.Point, ct *Ciphertext) error {
	if p == nil || p.E == nil || p.F1 == nil || p.F2 == nil {
		return xerrors.New("incomplete proof")
	}
	negE := suite.Scalar().Neg(p.E)
	W1 := suite.Point().Add(suite.Point().Mul(p.F1, nil), suite.Point().Mul(negE, ct.K))
	W2 := suite.Point().Add(suite.Point().Mul(p.F1, X), suite.Point().Mul(p.F2, nil))
	W2 = suite.Point().Add(W2, suite.Point().Mul(negE, ct.C))

	e, err := proofChallenge(X, ct, W1, W2, p.Bound)
	if err != nil {
		return err
	}
	if !suite.Scalar().SetBytes(e).Equal(p.E) {
		return xerrors.New("recreated challenge does not match the proof")
	}
	return nil
}

func proofChallenge(X kyber.Point, ct *Ciphertext, W1, W2 kyber.Point,
	bound uint64) ([]byte, error) {
	hash := sha256.New()
	for _, p := range []kyber.Point{X, ct.K, ct.C, W1, W2} {
		if _, err := p.MarshalTo(hash); err != nil {
			return nil, xerrors.Errorf("hashing proof point: %v", err)
		}
	}
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, bound)
	hash.Write(b)
	return hash.Sum(nil), nil
}
