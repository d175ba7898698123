// Package oracle implements the decryption side of the confidential
// survey system. An oracle holds the aggregation secret and a signing
// identity: it decrypts the ciphertexts a reveal request snapshots and
// signs the resulting attestation. The service accepts a result once a
// threshold of oracles signed the same attestation.
package oracle

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"

	"github.com/confsurvey/confsurvey/confcrypt"
	"github.com/confsurvey/confsurvey/survey"
)

// Oracle is one keyholder of the oracle network.
type Oracle struct {
	suite  suites.Suite
	keys   *key.Pair
	secret kyber.Scalar
	bound  uint64
}

// NewOracle returns an oracle that signs with keys and decrypts with
// secret. The bound limits the discrete-log search when decrypting, so
// it must be at least the largest sum an aggregate can reach.
func NewOracle(suite suites.Suite, keys *key.Pair, secret kyber.Scalar, bound uint64) *Oracle {
	return &Oracle{suite: suite, keys: keys, secret: secret, bound: bound}
}

// Public returns the signing identity the service must know the oracle
// under.
func (o *Oracle) Public() kyber.Point {
	return o.keys.Public
}

// Decrypt recovers the value of a ciphertext.
func (o *Oracle) Decrypt(ct *confcrypt.Ciphertext) (uint64, error) {
	return confcrypt.Decrypt(o.suite, o.secret, ct, o.bound)
}

// AttestAggregate signs the attestation of an aggregate fulfillment.
func (o *Oracle) AttestAggregate(requestID, sum, count uint64) (survey.OracleSignature, error) {
	digest, err := survey.AggregateAttestation{RequestID: requestID, Sum: sum, Count: count}.Digest()
	if err != nil {
		return survey.OracleSignature{}, err
	}
	return o.sign(digest)
}

// AttestIndividual signs the attestation of an individual fulfillment.
func (o *Oracle) AttestIndividual(requestID, value uint64) (survey.OracleSignature, error) {
	digest, err := survey.IndividualAttestation{RequestID: requestID, Value: value}.Digest()
	if err != nil {
		return survey.OracleSignature{}, err
	}
	return o.sign(digest)
}

func (o *Oracle) sign(digest []byte) (survey.OracleSignature, error) {
	sig, err := schnorr.Sign(o.suite, o.keys.Private, digest)
	if err != nil {
		return survey.OracleSignature{}, xerrors.Errorf("signing attestation: %v", err)
	}
	return survey.OracleSignature{Signer: o.keys.Public, Signature: sig}, nil
}
