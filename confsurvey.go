// Package confsurvey collects encrypted survey answers on a ledger and
// reveals cleartext aggregates or individual values only after a quorum of
// decryption oracles attested to them.
//
// The ledger-side service lives in the survey package, the
// confidential-computation layer (additive ElGamal, handles, proofs) in
// confcrypt, and the decryption oracle network in oracle.
package confsurvey

import (
	"go.dedis.ch/kyber/v3/suites"
)

// Suite is the default cryptographic suite. All keys, ciphertexts and
// signatures use this group.
var Suite = suites.MustFind("Ed25519")
