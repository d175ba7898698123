package confcrypt

import (
	"path"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/key"
)

var tSuite = suites.MustFind("Ed25519")

func TestEncryptDecrypt(t *testing.T) {
	kp := key.NewKeyPair(tSuite)
	for _, v := range []uint64{0, 1, 7, 100} {
		ct, _ := Encrypt(tSuite, kp.Public, v)
		out, err := Decrypt(tSuite, kp.Private, ct, 100)
		require.NoError(t, err)
		require.Equal(t, v, out)
	}
}

func TestDecryptOutOfRange(t *testing.T) {
	kp := key.NewKeyPair(tSuite)
	ct, _ := Encrypt(tSuite, kp.Public, 11)
	_, err := Decrypt(tSuite, kp.Private, ct, 10)
	require.Error(t, err)
}

// Adding ciphertexts must add the values, in any order.
func TestAddCommutes(t *testing.T) {
	kp := key.NewKeyPair(tSuite)
	ct1, _ := Encrypt(tSuite, kp.Public, 3)
	ct2, _ := Encrypt(tSuite, kp.Public, 4)
	ct3, _ := Encrypt(tSuite, kp.Public, 5)

	sumA := ct1.Add(tSuite, ct2).Add(tSuite, ct3)
	sumB := ct3.Add(tSuite, ct1).Add(tSuite, ct2)

	outA, err := Decrypt(tSuite, kp.Private, sumA, 20)
	require.NoError(t, err)
	outB, err := Decrypt(tSuite, kp.Private, sumB, 20)
	require.NoError(t, err)
	require.Equal(t, uint64(12), outA)
	require.Equal(t, uint64(12), outB)
}

func TestProof(t *testing.T) {
	kp := key.NewKeyPair(tSuite)
	ct, k := Encrypt(tSuite, kp.Public, 7)
	proof, err := NewProof(tSuite, kp.Public, ct, k, 7, 10)
	require.NoError(t, err)
	require.NoError(t, proof.Verify(tSuite, kp.Public, ct))

	// Values above the declared bound are refused at proving time.
	_, err = NewProof(tSuite, kp.Public, ct, k, 11, 10)
	require.Error(t, err)

	// A proof does not transfer to another ciphertext.
	other, _ := Encrypt(tSuite, kp.Public, 7)
	require.Error(t, proof.Verify(tSuite, kp.Public, other))

	// Tampering with the bound invalidates the challenge.
	proof.Bound = 1000
	require.Error(t, proof.Verify(tSuite, kp.Public, ct))
}

func TestRegistry(t *testing.T) {
	reg, err := OpenRegistry(path.Join(t.TempDir(), "registry.db"), tSuite)
	require.NoError(t, err)
	defer reg.Close()

	kp := key.NewKeyPair(tSuite)
	ct1, _ := Encrypt(tSuite, kp.Public, 2)
	ct2, _ := Encrypt(tSuite, kp.Public, 5)

	h1, err := reg.Put(ct1)
	require.NoError(t, err)
	h2, err := reg.Put(ct2)
	require.NoError(t, err)
	require.False(t, h1.Equal(h2))

	// Putting the same ciphertext again yields the same handle.
	h1bis, err := reg.Put(ct1)
	require.NoError(t, err)
	require.True(t, h1.Equal(h1bis))

	back, err := reg.Get(h1)
	require.NoError(t, err)
	require.True(t, back.K.Equal(ct1.K))
	require.True(t, back.C.Equal(ct1.C))

	hsum, err := reg.Add(h1, h2)
	require.NoError(t, err)
	require.False(t, hsum.Equal(h1))
	sum, err := reg.Get(hsum)
	require.NoError(t, err)
	out, err := Decrypt(tSuite, kp.Private, sum, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(7), out)

	_, err = reg.Get(Handle([]byte("missing")))
	require.Error(t, err)
}
