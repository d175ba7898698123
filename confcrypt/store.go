package confcrypt

import (
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// Registry stores ciphertexts under their handle. The store is
// content-addressed: the handle of a ciphertext never points to anything
// else, so an updated aggregate always gets a fresh handle and readers can
// use handle equality to detect staleness.
type Registry struct {
	db     *bbolt.DB
	bucket []byte
	suite  suites.Suite
}

// NewRegistry wraps an existing bbolt database, using the given bucket.
// The bucket must already exist, which is what both onet's
// GetAdditionalBucket and OpenRegistry guarantee.
func NewRegistry(db *bbolt.DB, bucket []byte, suite suites.Suite) *Registry {
	return &Registry{db: db, bucket: bucket, suite: suite}
}

// OpenRegistry opens (or creates) a registry database at the given path.
func OpenRegistry(path string, suite suites.Suite) (*Registry, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening registry db: %v", err)
	}
	bucket := []byte("ciphertexts")
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("creating registry bucket: %v", err)
	}
	return NewRegistry(db, bucket, suite), nil
}

// Close closes the underlying database. Only call this on registries
// created with OpenRegistry - shared databases belong to their owner.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Put stores a ciphertext and returns its handle. Storing the same
// ciphertext twice is harmless and returns the same handle.
func (r *Registry) Put(ct *Ciphertext) (Handle, error) {
	buf, err := ct.Encode()
	if err != nil {
		return nil, err
	}
	h, err := NewHandle(ct)
	if err != nil {
		return nil, err
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(r.bucket).Put(h, buf)
	})
	if err != nil {
		return nil, xerrors.Errorf("storing ciphertext: %v", err)
	}
	return h, nil
}

// Get returns the ciphertext referenced by the handle.
func (r *Registry) Get(h Handle) (*Ciphertext, error) {
	var buf []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(r.bucket).Get(h)
		if v == nil {
			return xerrors.New("no ciphertext under this handle")
		}
		buf = append(buf, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ct := &Ciphertext{}
	err = protobuf.DecodeWithConstructors(buf, ct,
		network.DefaultConstructors(r.suite))
	if err != nil {
		return nil, xerrors.Errorf("decoding ciphertext: %v", err)
	}
	return ct, nil
}

// Add homomorphically adds the two referenced ciphertexts, stores the
// result and returns its handle.
func (r *Registry) Add(a, b Handle) (Handle, error) {
	cta, err := r.Get(a)
	if err != nil {
		return nil, err
	}
	ctb, err := r.Get(b)
	if err != nil {
		return nil, err
	}
	return r.Put(cta.Add(r.suite, ctb))
}
