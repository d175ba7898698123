package oracle

import (
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"
)

// Config is the on-disk configuration of an oracle deployment: the
// aggregation secret, the decryption bound, the polling interval and one
// signing key per oracle. Scalars are hex-encoded.
type Config struct {
	Secret     string
	Bound      uint64
	IntervalMs int
	Signers    []SignerConfig `toml:"signer"`
}

// SignerConfig holds one oracle's signing key.
type SignerConfig struct {
	Private string
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("reading oracle config: %v", err)
	}
	if cfg.Secret == "" {
		return nil, xerrors.New("oracle config misses the aggregation secret")
	}
	if len(cfg.Signers) == 0 {
		return nil, xerrors.New("oracle config has no signers")
	}
	if cfg.Bound == 0 {
		return nil, xerrors.New("oracle config needs a decryption bound")
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 1000
	}
	return cfg, nil
}

// Build instantiates the configured oracles.
func (c *Config) Build(suite suites.Suite) ([]*Oracle, time.Duration, error) {
	secret, err := encoding.StringHexToScalar(suite, c.Secret)
	if err != nil {
		return nil, 0, xerrors.Errorf("decoding aggregation secret: %v", err)
	}
	oracles := make([]*Oracle, len(c.Signers))
	for i, sc := range c.Signers {
		private, err := encoding.StringHexToScalar(suite, sc.Private)
		if err != nil {
			return nil, 0, xerrors.Errorf("decoding signer %d: %v", i, err)
		}
		keys := &key.Pair{
			Private: private,
			Public:  suite.Point().Mul(private, nil),
		}
		oracles[i] = NewOracle(suite, keys, secret, c.Bound)
	}
	return oracles, time.Duration(c.IntervalMs) * time.Millisecond, nil
}

// Publics lists the signing identities of the configured oracles, in the
// order the service's setup expects them.
func (c *Config) Publics(suite suites.Suite) ([]kyber.Point, error) {
	oracles, _, err := c.Build(suite)
	if err != nil {
		return nil, err
	}
	publics := make([]kyber.Point, len(oracles))
	for i, o := range oracles {
		publics[i] = o.Public()
	}
	return publics, nil
}
