package oracle

import (
	"context"
	"time"

	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"github.com/confsurvey/confsurvey/confcrypt"
	"github.com/confsurvey/confsurvey/survey"
)

// Runner polls the service for pending reveal requests and fulfills
// them. It drives a set of oracles: every oracle decrypts independently,
// the runner refuses to proceed unless they all agree, and the combined
// signature set is sent back to the service.
type Runner struct {
	client   *survey.Client
	oracles  []*Oracle
	interval time.Duration
}

// NewRunner returns a runner fulfilling requests through the given
// client.
func NewRunner(client *survey.Client, oracles []*Oracle, interval time.Duration) *Runner {
	return &Runner{client: client, oracles: oracles, interval: interval}
}

// Run polls until the context is done. Failing requests are logged and
// retried on the next tick; they never stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		pending, err := r.client.ListPendingRequests()
		if err != nil {
			log.Error("listing pending requests:", err)
			continue
		}
		for _, req := range pending {
			if err := r.fulfill(req); err != nil {
				log.Errorf("fulfilling request %d: %v", req.ID, err)
			}
		}
	}
}

// fulfill decrypts one request's snapshotted ciphertexts, collects the
// attestations and calls back.
func (r *Runner) fulfill(req *survey.DecryptionRequest) error {
	if req.Aggregate {
		sum, err := r.decryptAgreed(req.SumHandle)
		if err != nil {
			return err
		}
		count, err := r.decryptAgreed(req.CountHandle)
		if err != nil {
			return err
		}
		sigs := make([]survey.OracleSignature, len(r.oracles))
		for i, o := range r.oracles {
			if sigs[i], err = o.AttestAggregate(req.ID, sum, count); err != nil {
				return err
			}
		}
		return r.client.CallbackAggregate(req.ID, sum, count, sigs)
	}

	value, err := r.decryptAgreed(req.ValueHandle)
	if err != nil {
		return err
	}
	sigs := make([]survey.OracleSignature, len(r.oracles))
	for i, o := range r.oracles {
		if sigs[i], err = o.AttestIndividual(req.ID, value); err != nil {
			return err
		}
	}
	return r.client.CallbackIndividual(req.ID, value, sigs)
}

// decryptAgreed fetches the ciphertext and has every oracle decrypt it.
// Diverging results abort the fulfillment.
func (r *Runner) decryptAgreed(h confcrypt.Handle) (uint64, error) {
	ct, err := r.client.GetCiphertext(h)
	if err != nil {
		return 0, err
	}
	value, err := r.oracles[0].Decrypt(ct)
	if err != nil {
		return 0, err
	}
	for _, o := range r.oracles[1:] {
		v, err := o.Decrypt(ct)
		if err != nil {
			return 0, err
		}
		if v != value {
			return 0, xerrors.Errorf("oracles disagree on handle %v: %d vs %d", h, value, v)
		}
	}
	return value, nil
}
