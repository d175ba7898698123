package survey

import (
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"golang.org/x/xerrors"

	confsurvey "github.com/confsurvey/confsurvey"
	"github.com/confsurvey/confsurvey/confcrypt"
)

var tSuite = confsurvey.Suite

const testBound = 1000

type ledgerTest struct {
	admin      *key.Pair
	aggKeys    *key.Pair
	oracles    []*key.Pair
	registry   *confcrypt.Registry
	ledger     *Ledger
	researcher *key.Pair
	respondent *key.Pair
	events     []*Event
}

func newLedgerTest(t *testing.T, policy RevealPolicy) *ledgerTest {
	reg, err := confcrypt.OpenRegistry(path.Join(t.TempDir(), "registry.db"), tSuite)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	lt := &ledgerTest{
		admin:      key.NewKeyPair(tSuite),
		aggKeys:    key.NewKeyPair(tSuite),
		registry:   reg,
		researcher: key.NewKeyPair(tSuite),
		respondent: key.NewKeyPair(tSuite),
	}
	var publics []kyber.Point
	for i := 0; i < 3; i++ {
		kp := key.NewKeyPair(tSuite)
		lt.oracles = append(lt.oracles, kp)
		publics = append(publics, kp.Public)
	}
	verifier, err := NewThresholdVerifier(tSuite, publics, 2)
	require.NoError(t, err)
	lt.ledger = NewLedger(tSuite, lt.admin.Public, lt.aggKeys.Public, reg, verifier, policy)
	lt.ledger.SetNotifier(func(ev *Event) {
		lt.events = append(lt.events, ev)
	})
	return lt
}

// createSurvey opens a survey with the researcher already authorized.
func (lt *ledgerTest) createSurvey(t *testing.T, individual bool) uint64 {
	id, err := lt.ledger.CreateSurvey(lt.admin.Public, "mood", "daily mood check",
		"ipfs://meta", "ipfs://schema", time.Now().Add(time.Hour).Unix(),
		individual, []kyber.Point{lt.researcher.Public})
	require.NoError(t, err)
	return id
}

// submit encrypts one answer per value and submits them as one entry.
func (lt *ledgerTest) submit(t *testing.T, surveyID uint64, values ...uint64) uint64 {
	answers := make([]confcrypt.EncryptedAnswer, len(values))
	for i, v := range values {
		ct, k := confcrypt.Encrypt(tSuite, lt.aggKeys.Public, v)
		proof, err := confcrypt.NewProof(tSuite, lt.aggKeys.Public, ct, k, v, testBound)
		require.NoError(t, err)
		answers[i] = confcrypt.EncryptedAnswer{Ciphertext: ct, Proof: proof}
	}
	id, err := lt.ledger.SubmitEntry(lt.respondent.Public, surveyID, answers,
		[]byte("commitment"), "s3://answers")
	require.NoError(t, err)
	return id
}

// decryptHandle plays the oracle network's decryption step.
func (lt *ledgerTest) decryptHandle(t *testing.T, h confcrypt.Handle) uint64 {
	ct, err := lt.registry.Get(h)
	require.NoError(t, err)
	v, err := confcrypt.Decrypt(tSuite, lt.aggKeys.Private, ct, testBound)
	require.NoError(t, err)
	return v
}

// attest signs the digest with the first n oracles.
func (lt *ledgerTest) attest(t *testing.T, digest []byte, n int) []OracleSignature {
	var sigs []OracleSignature
	for _, kp := range lt.oracles[:n] {
		sig, err := schnorr.Sign(tSuite, kp.Private, digest)
		require.NoError(t, err)
		sigs = append(sigs, OracleSignature{Signer: kp.Public, Signature: sig})
	}
	return sigs
}

func TestLedgerCreateSurvey(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	require.Equal(t, uint64(1), id)

	s, err := lt.ledger.GetSurvey(id)
	require.NoError(t, err)
	require.Equal(t, "mood", s.Title)
	require.True(t, s.Active)
	require.Equal(t, uint64(0), s.TotalSubmissions)

	// Ids are never reused.
	id2 := lt.createSurvey(t, false)
	require.Equal(t, uint64(2), id2)
	require.Len(t, lt.ledger.Surveys(), 2)

	// A past deadline is refused.
	_, err = lt.ledger.CreateSurvey(lt.admin.Public, "late", "", "", "",
		time.Now().Add(-time.Hour).Unix(), false, nil)
	require.True(t, xerrors.Is(err, ErrPolicy))

	_, err = lt.ledger.GetSurvey(99)
	require.True(t, xerrors.Is(err, ErrNotFound))
}

func TestLedgerPauseResume(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)

	// Only the creator or the admin can pause.
	err := lt.ledger.PauseSurvey(lt.researcher.Public, id)
	require.True(t, xerrors.Is(err, ErrUnauthorized))
	require.NoError(t, lt.ledger.PauseSurvey(lt.admin.Public, id))

	// A paused survey takes no submissions.
	ct, k := confcrypt.Encrypt(tSuite, lt.aggKeys.Public, 1)
	proof, err := confcrypt.NewProof(tSuite, lt.aggKeys.Public, ct, k, 1, testBound)
	require.NoError(t, err)
	_, err = lt.ledger.SubmitEntry(lt.respondent.Public, id,
		[]confcrypt.EncryptedAnswer{{Ciphertext: ct, Proof: proof}}, nil, "")
	require.True(t, xerrors.Is(err, ErrPolicy))

	require.NoError(t, lt.ledger.ResumeSurvey(lt.admin.Public, id))
	lt.submit(t, id, 1)
}

func TestLedgerAuthorization(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	lt.submit(t, id, 3)

	stranger := key.NewKeyPair(tSuite)
	_, err := lt.ledger.RequestAggregateReveal(stranger.Public, id, 0)
	require.True(t, xerrors.Is(err, ErrUnauthorized))

	// The per-survey grant from createSurvey works.
	_, err = lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.NoError(t, err)

	// A revoked researcher loses access.
	require.NoError(t, lt.ledger.RevokeResearcher(lt.admin.Public, id, lt.researcher.Public))
	_, err = lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.True(t, xerrors.Is(err, ErrUnauthorized))

	// Global grants are admin-only and cover every survey.
	err = lt.ledger.AuthorizeGlobalResearcher(lt.researcher.Public, stranger.Public)
	require.True(t, xerrors.Is(err, ErrUnauthorized))
	require.NoError(t, lt.ledger.AuthorizeGlobalResearcher(lt.admin.Public, stranger.Public))
	_, err = lt.ledger.RequestAggregateReveal(stranger.Public, id, 0)
	require.NoError(t, err)
	require.NoError(t, lt.ledger.RevokeGlobalResearcher(lt.admin.Public, stranger.Public))
	_, err = lt.ledger.RequestAggregateReveal(stranger.Public, id, 0)
	require.True(t, xerrors.Is(err, ErrUnauthorized))
}

func TestLedgerSubmit(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)

	entryID := lt.submit(t, id, 5, 2)
	require.Equal(t, uint64(1), entryID)
	e, err := lt.ledger.GetEntry(entryID)
	require.NoError(t, err)
	require.Len(t, e.AnswerHandles, 2)
	s, err := lt.ledger.GetSurvey(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), s.TotalSubmissions)

	// A proof for a different ciphertext is rejected and leaves no trace.
	ct, _ := confcrypt.Encrypt(tSuite, lt.aggKeys.Public, 5)
	other, k := confcrypt.Encrypt(tSuite, lt.aggKeys.Public, 5)
	proof, err := confcrypt.NewProof(tSuite, lt.aggKeys.Public, other, k, 5, testBound)
	require.NoError(t, err)
	_, err = lt.ledger.SubmitEntry(lt.respondent.Public, id,
		[]confcrypt.EncryptedAnswer{{Ciphertext: ct, Proof: proof}}, nil, "")
	require.True(t, xerrors.Is(err, ErrProof))
	s, err = lt.ledger.GetSurvey(id)
	require.NoError(t, err)
	require.Equal(t, uint64(1), s.TotalSubmissions)

	// Submissions after the deadline are refused.
	lt.ledger.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	ct, k = confcrypt.Encrypt(tSuite, lt.aggKeys.Public, 1)
	proof, err = confcrypt.NewProof(tSuite, lt.aggKeys.Public, ct, k, 1, testBound)
	require.NoError(t, err)
	_, err = lt.ledger.SubmitEntry(lt.respondent.Public, id,
		[]confcrypt.EncryptedAnswer{{Ciphertext: ct, Proof: proof}}, nil, "")
	require.True(t, xerrors.Is(err, ErrPolicy))
}

func TestLedgerAggregateReveal(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	lt.submit(t, id, 3)
	lt.submit(t, id, 4)

	reqID, err := lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.NoError(t, err)
	req, err := lt.ledger.GetRequest(reqID)
	require.NoError(t, err)
	require.True(t, req.Aggregate)
	require.False(t, req.Fulfilled)
	require.Len(t, lt.ledger.PendingRequests(), 1)

	// The oracle side: decrypt the snapshotted handles and attest.
	sum := lt.decryptHandle(t, req.SumHandle)
	count := lt.decryptHandle(t, req.CountHandle)
	require.Equal(t, uint64(7), sum)
	require.Equal(t, uint64(2), count)
	digest, err := AggregateAttestation{RequestID: reqID, Sum: sum, Count: count}.Digest()
	require.NoError(t, err)

	// One signature is below the threshold of two, and the request must
	// stay fulfillable.
	err = lt.ledger.CallbackAggregate(reqID, sum, count, lt.attest(t, digest, 1))
	require.True(t, xerrors.Is(err, ErrVerification))
	req, err = lt.ledger.GetRequest(reqID)
	require.NoError(t, err)
	require.False(t, req.Fulfilled)

	// The same signer twice doesn't reach the threshold either.
	sigs := lt.attest(t, digest, 1)
	sigs = append(sigs, sigs[0])
	err = lt.ledger.CallbackAggregate(reqID, sum, count, sigs)
	require.True(t, xerrors.Is(err, ErrVerification))

	// A payload the oracles didn't sign is rejected.
	err = lt.ledger.CallbackAggregate(reqID, sum+1, count, lt.attest(t, digest, 2))
	require.True(t, xerrors.Is(err, ErrVerification))

	// Two of three fulfill the request.
	require.NoError(t, lt.ledger.CallbackAggregate(reqID, sum, count, lt.attest(t, digest, 2)))
	req, err = lt.ledger.GetRequest(reqID)
	require.NoError(t, err)
	require.True(t, req.Fulfilled)
	require.Equal(t, uint64(7), req.Value)
	require.Equal(t, uint64(2), req.Count)
	require.Len(t, lt.ledger.PendingRequests(), 0)

	// Fulfilled requests take no second callback, even a fully signed one.
	err = lt.ledger.CallbackAggregate(reqID, sum, count, lt.attest(t, digest, 3))
	require.True(t, xerrors.Is(err, ErrRequestState))

	err = lt.ledger.CallbackAggregate(99, sum, count, lt.attest(t, digest, 3))
	require.True(t, xerrors.Is(err, ErrRequestState))
}

func TestLedgerIndividualReveal(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)

	// Surveys without individual reveals refuse the request outright.
	closed := lt.createSurvey(t, false)
	entryID := lt.submit(t, closed, 9)
	_, err := lt.ledger.RequestIndividualReveal(lt.respondent.Public, closed, entryID, 0)
	require.True(t, xerrors.Is(err, ErrPolicy))
	// No request record was created by the refusal.
	require.Len(t, lt.ledger.PendingRequests(), 0)
	_, err = lt.ledger.GetRequest(1)
	require.True(t, xerrors.Is(err, ErrNotFound))

	id := lt.createSurvey(t, true)
	entryID = lt.submit(t, id, 6)

	// A stranger may not reveal someone else's answer.
	stranger := key.NewKeyPair(tSuite)
	_, err = lt.ledger.RequestIndividualReveal(stranger.Public, id, entryID, 0)
	require.True(t, xerrors.Is(err, ErrUnauthorized))

	// The respondent may; so may the researcher under the default policy.
	reqID, err := lt.ledger.RequestIndividualReveal(lt.respondent.Public, id, entryID, 0)
	require.NoError(t, err)
	_, err = lt.ledger.RequestIndividualReveal(lt.researcher.Public, id, entryID, 0)
	require.NoError(t, err)

	req, err := lt.ledger.GetRequest(reqID)
	require.NoError(t, err)
	require.False(t, req.Aggregate)
	value := lt.decryptHandle(t, req.ValueHandle)
	require.Equal(t, uint64(6), value)

	digest, err := IndividualAttestation{RequestID: reqID, Value: value}.Digest()
	require.NoError(t, err)
	require.NoError(t, lt.ledger.CallbackIndividual(reqID, value, lt.attest(t, digest, 2)))

	req, err = lt.ledger.GetRequest(reqID)
	require.NoError(t, err)
	require.True(t, req.Fulfilled)
	require.Equal(t, uint64(6), req.Value)
	e, err := lt.ledger.GetEntry(entryID)
	require.NoError(t, err)
	require.True(t, e.Revealed)

	// An aggregate callback cannot fulfill an individual request.
	err = lt.ledger.CallbackAggregate(reqID, value, 1, lt.attest(t, digest, 2))
	require.True(t, xerrors.Is(err, ErrRequestState))
}

func TestLedgerIndividualRevealRespondentOnly(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOnly)
	id := lt.createSurvey(t, true)
	entryID := lt.submit(t, id, 6)

	_, err := lt.ledger.RequestIndividualReveal(lt.researcher.Public, id, entryID, 0)
	require.True(t, xerrors.Is(err, ErrUnauthorized))
	_, err = lt.ledger.RequestIndividualReveal(lt.respondent.Public, id, entryID, 0)
	require.NoError(t, err)
}

// A request snapshots its handles: submissions racing with a reveal move
// the aggregate's current handle but never what the oracles decrypt.
func TestLedgerSnapshotHandles(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	lt.submit(t, id, 3)

	reqID, err := lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.NoError(t, err)
	lt.submit(t, id, 4)

	req, err := lt.ledger.GetRequest(reqID)
	require.NoError(t, err)
	agg, err := lt.ledger.GetAggregate(id, 0)
	require.NoError(t, err)
	require.False(t, req.SumHandle.Equal(agg.SumHandle))

	// The snapshot decrypts to the sum at request time.
	require.Equal(t, uint64(3), lt.decryptHandle(t, req.SumHandle))
	require.Equal(t, uint64(7), lt.decryptHandle(t, agg.SumHandle))
}

func TestLedgerEvents(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	lt.submit(t, id, 3)
	reqID, err := lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.NoError(t, err)

	digest, err := AggregateAttestation{RequestID: reqID, Sum: 3, Count: 1}.Digest()
	require.NoError(t, err)
	require.NoError(t, lt.ledger.CallbackAggregate(reqID, 3, 1, lt.attest(t, digest, 2)))

	var types []EventType
	for _, ev := range lt.events {
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{
		EventSurveyCreated,
		EventEntrySubmitted, EventAggregateUpdated,
		EventDecryptionRequested, EventAggregateRevealed,
	}, types)

	last := lt.events[len(lt.events)-1]
	require.Equal(t, uint64(3), last.Value)
	require.Equal(t, uint64(1), last.Count)
	require.Equal(t, reqID, last.RequestID)
}
