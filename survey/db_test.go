package survey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/protobuf"
)

// The storage snapshot must carry the whole ledger across a restart,
// including id counters and capability grants.
func TestStorageRoundtrip(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, true)
	entryID := lt.submit(t, id, 5)
	reqID, err := lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.NoError(t, err)

	st := &storage{}
	lt.ledger.snapshot(st)

	restored := NewLedger(tSuite, lt.admin.Public, lt.aggKeys.Public,
		lt.registry, lt.ledger.verifier, RevealRespondentOrResearcher)
	restored.restore(st)

	s, err := restored.GetSurvey(id)
	require.NoError(t, err)
	require.Equal(t, "mood", s.Title)
	require.Equal(t, uint64(1), s.TotalSubmissions)

	e, err := restored.GetEntry(entryID)
	require.NoError(t, err)
	require.Len(t, e.AnswerHandles, 1)

	req, err := restored.GetRequest(reqID)
	require.NoError(t, err)
	require.False(t, req.Fulfilled)
	require.Len(t, restored.PendingRequests(), 1)

	agg, err := restored.GetAggregate(id, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), lt.decryptHandle(t, agg.SumHandle))

	// The researcher grant survived.
	require.True(t, restored.IsAuthorized(id, lt.researcher.Public))

	// Counters continue where they left off.
	id2, err := restored.CreateSurvey(lt.admin.Public, "next", "", "", "",
		time.Now().Add(time.Hour).Unix(), false, nil)
	require.NoError(t, err)
	require.Equal(t, id+1, id2)
}

// A snapshot must hold copies of the records: the service encodes it
// after the ledger lock is released, so handlers mutating the live
// records in the meantime must not show through.
func TestStorageSnapshotCopies(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	lt.submit(t, id, 5)
	reqID, err := lt.ledger.RequestAggregateReveal(lt.researcher.Public, id, 0)
	require.NoError(t, err)

	st := &storage{}
	lt.ledger.snapshot(st)

	require.NoError(t, lt.ledger.PauseSurvey(lt.admin.Public, id))
	digest, err := AggregateAttestation{RequestID: reqID, Sum: 5, Count: 1}.Digest()
	require.NoError(t, err)
	require.NoError(t, lt.ledger.CallbackAggregate(reqID, 5, 1, lt.attest(t, digest, 3)))

	require.True(t, st.Surveys[0].Active)
	require.Equal(t, uint64(1), st.Surveys[0].TotalSubmissions)
	require.False(t, st.Requests[0].Fulfilled)
}

// Encoding a snapshot must be safe while handlers keep mutating the
// ledger, as the service does on every request.
func TestStorageSnapshotConcurrent(t *testing.T) {
	lt := newLedgerTest(t, RevealRespondentOrResearcher)
	id := lt.createSurvey(t, false)
	lt.submit(t, id, 5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = lt.ledger.PauseSurvey(lt.admin.Public, id)
			_ = lt.ledger.ResumeSurvey(lt.admin.Public, id)
		}
	}()
	st := &storage{}
	for i := 0; i < 100; i++ {
		lt.ledger.snapshot(st)
		_, err := protobuf.Encode(st)
		require.NoError(t, err)
	}
	<-done
}
