package survey

import (
	"sync"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"github.com/confsurvey/confsurvey/confcrypt"
)

const dbVersion = 1

// storageKey reflects the data we're storing - we could store more
// than one structure.
var storageKey = []byte("storage")

// storedAggregate flattens one accumulator cell for serialization.
type storedAggregate struct {
	SurveyID    uint64
	QuestionID  uint64
	SumHandle   confcrypt.Handle
	CountHandle confcrypt.Handle
}

// researcherGrant flattens one per-survey capability.
type researcherGrant struct {
	SurveyID   uint64
	Researcher kyber.Point
}

// storage is the serialized service state. The ledger's maps are
// flattened into slices here because the wire encoding has no map
// support; loading rebuilds the maps.
type storage struct {
	Configured   bool
	Admin        kyber.Point
	AggregateKey kyber.Point
	Oracles      []kyber.Point
	Threshold    int
	Policy       RevealPolicy

	Surveys           []*Survey
	Entries           []*Entry
	Requests          []*DecryptionRequest
	Aggregates        []storedAggregate
	GlobalResearchers []kyber.Point
	Grants            []researcherGrant

	NextSurveyID  uint64
	NextEntryID   uint64
	NextRequestID uint64

	sync.Mutex
}

// snapshot flattens the ledger into the storage structure. Called with
// the service's storage lock held, never with the ledger lock held by
// the caller. The records are copied, not aliased: the caller encodes
// the storage after the ledger lock is released, so a handler mutating
// a live record must not race the encoder.
func (l *Ledger) snapshot(st *storage) {
	l.Lock()
	defer l.Unlock()

	st.Admin = l.admin
	st.AggregateKey = l.aggKeyPt
	st.Policy = l.policy
	st.NextSurveyID = l.nextSurveyID
	st.NextEntryID = l.nextEntryID
	st.NextRequestID = l.nextRequestID

	st.Surveys = st.Surveys[:0]
	for id := uint64(1); id < l.nextSurveyID; id++ {
		if s, ok := l.surveys[id]; ok {
			cp := *s
			st.Surveys = append(st.Surveys, &cp)
		}
	}
	st.Entries = st.Entries[:0]
	for id := uint64(1); id < l.nextEntryID; id++ {
		if e, ok := l.entries[id]; ok {
			cp := *e
			st.Entries = append(st.Entries, &cp)
		}
	}
	st.Requests = st.Requests[:0]
	for id := uint64(1); id < l.nextRequestID; id++ {
		if r, ok := l.requests[id]; ok {
			cp := *r
			st.Requests = append(st.Requests, &cp)
		}
	}
	st.Aggregates = st.Aggregates[:0]
	for key, agg := range l.aggregates {
		st.Aggregates = append(st.Aggregates, storedAggregate{
			SurveyID:    key.survey,
			QuestionID:  key.question,
			SumHandle:   agg.SumHandle,
			CountHandle: agg.CountHandle,
		})
	}
	st.GlobalResearchers = st.GlobalResearchers[:0]
	for _, p := range l.globalResearchers {
		st.GlobalResearchers = append(st.GlobalResearchers, p)
	}
	st.Grants = st.Grants[:0]
	for surveyID, set := range l.surveyResearchers {
		for _, p := range set {
			st.Grants = append(st.Grants, researcherGrant{SurveyID: surveyID, Researcher: p})
		}
	}
}

// restore rebuilds the ledger maps from the flattened storage.
func (l *Ledger) restore(st *storage) {
	l.Lock()
	defer l.Unlock()

	l.nextSurveyID = st.NextSurveyID
	l.nextEntryID = st.NextEntryID
	l.nextRequestID = st.NextRequestID
	for _, s := range st.Surveys {
		l.surveys[s.ID] = s
	}
	for _, e := range st.Entries {
		l.entries[e.ID] = e
	}
	for _, r := range st.Requests {
		l.requests[r.ID] = r
	}
	for _, agg := range st.Aggregates {
		l.aggregates[aggKey{agg.SurveyID, agg.QuestionID}] = &Aggregate{
			SumHandle:   agg.SumHandle,
			CountHandle: agg.CountHandle,
		}
	}
	for _, p := range st.GlobalResearchers {
		l.globalResearchers[p.String()] = p
	}
	for _, g := range st.Grants {
		set, ok := l.surveyResearchers[g.SurveyID]
		if !ok {
			set = make(map[string]kyber.Point)
			l.surveyResearchers[g.SurveyID] = set
		}
		set[g.Researcher.String()] = g.Researcher
	}
}

// save writes the current state through the onet context.
func (s *Service) save() error {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.ledger != nil {
		s.ledger.snapshot(s.storage)
	}
	err := s.Save(storageKey, s.storage)
	if err != nil {
		log.Error("Couldn't save data:", err)
		return err
	}
	return nil
}

// Tries to load the configuration and rebuilds the ledger if it finds a
// configured state.
func (s *Service) tryLoad() error {
	s.storage = &storage{}
	ver, err := s.LoadVersion()
	if err != nil {
		return err
	}

	// In the future, we'll make database upgrades below.
	if ver < dbVersion {
		// There is no version 0. Save empty storage and update version number.
		if err = s.save(); err != nil {
			return err
		}
		return s.SaveVersion(dbVersion)
	}
	msg, err := s.Load(storageKey)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	var ok bool
	s.storage, ok = msg.(*storage)
	if !ok {
		return xerrors.New("data of wrong type")
	}
	if !s.storage.Configured {
		return nil
	}
	return s.configure(s.storage.Admin, s.storage.AggregateKey,
		s.storage.Oracles, s.storage.Threshold, s.storage.Policy, s.storage)
}
