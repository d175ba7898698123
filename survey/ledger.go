package survey

import (
	"sync"
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/suites"
	"golang.org/x/xerrors"

	"github.com/confsurvey/confsurvey/confcrypt"
)

// The error taxonomy of the ledger. Every rejection wraps one of these,
// so callers can sort failures with errors.Is.
var (
	// ErrUnauthorized - the caller lacks the researcher/admin capability.
	ErrUnauthorized = xerrors.New("caller is not authorized")
	// ErrPolicy - deadline passed, survey inactive, individual reveal
	// disabled, and similar rule violations.
	ErrPolicy = xerrors.New("operation forbidden by survey policy")
	// ErrNotFound - referenced survey/entry/request doesn't exist.
	ErrNotFound = xerrors.New("no such record")
	// ErrRequestState - fulfilling an unknown or already-fulfilled
	// request. This is a replay or a client bug, never a silent no-op.
	ErrRequestState = xerrors.New("request is not in a fulfillable state")
	// ErrVerification - the oracle signature set was rejected. The
	// request stays unfulfilled so a corrected callback can still land.
	ErrVerification = xerrors.New("callback verification failed")
	// ErrProof - an encrypted answer came without a valid proof.
	ErrProof = xerrors.New("answer proof does not verify")
)

// RevealPolicy decides who may request the reveal of an individual entry.
type RevealPolicy int

const (
	// RevealRespondentOrResearcher allows the entry's respondent and any
	// authorized researcher. This is the default.
	RevealRespondentOrResearcher RevealPolicy = iota
	// RevealRespondentOnly restricts individual reveals to the entry's
	// own respondent.
	RevealRespondentOnly
)

type aggKey struct {
	survey   uint64
	question uint64
}

// Ledger is the serialized state machine behind the service: survey
// bookkeeping, the encrypted accumulator, the reveal-request ledger and
// the authorization sets. Every mutating call runs under one mutex,
// mirroring the host ledger's serialized-transaction model - no two
// operations ever interleave partially.
type Ledger struct {
	sync.Mutex

	suite    suites.Suite
	admin    kyber.Point
	aggKeyPt kyber.Point
	registry *confcrypt.Registry
	verifier CallbackVerifier
	policy   RevealPolicy

	surveys    map[uint64]*Survey
	entries    map[uint64]*Entry
	requests   map[uint64]*DecryptionRequest
	aggregates map[aggKey]*Aggregate

	globalResearchers map[string]kyber.Point
	surveyResearchers map[uint64]map[string]kyber.Point

	nextSurveyID  uint64
	nextEntryID   uint64
	nextRequestID uint64

	// notify publishes an event after the mutation it reports has been
	// committed. May be nil.
	notify func(*Event)
	// now is replaceable for deadline tests.
	now func() time.Time
}

// NewLedger creates an empty ledger. The admin is the only identity that
// can grant global researcher capabilities; aggregateKey is the collective
// oracle key all answers are encrypted towards.
func NewLedger(suite suites.Suite, admin, aggregateKey kyber.Point,
	registry *confcrypt.Registry, verifier CallbackVerifier,
	policy RevealPolicy) *Ledger {
	return &Ledger{
		suite:             suite,
		admin:             admin,
		aggKeyPt:          aggregateKey,
		registry:          registry,
		verifier:          verifier,
		policy:            policy,
		surveys:           make(map[uint64]*Survey),
		entries:           make(map[uint64]*Entry),
		requests:          make(map[uint64]*DecryptionRequest),
		aggregates:        make(map[aggKey]*Aggregate),
		globalResearchers: make(map[string]kyber.Point),
		surveyResearchers: make(map[uint64]map[string]kyber.Point),
		nextSurveyID:      1,
		nextEntryID:       1,
		nextRequestID:     1,
		now:               time.Now,
	}
}

// SetNotifier installs the event sink.
func (l *Ledger) SetNotifier(notify func(*Event)) {
	l.Lock()
	l.notify = notify
	l.Unlock()
}

func (l *Ledger) emit(ev *Event) {
	ev.Timestamp = l.now().Unix()
	if l.notify != nil {
		l.notify(ev)
	}
}

// CreateSurvey appends a new survey record and returns its id.
func (l *Ledger) CreateSurvey(caller kyber.Point, title, description,
	metadataPointer, schemaPointer string, deadline int64,
	allowIndividual bool, initialResearchers []kyber.Point) (uint64, error) {
	if title == "" {
		return 0, xerrors.Errorf("%w: survey needs a title", ErrPolicy)
	}
	if deadline <= l.now().Unix() {
		return 0, xerrors.Errorf("%w: deadline is in the past", ErrPolicy)
	}
	l.Lock()
	defer l.Unlock()

	id := l.nextSurveyID
	l.nextSurveyID++
	l.surveys[id] = &Survey{
		ID:                    id,
		Creator:               caller,
		Title:                 title,
		Description:           description,
		MetadataPointer:       metadataPointer,
		QuestionSchemaPointer: schemaPointer,
		SubmitDeadline:        deadline,
		AllowIndividualReveal: allowIndividual,
		Active:                true,
	}
	for _, r := range initialResearchers {
		l.grantSurvey(id, r)
	}
	l.emit(&Event{Type: EventSurveyCreated, SurveyID: id, Requester: caller})
	return id, nil
}

// PauseSurvey deactivates a survey. Only the creator or the admin may do
// this.
func (l *Ledger) PauseSurvey(caller kyber.Point, surveyID uint64) error {
	return l.setActive(caller, surveyID, false)
}

// ResumeSurvey reactivates a paused survey.
func (l *Ledger) ResumeSurvey(caller kyber.Point, surveyID uint64) error {
	return l.setActive(caller, surveyID, true)
}

func (l *Ledger) setActive(caller kyber.Point, surveyID uint64, active bool) error {
	l.Lock()
	defer l.Unlock()
	s, ok := l.surveys[surveyID]
	if !ok {
		return xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	if !caller.Equal(s.Creator) && !caller.Equal(l.admin) {
		return xerrors.Errorf("%w: only the creator or the admin can pause/resume", ErrUnauthorized)
	}
	s.Active = active
	typ := EventSurveyPaused
	if active {
		typ = EventSurveyResumed
	}
	l.emit(&Event{Type: typ, SurveyID: surveyID})
	return nil
}

// AuthorizeResearcher grants researcher access on one survey. The grantor
// must be the survey's creator or the admin.
func (l *Ledger) AuthorizeResearcher(caller kyber.Point, surveyID uint64,
	researcher kyber.Point) error {
	l.Lock()
	defer l.Unlock()
	s, ok := l.surveys[surveyID]
	if !ok {
		return xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	if !caller.Equal(s.Creator) && !caller.Equal(l.admin) {
		return xerrors.Errorf("%w: only the creator or the admin can grant access", ErrUnauthorized)
	}
	l.grantSurvey(surveyID, researcher)
	l.emit(&Event{Type: EventResearcherAuthorized, SurveyID: surveyID, Requester: researcher})
	return nil
}

// RevokeResearcher removes a per-survey grant.
func (l *Ledger) RevokeResearcher(caller kyber.Point, surveyID uint64,
	researcher kyber.Point) error {
	l.Lock()
	defer l.Unlock()
	s, ok := l.surveys[surveyID]
	if !ok {
		return xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	if !caller.Equal(s.Creator) && !caller.Equal(l.admin) {
		return xerrors.Errorf("%w: only the creator or the admin can revoke access", ErrUnauthorized)
	}
	if set, ok := l.surveyResearchers[surveyID]; ok {
		delete(set, researcher.String())
	}
	return nil
}

// AuthorizeGlobalResearcher grants researcher access on all surveys.
// Admin only.
func (l *Ledger) AuthorizeGlobalResearcher(caller, researcher kyber.Point) error {
	l.Lock()
	defer l.Unlock()
	if !caller.Equal(l.admin) {
		return xerrors.Errorf("%w: only the admin can grant global access", ErrUnauthorized)
	}
	l.globalResearchers[researcher.String()] = researcher
	l.emit(&Event{Type: EventResearcherAuthorized, Requester: researcher})
	return nil
}

// RevokeGlobalResearcher removes a global grant. Admin only.
func (l *Ledger) RevokeGlobalResearcher(caller, researcher kyber.Point) error {
	l.Lock()
	defer l.Unlock()
	if !caller.Equal(l.admin) {
		return xerrors.Errorf("%w: only the admin can revoke global access", ErrUnauthorized)
	}
	delete(l.globalResearchers, researcher.String())
	return nil
}

func (l *Ledger) grantSurvey(surveyID uint64, researcher kyber.Point) {
	set, ok := l.surveyResearchers[surveyID]
	if !ok {
		set = make(map[string]kyber.Point)
		l.surveyResearchers[surveyID] = set
	}
	set[researcher.String()] = researcher
}

// IsAuthorized returns true if who holds a researcher capability for this
// survey, either globally or per-survey, or is the admin.
func (l *Ledger) IsAuthorized(surveyID uint64, who kyber.Point) bool {
	l.Lock()
	defer l.Unlock()
	return l.isAuthorized(surveyID, who)
}

func (l *Ledger) isAuthorized(surveyID uint64, who kyber.Point) bool {
	if who.Equal(l.admin) {
		return true
	}
	if _, ok := l.globalResearchers[who.String()]; ok {
		return true
	}
	if set, ok := l.surveyResearchers[surveyID]; ok {
		_, ok := set[who.String()]
		return ok
	}
	return false
}

// SubmitEntry accepts one submission: it checks every answer's proof,
// stores the entry and folds each answer into the running encrypted
// aggregate of its question. The whole operation either happens or leaves
// no trace.
func (l *Ledger) SubmitEntry(caller kyber.Point, surveyID uint64,
	answers []confcrypt.EncryptedAnswer, commitment []byte,
	ciphertextPointer string) (uint64, error) {
	if len(answers) == 0 {
		return 0, xerrors.Errorf("%w: empty submission", ErrPolicy)
	}
	// Proofs are checked before taking the lock - verification is pure.
	for q, ans := range answers {
		if ans.Ciphertext == nil || ans.Proof == nil {
			return 0, xerrors.Errorf("%w: question %d misses ciphertext or proof", ErrProof, q)
		}
		if err := ans.Proof.Verify(l.suite, l.aggKeyPt, ans.Ciphertext); err != nil {
			return 0, xerrors.Errorf("%w: question %d: %v", ErrProof, q, err)
		}
	}

	l.Lock()
	defer l.Unlock()
	s, ok := l.surveys[surveyID]
	if !ok {
		return 0, xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	if !s.Active {
		return 0, xerrors.Errorf("%w: survey is paused", ErrPolicy)
	}
	if l.now().Unix() > s.SubmitDeadline {
		return 0, xerrors.Errorf("%w: submission deadline passed", ErrPolicy)
	}

	// Compute all new registry entries before touching the ledger maps,
	// so a registry failure cannot leave a half-applied submission. The
	// registry is content-addressed - orphaned ciphertexts from a failed
	// attempt are unreachable and harmless.
	answerHandles := make([]confcrypt.Handle, len(answers))
	newAggs := make([]*Aggregate, len(answers))
	for q, ans := range answers {
		h, err := l.registry.Put(ans.Ciphertext)
		if err != nil {
			return 0, err
		}
		answerHandles[q] = h
		agg, err := l.accumulate(surveyID, uint64(q), h)
		if err != nil {
			return 0, err
		}
		newAggs[q] = agg
	}

	id := l.nextEntryID
	l.nextEntryID++
	l.entries[id] = &Entry{
		ID:                id,
		SurveyID:          surveyID,
		Respondent:        caller,
		Commitment:        commitment,
		CiphertextPointer: ciphertextPointer,
		Timestamp:         l.now().Unix(),
		AnswerHandles:     answerHandles,
	}
	s.TotalSubmissions++
	for q, agg := range newAggs {
		l.aggregates[aggKey{surveyID, uint64(q)}] = agg
	}

	l.emit(&Event{Type: EventEntrySubmitted, SurveyID: surveyID, EntryID: id, Requester: caller})
	for q := range answers {
		l.emit(&Event{Type: EventAggregateUpdated, SurveyID: surveyID, QuestionID: uint64(q)})
	}
	return id, nil
}

// accumulate folds one answer handle into the (survey, question) cell and
// returns the cell's new state without committing it.
func (l *Ledger) accumulate(surveyID, questionID uint64, answer confcrypt.Handle) (*Aggregate, error) {
	cur, ok := l.aggregates[aggKey{surveyID, questionID}]
	if !ok {
		zeroSum, _ := confcrypt.Encrypt(l.suite, l.aggKeyPt, 0)
		zeroCount, _ := confcrypt.Encrypt(l.suite, l.aggKeyPt, 0)
		sumH, err := l.registry.Put(zeroSum)
		if err != nil {
			return nil, err
		}
		countH, err := l.registry.Put(zeroCount)
		if err != nil {
			return nil, err
		}
		cur = &Aggregate{SumHandle: sumH, CountHandle: countH}
	}
	newSum, err := l.registry.Add(cur.SumHandle, answer)
	if err != nil {
		return nil, err
	}
	one, _ := confcrypt.Encrypt(l.suite, l.aggKeyPt, 1)
	oneH, err := l.registry.Put(one)
	if err != nil {
		return nil, err
	}
	newCount, err := l.registry.Add(cur.CountHandle, oneH)
	if err != nil {
		return nil, err
	}
	return &Aggregate{SumHandle: newSum, CountHandle: newCount}, nil
}

// RequestAggregateReveal records a reveal request for a (survey,
// question) aggregate and returns the request id the caller must retain
// to correlate the asynchronous fulfillment.
func (l *Ledger) RequestAggregateReveal(caller kyber.Point, surveyID,
	questionID uint64) (uint64, error) {
	l.Lock()
	defer l.Unlock()
	if _, ok := l.surveys[surveyID]; !ok {
		return 0, xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	if !l.isAuthorized(surveyID, caller) {
		return 0, xerrors.Errorf("%w: not a researcher for survey %d", ErrUnauthorized, surveyID)
	}
	agg, ok := l.aggregates[aggKey{surveyID, questionID}]
	if !ok {
		return 0, xerrors.Errorf("%w: no submissions yet for survey %d question %d",
			ErrNotFound, surveyID, questionID)
	}

	id := l.nextRequestID
	l.nextRequestID++
	l.requests[id] = &DecryptionRequest{
		ID:          id,
		Subject:     Subject{SurveyID: surveyID, QuestionID: questionID},
		Requester:   caller,
		Aggregate:   true,
		Timestamp:   l.now().Unix(),
		SumHandle:   agg.SumHandle,
		CountHandle: agg.CountHandle,
	}
	l.emit(&Event{Type: EventDecryptionRequested, RequestID: id,
		SurveyID: surveyID, QuestionID: questionID, Requester: caller, Aggregate: true})
	return id, nil
}

// RequestIndividualReveal records a reveal request for one entry's answer
// to one question. The survey must allow individual reveals; depending on
// the configured RevealPolicy the caller must be the respondent, or may
// also be an authorized researcher.
func (l *Ledger) RequestIndividualReveal(caller kyber.Point, surveyID,
	entryID, questionID uint64) (uint64, error) {
	l.Lock()
	defer l.Unlock()
	s, ok := l.surveys[surveyID]
	if !ok {
		return 0, xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	if !s.AllowIndividualReveal {
		return 0, xerrors.Errorf("%w: survey does not allow individual reveals", ErrPolicy)
	}
	e, ok := l.entries[entryID]
	if !ok || e.SurveyID != surveyID {
		return 0, xerrors.Errorf("%w: entry %d in survey %d", ErrNotFound, entryID, surveyID)
	}
	allowed := caller.Equal(e.Respondent)
	if !allowed && l.policy == RevealRespondentOrResearcher {
		allowed = l.isAuthorized(surveyID, caller)
	}
	if !allowed {
		return 0, xerrors.Errorf("%w: not allowed to reveal entry %d", ErrUnauthorized, entryID)
	}
	if questionID >= uint64(len(e.AnswerHandles)) {
		return 0, xerrors.Errorf("%w: entry %d has no question %d", ErrNotFound, entryID, questionID)
	}

	id := l.nextRequestID
	l.nextRequestID++
	l.requests[id] = &DecryptionRequest{
		ID:          id,
		Subject:     Subject{SurveyID: surveyID, QuestionID: questionID, EntryID: entryID},
		Requester:   caller,
		Timestamp:   l.now().Unix(),
		ValueHandle: e.AnswerHandles[questionID],
	}
	l.emit(&Event{Type: EventDecryptionRequested, RequestID: id,
		SurveyID: surveyID, QuestionID: questionID, EntryID: entryID, Requester: caller})
	return id, nil
}

// CallbackAggregate delivers the oracle network's fulfillment of an
// aggregate reveal. The request must exist and be unfulfilled, and the
// signature set must pass the verifier over the canonical digest of
// (requestID, sum, count). A rejected verification leaves the request
// unfulfilled so a corrected callback can still land; a second callback
// on a fulfilled request always fails.
func (l *Ledger) CallbackAggregate(requestID, sum, count uint64,
	sigs []OracleSignature) error {
	l.Lock()
	defer l.Unlock()
	req, ok := l.requests[requestID]
	if !ok {
		return xerrors.Errorf("%w: unknown request %d", ErrRequestState, requestID)
	}
	if !req.Aggregate {
		return xerrors.Errorf("%w: request %d is not an aggregate reveal", ErrRequestState, requestID)
	}
	if req.Fulfilled {
		return xerrors.Errorf("%w: request %d already fulfilled", ErrRequestState, requestID)
	}
	digest, err := AggregateAttestation{RequestID: requestID, Sum: sum, Count: count}.Digest()
	if err != nil {
		return err
	}
	if err := l.verifier.Verify(digest, sigs); err != nil {
		return err
	}

	req.Fulfilled = true
	req.Value = sum
	req.Count = count
	l.emit(&Event{Type: EventAggregateRevealed, RequestID: requestID,
		SurveyID: req.Subject.SurveyID, QuestionID: req.Subject.QuestionID,
		Aggregate: true, Value: sum, Count: count})
	return nil
}

// CallbackIndividual delivers the fulfillment of an individual reveal and
// marks the source entry as revealed.
func (l *Ledger) CallbackIndividual(requestID, value uint64,
	sigs []OracleSignature) error {
	l.Lock()
	defer l.Unlock()
	req, ok := l.requests[requestID]
	if !ok {
		return xerrors.Errorf("%w: unknown request %d", ErrRequestState, requestID)
	}
	if req.Aggregate {
		return xerrors.Errorf("%w: request %d is not an individual reveal", ErrRequestState, requestID)
	}
	if req.Fulfilled {
		return xerrors.Errorf("%w: request %d already fulfilled", ErrRequestState, requestID)
	}
	digest, err := IndividualAttestation{RequestID: requestID, Value: value}.Digest()
	if err != nil {
		return err
	}
	if err := l.verifier.Verify(digest, sigs); err != nil {
		return err
	}

	req.Fulfilled = true
	req.Value = value
	if e, ok := l.entries[req.Subject.EntryID]; ok {
		e.Revealed = true
	}
	l.emit(&Event{Type: EventIndividualRevealed, RequestID: requestID,
		SurveyID: req.Subject.SurveyID, QuestionID: req.Subject.QuestionID,
		EntryID: req.Subject.EntryID, Value: value})
	return nil
}

// GetSurvey returns a copy of the survey record.
func (l *Ledger) GetSurvey(surveyID uint64) (*Survey, error) {
	l.Lock()
	defer l.Unlock()
	s, ok := l.surveys[surveyID]
	if !ok {
		return nil, xerrors.Errorf("%w: survey %d", ErrNotFound, surveyID)
	}
	cp := *s
	return &cp, nil
}

// Surveys returns copies of all survey records, ordered by id.
func (l *Ledger) Surveys() []*Survey {
	l.Lock()
	defer l.Unlock()
	out := make([]*Survey, 0, len(l.surveys))
	for id := uint64(1); id < l.nextSurveyID; id++ {
		if s, ok := l.surveys[id]; ok {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// GetEntry returns a copy of the entry record.
func (l *Ledger) GetEntry(entryID uint64) (*Entry, error) {
	l.Lock()
	defer l.Unlock()
	e, ok := l.entries[entryID]
	if !ok {
		return nil, xerrors.Errorf("%w: entry %d", ErrNotFound, entryID)
	}
	cp := *e
	return &cp, nil
}

// GetRequest returns a copy of the decryption-request record.
func (l *Ledger) GetRequest(requestID uint64) (*DecryptionRequest, error) {
	l.Lock()
	defer l.Unlock()
	r, ok := l.requests[requestID]
	if !ok {
		return nil, xerrors.Errorf("%w: request %d", ErrNotFound, requestID)
	}
	cp := *r
	return &cp, nil
}

// PendingRequests returns copies of all unfulfilled requests, ordered by
// id. This is what the oracle network polls.
func (l *Ledger) PendingRequests() []*DecryptionRequest {
	l.Lock()
	defer l.Unlock()
	var out []*DecryptionRequest
	for id := uint64(1); id < l.nextRequestID; id++ {
		if r, ok := l.requests[id]; ok && !r.Fulfilled {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// GetAggregate returns the current handles for a (survey, question) pair.
func (l *Ledger) GetAggregate(surveyID, questionID uint64) (*Aggregate, error) {
	l.Lock()
	defer l.Unlock()
	agg, ok := l.aggregates[aggKey{surveyID, questionID}]
	if !ok {
		return nil, xerrors.Errorf("%w: no aggregate for survey %d question %d",
			ErrNotFound, surveyID, questionID)
	}
	cp := *agg
	return &cp, nil
}
