// Package survey implements the confidential-survey service: respondents
// submit additively encrypted answers, the service folds them into
// per-question encrypted aggregates, and an external oracle network
// fulfills reveal requests under a threshold of attestations. Cleartext
// answers never reach the service.
package survey

import (
	"sync"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"

	confsurvey "github.com/confsurvey/confsurvey"
	"github.com/confsurvey/confsurvey/confcrypt"
)

// ServiceName is used for registration on the onet.
const ServiceName = "ConfSurvey"

// Used for tests
var serviceID onet.ServiceID

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
	network.RegisterMessages(&storage{})
}

// Service is the confidential-survey service. All state lives in the
// ledger; the service adds request authentication, persistence and the
// event stream on top.
type Service struct {
	*onet.ServiceProcessor
	storage  *storage
	registry *confcrypt.Registry
	ledger   *Ledger

	streamingMan streamingManager
	closed       bool
	closedMutex  sync.Mutex
	working      sync.WaitGroup
}

// configure builds the ledger and verifier. If st is non-nil, the ledger
// state is restored from it.
func (s *Service) configure(admin, aggregateKey kyber.Point,
	oracles []kyber.Point, threshold int, policy RevealPolicy,
	st *storage) error {
	verifier, err := NewThresholdVerifier(confsurvey.Suite, oracles, threshold)
	if err != nil {
		return err
	}
	l := NewLedger(confsurvey.Suite, admin, aggregateKey, s.registry, verifier, policy)
	if st != nil {
		l.restore(st)
	}
	l.SetNotifier(s.streamingMan.notify)
	s.ledger = l
	return nil
}

func (s *Service) getLedger() (*Ledger, error) {
	if s.ledger == nil {
		return nil, xerrors.New("service is not set up yet")
	}
	return s.ledger, nil
}

// Setup configures the service: the admin identity, the aggregation key,
// the oracle set and its threshold. It can only be called once and must
// be signed by the admin identity it names.
func (s *Service) Setup(req *Setup) (*SetupReply, error) {
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	if s.ledger != nil {
		return nil, xerrors.New("service is already set up")
	}
	if req.AggregateKey == nil {
		return nil, xerrors.New("setup needs an aggregation key")
	}
	if err := s.configure(req.Admin, req.AggregateKey, req.Oracles,
		req.Threshold, req.Policy, nil); err != nil {
		return nil, err
	}
	s.storage.Lock()
	s.storage.Configured = true
	s.storage.Oracles = req.Oracles
	s.storage.Threshold = req.Threshold
	s.storage.Unlock()
	return &SetupReply{}, s.save()
}

// CreateSurvey opens a new survey.
func (s *Service) CreateSurvey(req *CreateSurvey) (*CreateSurveyReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	id, err := l.CreateSurvey(req.Caller, req.Title, req.Description,
		req.MetadataPointer, req.QuestionSchemaPointer, req.SubmitDeadline,
		req.AllowIndividualReveal, req.Researchers)
	if err != nil {
		return nil, err
	}
	return &CreateSurveyReply{SurveyID: id}, s.save()
}

// PauseSurvey deactivates a survey.
func (s *Service) PauseSurvey(req *PauseSurvey) (*PauseSurveyReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	if err := l.PauseSurvey(req.Caller, req.SurveyID); err != nil {
		return nil, err
	}
	return &PauseSurveyReply{}, s.save()
}

// ResumeSurvey reactivates a paused survey.
func (s *Service) ResumeSurvey(req *ResumeSurvey) (*ResumeSurveyReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	if err := l.ResumeSurvey(req.Caller, req.SurveyID); err != nil {
		return nil, err
	}
	return &ResumeSurveyReply{}, s.save()
}

// AuthorizeResearcher grants researcher access, per-survey or globally
// when SurveyID is zero.
func (s *Service) AuthorizeResearcher(req *AuthorizeResearcher) (*AuthorizeResearcherReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	if req.SurveyID == 0 {
		err = l.AuthorizeGlobalResearcher(req.Caller, req.Researcher)
	} else {
		err = l.AuthorizeResearcher(req.Caller, req.SurveyID, req.Researcher)
	}
	if err != nil {
		return nil, err
	}
	return &AuthorizeResearcherReply{}, s.save()
}

// RevokeResearcher removes a researcher grant.
func (s *Service) RevokeResearcher(req *RevokeResearcher) (*RevokeResearcherReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	if req.SurveyID == 0 {
		err = l.RevokeGlobalResearcher(req.Caller, req.Researcher)
	} else {
		err = l.RevokeResearcher(req.Caller, req.SurveyID, req.Researcher)
	}
	if err != nil {
		return nil, err
	}
	return &RevokeResearcherReply{}, s.save()
}

// SubmitEntry accepts one submission after checking the caller's
// signature and every answer's proof.
func (s *Service) SubmitEntry(req *SubmitEntry) (*SubmitEntryReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	id, err := l.SubmitEntry(req.Caller, req.SurveyID, req.Answers,
		req.Commitment, req.CiphertextPointer)
	if err != nil {
		return nil, err
	}
	return &SubmitEntryReply{EntryID: id}, s.save()
}

// RequestAggregateReveal records an aggregate reveal request.
func (s *Service) RequestAggregateReveal(req *RequestAggregateReveal) (*RequestRevealReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	id, err := l.RequestAggregateReveal(req.Caller, req.SurveyID, req.QuestionID)
	if err != nil {
		return nil, err
	}
	return &RequestRevealReply{RequestID: id}, s.save()
}

// RequestIndividualReveal records an individual reveal request.
func (s *Service) RequestIndividualReveal(req *RequestIndividualReveal) (*RequestRevealReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := VerifyRequest(confsurvey.Suite, req); err != nil {
		return nil, err
	}
	id, err := l.RequestIndividualReveal(req.Caller, req.SurveyID,
		req.EntryID, req.QuestionID)
	if err != nil {
		return nil, err
	}
	return &RequestRevealReply{RequestID: id}, s.save()
}

// CallbackAggregate accepts the oracle network's fulfillment of an
// aggregate reveal.
func (s *Service) CallbackAggregate(req *CallbackAggregate) (*CallbackReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := l.CallbackAggregate(req.RequestID, req.Sum, req.Count,
		req.Signatures); err != nil {
		return nil, err
	}
	return &CallbackReply{}, s.save()
}

// CallbackIndividual accepts the fulfillment of an individual reveal.
func (s *Service) CallbackIndividual(req *CallbackIndividual) (*CallbackReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if err := l.CallbackIndividual(req.RequestID, req.Value,
		req.Signatures); err != nil {
		return nil, err
	}
	return &CallbackReply{}, s.save()
}

// GetSurvey returns one survey record.
func (s *Service) GetSurvey(req *GetSurvey) (*GetSurveyReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	sv, err := l.GetSurvey(req.SurveyID)
	if err != nil {
		return nil, err
	}
	return &GetSurveyReply{Survey: sv}, nil
}

// ListSurveys returns all survey records.
func (s *Service) ListSurveys(req *ListSurveys) (*ListSurveysReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	return &ListSurveysReply{Surveys: l.Surveys()}, nil
}

// GetEntry returns one entry record.
func (s *Service) GetEntry(req *GetEntry) (*GetEntryReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	e, err := l.GetEntry(req.EntryID)
	if err != nil {
		return nil, err
	}
	return &GetEntryReply{Entry: e}, nil
}

// GetRequest returns one decryption-request record.
func (s *Service) GetRequest(req *GetRequest) (*GetRequestReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	r, err := l.GetRequest(req.RequestID)
	if err != nil {
		return nil, err
	}
	return &GetRequestReply{Request: r}, nil
}

// ListPendingRequests returns all unfulfilled decryption requests.
func (s *Service) ListPendingRequests(req *ListPendingRequests) (*ListPendingRequestsReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	return &ListPendingRequestsReply{Requests: l.PendingRequests()}, nil
}

// GetAggregate returns the current handles of one (survey, question)
// pair.
func (s *Service) GetAggregate(req *GetAggregate) (*GetAggregateReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	agg, err := l.GetAggregate(req.SurveyID, req.QuestionID)
	if err != nil {
		return nil, err
	}
	return &GetAggregateReply{Aggregate: agg}, nil
}

// IsAuthorized reports whether an identity holds a researcher capability
// for a survey.
func (s *Service) IsAuthorized(req *IsAuthorized) (*IsAuthorizedReply, error) {
	l, err := s.getLedger()
	if err != nil {
		return nil, err
	}
	if req.Who == nil {
		return nil, xerrors.New("missing identity")
	}
	return &IsAuthorizedReply{Authorized: l.IsAuthorized(req.SurveyID, req.Who)}, nil
}

// GetCiphertext returns a ciphertext from the registry by handle.
func (s *Service) GetCiphertext(req *GetCiphertext) (*GetCiphertextReply, error) {
	ct, err := s.registry.Get(req.Handle)
	if err != nil {
		return nil, err
	}
	return &GetCiphertextReply{Ciphertext: ct}, nil
}

// TestClose releases the streaming listeners. Only for tests.
func (s *Service) TestClose() {
	s.closedMutex.Lock()
	if !s.closed {
		s.closed = true
		s.closedMutex.Unlock()
		s.streamingMan.stopAll()
		s.working.Wait()
	} else {
		s.closedMutex.Unlock()
	}
}

// newService receives the context that holds information about the node it's
// running on. Saving and loading can be done using the context. The data will
// be stored in memory for tests and simulations, and on disk for real deployments.
func newService(c *onet.Context) (onet.Service, error) {
	db, bucket := c.GetAdditionalBucket([]byte("ciphertexts"))
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		registry:         confcrypt.NewRegistry(db, bucket, confsurvey.Suite),
	}
	if err := s.RegisterHandlers(s.Setup, s.CreateSurvey, s.PauseSurvey,
		s.ResumeSurvey, s.AuthorizeResearcher, s.RevokeResearcher,
		s.SubmitEntry, s.RequestAggregateReveal, s.RequestIndividualReveal,
		s.CallbackAggregate, s.CallbackIndividual, s.GetSurvey,
		s.ListSurveys, s.GetEntry, s.GetRequest, s.ListPendingRequests,
		s.GetAggregate, s.IsAuthorized, s.GetCiphertext); err != nil {
		return nil, xerrors.New("couldn't register messages")
	}
	if err := s.RegisterStreamingHandlers(s.StreamEvents); err != nil {
		return nil, xerrors.New("couldn't register streaming messages")
	}
	if err := s.tryLoad(); err != nil {
		log.Error(err)
		return nil, err
	}
	return s, nil
}
