package survey

import (
	"crypto/sha256"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/suites"
	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"github.com/confsurvey/confsurvey/confcrypt"
)

func init() {
	network.RegisterMessages(
		&Setup{}, &SetupReply{},
		&CreateSurvey{}, &CreateSurveyReply{},
		&PauseSurvey{}, &PauseSurveyReply{},
		&ResumeSurvey{}, &ResumeSurveyReply{},
		&AuthorizeResearcher{}, &AuthorizeResearcherReply{},
		&RevokeResearcher{}, &RevokeResearcherReply{},
		&SubmitEntry{}, &SubmitEntryReply{},
		&RequestAggregateReveal{}, &RequestIndividualReveal{}, &RequestRevealReply{},
		&CallbackAggregate{}, &CallbackIndividual{}, &CallbackReply{},
		&GetSurvey{}, &GetSurveyReply{},
		&ListSurveys{}, &ListSurveysReply{},
		&GetEntry{}, &GetEntryReply{},
		&GetRequest{}, &GetRequestReply{},
		&ListPendingRequests{}, &ListPendingRequestsReply{},
		&GetAggregate{}, &GetAggregateReply{},
		&IsAuthorized{}, &IsAuthorizedReply{},
		&GetCiphertext{}, &GetCiphertextReply{},
		&StreamingRequest{}, &StreamingResponse{},
	)
}

// signedRequest is implemented by every mutating message. The signature
// covers the whole message with the Signature field set to nil, so a
// request cannot be altered or re-attributed in flight.
type signedRequest interface {
	signer() kyber.Point
	signature() *[]byte
}

func requestDigest(msg interface{}) ([]byte, error) {
	buf, err := protobuf.Encode(msg)
	if err != nil {
		return nil, xerrors.Errorf("encoding request: %v", err)
	}
	digest := sha256.Sum256(buf)
	return digest[:], nil
}

// SignRequest fills in the Signature field of a mutating request.
func SignRequest(suite suites.Suite, private kyber.Scalar, req signedRequest) error {
	*req.signature() = nil
	digest, err := requestDigest(req)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(suite, private, digest)
	if err != nil {
		return xerrors.Errorf("signing request: %v", err)
	}
	*req.signature() = sig
	return nil
}

// VerifyRequest checks the Signature of a mutating request against its
// Caller. The message is restored to its signed form afterwards.
func VerifyRequest(suite suites.Suite, req signedRequest) error {
	if req.signer() == nil {
		return xerrors.Errorf("%w: request without caller", ErrUnauthorized)
	}
	sig := *req.signature()
	if len(sig) == 0 {
		return xerrors.Errorf("%w: request without signature", ErrUnauthorized)
	}
	*req.signature() = nil
	digest, err := requestDigest(req)
	*req.signature() = sig
	if err != nil {
		return err
	}
	if err := schnorr.Verify(suite, req.signer(), digest, sig); err != nil {
		return xerrors.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// Setup initializes the service once: who the admin is, which public key
// the answers are encrypted towards, and which oracle set at what
// threshold may fulfill reveal requests. The request must be signed by
// the admin identity it names.
type Setup struct {
	Admin        kyber.Point
	AggregateKey kyber.Point
	Oracles      []kyber.Point
	Threshold    int
	Policy       RevealPolicy
	Signature    []byte
}

func (r *Setup) signer() kyber.Point { return r.Admin }
func (r *Setup) signature() *[]byte  { return &r.Signature }

// SetupReply is returned once the service is configured.
type SetupReply struct{}

// CreateSurvey opens a new survey.
type CreateSurvey struct {
	Title                 string
	Description           string
	MetadataPointer       string
	QuestionSchemaPointer string
	SubmitDeadline        int64
	AllowIndividualReveal bool
	Researchers           []kyber.Point
	Caller                kyber.Point
	Signature             []byte
}

func (r *CreateSurvey) signer() kyber.Point { return r.Caller }
func (r *CreateSurvey) signature() *[]byte  { return &r.Signature }

// CreateSurveyReply carries the id of the new survey.
type CreateSurveyReply struct {
	SurveyID uint64
}

// PauseSurvey deactivates a survey.
type PauseSurvey struct {
	SurveyID  uint64
	Caller    kyber.Point
	Signature []byte
}

func (r *PauseSurvey) signer() kyber.Point { return r.Caller }
func (r *PauseSurvey) signature() *[]byte  { return &r.Signature }

// PauseSurveyReply is the empty acknowledgment.
type PauseSurveyReply struct{}

// ResumeSurvey reactivates a paused survey.
type ResumeSurvey struct {
	SurveyID  uint64
	Caller    kyber.Point
	Signature []byte
}

func (r *ResumeSurvey) signer() kyber.Point { return r.Caller }
func (r *ResumeSurvey) signature() *[]byte  { return &r.Signature }

// ResumeSurveyReply is the empty acknowledgment.
type ResumeSurveyReply struct{}

// AuthorizeResearcher grants researcher access. SurveyID zero means a
// global grant, which only the admin can make.
type AuthorizeResearcher struct {
	SurveyID   uint64
	Researcher kyber.Point
	Caller     kyber.Point
	Signature  []byte
}

func (r *AuthorizeResearcher) signer() kyber.Point { return r.Caller }
func (r *AuthorizeResearcher) signature() *[]byte  { return &r.Signature }

// AuthorizeResearcherReply is the empty acknowledgment.
type AuthorizeResearcherReply struct{}

// RevokeResearcher removes a researcher grant. SurveyID zero means the
// global grant.
type RevokeResearcher struct {
	SurveyID   uint64
	Researcher kyber.Point
	Caller     kyber.Point
	Signature  []byte
}

func (r *RevokeResearcher) signer() kyber.Point { return r.Caller }
func (r *RevokeResearcher) signature() *[]byte  { return &r.Signature }

// RevokeResearcherReply is the empty acknowledgment.
type RevokeResearcherReply struct{}

// SubmitEntry carries one submission: one encrypted answer with proof per
// question, plus the respondent's commitment over the cleartext answers
// and an off-service pointer to the full ciphertext blob.
type SubmitEntry struct {
	SurveyID          uint64
	Answers           []confcrypt.EncryptedAnswer
	Commitment        []byte
	CiphertextPointer string
	Caller            kyber.Point
	Signature         []byte
}

func (r *SubmitEntry) signer() kyber.Point { return r.Caller }
func (r *SubmitEntry) signature() *[]byte  { return &r.Signature }

// SubmitEntryReply carries the id of the accepted entry.
type SubmitEntryReply struct {
	EntryID uint64
}

// RequestAggregateReveal asks for the decryption of the current aggregate
// of one (survey, question) pair. The signature doubles as the
// requester's decryption authorization: the oracles check it before
// decrypting anything.
type RequestAggregateReveal struct {
	SurveyID   uint64
	QuestionID uint64
	Caller     kyber.Point
	Signature  []byte
}

func (r *RequestAggregateReveal) signer() kyber.Point { return r.Caller }
func (r *RequestAggregateReveal) signature() *[]byte  { return &r.Signature }

// RequestIndividualReveal asks for the decryption of one entry's answer
// to one question.
type RequestIndividualReveal struct {
	SurveyID   uint64
	EntryID    uint64
	QuestionID uint64
	Caller     kyber.Point
	Signature  []byte
}

func (r *RequestIndividualReveal) signer() kyber.Point { return r.Caller }
func (r *RequestIndividualReveal) signature() *[]byte  { return &r.Signature }

// RequestRevealReply carries the id the caller needs to correlate the
// asynchronous fulfillment.
type RequestRevealReply struct {
	RequestID uint64
}

// CallbackAggregate is the oracle network's fulfillment of an aggregate
// reveal. It is authenticated by the threshold signature set, not by a
// caller signature.
type CallbackAggregate struct {
	RequestID  uint64
	Sum        uint64
	Count      uint64
	Signatures []OracleSignature
}

// CallbackIndividual is the fulfillment of an individual reveal.
type CallbackIndividual struct {
	RequestID  uint64
	Value      uint64
	Signatures []OracleSignature
}

// CallbackReply is the empty acknowledgment.
type CallbackReply struct{}

// GetSurvey fetches one survey record.
type GetSurvey struct {
	SurveyID uint64
}

// GetSurveyReply carries the survey record.
type GetSurveyReply struct {
	Survey *Survey
}

// ListSurveys fetches all survey records.
type ListSurveys struct{}

// ListSurveysReply carries the records ordered by id.
type ListSurveysReply struct {
	Surveys []*Survey
}

// GetEntry fetches one entry record.
type GetEntry struct {
	EntryID uint64
}

// GetEntryReply carries the entry record.
type GetEntryReply struct {
	Entry *Entry
}

// GetRequest fetches one decryption-request record.
type GetRequest struct {
	RequestID uint64
}

// GetRequestReply carries the request record.
type GetRequestReply struct {
	Request *DecryptionRequest
}

// ListPendingRequests fetches all unfulfilled decryption requests. This
// is what the oracles poll.
type ListPendingRequests struct{}

// ListPendingRequestsReply carries the unfulfilled requests ordered by id.
type ListPendingRequestsReply struct {
	Requests []*DecryptionRequest
}

// GetAggregate fetches the current handles of one (survey, question)
// pair.
type GetAggregate struct {
	SurveyID   uint64
	QuestionID uint64
}

// GetAggregateReply carries the handles.
type GetAggregateReply struct {
	Aggregate *Aggregate
}

// IsAuthorized asks whether an identity holds a researcher capability
// for a survey. Clients consult this before issuing a reveal request
// the ledger would refuse anyway.
type IsAuthorized struct {
	SurveyID uint64
	Who      kyber.Point
}

// IsAuthorizedReply carries the answer.
type IsAuthorizedReply struct {
	Authorized bool
}

// GetCiphertext fetches a ciphertext by handle from the registry.
type GetCiphertext struct {
	Handle confcrypt.Handle
}

// GetCiphertextReply carries the ciphertext.
type GetCiphertextReply struct {
	Ciphertext *confcrypt.Ciphertext
}

// StreamingRequest opens an event stream. The service pushes every
// ledger event to the subscriber until the connection closes.
type StreamingRequest struct{}

// StreamingResponse carries one ledger event.
type StreamingResponse struct {
	Event *Event
}
