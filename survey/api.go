package survey

import (
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"

	confsurvey "github.com/confsurvey/confsurvey"
	"github.com/confsurvey/confsurvey/confcrypt"
)

// Client is a structure to communicate with the confidential-survey
// service. Mutating requests are signed with the client's key pair, which
// is also the identity the ledger sees.
type Client struct {
	*onet.Client
	roster *onet.Roster
	// Keys holds the client's long-term identity.
	Keys *key.Pair
}

// NewClient instantiates a new client with an ephemeral key pair.
func NewClient(r *onet.Roster) *Client {
	return &Client{
		Client: onet.NewClient(confsurvey.Suite, ServiceName),
		roster: r,
		Keys:   key.NewKeyPair(confsurvey.Suite),
	}
}

// NewClientWithKeys instantiates a client with a long-term identity.
func NewClientWithKeys(r *onet.Roster, keys *key.Pair) *Client {
	return &Client{
		Client: onet.NewClient(confsurvey.Suite, ServiceName),
		roster: r,
		Keys:   keys,
	}
}

// Identity returns the public point requests are attributed to.
func (c *Client) Identity() kyber.Point {
	return c.Keys.Public
}

func (c *Client) send(req signedRequest, reply interface{}) error {
	if err := SignRequest(confsurvey.Suite, c.Keys.Private, req); err != nil {
		return err
	}
	return c.SendProtobuf(c.roster.List[0], req, reply)
}

// Setup configures the service. The client's identity becomes the admin.
func (c *Client) Setup(aggregateKey kyber.Point, oracles []kyber.Point,
	threshold int, policy RevealPolicy) error {
	req := &Setup{
		Admin:        c.Keys.Public,
		AggregateKey: aggregateKey,
		Oracles:      oracles,
		Threshold:    threshold,
		Policy:       policy,
	}
	return c.send(req, &SetupReply{})
}

// CreateSurvey opens a new survey and returns its id.
func (c *Client) CreateSurvey(title, description, metadataPointer,
	schemaPointer string, deadline time.Time, allowIndividual bool,
	researchers []kyber.Point) (uint64, error) {
	req := &CreateSurvey{
		Title:                 title,
		Description:           description,
		MetadataPointer:       metadataPointer,
		QuestionSchemaPointer: schemaPointer,
		SubmitDeadline:        deadline.Unix(),
		AllowIndividualReveal: allowIndividual,
		Researchers:           researchers,
		Caller:                c.Keys.Public,
	}
	reply := &CreateSurveyReply{}
	if err := c.send(req, reply); err != nil {
		return 0, err
	}
	return reply.SurveyID, nil
}

// PauseSurvey deactivates a survey.
func (c *Client) PauseSurvey(surveyID uint64) error {
	return c.send(&PauseSurvey{SurveyID: surveyID, Caller: c.Keys.Public},
		&PauseSurveyReply{})
}

// ResumeSurvey reactivates a paused survey.
func (c *Client) ResumeSurvey(surveyID uint64) error {
	return c.send(&ResumeSurvey{SurveyID: surveyID, Caller: c.Keys.Public},
		&ResumeSurveyReply{})
}

// AuthorizeResearcher grants researcher access on one survey, or globally
// when surveyID is zero.
func (c *Client) AuthorizeResearcher(surveyID uint64, researcher kyber.Point) error {
	return c.send(&AuthorizeResearcher{SurveyID: surveyID,
		Researcher: researcher, Caller: c.Keys.Public},
		&AuthorizeResearcherReply{})
}

// RevokeResearcher removes a researcher grant.
func (c *Client) RevokeResearcher(surveyID uint64, researcher kyber.Point) error {
	return c.send(&RevokeResearcher{SurveyID: surveyID,
		Researcher: researcher, Caller: c.Keys.Public},
		&RevokeResearcherReply{})
}

// SubmitAnswers encrypts the given answer values towards the service's
// aggregation key, proves each of them within bound, and submits the
// entry. It returns the id of the accepted entry.
func (c *Client) SubmitAnswers(surveyID uint64, aggregateKey kyber.Point,
	values []uint64, bound uint64, commitment []byte,
	ciphertextPointer string) (uint64, error) {
	answers := make([]confcrypt.EncryptedAnswer, len(values))
	for i, v := range values {
		ct, k := confcrypt.Encrypt(confsurvey.Suite, aggregateKey, v)
		proof, err := confcrypt.NewProof(confsurvey.Suite, aggregateKey, ct, k, v, bound)
		if err != nil {
			return 0, err
		}
		answers[i] = confcrypt.EncryptedAnswer{Ciphertext: ct, Proof: proof}
	}
	req := &SubmitEntry{
		SurveyID:          surveyID,
		Answers:           answers,
		Commitment:        commitment,
		CiphertextPointer: ciphertextPointer,
		Caller:            c.Keys.Public,
	}
	reply := &SubmitEntryReply{}
	if err := c.send(req, reply); err != nil {
		return 0, err
	}
	return reply.EntryID, nil
}

// RequestAggregateReveal asks for the decryption of the current aggregate
// of one (survey, question) pair and returns the request id.
func (c *Client) RequestAggregateReveal(surveyID, questionID uint64) (uint64, error) {
	reply := &RequestRevealReply{}
	err := c.send(&RequestAggregateReveal{SurveyID: surveyID,
		QuestionID: questionID, Caller: c.Keys.Public}, reply)
	if err != nil {
		return 0, err
	}
	return reply.RequestID, nil
}

// RequestIndividualReveal asks for the decryption of one entry's answer
// and returns the request id.
func (c *Client) RequestIndividualReveal(surveyID, entryID, questionID uint64) (uint64, error) {
	reply := &RequestRevealReply{}
	err := c.send(&RequestIndividualReveal{SurveyID: surveyID,
		EntryID: entryID, QuestionID: questionID, Caller: c.Keys.Public}, reply)
	if err != nil {
		return 0, err
	}
	return reply.RequestID, nil
}

// CallbackAggregate delivers an aggregate fulfillment. Used by the
// oracles, not by regular clients.
func (c *Client) CallbackAggregate(requestID, sum, count uint64,
	sigs []OracleSignature) error {
	return c.SendProtobuf(c.roster.List[0], &CallbackAggregate{
		RequestID: requestID, Sum: sum, Count: count, Signatures: sigs},
		&CallbackReply{})
}

// CallbackIndividual delivers an individual fulfillment.
func (c *Client) CallbackIndividual(requestID, value uint64,
	sigs []OracleSignature) error {
	return c.SendProtobuf(c.roster.List[0], &CallbackIndividual{
		RequestID: requestID, Value: value, Signatures: sigs},
		&CallbackReply{})
}

// GetSurvey fetches one survey record.
func (c *Client) GetSurvey(surveyID uint64) (*Survey, error) {
	reply := &GetSurveyReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetSurvey{SurveyID: surveyID}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Survey, nil
}

// ListSurveys fetches all survey records.
func (c *Client) ListSurveys() ([]*Survey, error) {
	reply := &ListSurveysReply{}
	err := c.SendProtobuf(c.roster.List[0], &ListSurveys{}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Surveys, nil
}

// GetEntry fetches one entry record.
func (c *Client) GetEntry(entryID uint64) (*Entry, error) {
	reply := &GetEntryReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetEntry{EntryID: entryID}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Entry, nil
}

// GetRequest fetches one decryption-request record.
func (c *Client) GetRequest(requestID uint64) (*DecryptionRequest, error) {
	reply := &GetRequestReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetRequest{RequestID: requestID}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Request, nil
}

// ListPendingRequests fetches all unfulfilled decryption requests.
func (c *Client) ListPendingRequests() ([]*DecryptionRequest, error) {
	reply := &ListPendingRequestsReply{}
	err := c.SendProtobuf(c.roster.List[0], &ListPendingRequests{}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Requests, nil
}

// GetAggregate fetches the current handles of one (survey, question)
// pair.
func (c *Client) GetAggregate(surveyID, questionID uint64) (*Aggregate, error) {
	reply := &GetAggregateReply{}
	err := c.SendProtobuf(c.roster.List[0],
		&GetAggregate{SurveyID: surveyID, QuestionID: questionID}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Aggregate, nil
}

// IsAuthorized reports whether an identity holds a researcher capability
// for a survey.
func (c *Client) IsAuthorized(surveyID uint64, who kyber.Point) (bool, error) {
	reply := &IsAuthorizedReply{}
	err := c.SendProtobuf(c.roster.List[0],
		&IsAuthorized{SurveyID: surveyID, Who: who}, reply)
	if err != nil {
		return false, err
	}
	return reply.Authorized, nil
}

// GetCiphertext fetches a ciphertext by handle.
func (c *Client) GetCiphertext(h confcrypt.Handle) (*confcrypt.Ciphertext, error) {
	reply := &GetCiphertextReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetCiphertext{Handle: h}, reply)
	if err != nil {
		return nil, err
	}
	return reply.Ciphertext, nil
}

// WaitRequest polls the service until the given request is fulfilled or
// the timeout expires. The polling interval starts at interval and the
// total wait is bounded by interval times ten.
func (c *Client) WaitRequest(requestID uint64, interval time.Duration) (*DecryptionRequest, error) {
	for i := 0; i < 10; i++ {
		req, err := c.GetRequest(requestID)
		if err != nil {
			return nil, err
		}
		if req.Fulfilled {
			return req, nil
		}
		time.Sleep(interval)
	}
	return nil, xerrors.Errorf("request %d still unfulfilled after timeout", requestID)
}

// StreamEvents subscribes to the service's event stream. The handler is
// called for every event until the returned connection is closed.
func (c *Client) StreamEvents(handler func(*Event, error)) (onet.StreamingConn, error) {
	conn, err := c.Stream(c.roster.List[0], &StreamingRequest{})
	if err != nil {
		return conn, err
	}
	go func() {
		for {
			resp := StreamingResponse{}
			if err := conn.ReadMessage(&resp); err != nil {
				handler(nil, err)
				return
			}
			handler(resp.Event, nil)
		}
	}()
	return conn, nil
}
