package survey

import (
	"fmt"

	"go.dedis.ch/kyber/v3"

	"github.com/confsurvey/confsurvey/confcrypt"
)

// Survey is the ledger record of one survey. It is created once, its
// Active flag can be flipped by pause/resume, and every accepted
// submission increments TotalSubmissions. It is never removed.
type Survey struct {
	ID                    uint64
	Creator               kyber.Point
	Title                 string
	Description           string
	MetadataPointer       string
	QuestionSchemaPointer string
	SubmitDeadline        int64
	AllowIndividualReveal bool
	Active                bool
	TotalSubmissions      uint64
}

// Entry is one accepted submission. Apart from the Revealed flag, which a
// fulfilled individual reveal sets, it is immutable.
type Entry struct {
	ID                uint64
	SurveyID          uint64
	Respondent        kyber.Point
	Commitment        []byte
	CiphertextPointer string
	Timestamp         int64
	Revealed          bool
	// AnswerHandles[q] references the encrypted answer to question q.
	AnswerHandles []confcrypt.Handle
}

// Aggregate holds the running encrypted sum and count for one
// (survey, question) pair. Both handles move on every accepted
// submission.
type Aggregate struct {
	SumHandle   confcrypt.Handle
	CountHandle confcrypt.Handle
}

// Subject identifies what a reveal is about: a (survey, question)
// aggregate when EntryID is zero, or one entry's answer otherwise.
type Subject struct {
	SurveyID   uint64
	QuestionID uint64
	EntryID    uint64
}

// Aggregate returns true if the subject refers to an aggregate.
func (s Subject) Aggregate() bool {
	return s.EntryID == 0
}

// Key returns the string under which a reconciler tracks this subject.
func (s Subject) Key() string {
	if s.Aggregate() {
		return fmt.Sprintf("%d-%d", s.SurveyID, s.QuestionID)
	}
	return fmt.Sprintf("e%d-%d", s.EntryID, s.QuestionID)
}

// DecryptionRequest is the ledger record of one reveal request. The only
// transition it ever makes is Fulfilled false -> true; the handles are
// snapshotted at creation so the oracles and the requester agree on what
// exactly is being decrypted.
type DecryptionRequest struct {
	ID        uint64
	Subject   Subject
	Requester kyber.Point
	Aggregate bool
	Fulfilled bool
	Timestamp int64

	// Handles snapshotted when the request was created.
	SumHandle   confcrypt.Handle
	CountHandle confcrypt.Handle
	ValueHandle confcrypt.Handle

	// Decrypted results, immutable once Fulfilled.
	Value uint64
	Count uint64
}

// EventType discriminates the notifications the service streams out.
type EventType int32

const (
	// EventSurveyCreated carries SurveyID.
	EventSurveyCreated EventType = iota + 1
	// EventSurveyPaused carries SurveyID.
	EventSurveyPaused
	// EventSurveyResumed carries SurveyID.
	EventSurveyResumed
	// EventEntrySubmitted carries SurveyID and EntryID.
	EventEntrySubmitted
	// EventAggregateUpdated carries SurveyID and QuestionID, telling
	// observers their cached handle for that pair went stale.
	EventAggregateUpdated
	// EventDecryptionRequested carries RequestID, the subject fields and
	// the requester.
	EventDecryptionRequested
	// EventAggregateRevealed carries SurveyID, QuestionID, Value, Count.
	EventAggregateRevealed
	// EventIndividualRevealed carries SurveyID, EntryID, QuestionID, Value.
	EventIndividualRevealed
	// EventResearcherAuthorized carries SurveyID (zero for a global grant)
	// and the researcher in Requester.
	EventResearcherAuthorized
)

// Event is a ledger notification.
type Event struct {
	Type       EventType
	SurveyID   uint64
	QuestionID uint64
	EntryID    uint64
	RequestID  uint64
	Requester  kyber.Point
	Aggregate  bool
	Value      uint64
	Count      uint64
	Timestamp  int64
}
