package survey

import (
	"sync"
	"time"

	"go.dedis.ch/onet/v3"
	"golang.org/x/xerrors"

	"github.com/confsurvey/confsurvey/confcrypt"
)

// ErrStale signals that a decrypted value no longer corresponds to the
// current ciphertext of its subject: new submissions moved the aggregate
// handle while the reveal was in flight.
var ErrStale = xerrors.New("cleartext is stale")

// Cleartext is a revealed value. Count is zero for individual reveals.
type Cleartext struct {
	Value uint64
	Count uint64
}

type inflight struct {
	requestID uint64
	done      chan struct{}
	clear     *Cleartext
	err       error
}

type subjectState struct {
	// handle is the ciphertext handle the cached cleartext was decrypted
	// from. A differing current handle means the cleartext is stale.
	handle  confcrypt.Handle
	clear   *Cleartext
	pending *inflight
}

// Reconciler keeps a client-side cache of revealed cleartexts, keyed by
// subject, and reconciles it against the service's moving ciphertext
// handles. Two rules: a cleartext whose source handle moved is discarded,
// and at most one reveal request per subject is in flight. Concurrent
// Decrypt calls on the same subject share one request.
type Reconciler struct {
	sync.Mutex
	client   *Client
	interval time.Duration
	subjects map[string]*subjectState
}

// NewReconciler returns an empty cache on top of the given client. The
// interval paces the fulfillment polling.
func NewReconciler(client *Client, interval time.Duration) *Reconciler {
	return &Reconciler{
		client:   client,
		interval: interval,
		subjects: make(map[string]*subjectState),
	}
}

func (r *Reconciler) state(sub Subject) *subjectState {
	st, ok := r.subjects[sub.Key()]
	if !ok {
		st = &subjectState{}
		r.subjects[sub.Key()] = st
	}
	return st
}

// currentHandle fetches the subject's ciphertext handle from the service.
func (r *Reconciler) currentHandle(sub Subject) (confcrypt.Handle, error) {
	if sub.Aggregate() {
		agg, err := r.client.GetAggregate(sub.SurveyID, sub.QuestionID)
		if err != nil {
			return nil, err
		}
		return agg.SumHandle, nil
	}
	e, err := r.client.GetEntry(sub.EntryID)
	if err != nil {
		return nil, err
	}
	if sub.QuestionID >= uint64(len(e.AnswerHandles)) {
		return nil, xerrors.Errorf("entry %d has no question %d", sub.EntryID, sub.QuestionID)
	}
	return e.AnswerHandles[sub.QuestionID], nil
}

// LoadHandle refreshes the subject's current handle and discards the
// cached cleartext if the handle moved. It returns the current handle.
func (r *Reconciler) LoadHandle(sub Subject) (confcrypt.Handle, error) {
	h, err := r.currentHandle(sub)
	if err != nil {
		return nil, err
	}
	r.Lock()
	defer r.Unlock()
	st := r.state(sub)
	if st.clear != nil && !st.handle.Equal(h) {
		st.clear = nil
	}
	return h, nil
}

// Cleartext returns the cached cleartext for the subject, if any. It does
// not talk to the service; call LoadHandle first to reconcile.
func (r *Reconciler) Cleartext(sub Subject) (*Cleartext, bool) {
	r.Lock()
	defer r.Unlock()
	st, ok := r.subjects[sub.Key()]
	if !ok || st.clear == nil {
		return nil, false
	}
	cp := *st.clear
	return &cp, true
}

// Decrypt returns the subject's cleartext, requesting a reveal if the
// cache has none. If a reveal for this subject is already in flight, the
// call joins it instead of issuing a second request. A fulfillment whose
// source handle no longer matches the subject's current handle is
// discarded and reported as ErrStale; the caller may simply retry.
func (r *Reconciler) Decrypt(sub Subject) (*Cleartext, error) {
	if _, err := r.LoadHandle(sub); err != nil {
		return nil, err
	}

	r.Lock()
	st := r.state(sub)
	if st.clear != nil {
		cp := *st.clear
		r.Unlock()
		return &cp, nil
	}
	if st.pending != nil {
		fl := st.pending
		r.Unlock()
		<-fl.done
		if fl.err != nil {
			return nil, fl.err
		}
		cp := *fl.clear
		return &cp, nil
	}
	fl := &inflight{done: make(chan struct{})}
	st.pending = fl
	r.Unlock()

	clear, handle, err := r.reveal(sub)

	r.Lock()
	fl.clear = clear
	fl.err = err
	st.pending = nil
	if err == nil {
		st.clear = clear
		st.handle = handle
	}
	r.Unlock()
	close(fl.done)

	if err != nil {
		return nil, err
	}
	cp := *clear
	return &cp, nil
}

// authorize mirrors the ledger's reveal authorization so a doomed
// request is refused before it burns an oracle round trip. The ledger
// checks again; this is only an early exit.
func (r *Reconciler) authorize(sub Subject) error {
	who := r.client.Identity()
	if !sub.Aggregate() {
		e, err := r.client.GetEntry(sub.EntryID)
		if err != nil {
			return err
		}
		if who.Equal(e.Respondent) {
			return nil
		}
	}
	ok, err := r.client.IsAuthorized(sub.SurveyID, who)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("%w: no researcher capability for survey %d",
			ErrUnauthorized, sub.SurveyID)
	}
	return nil
}

// reveal issues the request, waits for its fulfillment and checks the
// result is not stale. It returns the cleartext together with the handle
// it was decrypted from.
func (r *Reconciler) reveal(sub Subject) (*Cleartext, confcrypt.Handle, error) {
	if err := r.authorize(sub); err != nil {
		return nil, nil, err
	}
	var requestID uint64
	var err error
	if sub.Aggregate() {
		requestID, err = r.client.RequestAggregateReveal(sub.SurveyID, sub.QuestionID)
	} else {
		requestID, err = r.client.RequestIndividualReveal(sub.SurveyID, sub.EntryID, sub.QuestionID)
	}
	if err != nil {
		return nil, nil, err
	}
	req, err := r.client.WaitRequest(requestID, r.interval)
	if err != nil {
		return nil, nil, err
	}

	snapshot := req.ValueHandle
	if sub.Aggregate() {
		snapshot = req.SumHandle
	}
	latest, err := r.currentHandle(sub)
	if err != nil {
		return nil, nil, err
	}
	if !snapshot.Equal(latest) {
		return nil, nil, xerrors.Errorf("%w: handle moved while request %d was in flight",
			ErrStale, requestID)
	}
	return &Cleartext{Value: req.Value, Count: req.Count}, snapshot, nil
}

// ClearAll drops every cached cleartext. Pending requests are untouched.
func (r *Reconciler) ClearAll() {
	r.Lock()
	defer r.Unlock()
	for _, st := range r.subjects {
		st.clear = nil
	}
}

// Watch subscribes to the service's event stream and invalidates cached
// cleartexts as soon as their subject's aggregate moves, instead of
// waiting for the next LoadHandle. Closing the client stops the watch.
func (r *Reconciler) Watch() (onet.StreamingConn, error) {
	return r.client.StreamEvents(func(ev *Event, err error) {
		if err != nil || ev == nil {
			return
		}
		if ev.Type != EventAggregateUpdated {
			return
		}
		sub := Subject{SurveyID: ev.SurveyID, QuestionID: ev.QuestionID}
		r.Lock()
		if st, ok := r.subjects[sub.Key()]; ok {
			st.clear = nil
		}
		r.Unlock()
	})
}
