package survey

import (
	"sync"
)

// streamingManager fans ledger events out to every open stream. Events
// are delivered in commit order because notify runs inside the ledger's
// critical section.
type streamingManager struct {
	sync.Mutex
	listeners []chan *StreamingResponse
}

func (s *streamingManager) notify(ev *Event) {
	s.Lock()
	defer s.Unlock()

	for _, c := range s.listeners {
		c <- &StreamingResponse{Event: ev}
	}
}

func (s *streamingManager) newListener() chan *StreamingResponse {
	s.Lock()
	defer s.Unlock()

	// Buffered so a slow subscriber does not immediately stall the ledger.
	outChan := make(chan *StreamingResponse, 100)
	s.listeners = append(s.listeners, outChan)
	return outChan
}

func (s *streamingManager) stopListener(outChan chan *StreamingResponse) {
	s.Lock()
	defer s.Unlock()

	for i, listener := range s.listeners {
		if listener == outChan {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *streamingManager) stopAll() {
	s.Lock()
	defer s.Unlock()

	for _, c := range s.listeners {
		// Force the streaming connection in Onet to close.
		close(c)
	}
	s.listeners = nil
}

// StreamEvents opens an event stream to the client. Every ledger event
// from the moment of subscription is pushed until the client closes the
// connection.
func (s *Service) StreamEvents(msg *StreamingRequest) (chan *StreamingResponse, chan bool, error) {
	stopChan := make(chan bool)
	outChan := s.streamingMan.newListener()

	go func() {
		s.closedMutex.Lock()
		if s.closed {
			s.closedMutex.Unlock()
			return
		}
		s.working.Add(1)
		defer s.working.Done()
		s.closedMutex.Unlock()

		// Either the service is closing and we force the connection to
		// stop or the streaming connection is closed upfront.
		<-stopChan
		// In both cases we clean the listener.
		s.streamingMan.stopListener(outChan)
	}()
	return outChan, stopChan, nil
}
