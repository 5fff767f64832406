package crawler

import (
	"context"
	"sync"
)

// Stream is the consumer side of a running crawl. Results must be drained for
// the crawl to make progress; Cancel stops it early.
type Stream struct {
	id      string
	results <-chan ScrapeResult
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	summary Summary
}

func newStream(id string, results <-chan ScrapeResult, cancel context.CancelFunc) *Stream {
	return &Stream{
		id:      id,
		results: results,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the crawl identifier.
func (s *Stream) ID() string {
	return s.id
}

// Results yields one record per dequeued URL. The channel closes when the
// crawl ends.
func (s *Stream) Results() <-chan ScrapeResult {
	return s.results
}

// Cancel stops dispatch and abandons in-flight fetches. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancel()
}

// Wait blocks until the crawl has finished and returns its summary. Results
// not read by then are discarded so the crawl can finish.
func (s *Stream) Wait() Summary {
	for {
		select {
		case <-s.done:
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.summary
		case _, ok := <-s.results:
			if !ok {
				<-s.done
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.summary
			}
		}
	}
}

// Done is closed once the summary is available.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) finish(summary Summary) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
	close(s.done)
}
