package crawler

import "sync"

// frontier is the FIFO of accepted entries shared by a crawl's workers. It
// deduplicates on push and tracks entries in flight so Next can tell an empty
// queue apart from a finished crawl.
type frontier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queue      []FrontierEntry
	discovered map[string]struct{}
	inFlight   int
	closed     bool
}

func newFrontier() *frontier {
	f := &frontier{discovered: make(map[string]struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push enqueues entry unless its URL was seen before. Entries pushed after
// Close are kept so they can be reported as unvisited.
func (f *frontier) Push(entry FrontierEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.discovered[entry.URL]; seen {
		return false
	}
	f.discovered[entry.URL] = struct{}{}
	f.queue = append(f.queue, entry)
	f.cond.Signal()
	return true
}

// Seen marks url as discovered without queueing it.
func (f *frontier) Seen(url string) {
	f.mu.Lock()
	f.discovered[url] = struct{}{}
	f.mu.Unlock()
}

// Known reports whether url was ever pushed or marked seen.
func (f *frontier) Known(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.discovered[url]
	return ok
}

// Next blocks until an entry is available. It returns false once the frontier
// is closed, or when the queue is empty and no entry is in flight. Every true
// return must be paired with a call to Done.
func (f *frontier) Next() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return FrontierEntry{}, false
		}
		if len(f.queue) > 0 {
			entry := f.queue[0]
			f.queue[0] = FrontierEntry{}
			f.queue = f.queue[1:]
			f.inFlight++
			return entry, true
		}
		if f.inFlight == 0 {
			f.closed = true
			f.cond.Broadcast()
			return FrontierEntry{}, false
		}
		f.cond.Wait()
	}
}

// Done releases an entry obtained from Next.
func (f *frontier) Done() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Requeue puts a dequeued entry back so it is reported as unvisited.
func (f *frontier) Requeue(entry FrontierEntry) {
	f.mu.Lock()
	f.queue = append(f.queue, entry)
	f.mu.Unlock()
}

// Close stops dispatch. Workers blocked in Next return false.
func (f *frontier) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Remaining returns the URLs still queued.
func (f *frontier) Remaining() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	urls := make([]string, 0, len(f.queue))
	for _, entry := range f.queue {
		urls = append(urls, entry.URL)
	}
	return urls
}
