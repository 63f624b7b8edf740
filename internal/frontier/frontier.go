// Package frontier holds the pending-URL queue and the visited set of a single
// crawl. Both live behind one mutex; callers only ever see copies.
package frontier

import "sync"

// Frontier is a FIFO of URLs discovered but not yet fetched, paired with the
// set of every URL ever admitted. A URL enters the queue at most once per
// Frontier lifetime.
type Frontier struct {
	mu      sync.Mutex
	queue   []string
	head    int
	visited map[string]struct{}
}

// New creates an empty Frontier.
func New() *Frontier {
	return &Frontier{visited: make(map[string]struct{})}
}

// Enqueue appends url unless it has been seen before. It reports whether the
// URL was added.
func (f *Frontier) Enqueue(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, seen := f.visited[url]; seen {
		return false
	}
	f.visited[url] = struct{}{}
	f.queue = append(f.queue, url)
	return true
}

// MarkVisited records url as seen without queuing it, e.g. the target of a
// redirect that has already been fetched. It reports whether the URL was new.
func (f *Frontier) MarkVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, seen := f.visited[url]; seen {
		return false
	}
	f.visited[url] = struct{}{}
	return true
}

// DequeueBatch removes and returns up to n URLs in FIFO order.
func (f *Frontier) DequeueBatch(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := len(f.queue) - f.head
	if n <= 0 || pending == 0 {
		return nil
	}
	if n > pending {
		n = pending
	}

	batch := make([]string, n)
	copy(batch, f.queue[f.head:f.head+n])
	f.head += n

	// Compact once the consumed prefix dominates the backing array.
	if f.head > 1024 && f.head*2 > len(f.queue) {
		f.queue = append([]string(nil), f.queue[f.head:]...)
		f.head = 0
	}

	return batch
}

// Len returns the number of pending URLs.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) - f.head
}

// Visited returns the number of URLs ever admitted or marked.
func (f *Frontier) Visited() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

// Seen reports whether url has been admitted or marked.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[url]
	return ok
}
