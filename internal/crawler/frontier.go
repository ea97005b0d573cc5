package crawler

import "sync"

// Frontier is the breadth-first queue of a run. Entries are keyed by
// canonical URL; a key is accepted at most once per run.
type Frontier struct {
	mu      sync.Mutex
	queue   []Item
	seen    map[string]struct{}
	visited map[string]struct{}
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		seen:    make(map[string]struct{}),
		visited: make(map[string]struct{}),
	}
}

// Push enqueues item unless its key was already queued, skipped or visited.
func (f *Frontier) Push(item Item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[item.URL]; ok {
		return false
	}
	f.seen[item.URL] = struct{}{}
	f.queue = append(f.queue, item)
	return true
}

// Seen reports whether key was queued, skipped or visited.
func (f *Frontier) Seen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

// Skip records key as handled without queueing it.
func (f *Frontier) Skip(key string) {
	f.mu.Lock()
	f.seen[key] = struct{}{}
	f.mu.Unlock()
}

// MarkVisited records that key produced a page.
func (f *Frontier) MarkVisited(key string) {
	f.mu.Lock()
	f.seen[key] = struct{}{}
	f.visited[key] = struct{}{}
	f.mu.Unlock()
}

// Visited reports whether key produced a page.
func (f *Frontier) Visited(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[key]
	return ok
}

// Len returns the number of queued items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// PopBatch removes up to n items in insertion order.
func (f *Frontier) PopBatch(n int) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := make([]Item, n)
	copy(batch, f.queue[:n])
	f.queue = f.queue[n:]
	return batch
}
