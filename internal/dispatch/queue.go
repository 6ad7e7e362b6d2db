package dispatch

import "sync"

// keyedQueue serializes functions sharing a key in submission order while
// letting different keys run concurrently. A function submitted for a
// busy key is not deduplicated; it waits for the prior one to finish and
// then runs to completion. This is the sole concurrency-control primitive
// in the dispatcher: session and registry mutations for one recipient
// never interleave.
type keyedQueue struct {
	mu   sync.Mutex
	tail map[string]chan struct{}
}

func newKeyedQueue() *keyedQueue {
	return &keyedQueue{tail: make(map[string]chan struct{})}
}

// Run executes fn after every previously submitted function for the same
// key has finished. It blocks until fn returns.
func (q *keyedQueue) Run(key string, fn func()) {
	q.mu.Lock()
	prev := q.tail[key]
	done := make(chan struct{})
	q.tail[key] = done
	q.mu.Unlock()

	defer func() {
		close(done)
		q.mu.Lock()
		if q.tail[key] == done {
			delete(q.tail, key)
		}
		q.mu.Unlock()
	}()

	if prev != nil {
		<-prev
	}
	fn()
}
