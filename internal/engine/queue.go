package engine

import (
	"sync"

	"github.com/banshee-data/position.report/internal/protocol"
)

// queue is a fixed-capacity ring of pending reports for one tag. Pushing into
// a full queue overwrites the oldest entry.
type queue struct {
	mu   sync.Mutex
	buf  []protocol.DistanceReport
	head int
	n    int
}

func newQueue(capacity int) *queue {
	return &queue{buf: make([]protocol.DistanceReport, capacity)}
}

// push appends r and reports whether an older report was discarded.
func (q *queue) push(r protocol.DistanceReport) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = r
	q.n++
	return dropped
}

// drain moves every queued report, oldest first, into dst.
func (q *queue) drain(dst []protocol.DistanceReport) []protocol.DistanceReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < q.n; i++ {
		dst = append(dst, q.buf[(q.head+i)%len(q.buf)])
	}
	q.head, q.n = 0, 0
	return dst
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
