package judge

import "sync"

// evalQueue is a FIFO of evaluation cells shared by a judge run's
// workers. Pausing makes pop return false without discarding pending
// cells, so in-flight evaluations finish while nothing new starts.
type evalQueue struct {
	mu     sync.Mutex
	units  []unit
	head   int
	paused bool
}

func newEvalQueue(units []unit) *evalQueue {
	return &evalQueue{units: units}
}

// pop removes and returns the next cell. ok is false when the queue is
// exhausted or paused.
func (q *evalQueue) pop() (unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.head >= len(q.units) {
		return unit{}, false
	}
	u := q.units[q.head]
	q.head++
	return u, true
}

func (q *evalQueue) pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *evalQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units) - q.head
}
