package scheduler

import (
	"sync"

	"github.com/alignedwithwhat/engine/core"
)

// unitQueue is a FIFO of dispatch units shared by a run's workers.
// Pausing makes pop return false without discarding pending units, so
// in-flight dispatches finish while nothing new starts.
type unitQueue struct {
	mu     sync.Mutex
	units  []core.DispatchUnit
	head   int
	paused bool
}

func newUnitQueue(units []core.DispatchUnit) *unitQueue {
	return &unitQueue{units: units}
}

// pop removes and returns the next unit. ok is false when the queue is
// exhausted or paused.
func (q *unitQueue) pop() (core.DispatchUnit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.head >= len(q.units) {
		return core.DispatchUnit{}, false
	}
	unit := q.units[q.head]
	q.head++
	return unit, true
}

func (q *unitQueue) pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *unitQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.units) - q.head
}
