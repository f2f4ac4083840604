package queue

import (
	"sync"
	"time"

	"github.com/agentplane/agentplane/pkg/model"
)

// Score layout: priority class in the millions, age bonus in the units, and
// an insertion-nonce fraction below that. Dequeue reads in descending score
// order, so higher priority always wins, older tasks beat newer ones within
// a class, and exact ties resolve deterministically to the earlier insertion.
const (
	priorityBand = 1_000_000
	maxAgeBonus  = priorityBand - 1
	nonceModulus = 1_000_000
)

// score computes the ready-lane score for a task at insertion time.
func (q *Queue) score(task *model.Task) float64 {
	base := float64(task.Priority.Base() * priorityBand)

	age := time.Since(task.CreatedAt).Seconds()
	if age < 0 {
		age = 0
	}
	if age > maxAgeBonus {
		age = maxAgeBonus
	}

	// Earlier insertions get the larger fraction so descending reads are FIFO
	// within a class.
	n := q.nonce.Add(1) % nonceModulus
	frac := float64(nonceModulus-n) / float64(nonceModulus*10)

	return base + float64(int64(age)) + frac
}

// keyedMutex serializes lane transitions per task id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for the id and returns its release function.
func (k *keyedMutex) lock(id string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*taskLock)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &taskLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
