package pairing

import "github.com/samber/lo"

// waitQueue is the FIFO holding area for unmatched participants.
//
// Strict arrival order is the sole fairness guarantee. A participant id must
// never appear twice; the pairing engine only enqueues ids it just verified
// are unmatched, so a duplicate is a programming defect and panics.
type waitQueue struct {
	ids    []string
	member map[string]struct{}
}

func newWaitQueue() *waitQueue {
	return &waitQueue{member: make(map[string]struct{})}
}

func (q *waitQueue) enqueue(id string) {
	if _, ok := q.member[id]; ok {
		panic("pairing: participant " + id + " enqueued twice")
	}
	q.ids = append(q.ids, id)
	q.member[id] = struct{}{}
}

func (q *waitQueue) dequeueNext() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.member, id)
	return id, true
}

func (q *waitQueue) removeIfPresent(id string) bool {
	if _, ok := q.member[id]; !ok {
		return false
	}
	q.ids = lo.Reject(q.ids, func(v string, _ int) bool { return v == id })
	delete(q.member, id)
	return true
}

func (q *waitQueue) contains(id string) bool {
	_, ok := q.member[id]
	return ok
}

func (q *waitQueue) len() int {
	return len(q.ids)
}
