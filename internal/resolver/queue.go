package resolver

// Queue is the FIFO of pending work items for one run. It is mutated only by
// the scheduler goroutine and needs no locking. Recovery reinserts items at
// the front so previously in-flight work keeps priority over untouched work.
type Queue struct {
	items []string
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// PushBack appends items in order.
func (q *Queue) PushBack(items ...string) {
	q.items = append(q.items, items...)
}

// PushFront reinserts items at the head, preserving their relative order.
func (q *Queue) PushFront(items ...string) {
	if len(items) == 0 {
		return
	}
	next := make([]string, 0, len(items)+len(q.items))
	next = append(next, items...)
	next = append(next, q.items...)
	q.items = next
}

// PopFront removes and returns the head item; ok is false when empty.
func (q *Queue) PopFront() (string, bool) {
	if len(q.items) == 0 {
		return "", false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Items returns a copy of the pending items in order.
func (q *Queue) Items() []string {
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}
