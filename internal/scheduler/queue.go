package scheduler

// queue is an index-addressable arena of queued entries: a dense slot
// slice, a free list of vacated slots and an id index. Every scheduling
// cycle scans and updates all live entries in place, so slots never move.
type queue struct {
	slots []*Entry
	free  []int
	index map[string]int
}

func newQueue() *queue {
	return &queue{index: make(map[string]int)}
}

func (q *queue) push(e *Entry) {
	if n := len(q.free); n > 0 {
		slot := q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[slot] = e
		q.index[e.Task.ID] = slot
		return
	}
	q.slots = append(q.slots, e)
	q.index[e.Task.ID] = len(q.slots) - 1
}

func (q *queue) get(id string) (*Entry, bool) {
	slot, ok := q.index[id]
	if !ok {
		return nil, false
	}
	return q.slots[slot], true
}

func (q *queue) remove(id string) (*Entry, bool) {
	slot, ok := q.index[id]
	if !ok {
		return nil, false
	}
	e := q.slots[slot]
	q.slots[slot] = nil
	delete(q.index, id)

	// Trim trailing holes so an idle queue does not pin a large arena.
	if slot == len(q.slots)-1 {
		q.slots = q.slots[:slot]
		for len(q.slots) > 0 && q.slots[len(q.slots)-1] == nil {
			q.slots = q.slots[:len(q.slots)-1]
		}
		q.compactFree()
	} else {
		q.free = append(q.free, slot)
	}
	return e, true
}

// compactFree drops free-list slots that now lie past the end of the arena.
func (q *queue) compactFree() {
	kept := q.free[:0]
	for _, slot := range q.free {
		if slot < len(q.slots) {
			kept = append(kept, slot)
		}
	}
	q.free = kept
}

func (q *queue) len() int {
	return len(q.index)
}

// live returns the queued entries in slot order.
func (q *queue) live() []*Entry {
	out := make([]*Entry, 0, len(q.index))
	for _, e := range q.slots {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
