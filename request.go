package nbdclient

import "fmt"

// sentinel used for list links that don't point anywhere.
const noSlot = -1

// Request is the subset of the upper block layer's request type this
// driver cares about: the opaque identity is left entirely to the caller,
// only the buffer/length/sector fields and a completion callback are used.
// Complete is invoked at most once per Request, synchronously, from
// whichever driver entry point or callback resolves it. It is not invoked
// when enqueue rejects the request with ErrBusy, nor for a read handed to
// Forward.
type Request struct {
	Sector uint64
	Count  uint32
	Buffer []byte
	// Complete reports the final status of the request: nil on success,
	// otherwise one of the sentinel errors in errors.go.
	Complete func(error)
	// Forward is the secondary-mode collaborator hook: when set and the
	// connection was opened with OpenSecondary, reads are handed to
	// Forward instead of being enqueued over NBD. Nil for writes, and for
	// reads on a connection not opened in secondary mode.
	Forward func()
}

// nbdRequestSlot is one entry in the fixed-size request pool. Exactly one
// of free/pending/sent owns a slot at any time via the prev/next indices
// below; the slot struct itself never moves or is reallocated.
type nbdRequestSlot struct {
	upper    Request
	header   requestHeader
	headerIO queuedIO
	bodyIO   queuedIO
	// fake is preserved from the original C driver's struct layout; enqueue
	// stores the value it is given (every caller passes false) and no code
	// path reads it.
	fake bool

	prev, next int
}

// slotList is an intrusive doubly-linked deque over indices into a shared
// []nbdRequestSlot arena. It never allocates: push/pop only rewire the
// prev/next fields already embedded in each slot.
type slotList struct {
	head, tail int
	length     int
}

func newSlotList() slotList {
	return slotList{head: noSlot, tail: noSlot}
}

func (l *slotList) pushTail(slots []nbdRequestSlot, idx int) {
	slots[idx].prev = l.tail
	slots[idx].next = noSlot
	if l.tail != noSlot {
		slots[l.tail].next = idx
	} else {
		l.head = idx
	}
	l.tail = idx
	l.length++
}

// popHead removes and returns the head of the list, or noSlot if empty.
func (l *slotList) popHead(slots []nbdRequestSlot) int {
	idx := l.head
	if idx == noSlot {
		return noSlot
	}
	l.remove(slots, idx)
	return idx
}

// remove detaches idx from wherever it sits in the list. idx must
// currently be a member of l.
func (l *slotList) remove(slots []nbdRequestSlot, idx int) {
	s := &slots[idx]
	if s.prev != noSlot {
		slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != noSlot {
		slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = noSlot, noSlot
	l.length--
}

// requestPool is the fixed-size arena of request slots threaded onto the
// free/pending/sent lists, per §3 and §4.5 of the design.
type requestPool struct {
	slots   []nbdRequestSlot
	free    slotList
	pending slotList
	sent    slotList

	freeCount  int
	nextHandle uint32
}

func newRequestPool(size int) *requestPool {
	p := &requestPool{
		slots: make([]nbdRequestSlot, size),
		free:  newSlotList(),
		pending: newSlotList(),
		sent:    newSlotList(),
	}
	for i := range p.slots {
		p.slots[i].prev, p.slots[i].next = noSlot, noSlot
		p.free.pushTail(p.slots, i)
	}
	p.freeCount = size
	return p
}

// fillHandle writes a 7-character handle of the form "td<5 hex digits>"
// into the first 7 bytes of dst, leaving the 8th byte zero -- matching the
// C original's snprintf(req->nreq.handle, 8, "td%05x", id % 0xffff), which
// lands the NUL terminator in that same last byte.
func fillHandle(dst *[8]byte, id uint32) {
	s := fmt.Sprintf("td%05x", id%0xffff)
	copy(dst[:], s)
}
