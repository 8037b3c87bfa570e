package nbdclient

import (
	"bytes"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// onReadable is the reader engine's readiness callback (§4.7). It
// reassembles one reply at a time into currentReply, matches it to a slot
// on sent by handle, reads the request's body for READs, and completes the
// matched upper-layer request. Reassembly is atomic across invocations: no
// other reply frame is started while currentReply has a partial cursor.
func (c *Connection) onReadable(fd uintptr, mode EventMode) {
	if left, err := readSome(c.fd, &c.currentReply); err != nil {
		c.disable(ErrIO)
		return
	} else if left > 0 {
		return
	}

	reply := parseReplyHeader(c.currentReplyHdr[:])

	if reply.Error != 0 {
		log.Errorf("nbdclient: reply carried error %d", reply.Error)
		c.disable(ErrIO)
		return
	}

	if c.replyMatched == noSlot {
		idx := c.findSent(reply.Handle)
		if idx == noSlot {
			log.Errorf("nbdclient: reply handle %q matches no sent request", reply.Handle)
			c.disable(fmt.Errorf("%w: %w", ErrIO, ErrUnknownHandle))
			return
		}
		c.replyMatched = idx
	}

	slot := &c.pool.slots[c.replyMatched]
	shutdownPending := false

	switch slot.header.Type {
	case NBD_CMD_READ:
		left, err := readSome(c.fd, &slot.bodyIO)
		if err != nil {
			c.disable(ErrIO)
			return
		}
		if left > 0 {
			return // need more data; currentReply stays matched, we re-enter here next callback
		}
		slot.upper.Complete(nil)
	case NBD_CMD_WRITE:
		slot.upper.Complete(nil)
	default:
		log.Errorf("nbdclient: reply for unsupported request type %d", slot.header.Type)
		shutdownPending = true
	}

	// Recycle the slot before acting on a deferred shutdown, so we never
	// cancel the request we just retired (§4.7 step 5 / the one
	// intentional divergence from the C original noted in SPEC_FULL.md).
	c.pool.sent.remove(c.pool.slots, c.replyMatched)
	c.pool.free.pushTail(c.pool.slots, c.replyMatched)
	c.pool.freeCount++
	c.currentReply.reset(c.currentReplyHdr[:])
	c.replyMatched = noSlot

	if shutdownPending {
		c.disable(ErrIO)
	}
}

// findSent linearly scans sent for a slot whose handle equals handle. N is
// bounded by the pool size (§9: "Handle matching is O(N) over sent"), so a
// linear scan is acceptable and keeps the match auditable against the
// uniqueness invariant.
func (c *Connection) findSent(handle [8]byte) int {
	for idx := c.pool.sent.head; idx != noSlot; idx = c.pool.slots[idx].next {
		if bytes.Equal(c.pool.slots[idx].header.Handle[:], handle[:]) {
			return idx
		}
	}
	return noSlot
}
