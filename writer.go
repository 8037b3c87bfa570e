package nbdclient

import log "github.com/sirupsen/logrus"

// onWritable is the writer engine's readiness callback (§4.6). It drains
// pending head-first: for each slot, the header (and body, for writes)
// must be fully written before the slot can leave pending. A DISC needs no
// reply and returns its slot straight to free; everything else moves to
// sent to await a reply.
func (c *Connection) onWritable(fd uintptr, mode EventMode) {
	for {
		idx := c.pool.pending.head
		if idx == noSlot {
			break
		}
		slot := &c.pool.slots[idx]

		if left, err := writeSome(c.fd, &slot.headerIO); err != nil {
			c.disable(ErrIO)
			return
		} else if left > 0 {
			return
		}

		if slot.header.Type == NBD_CMD_WRITE {
			if left, err := writeSome(c.fd, &slot.bodyIO); err != nil {
				c.disable(ErrIO)
				return
			} else if left > 0 {
				return
			}
		}

		c.pool.pending.remove(c.pool.slots, idx)

		if slot.header.Type == NBD_CMD_DISC {
			log.Info("nbdclient: sent disconnect request")
			c.pool.free.pushTail(c.pool.slots, idx)
			c.pool.freeCount++
			c.state = connSendingDISC
		} else {
			c.pool.sent.pushTail(c.pool.slots, idx)
		}
	}

	c.unregisterWriter()

	if c.state == connSendingDISC {
		c.disable(ErrIO)
	}
}
