package nbdclient

import (
	log "github.com/sirupsen/logrus"
)

// connState is the small state machine described in §4.9: a connection
// starts Open, moves to SendingDISC once Close has queued a disconnect
// request, and becomes Disabled either once that DISC drains or the
// moment any fatal error fires. Disabled is terminal.
type connState int

const (
	connOpen connState = iota
	_                  // reserved: historical "closed=1" is unused, kept to line up with the C driver's enum values
	connSendingDISC
	connDisabled
)

// remoteKind records which of the three transports Open resolved name to,
// purely so Close knows whether to stash the fd back into the FD-receiver
// registry.
type remoteKind int

const (
	remoteTCP remoteKind = iota
	remoteUnix
	remoteFD
)

// Connection is the single-owner NBD client connection: the request pool,
// the three queues, the reader's reassembly state, and the readiness event
// handles. Nothing here is safe for concurrent access -- every method must
// be called from the same goroutine that drives the Scheduler, exactly the
// discipline the teacher keeps for per-node CANopen state.
type Connection struct {
	fd        int
	scheduler Scheduler
	cfg       DriverConfig

	pool *requestPool

	currentReply    queuedIO
	currentReplyHdr [16]byte
	replyMatched    int // index into pool.slots, or noSlot

	writerEvent EventID
	readerEvent EventID
	haveWriter  bool
	haveReader  bool

	state connState
	flags OpenFlags

	remote     remoteKind
	remoteName string // fd-receiver id, when remote == remoteFD

	sectorSize  uint32
	sizeSectors uint64
}

// OpenFlags mirrors the upper layer's td_flag_t bits this driver reacts to.
type OpenFlags uint32

const (
	// OpenSecondary redirects reads to Request.Forward instead of
	// enqueuing them over NBD; writes are still sent over the wire.
	OpenSecondary OpenFlags = 1 << 0
)

func newConnection(fd int, sched Scheduler, cfg DriverConfig) *Connection {
	c := &Connection{
		fd:        fd,
		scheduler: sched,
		cfg:       cfg,
		pool:      newRequestPool(cfg.PoolSize),
		replyMatched: noSlot,
	}
	c.currentReply.reset(c.currentReplyHdr[:])
	return c
}

// enqueue implements §4.5: allocate a slot from free, fill its header, and
// move it to pending. It never blocks and never performs I/O itself -- the
// writer callback does the actual send.
func (c *Connection) enqueue(cmdType uint32, offset uint64, buffer []byte, length uint32, upper Request, fake bool) error {
	if c.state == connDisabled {
		upper.Complete(ErrTimedOut)
		return ErrTimedOut
	}

	if c.pool.freeCount == 0 {
		return ErrBusy
	}

	idx := c.pool.free.popHead(c.pool.slots)
	c.pool.freeCount--
	slot := &c.pool.slots[idx]

	id := c.pool.nextHandle
	c.pool.nextHandle++

	slot.upper = upper
	slot.fake = fake
	slot.header = requestHeader{
		Magic:  NBD_REQUEST_MAGIC,
		Type:   cmdType,
		Offset: offset,
		Length: length,
	}
	fillHandle(&slot.header.Handle, id)
	slot.headerIO.reset(slot.header.bytes())
	slot.bodyIO.reset(buffer[:length])

	c.pool.pending.pushTail(c.pool.slots, idx)
	c.ensureWriterRegistered()

	return nil
}

func (c *Connection) ensureWriterRegistered() {
	if c.haveWriter {
		return
	}
	id, err := c.scheduler.RegisterEvent(EventWrite, uintptr(c.fd), c.onWritable)
	if err != nil {
		log.Errorf("nbdclient: failed to register writer event: %v", err)
		return
	}
	c.writerEvent = id
	c.haveWriter = true
}

func (c *Connection) unregisterWriter() {
	if !c.haveWriter {
		return
	}
	c.scheduler.UnregisterEvent(c.writerEvent)
	c.haveWriter = false
}

func (c *Connection) ensureReaderRegistered() {
	if c.haveReader {
		return
	}
	id, err := c.scheduler.RegisterEvent(EventRead, uintptr(c.fd), c.onReadable)
	if err != nil {
		log.Errorf("nbdclient: failed to register reader event: %v", err)
		return
	}
	c.readerEvent = id
	c.haveReader = true
}

func (c *Connection) unregisterReader() {
	if !c.haveReader {
		return
	}
	c.scheduler.UnregisterEvent(c.readerEvent)
	c.haveReader = false
}

// disable implements §4.8: cancel every outstanding request exactly once
// with err, unregister both readiness events, and move to the terminal
// Disabled state.
func (c *Connection) disable(err error) {
	log.Warnf("nbdclient: disabling connection: %v", err)

	c.unregisterReader()
	c.unregisterWriter()

	c.cancelList(&c.pool.sent, err)
	c.cancelList(&c.pool.pending, err)

	c.state = connDisabled
}

// cancelList completes every slot on list with err without unlinking any of
// them -- per §4.8, a cancelled slot is left in place rather than moved to
// free, so len(free)+len(pending)+len(sent) still accounts for every slot
// in the arena even after disable.
func (c *Connection) cancelList(list *slotList, err error) {
	for idx := list.head; idx != noSlot; idx = c.pool.slots[idx].next {
		slot := &c.pool.slots[idx]
		log.Infof("nbdclient: cancelling request handle=%q: %v", slot.header.Handle, err)
		slot.upper.Complete(err)
	}
}
