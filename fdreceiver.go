package nbdclient

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	fdReceiverSlots  = 10
	fdReceiverMaxID  = 39 // bytes, not counting the NUL the C original always appends
	fdReceiverBufCap = 4096
)

type fdSlot struct {
	id string
	fd int
}

// Receiver is the process-wide FD-receiver registry described in §4.3: a
// bounded table of descriptors handed over out-of-band (via SCM_RIGHTS on
// a UNIX control socket) by another process, retrievable later by name.
// Stash/Retrieve are the only methods reachable from a goroutine other than
// a Connection's owner (the listener's accept loop), so Receiver is the one
// type in this module carrying a lock.
type Receiver struct {
	mu       sync.Mutex
	slots    [fdReceiverSlots]fdSlot
	listener *net.UnixListener
	done     chan struct{}
}

// NewReceiver constructs an empty, unstarted registry.
func NewReceiver() *Receiver {
	r := &Receiver{}
	for i := range r.slots {
		r.slots[i].fd = -1
	}
	return r
}

// Stash records fd under id, per §4.3: replace-by-id takes priority over
// landing in an empty slot, and whatever fd previously occupied the chosen
// slot is closed so descriptors never leak. If there is no matching id and
// no empty slot, the new fd is closed and ErrFDReceiverFull is returned --
// the registry never blocks waiting for space.
func (r *Receiver) Stash(fd int, id string) error {
	if len(id) > fdReceiverMaxID {
		id = id[:fdReceiverMaxID]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	freeIndex := -1
	// Replace-by-id first. Only occupied slots are compared by name, so a
	// slot nobody ever wrote (or one already retrieved) never matches.
	for i := range r.slots {
		if r.slots[i].fd != -1 && r.slots[i].id == id {
			freeIndex = i
			break
		}
	}
	if freeIndex == -1 {
		for i := range r.slots {
			if r.slots[i].fd == -1 {
				freeIndex = i
				break
			}
		}
	}

	if freeIndex == -1 {
		log.Errorf("nbdclient: fd-receiver full, dropping fd for id %q", id)
		unix.Close(fd)
		return ErrFDReceiverFull
	}

	if r.slots[freeIndex].fd != -1 {
		unix.Close(r.slots[freeIndex].fd)
	}
	r.slots[freeIndex] = fdSlot{id: id, fd: fd}
	return nil
}

// Retrieve is destructive: on a match the slot's fd is cleared to the
// sentinel and returned, so a second Retrieve of the same id fails with
// ErrFDNotFound. id is truncated to the same fdReceiverMaxID bytes Stash
// keeps, so a long name matches the entry Stash recorded for it.
func (r *Receiver) Retrieve(id string) (int, error) {
	if len(id) > fdReceiverMaxID {
		id = id[:fdReceiverMaxID]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].id == id && r.slots[i].fd != -1 {
			fd := r.slots[i].fd
			r.slots[i].fd = -1
			return fd, nil
		}
	}
	return -1, ErrFDNotFound
}

// Start listens on a UNIX control socket at path and accepts connections
// carrying exactly one passed descriptor each: a 4-byte big-endian id
// length, the id itself, then the fd arrives as SCM_RIGHTS ancillary data
// on that same message. Each accepted connection is handled in its own
// goroutine and stashed via Stash.
func (r *Receiver) Start(path string) error {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("nbdclient: resolving fd-receiver socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("nbdclient: listening on fd-receiver socket: %w", err)
	}
	r.listener = ln
	r.done = make(chan struct{})

	go r.acceptLoop()
	return nil
}

// Stop closes the listener; in-flight accepts are abandoned.
func (r *Receiver) Stop() {
	if r.listener != nil {
		r.listener.Close()
	}
	if r.done != nil {
		close(r.done)
	}
}

func (r *Receiver) acceptLoop() {
	for {
		conn, err := r.listener.AcceptUnix()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
				log.Warnf("nbdclient: fd-receiver accept failed: %v", err)
				return
			}
		}
		go r.handleConn(conn)
	}
}

func (r *Receiver) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	msgBuf := make([]byte, fdReceiverBufCap)
	oobBuf := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(msgBuf, oobBuf)
	if err != nil {
		log.Warnf("nbdclient: fd-receiver reading control message: %v", err)
		return
	}
	if n < 4 {
		log.Warnf("nbdclient: fd-receiver control message too short")
		return
	}

	idLen := int(binary.BigEndian.Uint32(msgBuf[0:4]))
	if idLen < 0 || 4+idLen > n {
		log.Warnf("nbdclient: fd-receiver invalid id length %d", idLen)
		return
	}
	id := string(msgBuf[4 : 4+idLen])

	scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
	if err != nil || len(scms) == 0 {
		log.Warnf("nbdclient: fd-receiver control message carried no ancillary data: %v", err)
		return
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		log.Warnf("nbdclient: fd-receiver failed to parse passed fd: %v", err)
		return
	}

	if err := r.Stash(fds[0], id); err != nil {
		log.Warnf("nbdclient: fd-receiver stash failed for id %q: %v", id, err)
	}
	// Close any additional descriptors beyond the first: only one fd per
	// message is part of this protocol's framing.
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}
}

// SendFD is the client side of the hand-off protocol: it dials path and
// sends fd tagged with id, for use by another process that wants to hand a
// pre-connected socket to a driver opened later via that id.
func SendFD(path, id string, fd int) error {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(id)))
	copy(msg[4:], id)

	oob := unix.UnixRights(fd)
	_, _, err = conn.WriteMsgUnix(msg, oob, nil)
	return err
}
