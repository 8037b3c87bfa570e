package nbdclient

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// BlockDriver is the open/close/queue-read/queue-write contract consumed by
// the surrounding disk stack (§6). Connection is the only implementation.
type BlockDriver interface {
	Open(name string, flags OpenFlags) error
	Close() error
	QueueRead(req Request) error
	QueueWrite(req Request) error
	GetParentID() (string, error)
	ValidateParent(parentID string) error
}

// NewConnection constructs a driver bound to sched for dispatching readiness
// callbacks, using cfg for pool sizing and handshake/export-name defaults.
// The returned Connection is unopened; call Open to establish the NBD
// session.
func NewConnection(sched Scheduler, cfg DriverConfig) *Connection {
	c := newConnection(-1, sched, cfg)
	return c
}

// Open resolves name per the grammar in §6 (`<unix-socket-path>` |
// `<ipv4>:<port>` | `<fd-receiver-id>`), connects or retrieves the
// corresponding fd, performs the handshake, and wires up the reader
// readiness event. On any failure the fd is closed and c is left unopened.
func (c *Connection) Open(name string, flags OpenFlags) error {
	fd, kind, err := resolveRemote(name, c.cfg)
	if err != nil {
		return fmt.Errorf("nbdclient: opening %q: %w", name, err)
	}

	sizeSectors, err := handshake(fd, c.cfg)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("nbdclient: handshake with %q: %w", name, err)
	}

	c.fd = fd
	c.remote = kind
	c.remoteName = name
	c.flags = flags
	c.sectorSize = DefaultSectorSize
	c.sizeSectors = sizeSectors
	c.state = connOpen
	c.replyMatched = noSlot
	c.pool = newRequestPool(c.cfg.PoolSize)
	c.currentReply.reset(c.currentReplyHdr[:])

	c.ensureReaderRegistered()

	log.Infof("nbdclient: opened %q, %d sectors, secondary=%v", name, sizeSectors, flags&OpenSecondary != 0)
	return nil
}

// resolveRemote implements the three-way dispatch in §4.9: an existing
// UNIX-domain socket path, an "<ipv4>:<port>" pair, or an id to retrieve
// from the process-wide fd-receiver registry.
func resolveRemote(name string, cfg DriverConfig) (int, remoteKind, error) {
	if fi, err := os.Stat(name); err == nil && fi.Mode()&os.ModeSocket != 0 {
		fd, err := dialUnix(name)
		return fd, remoteUnix, err
	}

	if host, port, ok := splitHostPort(name); ok {
		fd, err := dialTCP(host, port)
		return fd, remoteTCP, err
	}

	receiver := globalReceiver(cfg)
	fd, err := receiver.Retrieve(name)
	if err != nil {
		return -1, remoteFD, fmt.Errorf("%w: %v", ErrNoName, err)
	}
	return fd, remoteFD, nil
}

func splitHostPort(name string) (host, port string, ok bool) {
	h, p, err := net.SplitHostPort(name)
	if err != nil {
		return "", "", false
	}
	if net.ParseIP(h).To4() == nil {
		return "", "", false
	}
	if _, err := strconv.Atoi(p); err != nil {
		return "", "", false
	}
	return h, p, true
}

func dialUnix(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func dialTCP(host, port string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	portNum, _ := strconv.Atoi(port)
	var ip [4]byte
	copy(ip[:], net.ParseIP(host).To4())
	addr := &unix.SockaddrInet4{Port: portNum, Addr: ip}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

var sharedReceiver *Receiver

// globalReceiver lazily starts the process-wide fd-receiver registry the
// first time a connection needs to resolve a name against it.
func globalReceiver(cfg DriverConfig) *Receiver {
	if sharedReceiver == nil {
		sharedReceiver = NewReceiver()
		if cfg.FDReceiverSocket != "" {
			if err := sharedReceiver.Start(cfg.FDReceiverSocket); err != nil {
				log.Warnf("nbdclient: fd-receiver socket unavailable: %v", err)
			}
		}
	}
	return sharedReceiver
}

// Close implements §4.9: queue a DISC, flip back to blocking, drive the
// writer synchronously until it drains, then dispose of the fd -- stashing
// it back into the registry if Open resolved it from one, closing it
// otherwise. Close always returns nil, matching the facade contract table.
func (c *Connection) Close() error {
	if c.state == connDisabled {
		if c.fd >= 0 {
			unix.Close(c.fd)
			c.fd = -1
		}
		return nil
	}

	_ = c.enqueue(NBD_CMD_DISC, 0, nil, 0, Request{Complete: func(error) {}}, false)

	if err := unix.SetNonblock(c.fd, false); err != nil {
		log.Warnf("nbdclient: failed to flip to blocking for final drain: %v", err)
	}
	for c.state != connDisabled {
		c.onWritable(uintptr(c.fd), EventWrite)
		if c.pool.pending.length == 0 && c.state != connSendingDISC {
			break
		}
	}

	c.unregisterReader()
	c.unregisterWriter()

	if c.remote == remoteFD {
		if err := globalReceiver(c.cfg).Stash(c.fd, c.remoteName); err != nil {
			log.Warnf("nbdclient: failed to stash fd back to registry: %v", err)
		}
	} else {
		unix.Close(c.fd)
	}
	c.fd = -1
	c.state = connDisabled

	return nil
}

// QueueRead implements §4.9: in secondary mode, reads bypass NBD entirely
// and are handed to req.Forward; otherwise the request is translated into a
// READ enqueue at its sector-scaled offset/length.
func (c *Connection) QueueRead(req Request) error {
	if c.flags&OpenSecondary != 0 {
		if req.Forward != nil {
			req.Forward()
		}
		return nil
	}
	offset := req.Sector * uint64(c.sectorSize)
	length := req.Count * c.sectorSize
	return c.enqueue(NBD_CMD_READ, offset, req.Buffer, length, req, false)
}

// QueueWrite implements §4.9: writes are always sent over NBD, even in
// secondary mode.
func (c *Connection) QueueWrite(req Request) error {
	offset := req.Sector * uint64(c.sectorSize)
	length := req.Count * c.sectorSize
	return c.enqueue(NBD_CMD_WRITE, offset, req.Buffer, length, req, false)
}

// GetParentID reports that this driver never has a parent image (§4.9).
func (c *Connection) GetParentID() (string, error) {
	return "", ErrNoParent
}

// ValidateParent always rejects: this driver cannot validate against a
// parent image because it never has one (§4.9).
func (c *Connection) ValidateParent(parentID string) error {
	return ErrValidateParent
}

// SizeSectors reports the export size negotiated during Open, in sectors.
func (c *Connection) SizeSectors() uint64 {
	return c.sizeSectors
}

// SectorSize reports the fixed sector size this driver presents.
func (c *Connection) SectorSize() uint32 {
	return c.sectorSize
}

// ensure BlockDriver satisfied at compile time.
var _ BlockDriver = (*Connection)(nil)

// sanitizeExportName guards against embedding control characters or NULs in
// an operator-supplied export name before it is written to the wire.
func sanitizeExportName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
}
