package nbdclient

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// waitRecv blocks up to timeout waiting for fd to become readable (via
// unix.Poll, the Go analogue of the C original's bounded select()), then
// performs one blocking read into buf. It is only ever used during the
// handshake, before the socket is flipped to non-blocking.
func waitRecv(fd int, buf []byte, timeout time.Duration) (int, error) {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("nbdclient: handshake read timed out after %s", timeout)
		}
		break
	}
	return unix.Read(fd, buf)
}

// recvFull repeatedly calls waitRecv until buf is entirely filled, the same
// short-read tolerance the C original applies while draining the old-style
// padding bytes.
func recvFull(fd int, buf []byte, timeout time.Duration) error {
	got := 0
	for got < len(buf) {
		n, err := waitRecv(fd, buf[got:], timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrShortRead
		}
		got += n
	}
	return nil
}

// handshake performs the initial magic exchange on a still-blocking socket
// and routes to the old-style or new-style negotiation, per §4.4. On
// success it returns the export size in sectors and flips fd to
// non-blocking; on any failure it leaves fd untouched for the caller to
// close.
func handshake(fd int, cfg DriverConfig) (sizeSectors uint64, err error) {
	var magicBuf [8]byte

	if err := recvFull(fd, magicBuf[:], cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading opening magic: %w", err)
	}
	if binary.BigEndian.Uint64(magicBuf[:]) != NBD_MAGIC {
		return 0, ErrBadMagic
	}

	if err := recvFull(fd, magicBuf[:], cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading style magic: %w", err)
	}
	styleMagic := binary.BigEndian.Uint64(magicBuf[:])

	switch styleMagic {
	case NBD_OLD_VERSION:
		return negotiateOld(fd, cfg)
	case NBD_OPT_MAGIC:
		return negotiateNew(fd, cfg)
	default:
		log.Errorf("nbdclient: unknown NBD style magic 0x%x", styleMagic)
		return 0, ErrBadMagic
	}
}

func negotiateOld(fd int, cfg DriverConfig) (uint64, error) {
	var buf [8]byte

	if err := recvFull(fd, buf[:], cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading old-style size: %w", err)
	}
	size := binary.BigEndian.Uint64(buf[:])

	if err := recvFull(fd, buf[:4], cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading old-style flags: %w", err)
	}

	pad := make([]byte, 124)
	if err := recvFull(fd, pad, cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading old-style padding: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return 0, fmt.Errorf("nbdclient: setting non-blocking mode: %w", err)
	}

	log.Infof("nbdclient: old-style handshake complete, export size %d bytes", size)
	return size >> SectorShift, nil
}

func negotiateNew(fd int, cfg DriverConfig) (uint64, error) {
	var gflags [2]byte
	if err := recvFull(fd, gflags[:], cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading server handshake flags: %w", err)
	}

	cflags := make([]byte, 4)
	binary.BigEndian.PutUint32(cflags, NBD_FLAG_C_FIXED_NEWSTYLE|NBD_FLAG_C_NO_ZEROES)
	if _, err := unix.Write(fd, cflags); err != nil {
		return 0, fmt.Errorf("nbdclient: sending client handshake flags: %w", err)
	}

	return negotiateExportName(fd, cfg)
}

// negotiateExportName sends an EXPORT_NAME option for the configured
// default export and reads the 10-byte NO_ZEROES export reply (8-byte size
// + 2-byte transmission flags).
func negotiateExportName(fd int, cfg DriverConfig) (uint64, error) {
	name := []byte(sanitizeExportName(cfg.ExportName))

	opt := newOptionHeader{
		Magic:  NBD_OPT_MAGIC,
		Option: NBD_OPT_EXPORT_NAME,
		Length: uint32(len(name)),
	}
	var hdr bytes.Buffer
	if err := opt.writeTo(&hdr); err != nil {
		return 0, fmt.Errorf("nbdclient: encoding export-name option header: %w", err)
	}
	if _, err := unix.Write(fd, hdr.Bytes()); err != nil {
		return 0, fmt.Errorf("nbdclient: sending export-name option header: %w", err)
	}
	if len(name) > 0 {
		if _, err := unix.Write(fd, name); err != nil {
			return 0, fmt.Errorf("nbdclient: sending export name: %w", err)
		}
	}

	reply := make([]byte, 10)
	if err := recvFull(fd, reply, cfg.HandshakeTimeout); err != nil {
		return 0, fmt.Errorf("nbdclient: reading export-name reply: %w", err)
	}
	size := binary.BigEndian.Uint64(reply[0:8])

	if err := unix.SetNonblock(fd, true); err != nil {
		return 0, fmt.Errorf("nbdclient: setting non-blocking mode: %w", err)
	}

	log.Infof("nbdclient: new-style handshake complete, export size %d bytes", size)
	return size >> SectorShift, nil
}
