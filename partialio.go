package nbdclient

import (
	"golang.org/x/sys/unix"
)

// queuedIO frames a single buffer together with how much of it has already
// been transferred. Both the header and the body of a request slot, and the
// connection's current-reply reassembly buffer, are queuedIOs.
type queuedIO struct {
	buf   []byte
	soFar int
}

func (q *queuedIO) reset(buf []byte) {
	q.buf = buf
	q.soFar = 0
}

func (q *queuedIO) done() bool {
	return q.soFar >= len(q.buf)
}

func (q *queuedIO) remaining() int {
	return len(q.buf) - q.soFar
}

// writeSome writes whatever is left in q, looping over partial writes until
// q is drained or the socket would block. It returns the number of bytes still outstanding (0 when fully drained)
// or a negative-flavored error on a hard failure. EAGAIN/EWOULDBLOCK leave
// the cursor where it is and return the remaining count with a nil error;
// EINTR is retried in place. A server that closes mid-write is reported as
// ErrShortWrite. writeSome never allocates.
func writeSome(fd int, q *queuedIO) (int, error) {
	for q.remaining() > 0 {
		n, err := unix.Write(fd, q.buf[q.soFar:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return q.remaining(), nil
			}
			return 0, err
		}
		if n == 0 {
			return 0, ErrShortWrite
		}
		q.soFar += n
	}
	return 0, nil
}

// readSome is the read-side mirror of writeSome.
func readSome(fd int, q *queuedIO) (int, error) {
	for q.remaining() > 0 {
		n, err := unix.Read(fd, q.buf[q.soFar:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return q.remaining(), nil
			}
			return 0, err
		}
		if n == 0 {
			return 0, ErrShortRead
		}
		q.soFar += n
	}
	return 0, nil
}
