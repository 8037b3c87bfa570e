package nbdclient

import "errors"

// Sentinel errors returned across the driver boundary. These replace the
// negative-errno return codes of the original C driver with comparable
// error values, the idiomatic Go analogue of the teacher's CANopenError
// constant set (CO_ERROR_TIMEOUT, CO_ERROR_TX_BUSY, ...).
var (
	// ErrBusy is returned synchronously from enqueue (and so from
	// QueueRead/QueueWrite) when the request pool is exhausted. No
	// upper-layer completion is triggered.
	ErrBusy = errors.New("nbdclient: request pool exhausted")

	// ErrTimedOut is returned (and used to complete the upper-layer
	// request) when enqueue is called after the connection has been
	// disabled.
	ErrTimedOut = errors.New("nbdclient: connection disabled")

	// ErrIO is the error used to complete every outstanding request when
	// the connection suffers a fatal protocol or transport error.
	ErrIO = errors.New("nbdclient: fatal I/O error")

	// ErrBadMagic is returned by the handshake engine when an expected
	// magic number does not match.
	ErrBadMagic = errors.New("nbdclient: bad NBD magic")

	// ErrShortWrite/ErrShortRead are returned by the partial-I/O helper
	// when the peer closes the connection while bytes are still wanted.
	ErrShortWrite = errors.New("nbdclient: peer closed during write")
	ErrShortRead  = errors.New("nbdclient: peer closed during read")

	// ErrUnknownHandle is wrapped together with ErrIO in the error every
	// outstanding request is completed with when a reply's handle does not
	// match any request on the sent list -- the reader engine treats this
	// as fatal and calls disable. errors.Is matches either sentinel.
	ErrUnknownHandle = errors.New("nbdclient: reply handle not found")

	// ErrNoName is returned by Open when name matched neither a UNIX
	// socket path, a "<ipv4>:<port>" pair, nor a known FD-receiver id.
	ErrNoName = errors.New("nbdclient: could not resolve name to a transport")

	// ErrNoParent is returned by GetParentID: this driver never has a
	// parent image.
	ErrNoParent = errors.New("nbdclient: no parent")

	// ErrValidateParent is returned by ValidateParent: parent chaining is
	// never supported by this driver.
	ErrValidateParent = errors.New("nbdclient: parent validation not supported")

	// ErrFDNotFound is returned by the FD-receiver registry when Retrieve
	// finds no entry under the requested id.
	ErrFDNotFound = errors.New("nbdclient: no fd stashed under that id")

	// ErrFDReceiverFull is returned by Stash when every slot is occupied by
	// a distinct id and the new fd cannot be accommodated.
	ErrFDReceiverFull = errors.New("nbdclient: fd-receiver table full")
)
