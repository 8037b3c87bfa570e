package nbdclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func openPipe(t *testing.T) int {
	t.Helper()
	var fds [2]int
	assert.Nil(t, unix.Pipe(fds[:]))
	unix.Close(fds[1])
	return fds[0]
}

func TestReceiverStashAndRetrieve(t *testing.T) {
	r := NewReceiver()
	fd := openPipe(t)

	assert.Nil(t, r.Stash(fd, "disk0"))

	got, err := r.Retrieve("disk0")
	assert.Nil(t, err)
	assert.Equal(t, fd, got)

	_, err = r.Retrieve("disk0")
	assert.ErrorIs(t, err, ErrFDNotFound)
}

func TestReceiverStashReplacesSameID(t *testing.T) {
	r := NewReceiver()
	first := openPipe(t)
	second := openPipe(t)

	assert.Nil(t, r.Stash(first, "disk0"))
	assert.Nil(t, r.Stash(second, "disk0"))

	got, err := r.Retrieve("disk0")
	assert.Nil(t, err)
	assert.Equal(t, second, got)
}

func TestReceiverFullTableRejects(t *testing.T) {
	r := NewReceiver()
	for i := 0; i < fdReceiverSlots; i++ {
		fd := openPipe(t)
		assert.Nil(t, r.Stash(fd, string(rune('a'+i))))
	}

	overflow := openPipe(t)
	err := r.Stash(overflow, "overflow")
	assert.ErrorIs(t, err, ErrFDReceiverFull)
}

func TestReceiverRetrieveMissingID(t *testing.T) {
	r := NewReceiver()
	_, err := r.Retrieve("nope")
	assert.ErrorIs(t, err, ErrFDNotFound)
}

func TestReceiverIDTruncation(t *testing.T) {
	r := NewReceiver()
	fd := openPipe(t)
	long := ""
	for i := 0; i < fdReceiverMaxID+10; i++ {
		long += "x"
	}
	assert.Nil(t, r.Stash(fd, long))

	_, err := r.Retrieve(long[:fdReceiverMaxID])
	assert.Nil(t, err)
}
