package nbdclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func sentSlotWithHandle(c *Connection, cmdType uint32, bodyLen int) (*nbdRequestSlot, [8]byte) {
	idx := c.pool.free.popHead(c.pool.slots)
	c.pool.freeCount--
	slot := &c.pool.slots[idx]
	slot.header = requestHeader{Magic: NBD_REQUEST_MAGIC, Type: cmdType, Length: uint32(bodyLen)}
	fillHandle(&slot.header.Handle, 7)
	slot.bodyIO.reset(make([]byte, bodyLen))
	slot.upper = Request{Buffer: slot.bodyIO.buf, Complete: func(error) {}}
	c.pool.sent.pushTail(c.pool.slots, idx)
	return slot, slot.header.Handle
}

func TestOnReadableCompletesWrite(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	c := newTestConnection(t, client)
	var gotErr error
	slot, handle := sentSlotWithHandle(c, NBD_CMD_WRITE, 0)
	slot.upper.Complete = func(err error) { gotErr = err }

	reply := replyHeader{Magic: NBD_REPLY_MAGIC, Error: 0, Handle: handle}
	_, err = unix.Write(server, reply.bytes())
	assert.Nil(t, err)

	c.onReadable(uintptr(client), EventRead)

	assert.Nil(t, gotErr)
	assert.Equal(t, 0, c.pool.sent.length)
	assert.Equal(t, noSlot, c.replyMatched)
}

func TestOnReadableCompletesReadAfterBody(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	c := newTestConnection(t, client)
	var gotErr error
	var completed bool
	slot, handle := sentSlotWithHandle(c, NBD_CMD_READ, 8)
	slot.upper.Complete = func(err error) { gotErr = err; completed = true }

	reply := replyHeader{Magic: NBD_REPLY_MAGIC, Error: 0, Handle: handle}
	_, err = unix.Write(server, reply.bytes())
	assert.Nil(t, err)
	_, err = unix.Write(server, []byte("DEADBEEF"))
	assert.Nil(t, err)

	c.onReadable(uintptr(client), EventRead)

	assert.True(t, completed)
	assert.Nil(t, gotErr)
	assert.Equal(t, "DEADBEEF", string(slot.upper.Buffer))
}

func TestOnReadableUnmatchedHandleDisables(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	c := newTestConnection(t, client)
	var gotErr error
	slot, _ := sentSlotWithHandle(c, NBD_CMD_WRITE, 0)
	slot.upper.Complete = func(err error) { gotErr = err }

	var handle [8]byte
	fillHandle(&handle, 99)
	reply := replyHeader{Magic: NBD_REPLY_MAGIC, Error: 0, Handle: handle}
	_, err = unix.Write(server, reply.bytes())
	assert.Nil(t, err)

	c.onReadable(uintptr(client), EventRead)

	assert.Equal(t, connDisabled, c.state)
	assert.ErrorIs(t, gotErr, ErrUnknownHandle)
}

func TestOnReadableServerErrorDisables(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	c := newTestConnection(t, client)
	_, handle := sentSlotWithHandle(c, NBD_CMD_READ, 8)

	reply := replyHeader{Magic: NBD_REPLY_MAGIC, Error: 5, Handle: handle}
	_, err = unix.Write(server, reply.bytes())
	assert.Nil(t, err)

	c.onReadable(uintptr(client), EventRead)

	assert.Equal(t, connDisabled, c.state)
}
