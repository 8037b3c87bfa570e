package nbdclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

// TestEnqueueBackPressureReturnsErrBusy exercises the pool-exhaustion
// back-pressure scenario (§8): once every slot is on pending/sent, a
// further enqueue is rejected synchronously with ErrBusy and the request
// is never completed (the caller is expected to retry later).
func TestEnqueueBackPressureReturnsErrBusy(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	cfg := DefaultConfig()
	cfg.PoolSize = 2
	c := newConnection(client, &noopScheduler{}, cfg)
	assert.Nil(t, unix.SetNonblock(client, true))

	for i := 0; i < cfg.PoolSize; i++ {
		err := c.enqueue(NBD_CMD_WRITE, 0, []byte("x"), 1, Request{Complete: func(error) {}}, false)
		assert.Nil(t, err)
	}
	assert.Equal(t, 0, c.pool.freeCount)

	completed := false
	err = c.enqueue(NBD_CMD_WRITE, 0, []byte("x"), 1, Request{Complete: func(error) { completed = true }}, false)
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, completed, "a busy rejection must not invoke Complete")
}

// TestEnqueueAfterDisableReturnsErrTimedOut exercises the post-disable
// enqueue scenario (§8): once a connection has been disabled, every further
// enqueue fails fast with ErrTimedOut and still completes the request
// synchronously so the caller isn't left waiting.
func TestEnqueueAfterDisableReturnsErrTimedOut(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(server)

	c := newConnection(client, &noopScheduler{}, DefaultConfig())
	assert.Nil(t, unix.SetNonblock(client, true))
	c.disable(ErrIO)
	assert.Equal(t, connDisabled, c.state)

	var gotErr error
	err = c.enqueue(NBD_CMD_READ, 0, make([]byte, 1), 1, Request{
		Complete: func(err error) { gotErr = err },
	}, false)

	assert.ErrorIs(t, err, ErrTimedOut)
	assert.ErrorIs(t, gotErr, ErrTimedOut)
}

// TestDisableLeavesCancelledSlotsInPlace verifies the pool-size invariant
// from §3/§8 (len(free)+len(pending)+len(sent) == PoolSize) survives a
// disable: cancelled requests are completed but their slots are left on
// whichever list they were on, never moved to free.
func TestDisableLeavesCancelledSlotsInPlace(t *testing.T) {
	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(server)

	cfg := DefaultConfig()
	cfg.PoolSize = 3
	c := newConnection(client, &noopScheduler{}, cfg)
	assert.Nil(t, unix.SetNonblock(client, true))

	cancelled := 0
	for i := 0; i < cfg.PoolSize; i++ {
		assert.Nil(t, c.enqueue(NBD_CMD_WRITE, 0, []byte("x"), 1, Request{
			Complete: func(error) { cancelled++ },
		}, false))
	}

	c.disable(ErrIO)

	assert.Equal(t, 3, cancelled)
	assert.Equal(t, cfg.PoolSize, c.pool.free.length+c.pool.pending.length+c.pool.sent.length)
}
