package nbdclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestPollSchedulerDispatchesReadable(t *testing.T) {
	sched, err := NewPollScheduler()
	assert.Nil(t, err)
	defer sched.Close()

	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	fired := make(chan struct{}, 256)
	_, err = sched.RegisterEvent(EventRead, uintptr(server), func(fd uintptr, mode EventMode) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	assert.Nil(t, err)

	stop := make(chan struct{})
	go sched.Run(stop)
	defer close(stop)

	_, err = unix.Write(client, []byte("x"))
	assert.Nil(t, err)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("callback was never invoked")
	}
}

func TestPollSchedulerUnregisterStopsDispatch(t *testing.T) {
	sched, err := NewPollScheduler()
	assert.Nil(t, err)
	defer sched.Close()

	client, server, err := socketpair(t)
	assert.Nil(t, err)
	defer unix.Close(client)
	defer unix.Close(server)

	fired := make(chan struct{}, 256)
	id, err := sched.RegisterEvent(EventRead, uintptr(server), func(fd uintptr, mode EventMode) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	assert.Nil(t, err)
	sched.UnregisterEvent(id)

	stop := make(chan struct{})
	go sched.Run(stop)
	defer close(stop)

	_, err = unix.Write(client, []byte("x"))
	assert.Nil(t, err)

	select {
	case <-fired:
		t.Fatal("callback fired after unregister")
	case <-time.After(500 * time.Millisecond):
	}
}
