package nbdclient

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// EventMode selects which readiness condition a callback is registered for.
type EventMode int

const (
	EventRead EventMode = iota
	EventWrite
)

// EventID identifies a registered event so it can later be unregistered.
type EventID int

// Scheduler is the contract this driver expects from its host's top-level
// reactor (out of scope per §1: "the daemon's top-level scheduler/reactor").
// A single goroutine is expected to drive it and invoke every registered
// callback from that same goroutine -- the driver keeps no internal lock
// and relies on that single-owner discipline, exactly as the teacher's own
// per-node processing goroutine is the sole mutator of its CANopen state.
type Scheduler interface {
	// RegisterEvent arranges for cb to be invoked whenever fd becomes
	// ready for mode. The driver never registers an (fd, mode) pair that
	// is still registered; PollScheduler does not check for duplicates.
	RegisterEvent(mode EventMode, fd uintptr, cb func(fd uintptr, mode EventMode)) (EventID, error)
	// UnregisterEvent cancels a previously registered callback. It is a
	// no-op if id is not currently registered.
	UnregisterEvent(id EventID)
}

type pollRegistration struct {
	id   EventID
	fd   uintptr
	mode EventMode
	cb   func(fd uintptr, mode EventMode)
}

// PollScheduler is a minimal single-goroutine reactor built on
// golang.org/x/sys/unix.Poll. It exists for standalone use of this module
// (the cmd/nbdclient CLI and this repository's own integration tests) --
// production embedders supply their own Scheduler backed by whatever
// reactor the surrounding daemon already runs.
type PollScheduler struct {
	mu      sync.Mutex
	nextID  EventID
	entries map[EventID]*pollRegistration
	wake    [2]int // self-pipe, woken on Register/Unregister so Run's Poll picks up changes
}

// NewPollScheduler constructs a PollScheduler. Call Run in a dedicated
// goroutine to start dispatching readiness callbacks; Close shuts it down.
func NewPollScheduler() (*PollScheduler, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("nbdclient: creating wake pipe: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &PollScheduler{
		entries: make(map[EventID]*pollRegistration),
		wake:    fds,
	}, nil
}

func (s *PollScheduler) RegisterEvent(mode EventMode, fd uintptr, cb func(fd uintptr, mode EventMode)) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.entries[id] = &pollRegistration{id: id, fd: fd, mode: mode, cb: cb}
	s.poke()
	return id, nil
}

func (s *PollScheduler) UnregisterEvent(id EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	s.poke()
}

func (s *PollScheduler) poke() {
	// Best-effort: if the pipe is full the reactor is already about to
	// wake up on its own, so a dropped byte changes nothing.
	_, _ = unix.Write(s.wake[1], []byte{0})
}

// Close releases the wake pipe. It does not close any of the fds the
// caller registered events against.
func (s *PollScheduler) Close() error {
	unix.Close(s.wake[0])
	unix.Close(s.wake[1])
	return nil
}

// Run drives the reactor until stop is closed. It is intended to be called
// from exactly one goroutine for the lifetime of the scheduler.
func (s *PollScheduler) Run(stop <-chan struct{}) error {
	drain := make([]byte, 64)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		s.mu.Lock()
		pfds := make([]unix.PollFd, 0, len(s.entries)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(s.wake[0]), Events: unix.POLLIN})
		order := make([]*pollRegistration, 0, len(s.entries))
		for _, reg := range s.entries {
			var events int16 = unix.POLLIN
			if reg.mode == EventWrite {
				events = unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(reg.fd), Events: events})
			order = append(order, reg)
		}
		s.mu.Unlock()

		n, err := unix.Poll(pfds, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		if pfds[0].Revents != 0 {
			_, _ = unix.Read(s.wake[0], drain)
		}

		for i, reg := range order {
			pfd := pfds[i+1]
			if pfd.Revents == 0 {
				continue
			}
			reg.cb(reg.fd, reg.mode)
		}
	}
}
