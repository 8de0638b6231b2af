//go:build linux

package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	NonBlock  = unix.EFD_NONBLOCK
	Semaphore = unix.EFD_SEMAPHORE
)

var ErrClosed = errors.New("eventfd is closed")

// EventFd is a Linux eventfd counter.
// Writes add to the counter; a read returns the counter and resets it
// (or decrements it by one in semaphore mode).
type EventFd struct {
	fd int
}

// New creates an eventfd with a zero counter. The descriptor is always close-on-exec.
func New(flags int) (*EventFd, error) {
	fd, err := unix.Eventfd(0, flags|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}

	return &EventFd{fd: fd}, nil
}

// Write adds v to the counter.
func (e *EventFd) Write(v uint64) error {
	if e.fd < 0 {
		return ErrClosed
	}

	buf := binary.NativeEndian.AppendUint64(nil, v)

	for {
		_, err := unix.Write(e.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return fmt.Errorf("failed to write eventfd: %w", err)
		}

		return nil
	}
}

// Read returns the counter. It blocks while the counter is zero unless the eventfd was
// created with NonBlock, in which case it fails with unix.EAGAIN.
func (e *EventFd) Read() (uint64, error) {
	if e.fd < 0 {
		return 0, ErrClosed
	}

	buf := make([]byte, 8)

	for {
		_, err := unix.Read(e.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return 0, fmt.Errorf("failed to read eventfd: %w", err)
		}

		return binary.NativeEndian.Uint64(buf), nil
	}
}

// TryClone duplicates the descriptor. Both EventFds refer to the same counter.
func (e *EventFd) TryClone() (*EventFd, error) {
	if e.fd < 0 {
		return nil, ErrClosed
	}

	fd, err := unix.FcntlInt(uintptr(e.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to clone eventfd: %w", err)
	}

	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Fd() int {
	return e.fd
}

func (e *EventFd) Close() error {
	if e.fd < 0 {
		return nil
	}

	fd := e.fd
	e.fd = -1

	err := unix.Close(fd)
	if err != nil {
		return fmt.Errorf("failed to close eventfd: %w", err)
	}

	return nil
}
