//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// pollIntervalMs bounds how long Accept waits before re-checking ctx and Close.
const pollIntervalMs = 200

type socketRendezvous struct {
	mu         sync.Mutex
	closed     bool
	fd         int
	started    bool
	acceptUsed bool
	accepting  bool
}

func newSocketRendezvous() (Rendezvous, error) {
	return &socketRendezvous{fd: -1}, nil
}

func (s *socketRendezvous) StartServer(ctx context.Context, opts ServerOptions) (uint8, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("connmgr: closed")
	}
	if s.started {
		return 0, errors.New("connmgr: server already started")
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return 0, fmt.Errorf("connmgr: rfcomm socket: %w", err)
	}
	// Zero Addr is BDADDR_ANY; channel 0 is assigned by the kernel at listen time.
	if err := unix.Bind(fd, &unix.SockaddrRFCOMM{Channel: opts.Channel}); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("connmgr: bind rfcomm channel %d: %w", opts.Channel, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("connmgr: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("connmgr: set nonblock: %w", err)
	}

	channel := opts.Channel
	if sa, err := unix.Getsockname(fd); err == nil {
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			channel = rc.Channel
		}
	}
	s.fd = fd
	s.started = true
	return channel, nil
}

func (s *socketRendezvous) Accept(ctx context.Context) (io.ReadWriteCloser, Peer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, Peer{}, errors.New("connmgr: closed")
	}
	if !s.started {
		s.mu.Unlock()
		return nil, Peer{}, errors.New("connmgr: server not started")
	}
	if s.acceptUsed {
		s.mu.Unlock()
		return nil, Peer{}, errors.New("connmgr: Accept already used")
	}
	s.acceptUsed = true
	s.accepting = true
	fd := s.fd
	s.mu.Unlock()

	// The listening descriptor stays open until Accept returns; Close defers to us.
	defer func() {
		s.mu.Lock()
		s.accepting = false
		if s.closed {
			s.closeFDLocked()
		}
		s.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, Peer{}, fmt.Errorf("connmgr: accept canceled: %w", err)
		}
		if s.isClosed() {
			return nil, Peer{}, errors.New("connmgr: closed while accepting")
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollIntervalMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, Peer{}, fmt.Errorf("connmgr: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, Peer{}, fmt.Errorf("connmgr: accept: %w", err)
		}

		var peer Peer
		if rc, ok := sa.(*unix.SockaddrRFCOMM); ok {
			peer.MAC = bdaddrString(rc.Addr)
			peer.Channel = rc.Channel
		}
		f, err := newRFCOMMFile(nfd)
		if err != nil {
			return nil, Peer{}, err
		}
		return f, peer, nil
	}
}

func (s *socketRendezvous) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socketRendezvous) closeFDLocked() {
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (s *socketRendezvous) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.accepting {
		s.closeFDLocked()
	}
	return nil
}
