//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
)

var pathCounter uint64

type profileRendezvous struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}

	bus *dbus.Conn

	started    bool
	acceptUsed bool
	prof       *profile
	path       dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

func newProfileRendezvous() (Rendezvous, error) {
	return &profileRendezvous{done: make(chan struct{})}, nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu       sync.Mutex
	ch       chan acceptResult
	accepted bool // true after first delivery; subsequent connections are rejected/closed
}

type acceptResult struct {
	fd   int
	peer Peer
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the link notices the closed socket by itself.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the incoming RFCOMM socket FD to Accept.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		_ = unix.Close(int(fd))
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"already accepted"}}
	}
	res := acceptResult{
		fd:   int(fd),
		peer: Peer{Path: string(dev), MAC: macFromPath(string(dev))},
	}
	select {
	case p.ch <- res:
		p.accepted = true
		return nil
	default:
		_ = unix.Close(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
}

func (r *profileRendezvous) StartServer(ctx context.Context, opts ServerOptions) (uint8, error) {
	_ = ctx // registration is fast and not cancellable via the D-Bus API.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.New("connmgr: closed")
	}
	if r.started {
		return 0, errors.New("connmgr: server already started")
	}
	if opts.ServiceName == "" {
		return 0, errors.New("connmgr: ServiceName required")
	}

	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return 0, fmt.Errorf("connmgr: connect system bus: %w", err)
	}
	r.bus = bus
	// Close the bus last during cleanup.
	r.cleanup = append(r.cleanup, func() { _ = bus.Close() })

	r.prof = &profile{ch: make(chan acceptResult, 1)}
	id := atomic.AddUint64(&pathCounter, 1)
	r.path = dbus.ObjectPath("/org/t95_bridge/connmgr/server/p" + strconv.FormatUint(id, 10))
	if err := bus.Export(r.prof, r.path, profileInterfaceName); err != nil {
		return 0, fmt.Errorf("connmgr: export server profile: %w", err)
	}

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
	}
	if opts.Channel != AnyChannel {
		// BlueZ expects Channel as a uint16 (not byte).
		optsMap["Channel"] = dbus.MakeVariant(uint16(opts.Channel))
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, r.path, opts.uuid(), optsMap); call.Err != nil {
		_ = bus.Export(nil, r.path, profileInterfaceName)
		return 0, fmt.Errorf("connmgr: RegisterProfile(server): %w", call.Err)
	}
	path := r.path
	// On close, unregister the profile before closing the bus.
	r.cleanup = append(r.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	r.started = true
	return opts.Channel, nil
}

func (r *profileRendezvous) Accept(ctx context.Context) (io.ReadWriteCloser, Peer, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, Peer{}, errors.New("connmgr: closed")
	}
	if !r.started {
		r.mu.Unlock()
		return nil, Peer{}, errors.New("connmgr: server not started")
	}
	if r.acceptUsed {
		r.mu.Unlock()
		return nil, Peer{}, errors.New("connmgr: Accept already used")
	}
	r.acceptUsed = true
	ch := r.prof.ch
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, Peer{}, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case <-r.done:
		return nil, Peer{}, errors.New("connmgr: closed while accepting")
	case res := <-ch:
		f, err := newRFCOMMFile(res.fd)
		if err != nil {
			return nil, Peer{}, err
		}
		peer := res.peer
		if sa, ok := rfcommPeer(res.fd); ok {
			peer.Channel = sa.Channel
			if peer.MAC == "" {
				peer.MAC = bdaddrString(sa.Addr)
			}
		}
		return f, peer, nil
	}
}

// Close is safe for concurrent and redundant calls (idempotent).
func (r *profileRendezvous) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	cleanup := r.cleanup
	r.cleanup = nil
	prof := r.prof
	r.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}

	// A connection delivered after Accept gave up is still ours to close.
	if prof != nil {
		select {
		case res := <-prof.ch:
			_ = unix.Close(res.fd)
		default:
		}
	}
	return nil
}

// newRFCOMMFile wraps a connected RFCOMM socket. The descriptor is switched to
// non-blocking mode so the runtime poller owns it and Close unblocks a pending Read.
func newRFCOMMFile(fd int) (*os.File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

func rfcommPeer(fd int) (*unix.SockaddrRFCOMM, bool) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, false
	}
	rc, ok := sa.(*unix.SockaddrRFCOMM)
	return rc, ok
}
