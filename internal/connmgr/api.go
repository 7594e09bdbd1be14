// Package connmgr provides the Bluetooth rendezvous point the bridge listens on:
// advertise an RFCOMM Serial Port Profile service, accept exactly one peer, and hand
// the connected socket to the caller.
//
// A Rendezvous is single-use. StartServer may be called once, Accept may be called
// once; re-listening is done by creating a new Rendezvous. While an accepted peer is
// outstanding, further incoming connections are rejected or immediately closed.
//
// Thread-safety: except for Close(), methods are not safe for concurrent use.
// Close is safe to call concurrently and is idempotent; it unblocks a pending Accept.
package connmgr

import (
	"context"
	"fmt"
	"io"
	"strings"
)

const (
	// SPPUUID is the Serial Port Profile UUID the sensor looks for.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// AnyChannel lets the stack pick a free RFCOMM channel.
	AnyChannel uint8 = 0
)

// Backend selects how the rendezvous point is implemented.
type Backend string

const (
	// BackendProfile registers a BlueZ Profile1 over the system D-Bus. BlueZ owns the
	// listening socket and the SDP record and passes connected FDs to us.
	BackendProfile Backend = "profile"

	// BackendSocket opens a raw AF_BLUETOOTH RFCOMM socket. The SDP record must be
	// published by other means (e.g. `sdptool add --channel=N SP`).
	BackendSocket Backend = "socket"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendProfile, BackendSocket:
		return b, nil
	default:
		return "", fmt.Errorf("connmgr: unknown backend %q (must be %s or %s)", s, BackendProfile, BackendSocket)
	}
}

// Peer describes the accepted remote device.
//
// MAC is empty if the address could not be resolved at accept time.
type Peer struct {
	Path    string // BlueZ Device1 object path (profile backend only)
	MAC     string // Bluetooth device address, XX:XX:XX:XX:XX:XX
	Channel uint8  // RFCOMM channel of the connection, 0 if unknown
}

// ServerOptions controls service registration.
type ServerOptions struct {
	// ServiceName is required and is published as the SDP service name.
	ServiceName string
	// ServiceUUID defaults to SPPUUID.
	ServiceUUID string
	// Channel is the RFCOMM channel to bind; AnyChannel lets the stack choose.
	Channel uint8
}

func (o ServerOptions) uuid() string {
	if o.ServiceUUID == "" {
		return SPPUUID
	}
	return o.ServiceUUID
}

// Rendezvous is a single-use listening point for one RFCOMM peer.
type Rendezvous interface {
	// StartServer binds and advertises the service. It returns the RFCOMM channel in
	// use, or AnyChannel when the stack assigns it lazily.
	//   - Calling StartServer more than once returns an error.
	//   - After Close returns an error.
	StartServer(ctx context.Context, opts ServerOptions) (channel uint8, err error)

	// Accept blocks until a peer connects, ctx is canceled, or Close is called.
	// The returned connection is owned by the caller, who must Close it; the
	// Rendezvous never closes it afterwards.
	//   - Accept may be called at most once.
	//   - If called before StartServer or after Close, returns an error.
	Accept(ctx context.Context) (conn io.ReadWriteCloser, remote Peer, err error)

	// Close releases the listening socket or profile registration.
	// Safe for concurrent use; redundant calls are allowed.
	Close() error
}

// Factory creates a fresh Rendezvous for each listening cycle.
type Factory func() (Rendezvous, error)

// NewFactory returns a Factory for the given backend.
func NewFactory(b Backend) (Factory, error) {
	switch b {
	case BackendProfile:
		return func() (Rendezvous, error) { return newProfileRendezvous() }, nil
	case BackendSocket:
		return func() (Rendezvous, error) { return newSocketRendezvous() }, nil
	default:
		return nil, fmt.Errorf("connmgr: unknown backend %q", b)
	}
}
