package testutils

import (
	"context"
	"errors"
	"io"
	"sync"

	"t95-bridge/internal/connmgr"
)

// FakeChannel is the RFCOMM channel reported by fake rendezvous points.
const FakeChannel uint8 = 3

type pendingPeer struct {
	conn *Conn
	peer connmgr.Peer
}

// Radio simulates the local Bluetooth stack. Peers queue up with Connect and are
// handed out, one per Accept, by the rendezvous points its Factory creates.
type Radio struct {
	peers chan pendingPeer

	mu         sync.Mutex
	startErrs  []error
	opened     int
	closed     int
	accepted   int
	accepting  int
	lastOpts   connmgr.ServerOptions
	openNow    int
	maxOpenNow int
}

// NewRadio creates an idle radio.
func NewRadio() *Radio {
	return &Radio{peers: make(chan pendingPeer, 16)}
}

// Factory returns a connmgr.Factory backed by this radio.
func (r *Radio) Factory() connmgr.Factory {
	return func() (connmgr.Rendezvous, error) {
		r.mu.Lock()
		r.opened++
		r.openNow++
		if r.openNow > r.maxOpenNow {
			r.maxOpenNow = r.openNow
		}
		r.mu.Unlock()
		return &rendezvous{radio: r, done: make(chan struct{})}, nil
	}
}

// Connect queues a peer connection attempt and returns its connection.
func (r *Radio) Connect(mac string) *Conn {
	c := NewConn()
	r.peers <- pendingPeer{conn: c, peer: connmgr.Peer{MAC: mac, Channel: FakeChannel}}
	return c
}

// FailNextStart makes the next StartServer call fail with err.
func (r *Radio) FailNextStart(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErrs = append(r.startErrs, err)
}

// Pending counts queued peers not yet accepted.
func (r *Radio) Pending() int {
	return len(r.peers)
}

// Stats is a snapshot of radio counters.
type Stats struct {
	Opened     int // rendezvous points created
	Closed     int // rendezvous points closed
	Accepted   int // peers handed out
	Accepting  int // Accept calls currently blocked
	MaxOpenNow int // highest number of simultaneously open rendezvous points
	LastOpts   connmgr.ServerOptions
}

// Stats returns the current counters.
func (r *Radio) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Opened:     r.opened,
		Closed:     r.closed,
		Accepted:   r.accepted,
		Accepting:  r.accepting,
		MaxOpenNow: r.maxOpenNow,
		LastOpts:   r.lastOpts,
	}
}

type rendezvous struct {
	radio *Radio

	mu         sync.Mutex
	started    bool
	acceptUsed bool
	closed     bool
	done       chan struct{}
}

func (z *rendezvous) StartServer(_ context.Context, opts connmgr.ServerOptions) (uint8, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return 0, errors.New("fake: closed")
	}
	if z.started {
		return 0, errors.New("fake: server already started")
	}

	r := z.radio
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOpts = opts
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		return 0, err
	}
	z.started = true
	return FakeChannel, nil
}

func (z *rendezvous) Accept(ctx context.Context) (io.ReadWriteCloser, connmgr.Peer, error) {
	z.mu.Lock()
	switch {
	case z.closed:
		z.mu.Unlock()
		return nil, connmgr.Peer{}, errors.New("fake: closed")
	case !z.started:
		z.mu.Unlock()
		return nil, connmgr.Peer{}, errors.New("fake: server not started")
	case z.acceptUsed:
		z.mu.Unlock()
		return nil, connmgr.Peer{}, errors.New("fake: Accept already used")
	}
	z.acceptUsed = true
	z.mu.Unlock()

	r := z.radio
	r.mu.Lock()
	r.accepting++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.accepting--
		r.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, connmgr.Peer{}, ctx.Err()
	case <-z.done:
		return nil, connmgr.Peer{}, errors.New("fake: closed while accepting")
	case p := <-r.peers:
		r.mu.Lock()
		r.accepted++
		r.mu.Unlock()
		return p.conn, p.peer, nil
	}
}

func (z *rendezvous) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil
	}
	z.closed = true
	close(z.done)

	r := z.radio
	r.mu.Lock()
	r.closed++
	r.openNow--
	r.mu.Unlock()
	return nil
}
