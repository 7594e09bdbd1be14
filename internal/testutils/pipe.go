package testutils

import (
	"io"
	"testing"
	"time"

	"github.com/smallnest/ringbuffer"

	"t95-bridge/internal/frame"
)

// DefaultPipeSize fits the largest envelope.
const DefaultPipeSize = 1 << 17

// Pipe is a blocking in-memory byte stream used for the host's stdin and stdout.
type Pipe struct {
	*ringbuffer.RingBuffer
}

// NewPipe creates a blocking pipe of the given capacity (0 = DefaultPipeSize).
func NewPipe(size int) *Pipe {
	if size <= 0 {
		size = DefaultPipeSize
	}
	return &Pipe{RingBuffer: ringbuffer.New(size).SetBlocking(true)}
}

// Close unblocks readers and writers with io.ErrClosedPipe.
func (p *Pipe) Close() error {
	p.CloseWithError(io.ErrClosedPipe)
	return nil
}

// ReadEnvelopes reads n envelopes from r or fails the test after timeout.
func ReadEnvelopes(t testing.TB, r *frame.Reader, n int, timeout time.Duration) []frame.Envelope {
	t.Helper()
	type result struct {
		env frame.Envelope
		err error
	}
	ch := make(chan result, 1)
	var out []frame.Envelope
	for len(out) < n {
		go func() {
			env, err := r.Next()
			ch <- result{env, err}
		}()
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("reading envelope %d: %v", len(out)+1, res.err)
			}
			out = append(out, res.env)
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for envelope %d of %d", len(out)+1, n)
		}
	}
	return out
}

// Types lists the packet types of envs.
func Types(envs []frame.Envelope) []frame.PacketType {
	out := make([]frame.PacketType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}
