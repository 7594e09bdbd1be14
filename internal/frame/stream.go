package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Writer emits envelopes onto the host output stream. Each envelope is written with
// a single Write call under a mutex, so concurrent emitters never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEnvelope encodes and writes one envelope. Encoding errors are returned
// before anything is written.
func (w *Writer) WriteEnvelope(t PacketType, peer PeerAddress, payload []byte) error {
	b, err := EncodeEnvelope(t, peer, payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(b); err != nil {
		return fmt.Errorf("frame: write %s envelope: %w", t, err)
	}
	return nil
}

// Reader decodes a stream of envelopes, the way the paired host process does.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next blocks until a full envelope is available. It returns io.EOF at a clean
// envelope boundary and io.ErrUnexpectedEOF when the stream ends mid-envelope.
func (r *Reader) Next() (Envelope, error) {
	var prefix [LengthPrefixLen]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	n := int(binary.BigEndian.Uint16(prefix[:]))
	if n < EnvelopeHeaderLen {
		return Envelope{}, fmt.Errorf("%w: declared %d", ErrMalformedEnvelope, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}
	return decodeBody(body)
}
