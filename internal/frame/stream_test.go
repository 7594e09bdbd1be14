package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriterReader_Sequence(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteEnvelope(Connected, testPeer, nil))
	require.NoError(t, w.WriteEnvelope(Ack, testPeer, heartbeat(20)))
	require.NoError(t, w.WriteEnvelope(Data, testPeer, []byte("payload")))
	require.NoError(t, w.WriteEnvelope(Disconnected, testPeer, nil))

	r := NewReader(&buf)
	var got []PacketType
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, testPeer.Addr, env.Peer.Addr)
		got = append(got, env.Type)
	}
	assert.Equal(t, []PacketType{Connected, Ack, Data, Disconnected}, got)
}

func TestWriter_ConcurrentEnvelopesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = w.WriteEnvelope(Data, testPeer, []byte(fmt.Sprintf("writer-%d-%02d", i, j)))
			}
		}(i)
	}
	wg.Wait()

	r := NewReader(&buf)
	count := 0
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, Data, env.Type)
		assert.Len(t, env.Payload, len("writer-0-00"))
		count++
	}
	assert.Equal(t, 8*50, count)
}

func TestWriter_Errors(t *testing.T) {
	w := NewWriter(failingWriter{})
	err := w.WriteEnvelope(Data, testPeer, []byte("x"))
	assert.ErrorContains(t, err, "broken pipe")

	var buf bytes.Buffer
	w = NewWriter(&buf)
	err = w.WriteEnvelope(Data, testPeer, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrEnvelopeTooLarge)
	assert.Zero(t, buf.Len(), "nothing may be written for an oversized payload")
}

func TestReader_TruncatedStream(t *testing.T) {
	b, err := EncodeEnvelope(Data, testPeer, []byte("abcdef"))
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(b[:len(b)-2]))
	_, err = r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
