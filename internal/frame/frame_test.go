package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeer = PeerAddress{Addr: [6]byte{0xAA, 0xBB, 0xCC, 0x01, 0x02, 0x03}, Channel: 5}

func hostHeader(total uint64) []byte {
	h := make([]byte, HostHeaderLen)
	copy(h, []byte{0xeb, 0x90, 0xeb, 0x90})
	binary.BigEndian.PutUint64(h[8:], total)
	return h
}

func heartbeat(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0x10 + i)
	}
	if n >= HeartbeatCodeOffset+4 {
		binary.BigEndian.PutUint32(b[HeartbeatCodeOffset:], HeartbeatCode)
	}
	return b
}

func TestEncodeEnvelope_Layout(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	b, err := EncodeEnvelope(Data, testPeer, payload)
	require.NoError(t, err)

	require.Len(t, b, 2+1+17+3)
	assert.Equal(t, uint16(1+17+3), binary.BigEndian.Uint16(b[:2]))
	assert.Equal(t, byte(Data), b[2])
	assert.Equal(t, "AA:BB:CC:01:02:03", string(b[3:20]))
	assert.Equal(t, payload, b[20:])
}

func TestEncodeEnvelope_ZeroAddressIsPadded(t *testing.T) {
	b, err := EncodeEnvelope(Connected, PeerAddress{}, nil)
	require.NoError(t, err)

	require.Len(t, b, 20)
	assert.Equal(t, uint16(18), binary.BigEndian.Uint16(b[:2]))
	assert.Equal(t, "00:00:00:00:00:00", string(b[3:20]))
}

func TestEncodeEnvelope_TooLarge(t *testing.T) {
	_, err := EncodeEnvelope(Data, testPeer, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrEnvelopeTooLarge)

	b, err := EncodeEnvelope(Data, testPeer, make([]byte, MaxPayload))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), binary.BigEndian.Uint16(b[:2]))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		typ     PacketType
		payload []byte
	}{
		{"connected empty", Connected, []byte{}},
		{"disconnected empty", Disconnected, []byte{}},
		{"data small", Data, []byte("hello")},
		{"ack heartbeat", Ack, heartbeat(24)},
		{"data with zero bytes", Data, []byte{0, 0, 0, 1, 0}},
		{"data max", Data, bytes.Repeat([]byte{0x5a}, MaxPayload)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeEnvelope(tt.typ, testPeer, tt.payload)
			require.NoError(t, err)

			env, err := DecodeEnvelope(b)
			require.NoError(t, err)
			assert.Equal(t, tt.typ, env.Type)
			assert.Equal(t, testPeer.Addr, env.Peer.Addr)
			assert.Equal(t, tt.payload, env.Payload)
		})
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	good, err := EncodeEnvelope(Data, testPeer, []byte("abc"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"prefix only", good[:2]},
		{"truncated", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte{}, good...), 0x00)},
		{"declared below header", []byte{0x00, 0x01, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope(tt.input)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestClassify(t *testing.T) {
	nonHeartbeat := heartbeat(24)
	binary.BigEndian.PutUint32(nonHeartbeat[HeartbeatCodeOffset:], 0x03)

	// 19 bytes ending with what would be the code field if the frame were longer.
	short := heartbeat(19)
	short[15], short[16], short[17], short[18] = 0x00, 0x00, 0x00, 0x02

	tests := []struct {
		name  string
		input []byte
		want  Kind
	}{
		{"exactly 20 bytes with code", heartbeat(20), KindHeartbeat},
		{"longer frame with code", heartbeat(64), KindHeartbeat},
		{"19 bytes with trailing code", short, KindData},
		{"other code", nonHeartbeat, KindData},
		{"single byte", []byte{0x02}, KindData},
		{"code at wrong offset", append(make([]byte, 17), 0x00, 0x00, 0x00, 0x02), KindData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.input))
		})
	}
}

func TestParseHostFrame_InvalidLength(t *testing.T) {
	for _, total := range []uint64{0, 1, 15, 16, MaxHostFrameLen + 1} {
		_, err := ParseHostFrame(hostHeader(total), bytes.NewReader(make([]byte, 64)))
		assert.ErrorIs(t, err, ErrInvalidLength, "total=%d", total)
	}
}

func TestParseHostFrame_ShortRead(t *testing.T) {
	t.Run("truncated payload", func(t *testing.T) {
		_, err := ParseHostFrame(hostHeader(16+10), bytes.NewReader(make([]byte, 9)))
		assert.ErrorIs(t, err, ErrShortRead)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("missing payload", func(t *testing.T) {
		_, err := ParseHostFrame(hostHeader(16+10), bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrShortRead)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("short header", func(t *testing.T) {
		_, err := ParseHostFrame(make([]byte, 15), bytes.NewReader(nil))
		assert.ErrorIs(t, err, ErrShortRead)
	})
}

func TestParseHostFrame_PassThrough(t *testing.T) {
	for _, l := range []int{1, 2, 17, 1024} {
		payload := make([]byte, l)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		header := hostHeader(uint64(HostHeaderLen + l))

		got, err := ParseHostFrame(header, bytes.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, append(append([]byte{}, header...), payload...), got)
	}
}

func TestReadHostFrame(t *testing.T) {
	header := hostHeader(16 + 3)
	stream := append(append([]byte{}, header...), 0x00, 0x01, 0x02)
	stream = append(stream, header[:10]...)
	r := bytes.NewReader(stream)

	got, err := ReadHostFrame(r)
	require.NoError(t, err)
	assert.Equal(t, stream[:19], got)

	_, err = ReadHostFrame(r)
	assert.ErrorIs(t, err, ErrShortRead)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadHostFrame(r)
	assert.ErrorIs(t, err, ErrShortRead)
	assert.ErrorIs(t, err, io.EOF)
}

func TestParsePeerAddress(t *testing.T) {
	p, err := ParsePeerAddress("aa:bb:cc:01:02:03", 5)
	require.NoError(t, err)
	assert.Equal(t, testPeer, p)
	assert.Equal(t, "AA:BB:CC:01:02:03", p.String())

	p, err = ParsePeerAddress("", 3)
	require.NoError(t, err)
	assert.Equal(t, PeerAddress{Channel: 3}, p)

	_, err = ParsePeerAddress("not-a-mac", 0)
	assert.Error(t, err)

	_, err = ParsePeerAddress("00:00:5e:10:00:00:00:01", 0)
	assert.Error(t, err)
}

func TestPacketType_String(t *testing.T) {
	assert.Equal(t, "CONNECTED", Connected.String())
	assert.Equal(t, "ACK", Ack.String())
	assert.Equal(t, "PacketType(9)", PacketType(9).String())
}
