package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
)

func TestHeaderEncodeDecode(t *testing.T) {
	tests := []struct {
		name   string
		header *Header
	}{
		{"handshake", &Header{Magic: FrameMagic, Type: FrameHandshake, Length: 64}},
		{"msgpack data", &Header{Magic: FrameMagic, Type: FrameData, Flags: FlagCodecMsgpack, Length: 4096}},
		{"empty close", &Header{Magic: FrameMagic, Type: FrameClose}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.header.Encode()
			assert.Len(t, encoded, HeaderSize)

			decoded := &Header{}
			require.NoError(t, decoded.Decode(encoded))
			assert.Equal(t, tt.header, decoded)
		})
	}
}

func TestHeaderValidation(t *testing.T) {
	assert.ErrorIs(t, (&Header{}).Decode(make([]byte, HeaderSize-1)), ErrInvalidHeader)
	assert.ErrorIs(t, (&Header{Magic: 0x12345678}).Validate(DefaultMaxFrameSize), ErrInvalidMagic)
	assert.ErrorIs(t, (&Header{Magic: FrameMagic, Length: 11}).Validate(10), ErrFrameTooLarge)
	assert.NoError(t, (&Header{Magic: FrameMagic, Length: 10}).Validate(10))
}

func TestReadHeaderFromFrame(t *testing.T) {
	frame, err := encodeFrame(codec.Msgpack, FrameFeed, &FeedFrame{DiscoveryKey: discoveryKey(t)})
	require.NoError(t, err)

	h, err := ReadHeader(bytes.NewReader(frame), DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, FrameFeed, h.Type)
	assert.Equal(t, FlagCodecMsgpack, h.Flags)
	assert.Equal(t, uint32(len(frame)-HeaderSize), h.Length)

	c, err := codecForFlags(h.Flags)
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = codecForFlags(0x0007)
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "EXTENSION", FrameExtension.String())
	assert.Equal(t, "UNKNOWN", FrameType(0xFFFF).String())
}

func TestNegotiateVersion(t *testing.T) {
	v, err := NegotiateVersion([]string{"1.0.0", "1.1.0"}, []string{"1.1.0", "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v)

	_, err = NegotiateVersion([]string{"1.0.0"}, []string{"2.0.0"})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = NegotiateVersion(nil, []string{"1.0.0"})
	assert.Error(t, err)

	assert.True(t, IsVersionSupported(""))
	assert.True(t, IsVersionSupported(CurrentVersion))
	assert.False(t, IsVersionSupported("0.9.0"))
	assert.Equal(t, -1, CompareVersions("1.0.0", "1.0.1"))
	assert.Equal(t, 1, CompareVersions("2.0", "1.9.9"))
	assert.Equal(t, CurrentVersion, GetVersionInfo().Version)
}
