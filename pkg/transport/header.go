package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ZentaChain/zentalk-replicator/pkg/codec"
)

const (
	// FrameMagic prefixes every frame ('ZTRP')
	FrameMagic uint32 = 0x5A545250

	// HeaderSize is the fixed frame header length
	HeaderSize = 12

	// DefaultMaxFrameSize bounds a single frame payload
	DefaultMaxFrameSize = 4 << 20
)

// FrameType identifies the payload that follows a header
type FrameType uint16

const (
	FrameHandshake FrameType = 0x0001
	FrameFeed      FrameType = 0x0002
	FrameExtension FrameType = 0x0003
	FrameData      FrameType = 0x0004
	FrameClose     FrameType = 0x0005
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "HANDSHAKE"
	case FrameFeed:
		return "FEED"
	case FrameExtension:
		return "EXTENSION"
	case FrameData:
		return "DATA"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Codec flags select how the frame payload is encoded
const (
	FlagCodecJSON    uint16 = 0x0000
	FlagCodecMsgpack uint16 = 0x0001

	flagCodecMask uint16 = 0x000F
)

var (
	ErrInvalidMagic  = errors.New("invalid frame magic")
	ErrInvalidHeader = errors.New("invalid frame header")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrUnknownCodec  = errors.New("unknown frame codec")
	ErrUnknownFrame  = errors.New("unknown frame type")
)

// Header precedes every frame on the wire
type Header struct {
	Magic  uint32    // Magic number (0x5A545250)
	Type   FrameType // Frame type
	Flags  uint16    // Codec and feature flags
	Length uint32    // Payload length
}

// Encode encodes the header to bytes
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], uint16(h.Type))
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)

	return buf
}

// Decode decodes the header from bytes
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrInvalidHeader
	}

	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Type = FrameType(binary.BigEndian.Uint16(buf[4:6]))
	h.Flags = binary.BigEndian.Uint16(buf[6:8])
	h.Length = binary.BigEndian.Uint32(buf[8:12])

	return nil
}

// Validate validates the header against a payload limit
func (h *Header) Validate(maxFrameSize uint32) error {
	if h.Magic != FrameMagic {
		return ErrInvalidMagic
	}
	if h.Length > maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, h.Length, maxFrameSize)
	}
	return nil
}

// ReadHeader reads and validates a header from an io.Reader
func ReadHeader(r io.Reader, maxFrameSize uint32) (*Header, error) {
	buf := make([]byte, HeaderSize)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	header := &Header{}
	if err := header.Decode(buf); err != nil {
		return nil, err
	}

	if err := header.Validate(maxFrameSize); err != nil {
		return nil, err
	}

	return header, nil
}

// encodeFrame builds header and payload into one buffer so frames are written atomically
func encodeFrame(c codec.Codec, t FrameType, v any) ([]byte, error) {
	flag, err := codecFlag(c)
	if err != nil {
		return nil, err
	}

	payload, err := c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", t, err)
	}

	h := &Header{
		Magic:  FrameMagic,
		Type:   t,
		Flags:  flag,
		Length: uint32(len(payload)),
	}

	return append(h.Encode(), payload...), nil
}

func codecFlag(c codec.Codec) (uint16, error) {
	switch c.Name() {
	case "json":
		return FlagCodecJSON, nil
	case "msgpack":
		return FlagCodecMsgpack, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownCodec, c.Name())
	}
}

func codecForFlags(flags uint16) (codec.Codec, error) {
	switch flags & flagCodecMask {
	case FlagCodecJSON:
		return codec.JSON, nil
	case FlagCodecMsgpack:
		return codec.Msgpack, nil
	default:
		return nil, fmt.Errorf("%w: flag %#x", ErrUnknownCodec, flags&flagCodecMask)
	}
}
