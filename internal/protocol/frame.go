// Package protocol defines the fixed binary frames exchanged between tags,
// anchors, the host and downstream consumers.
//
// Every frame is laid out little-endian as
//
//	version(1) | type(1) | body(n) | crc32(4)
//
// where the CRC covers version, type and body. The body length is fixed for
// each frame type except PositionFix, whose trailing anchor list is bounded
// by MaxAnchorsPerFix. Decoding fails closed: any version, type, length or
// checksum mismatch rejects the frame without partial results.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Version is the protocol version byte carried by every frame.
const Version uint8 = 1

const (
	headerLen  = 2
	trailerLen = 4
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrChecksum    = errors.New("frame checksum mismatch")
	ErrVersion     = errors.New("unsupported protocol version")
	ErrUnknownType = errors.New("unknown frame type")
	ErrWrongType   = errors.New("unexpected frame type")
)

// FrameType identifies the body layout of a frame.
type FrameType uint8

const (
	TypePoll           FrameType = 0x01
	TypeResponse       FrameType = 0x02
	TypeFinal          FrameType = 0x03
	TypeBlink          FrameType = 0x04
	TypeDistanceReport FrameType = 0x10
	TypePositionFix    FrameType = 0x20
)

func (t FrameType) String() string {
	switch t {
	case TypePoll:
		return "poll"
	case TypeResponse:
		return "response"
	case TypeFinal:
		return "final"
	case TypeBlink:
		return "blink"
	case TypeDistanceReport:
		return "distance_report"
	case TypePositionFix:
		return "position_fix"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// bodyLen returns the fixed body size for t, or -1 for variable-length frames.
func bodyLen(t FrameType) (int, bool) {
	switch t {
	case TypePoll, TypeBlink:
		return radioHeaderLen, true
	case TypeResponse:
		return radioHeaderLen + 2*timestampLen, true
	case TypeFinal:
		return radioHeaderLen + 3*timestampLen, true
	case TypeDistanceReport:
		return distanceReportLen, true
	case TypePositionFix:
		return -1, true
	default:
		return 0, false
	}
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// seal appends the header and CRC trailer around body.
func seal(t FrameType, body []byte) []byte {
	buf := make([]byte, 0, headerLen+len(body)+trailerLen)
	buf = append(buf, Version, byte(t))
	buf = append(buf, body...)
	return binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crcTable))
}

// Open validates the envelope of a frame and returns its type and body.
// The returned body aliases buf.
func Open(buf []byte) (FrameType, []byte, error) {
	if len(buf) < headerLen+trailerLen {
		return 0, nil, fmt.Errorf("%w: %d bytes is shorter than the envelope", ErrMalformed, len(buf))
	}
	n := len(buf) - trailerLen
	want := binary.LittleEndian.Uint32(buf[n:])
	if got := crc32.Checksum(buf[:n], crcTable); got != want {
		return 0, nil, fmt.Errorf("%w: got %08x want %08x", ErrChecksum, got, want)
	}
	if buf[0] != Version {
		return 0, nil, fmt.Errorf("%w: %d", ErrVersion, buf[0])
	}
	t := FrameType(buf[1])
	size, ok := bodyLen(t)
	if !ok {
		return 0, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, buf[1])
	}
	body := buf[headerLen:n]
	if size >= 0 && len(body) != size {
		return 0, nil, fmt.Errorf("%w: %s body is %d bytes, want %d", ErrMalformed, t, len(body), size)
	}
	return t, body, nil
}

// PeekType returns the frame type after validating the envelope.
func PeekType(buf []byte) (FrameType, error) {
	t, _, err := Open(buf)
	return t, err
}

func openAs(buf []byte, want FrameType) ([]byte, error) {
	t, body, err := Open(buf)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("%w: got %s want %s", ErrWrongType, t, want)
	}
	return body, nil
}
