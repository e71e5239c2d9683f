package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	radioHeaderLen = 6
	timestampLen   = 8
)

// Role is the part a device plays in a ranging exchange.
type Role uint8

const (
	RoleInitiator Role = 1
	RoleResponder Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// RadioHeader is shared by every over-the-air ranging frame.
type RadioHeader struct {
	Role Role
	Seq  uint8 // wraps; matched by equality within one exchange
	Src  uint16
	Dst  uint16
}

func (h RadioHeader) append(b []byte) []byte {
	b = append(b, byte(h.Role), h.Seq)
	b = binary.LittleEndian.AppendUint16(b, h.Src)
	return binary.LittleEndian.AppendUint16(b, h.Dst)
}

func readRadioHeader(b []byte) (RadioHeader, error) {
	h := RadioHeader{
		Role: Role(b[0]),
		Seq:  b[1],
		Src:  binary.LittleEndian.Uint16(b[2:4]),
		Dst:  binary.LittleEndian.Uint16(b[4:6]),
	}
	if h.Role != RoleInitiator && h.Role != RoleResponder {
		return h, fmt.Errorf("%w: %s", ErrMalformed, h.Role)
	}
	return h, nil
}

// Poll opens an exchange. The initiator keeps its own transmit timestamp.
type Poll struct {
	RadioHeader
}

// Response answers a poll with the responder's receive and transmit times.
type Response struct {
	RadioHeader
	PollRx uint64
	RespTx uint64
}

// Final closes an exchange with the initiator's three timestamps.
type Final struct {
	RadioHeader
	PollTx  uint64
	RespRx  uint64
	FinalTx uint64
}

// Blink is a tag presence beacon. It carries no timestamps.
type Blink struct {
	RadioHeader
}

func (f Poll) Encode() []byte {
	return seal(TypePoll, f.RadioHeader.append(make([]byte, 0, radioHeaderLen)))
}

func (f Blink) Encode() []byte {
	return seal(TypeBlink, f.RadioHeader.append(make([]byte, 0, radioHeaderLen)))
}

func (f Response) Encode() []byte {
	b := f.RadioHeader.append(make([]byte, 0, radioHeaderLen+2*timestampLen))
	b = binary.LittleEndian.AppendUint64(b, f.PollRx)
	b = binary.LittleEndian.AppendUint64(b, f.RespTx)
	return seal(TypeResponse, b)
}

func (f Final) Encode() []byte {
	b := f.RadioHeader.append(make([]byte, 0, radioHeaderLen+3*timestampLen))
	b = binary.LittleEndian.AppendUint64(b, f.PollTx)
	b = binary.LittleEndian.AppendUint64(b, f.RespRx)
	b = binary.LittleEndian.AppendUint64(b, f.FinalTx)
	return seal(TypeFinal, b)
}

func DecodePoll(buf []byte) (Poll, error) {
	body, err := openAs(buf, TypePoll)
	if err != nil {
		return Poll{}, err
	}
	h, err := readRadioHeader(body)
	return Poll{RadioHeader: h}, err
}

func DecodeBlink(buf []byte) (Blink, error) {
	body, err := openAs(buf, TypeBlink)
	if err != nil {
		return Blink{}, err
	}
	h, err := readRadioHeader(body)
	return Blink{RadioHeader: h}, err
}

func DecodeResponse(buf []byte) (Response, error) {
	body, err := openAs(buf, TypeResponse)
	if err != nil {
		return Response{}, err
	}
	h, err := readRadioHeader(body)
	if err != nil {
		return Response{}, err
	}
	ts := body[radioHeaderLen:]
	return Response{
		RadioHeader: h,
		PollRx:      binary.LittleEndian.Uint64(ts[0:8]),
		RespTx:      binary.LittleEndian.Uint64(ts[8:16]),
	}, nil
}

func DecodeFinal(buf []byte) (Final, error) {
	body, err := openAs(buf, TypeFinal)
	if err != nil {
		return Final{}, err
	}
	h, err := readRadioHeader(body)
	if err != nil {
		return Final{}, err
	}
	ts := body[radioHeaderLen:]
	return Final{
		RadioHeader: h,
		PollTx:      binary.LittleEndian.Uint64(ts[0:8]),
		RespRx:      binary.LittleEndian.Uint64(ts[8:16]),
		FinalTx:     binary.LittleEndian.Uint64(ts[16:24]),
	}, nil
}
