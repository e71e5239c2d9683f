package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// MaxAnchorsPerFix bounds the anchor list carried by a PositionFix frame.
const MaxAnchorsPerFix = 32

// distance_mm(4) quality(2) tag(2) anchor(2) seq(4) unix_nanos(8)
const distanceReportLen = 22

// tag(2) unix_nanos(8) x,y,z mm(12) residual_mm(4) confidence(1) flags(1) count(1)
const positionFixFixedLen = 29

// QualityScale maps a [0,1] quality onto the 16-bit wire field.
const QualityScale = math.MaxUint16

// DistanceReport is emitted by an anchor for every completed exchange.
// Distances travel as signed millimetres so encoding is exact and stable.
type DistanceReport struct {
	TagID     uint16
	AnchorID  uint16
	Seq       uint32
	Distance  float64 // metres
	Quality   float64 // [0,1], 1 is best
	Timestamp time.Time
}

// Confidence is the tier assigned to a position fix.
type Confidence uint8

const (
	ConfidenceLow    Confidence = 1
	ConfidenceMedium Confidence = 2
	ConfidenceHigh   Confidence = 3
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return fmt.Sprintf("confidence(%d)", uint8(c))
	}
}

const fixFlagStale = 1 << 0

// PositionFix is the host-to-consumer frame.
type PositionFix struct {
	TagID      uint16
	Timestamp  time.Time
	X, Y, Z    float64 // metres
	Residual   float64 // metres, RMS
	Confidence Confidence
	Stale      bool
	Anchors    []uint16
}

func toMillis(m float64) int32 {
	mm := math.Round(m * 1000)
	if mm > math.MaxInt32 {
		return math.MaxInt32
	}
	if mm < math.MinInt32 {
		return math.MinInt32
	}
	return int32(mm)
}

func fromMillis(mm int32) float64 { return float64(mm) / 1000 }

func quantizeQuality(q float64) uint16 {
	if math.IsNaN(q) || q <= 0 {
		return 0
	}
	if q >= 1 {
		return QualityScale
	}
	return uint16(math.Round(q * QualityScale))
}

func (r DistanceReport) Encode() []byte {
	b := make([]byte, 0, distanceReportLen)
	b = binary.LittleEndian.AppendUint32(b, uint32(toMillis(r.Distance)))
	b = binary.LittleEndian.AppendUint16(b, quantizeQuality(r.Quality))
	b = binary.LittleEndian.AppendUint16(b, r.TagID)
	b = binary.LittleEndian.AppendUint16(b, r.AnchorID)
	b = binary.LittleEndian.AppendUint32(b, r.Seq)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.Timestamp.UnixNano()))
	return seal(TypeDistanceReport, b)
}

func DecodeDistanceReport(buf []byte) (DistanceReport, error) {
	body, err := openAs(buf, TypeDistanceReport)
	if err != nil {
		return DistanceReport{}, err
	}
	return DistanceReport{
		Distance:  fromMillis(int32(binary.LittleEndian.Uint32(body[0:4]))),
		Quality:   float64(binary.LittleEndian.Uint16(body[4:6])) / QualityScale,
		TagID:     binary.LittleEndian.Uint16(body[6:8]),
		AnchorID:  binary.LittleEndian.Uint16(body[8:10]),
		Seq:       binary.LittleEndian.Uint32(body[10:14]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(body[14:22]))),
	}, nil
}

func (f PositionFix) Encode() ([]byte, error) {
	if len(f.Anchors) > MaxAnchorsPerFix {
		return nil, fmt.Errorf("%w: %d anchors exceeds %d", ErrMalformed, len(f.Anchors), MaxAnchorsPerFix)
	}
	b := make([]byte, 0, positionFixFixedLen+2*len(f.Anchors))
	b = binary.LittleEndian.AppendUint16(b, f.TagID)
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Timestamp.UnixNano()))
	for _, v := range [...]float64{f.X, f.Y, f.Z} {
		b = binary.LittleEndian.AppendUint32(b, uint32(toMillis(v)))
	}
	res := math.Round(f.Residual * 1000)
	if res < 0 || math.IsNaN(res) {
		res = 0
	}
	if res > math.MaxUint32 {
		res = math.MaxUint32
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(res))
	var flags byte
	if f.Stale {
		flags |= fixFlagStale
	}
	b = append(b, byte(f.Confidence), flags, byte(len(f.Anchors)))
	for _, id := range f.Anchors {
		b = binary.LittleEndian.AppendUint16(b, id)
	}
	return seal(TypePositionFix, b), nil
}

func DecodePositionFix(buf []byte) (PositionFix, error) {
	body, err := openAs(buf, TypePositionFix)
	if err != nil {
		return PositionFix{}, err
	}
	if len(body) < positionFixFixedLen {
		return PositionFix{}, fmt.Errorf("%w: position fix body is %d bytes", ErrMalformed, len(body))
	}
	n := int(body[28])
	if n > MaxAnchorsPerFix || len(body) != positionFixFixedLen+2*n {
		return PositionFix{}, fmt.Errorf("%w: anchor list of %d does not match %d byte body", ErrMalformed, n, len(body))
	}
	conf := Confidence(body[26])
	if conf < ConfidenceLow || conf > ConfidenceHigh {
		return PositionFix{}, fmt.Errorf("%w: %s", ErrMalformed, conf)
	}
	f := PositionFix{
		TagID:      binary.LittleEndian.Uint16(body[0:2]),
		Timestamp:  time.Unix(0, int64(binary.LittleEndian.Uint64(body[2:10]))),
		X:          fromMillis(int32(binary.LittleEndian.Uint32(body[10:14]))),
		Y:          fromMillis(int32(binary.LittleEndian.Uint32(body[14:18]))),
		Z:          fromMillis(int32(binary.LittleEndian.Uint32(body[18:22]))),
		Residual:   float64(binary.LittleEndian.Uint32(body[22:26])) / 1000,
		Confidence: conf,
		Stale:      body[27]&fixFlagStale != 0,
	}
	if n > 0 {
		f.Anchors = make([]uint16, n)
		for i := range f.Anchors {
			off := positionFixFixedLen + 2*i
			f.Anchors[i] = binary.LittleEndian.Uint16(body[off : off+2])
		}
	}
	return f, nil
}
