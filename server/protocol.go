package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	UnibMagic   = 0x7857 // 'W' 'x' little endian
	UnibHdrLen  = 9
	UnibWrapLen = 11 // header + crc16

	MaxBodyLen = 0x7FF

	TypeLoraRawDataUp = 0x48
	TypeTwrFrame      = 0x50
	TypeTwrFrameS     = 0x52
	TypeRssiFrame     = 0x60
	TypeRssiFrameS    = 0x61
	TypeVioFrame      = 0x90

	// FlagSeconds means the body starts with a one-byte seconds prefix.
	FlagSeconds = 0x2

	vioBodyLen = 17
)

var (
	ErrShortFrame = errors.New("frame too short")
	ErrBadMagic   = errors.New("invalid magic")
	ErrBadCrc     = errors.New("crc mismatch")
)

type UnibHeader struct {
	Addr    uint32
	Flags   uint8
	Type    uint16
	BodyLen int
}

// FrameLen is the length of the whole frame on the wire.
func (h UnibHeader) FrameLen() int { return UnibWrapLen + h.BodyLen }

// RangeSample is one two-way ranging result, metres.
type RangeSample struct {
	AnchorID int
	RangeM   float64
}

type RssiSample struct {
	AnchorID int
	RSSIDb   int
}

// VioFrame is a visual-inertial odometry pose in the device axis order,
// plus the odometer reading.
type VioFrame struct {
	Seq  uint8
	X    float64
	Y    float64
	Z    float64
	Dist float64
}

// ParseHeader parses the UNIB header from the beginning of the packet.
//
//	byte 6: flags:3 typ_low:5
//	byte 7: typ_high:5 len_low:3
//	byte 8: len_high
func ParseHeader(data []byte) (UnibHeader, error) {
	if len(data) < UnibHdrLen {
		return UnibHeader{}, ErrShortFrame
	}
	if magic := binary.LittleEndian.Uint16(data[0:2]); magic != UnibMagic {
		return UnibHeader{}, fmt.Errorf("%w: 0x%x", ErrBadMagic, magic)
	}

	b6, b7 := data[6], data[7]
	return UnibHeader{
		Addr:    binary.LittleEndian.Uint32(data[2:6]),
		Flags:   b6 & 0x7,
		Type:    uint16(b6>>3) | uint16(b7&0x1F)<<5,
		BodyLen: int(b7>>5) | int(data[8])<<3,
	}, nil
}

// Crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func Crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CheckCrc verifies the trailer of a complete frame.
func CheckCrc(frame []byte, hdr UnibHeader) error {
	end := UnibHdrLen + hdr.BodyLen
	if len(frame) < end+2 {
		return ErrShortFrame
	}
	if got, want := binary.LittleEndian.Uint16(frame[end:end+2]), Crc16(frame[:end]); got != want {
		return fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrBadCrc, got, want)
	}
	return nil
}

// EncodeFrame wraps body in a UNIB header and crc trailer.
func EncodeFrame(addr uint32, flags uint8, typ uint16, body []byte) ([]byte, error) {
	if len(body) > MaxBodyLen {
		return nil, fmt.Errorf("body length %d exceeds %d", len(body), MaxBodyLen)
	}
	if typ > 0x3FF {
		return nil, fmt.Errorf("type 0x%x out of range", typ)
	}
	n := len(body)
	out := make([]byte, UnibHdrLen, UnibWrapLen+n)
	binary.LittleEndian.PutUint16(out[0:], UnibMagic)
	binary.LittleEndian.PutUint32(out[2:], addr)
	out[6] = flags&0x7 | byte(typ&0x1F)<<3
	out[7] = byte(typ>>5)&0x1F | byte(n&0x7)<<5
	out[8] = byte(n >> 3)
	out = append(out, body...)
	return binary.LittleEndian.AppendUint16(out, Crc16(out)), nil
}

// stripSeconds drops the seconds prefix when the frame (or its wrapper)
// carries one.
func stripSeconds(body []byte, flags uint8) []byte {
	if flags&FlagSeconds != 0 && len(body) > 0 {
		return body[1:]
	}
	return body
}

// ParseTwrFrame decodes seq(1) meta(1) then num = meta>>4 items of
// addr_low(2) addr_high(1) range_cm(2).
func ParseTwrFrame(body []byte) ([]RangeSample, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("twr frame: %w", ErrShortFrame)
	}
	num := int(body[1] >> 4)
	base := 2
	samples := make([]RangeSample, 0, num)
	for i := 0; i < num; i++ {
		if base+5 > len(body) {
			return nil, fmt.Errorf("twr sample %d truncated", i)
		}
		addrLow := binary.LittleEndian.Uint16(body[base : base+2])
		addrHi := uint32(body[base+2])
		rngRaw := binary.LittleEndian.Uint16(body[base+3 : base+5])
		base += 5

		samples = append(samples, RangeSample{
			AnchorID: int(uint32(addrLow) | addrHi<<16),
			RangeM:   float64(rngRaw) / 100.0,
		})
	}
	return samples, nil
}

// ParseTwrFrameS is the short-address variant: addr(2) range_cm(2).
func ParseTwrFrameS(body []byte) ([]RangeSample, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("twr_s frame: %w", ErrShortFrame)
	}
	num := int(body[1] >> 4)
	base := 2
	samples := make([]RangeSample, 0, num)
	for i := 0; i < num; i++ {
		if base+4 > len(body) {
			return nil, fmt.Errorf("twr_s sample %d truncated", i)
		}
		addr := binary.LittleEndian.Uint16(body[base : base+2])
		rngRaw := binary.LittleEndian.Uint16(body[base+2 : base+4])
		base += 4

		samples = append(samples, RangeSample{AnchorID: int(addr), RangeM: float64(rngRaw) / 100.0})
	}
	return samples, nil
}

// ParseRssiFrame decodes addr_low(2) addr_high(1) rssi(1) items. Some
// gateways send short items under this type with a zero count; those are
// recognised by length.
func ParseRssiFrame(body []byte) ([]RssiSample, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("rssi frame: %w", ErrShortFrame)
	}
	num := int(body[1] >> 4)
	if num == 0 && len(body) >= 5 && (len(body)-2)%3 == 0 {
		return parseRssiShort(body, (len(body)-2)/3)
	}
	base := 2
	samples := make([]RssiSample, 0, num)
	for i := 0; i < num; i++ {
		if base+4 > len(body) {
			return nil, fmt.Errorf("rssi sample %d truncated", i)
		}
		addrLow := binary.LittleEndian.Uint16(body[base : base+2])
		addrHi := uint32(body[base+2])
		rssi := int8(body[base+3])
		base += 4

		samples = append(samples, RssiSample{AnchorID: int(uint32(addrLow) | addrHi<<16), RSSIDb: int(rssi)})
	}
	return samples, nil
}

// ParseRssiFrameS decodes addr(2) rssi(1) items.
func ParseRssiFrameS(body []byte) ([]RssiSample, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("rssi_s frame: %w", ErrShortFrame)
	}
	return parseRssiShort(body, int(body[1]>>4))
}

func parseRssiShort(body []byte, num int) ([]RssiSample, error) {
	base := 2
	samples := make([]RssiSample, 0, num)
	for i := 0; i < num; i++ {
		if base+3 > len(body) {
			return nil, fmt.Errorf("rssi_s sample %d truncated", i)
		}
		addr := binary.LittleEndian.Uint16(body[base : base+2])
		rssi := int8(body[base+2])
		base += 3

		samples = append(samples, RssiSample{AnchorID: int(addr), RSSIDb: int(rssi)})
	}
	return samples, nil
}

// ParseVioFrame decodes seq(1) then x, y, z, dist as float32.
func ParseVioFrame(body []byte) (VioFrame, error) {
	if len(body) < vioBodyLen {
		return VioFrame{}, fmt.Errorf("vio frame: %w", ErrShortFrame)
	}
	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(body[off : off+4])))
	}
	return VioFrame{Seq: body[0], X: f32(1), Y: f32(5), Z: f32(9), Dist: f32(13)}, nil
}

func sampleMeta(num int) (byte, error) {
	if num > 0xF {
		return 0, fmt.Errorf("%d samples exceed frame capacity", num)
	}
	return byte(num << 4), nil
}

func rangeCm(m float64) uint16 {
	cm := math.Round(m * 100)
	return uint16(math.Max(0, math.Min(cm, math.MaxUint16)))
}

// EncodeTwrFrame builds a TypeTwrFrame body.
func EncodeTwrFrame(seq uint8, samples []RangeSample) ([]byte, error) {
	meta, err := sampleMeta(len(samples))
	if err != nil {
		return nil, err
	}
	body := []byte{seq, meta}
	for _, s := range samples {
		body = binary.LittleEndian.AppendUint16(body, uint16(s.AnchorID))
		body = append(body, byte(s.AnchorID>>16))
		body = binary.LittleEndian.AppendUint16(body, rangeCm(s.RangeM))
	}
	return body, nil
}

// EncodeTwrFrameS builds a TypeTwrFrameS body.
func EncodeTwrFrameS(seq uint8, samples []RangeSample) ([]byte, error) {
	meta, err := sampleMeta(len(samples))
	if err != nil {
		return nil, err
	}
	body := []byte{seq, meta}
	for _, s := range samples {
		body = binary.LittleEndian.AppendUint16(body, uint16(s.AnchorID))
		body = binary.LittleEndian.AppendUint16(body, rangeCm(s.RangeM))
	}
	return body, nil
}

// EncodeRssiFrame builds a TypeRssiFrame body.
func EncodeRssiFrame(seq uint8, samples []RssiSample) ([]byte, error) {
	meta, err := sampleMeta(len(samples))
	if err != nil {
		return nil, err
	}
	body := []byte{seq, meta}
	for _, s := range samples {
		body = binary.LittleEndian.AppendUint16(body, uint16(s.AnchorID))
		body = append(body, byte(s.AnchorID>>16), byte(int8(s.RSSIDb)))
	}
	return body, nil
}

// EncodeRssiFrameS builds a TypeRssiFrameS body.
func EncodeRssiFrameS(seq uint8, samples []RssiSample) ([]byte, error) {
	meta, err := sampleMeta(len(samples))
	if err != nil {
		return nil, err
	}
	body := []byte{seq, meta}
	for _, s := range samples {
		body = binary.LittleEndian.AppendUint16(body, uint16(s.AnchorID))
		body = append(body, byte(int8(s.RSSIDb)))
	}
	return body, nil
}

// EncodeVioFrame builds a TypeVioFrame body.
func EncodeVioFrame(v VioFrame) []byte {
	body := make([]byte, 0, vioBodyLen)
	body = append(body, v.Seq)
	for _, f := range []float64{v.X, v.Y, v.Z, v.Dist} {
		body = binary.LittleEndian.AppendUint32(body, math.Float32bits(float32(f)))
	}
	return body
}

// EncodeRawDataUp wraps complete inner frames in a gateway uplink body.
func EncodeRawDataUp(deviceID uint32, rssi int16, frames ...[]byte) []byte {
	body := binary.LittleEndian.AppendUint32(nil, deviceID)
	body = binary.LittleEndian.AppendUint16(body, uint16(rssi))
	for _, f := range frames {
		body = append(body, f...)
	}
	return body
}
