package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned by Decode when b is too small to even contain a
// header.
var ErrShortBuffer = errors.New("protocol: buffer shorter than header")

// DecodeError describes why Decode rejected a packet. Callers that need to
// distinguish "unknown type" (which per spec.md should surface as
// ErrUnknownType rather than a bare framing failure) can check Code.
type DecodeError struct {
	Code ErrorCode
	Msg  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode: %s", e.Msg)
}

func decodeErr(code ErrorCode, format string, args ...any) error {
	return &DecodeError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// DecodeHeader reads just the 9-byte header from b, which must be at least
// HeaderSize bytes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBuffer
	}
	return Header{
		Version:   b[0],
		Type:      Type(b[1]),
		Sequence:  b[2],
		Length:    binary.BigEndian.Uint16(b[3:5]),
		Timestamp: binary.BigEndian.Uint32(b[5:9]),
	}, nil
}

func putHeader(b []byte, h Header) {
	b[0] = h.Version
	b[1] = uint8(h.Type)
	b[2] = h.Sequence
	binary.BigEndian.PutUint16(b[3:5], h.Length)
	binary.BigEndian.PutUint32(b[5:9], h.Timestamp)
}

// Decode parses a complete packet (header and payload) from b. It is strict:
// fixed-size types reject any length other than their exact size, and
// variable-size types reject any length inconsistent with their declared
// count/json_len field. Unknown types decode with Code ErrUnknownType.
func Decode(b []byte) (Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Packet{}, err
	}
	if int(h.Length) != len(b) {
		return Packet{}, decodeErr(ErrInvalidParam, "header length %d does not match buffer length %d", h.Length, len(b))
	}

	p := Packet{Header: h}
	body := b[HeaderSize:]

	switch h.Type {
	case TypeESTOP, TypeTIMESYNC, TypeSTATUS_REQUEST, TypeSTREAM_STOP, TypeGET_SINGLE, TypeHEARTBEAT:
		if len(body) != 0 {
			return Packet{}, decodeErr(ErrInvalidParam, "%s: expected no payload, got %d bytes", h.Type, len(body))
		}
	case TypeCONTROL:
		if len(body) != 2 {
			return Packet{}, decodeErr(ErrInvalidParam, "CONTROL: expected 2 payload bytes, got %d", len(body))
		}
		p.Control = ControlPayload{
			CmdID:    body[0],
			CmdState: ControlState(body[1]),
		}
	case TypeSTREAM_START:
		if len(body) != 2 {
			return Packet{}, decodeErr(ErrInvalidParam, "STREAM_START: expected 2 payload bytes, got %d", len(body))
		}
		freq := binary.BigEndian.Uint16(body)
		if freq == 0 {
			return Packet{}, decodeErr(ErrInvalidParam, "STREAM_START: freq_hz must be nonzero")
		}
		p.StreamStart = StreamStartPayload{FreqHz: freq}
	case TypeCONFIG:
		if len(body) < 4 {
			return Packet{}, decodeErr(ErrInvalidParam, "CONFIG: payload too short for json_len")
		}
		jsonLen := binary.BigEndian.Uint32(body[:4])
		if want := 4 + uint64(jsonLen); want != uint64(len(body)) {
			return Packet{}, decodeErr(ErrInvalidParam, "CONFIG: json_len %d inconsistent with payload length %d", jsonLen, len(body)-4)
		}
		p.Config = ConfigPayload{JSON: append([]byte(nil), body[4:]...)}
	case TypeDATA:
		if len(body) < 1 {
			return Packet{}, decodeErr(ErrInvalidParam, "DATA: payload too short for count")
		}
		count := body[0]
		want := 1 + 6*int(count)
		if want != len(body) {
			return Packet{}, decodeErr(ErrInvalidParam, "DATA: count %d inconsistent with payload length %d", count, len(body)-1)
		}
		readings := make([]Reading, count)
		o := body[1:]
		for i := 0; i < int(count); i++ {
			r := o[i*6 : i*6+6]
			readings[i] = Reading{
				SensorID: r[0],
				Unit:     Unit(r[1]),
				Value:    math.Float32frombits(binary.BigEndian.Uint32(r[2:6])),
			}
		}
		p.Data = DataPayload{Readings: readings}
	case TypeSTATUS:
		if len(body) != 1 {
			return Packet{}, decodeErr(ErrInvalidParam, "STATUS: expected 1 payload byte, got %d", len(body))
		}
		p.Status = StatusPayload{Status: DeviceStatus(body[0])}
	case TypeACK:
		if len(body) != 3 {
			return Packet{}, decodeErr(ErrInvalidParam, "ACK: expected 3 payload bytes, got %d", len(body))
		}
		p.Ack = AckPayload{
			AckType:   Type(body[0]),
			AckSeq:    body[1],
			ErrorCode: ErrorCode(body[2]),
		}
	case TypeNACK:
		if len(body) != 3 {
			return Packet{}, decodeErr(ErrInvalidParam, "NACK: expected 3 payload bytes, got %d", len(body))
		}
		p.Nack = NackPayload{
			NackType:  Type(body[0]),
			NackSeq:   body[1],
			ErrorCode: ErrorCode(body[2]),
		}
	default:
		return Packet{}, decodeErr(ErrUnknownType, "unknown packet type 0x%02x", uint8(h.Type))
	}
	return p, nil
}

// Encode serializes p, filling in Header.Length to match the produced size.
// The caller is responsible for Header.Version, Header.Type, Header.Sequence,
// and Header.Timestamp being set appropriately before calling Encode.
func Encode(p Packet) ([]byte, error) {
	var body []byte

	switch p.Header.Type {
	case TypeESTOP, TypeTIMESYNC, TypeSTATUS_REQUEST, TypeSTREAM_STOP, TypeGET_SINGLE, TypeHEARTBEAT:
		// no payload
	case TypeCONTROL:
		body = []byte{p.Control.CmdID, uint8(p.Control.CmdState)}
	case TypeSTREAM_START:
		if p.StreamStart.FreqHz == 0 {
			return nil, decodeErr(ErrInvalidParam, "STREAM_START: freq_hz must be nonzero")
		}
		body = make([]byte, 2)
		binary.BigEndian.PutUint16(body, p.StreamStart.FreqHz)
	case TypeCONFIG:
		if len(p.Config.JSON) > math.MaxUint32-4 {
			return nil, decodeErr(ErrInvalidParam, "CONFIG: json payload too large")
		}
		body = make([]byte, 4+len(p.Config.JSON))
		binary.BigEndian.PutUint32(body[:4], uint32(len(p.Config.JSON)))
		copy(body[4:], p.Config.JSON)
	case TypeDATA:
		if len(p.Data.Readings) > 255 {
			return nil, decodeErr(ErrInvalidParam, "DATA: too many readings")
		}
		body = make([]byte, 1+6*len(p.Data.Readings))
		body[0] = uint8(len(p.Data.Readings))
		for i, r := range p.Data.Readings {
			o := body[1+i*6:]
			o[0] = r.SensorID
			o[1] = uint8(r.Unit)
			binary.BigEndian.PutUint32(o[2:6], math.Float32bits(r.Value))
		}
	case TypeSTATUS:
		body = []byte{uint8(p.Status.Status)}
	case TypeACK:
		body = []byte{uint8(p.Ack.AckType), p.Ack.AckSeq, uint8(p.Ack.ErrorCode)}
	case TypeNACK:
		body = []byte{uint8(p.Nack.NackType), p.Nack.NackSeq, uint8(p.Nack.ErrorCode)}
	default:
		return nil, decodeErr(ErrUnknownType, "unknown packet type 0x%02x", uint8(p.Header.Type))
	}

	total := HeaderSize + len(body)
	if total > MaxPacket {
		return nil, decodeErr(ErrInvalidParam, "encoded packet of %d bytes exceeds MaxPacket", total)
	}

	p.Header.Length = uint16(total)
	b := make([]byte, total)
	putHeader(b, p.Header)
	copy(b[HeaderSize:], body)
	return b, nil
}
