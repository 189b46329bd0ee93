// Package protocol implements the test-stand wire protocol: a fixed 9-byte
// header followed by a mix of fixed- and variable-length payloads, all
// big-endian. Encode and Decode are pure; this package performs no I/O.
package protocol

import "fmt"

// HeaderSize is the size in bytes of every packet header.
const HeaderSize = 9

// MaxPacket is the largest packet the frame reader will accept, including
// the header.
const MaxPacket = 65535

// Version is the only protocol version this package understands.
const Version = 2

// Type identifies a packet's payload layout and direction.
type Type uint8

const (
	TypeESTOP          Type = 0x00 // S->D, no payload
	TypeDISCOVERY      Type = 0x01 // S->*, UDP only, not framed
	TypeTIMESYNC       Type = 0x02 // S->D, header-only
	TypeCONTROL        Type = 0x03 // S->D
	TypeSTATUS_REQUEST Type = 0x04 // S->D, no payload
	TypeSTREAM_START   Type = 0x05 // S->D
	TypeSTREAM_STOP    Type = 0x06 // S->D, no payload
	TypeGET_SINGLE     Type = 0x07 // S->D, no payload
	TypeHEARTBEAT      Type = 0x08 // S->D, no payload
	TypeCONFIG         Type = 0x10 // D->S
	TypeDATA           Type = 0x11 // D->S
	TypeSTATUS         Type = 0x12 // D->S
	TypeACK            Type = 0x13 // D->S
	TypeNACK           Type = 0x14 // D->S
)

func (t Type) String() string {
	switch t {
	case TypeESTOP:
		return "ESTOP"
	case TypeDISCOVERY:
		return "DISCOVERY"
	case TypeTIMESYNC:
		return "TIMESYNC"
	case TypeCONTROL:
		return "CONTROL"
	case TypeSTATUS_REQUEST:
		return "STATUS_REQUEST"
	case TypeSTREAM_START:
		return "STREAM_START"
	case TypeSTREAM_STOP:
		return "STREAM_STOP"
	case TypeGET_SINGLE:
		return "GET_SINGLE"
	case TypeHEARTBEAT:
		return "HEARTBEAT"
	case TypeCONFIG:
		return "CONFIG"
	case TypeDATA:
		return "DATA"
	case TypeSTATUS:
		return "STATUS"
	case TypeACK:
		return "ACK"
	case TypeNACK:
		return "NACK"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// DeviceStatus is the device-reported operating status carried in STATUS.
type DeviceStatus uint8

const (
	StatusInactive    DeviceStatus = 0
	StatusActive      DeviceStatus = 1
	StatusError       DeviceStatus = 2
	StatusCalibrating DeviceStatus = 3
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusActive:
		return "ACTIVE"
	case StatusError:
		return "ERROR"
	case StatusCalibrating:
		return "CALIBRATING"
	default:
		return fmt.Sprintf("DeviceStatus(%d)", uint8(s))
	}
}

// ControlState is the commanded or reported state of a control (valve).
type ControlState uint8

const (
	ControlClosed ControlState = 0x00
	ControlOpen   ControlState = 0x01
	ControlError  ControlState = 0xFF
)

func (s ControlState) String() string {
	switch s {
	case ControlClosed:
		return "CLOSED"
	case ControlOpen:
		return "OPEN"
	case ControlError:
		return "ERROR"
	default:
		return fmt.Sprintf("ControlState(%d)", uint8(s))
	}
}

// Unit identifies the physical unit of a sensor reading.
type Unit uint8

const (
	UnitKelvin     Unit = 0x00
	UnitCelsius    Unit = 0x01
	UnitFahrenheit Unit = 0x02
	UnitPascal     Unit = 0x03
	UnitKPA        Unit = 0x04
	UnitPSI        Unit = 0x05
	UnitBar        Unit = 0x06
	UnitNewton     Unit = 0x07
	UnitKgf        Unit = 0x08
	UnitLbf        Unit = 0x09
	UnitMeter      Unit = 0x0A
	UnitMillimeter Unit = 0x0B
	UnitSecond     Unit = 0x0C
	UnitHertz      Unit = 0x0D
	UnitVolt       Unit = 0x0E
	UnitAmpere     Unit = 0x0F
	UnitUnitless   Unit = 0xFF
)

// ErrorCode is the device-reported reason for a NACK.
type ErrorCode uint8

const (
	ErrNone          ErrorCode = 0
	ErrUnknownType   ErrorCode = 1
	ErrInvalidID     ErrorCode = 2
	ErrHardwareFault ErrorCode = 3
	ErrBusy          ErrorCode = 4
	ErrNotStreaming  ErrorCode = 5
	ErrInvalidParam  ErrorCode = 6
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "NONE"
	case ErrUnknownType:
		return "UNKNOWN_TYPE"
	case ErrInvalidID:
		return "INVALID_ID"
	case ErrHardwareFault:
		return "HARDWARE_FAULT"
	case ErrBusy:
		return "BUSY"
	case ErrNotStreaming:
		return "NOT_STREAMING"
	case ErrInvalidParam:
		return "INVALID_PARAM"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint8(e))
	}
}

// Header is the fixed 9-byte packet header, present on every packet.
type Header struct {
	Version   uint8
	Type      Type
	Sequence  uint8
	Length    uint16 // total packet size, including the header
	Timestamp uint32 // ms since sender epoch
}

// Reading is a single sensor sample within a DATA packet.
type Reading struct {
	SensorID uint8
	Unit     Unit
	Value    float32
}

// Packet is a decoded protocol packet: the header plus a typed payload.
// Exactly one of the payload fields is meaningful, selected by Header.Type.
type Packet struct {
	Header Header

	Control      ControlPayload
	StreamStart  StreamStartPayload
	Config       ConfigPayload
	Data         DataPayload
	Status       StatusPayload
	Ack          AckPayload
	Nack         NackPayload
}

type ControlPayload struct {
	CmdID    uint8
	CmdState ControlState
}

type StreamStartPayload struct {
	FreqHz uint16
}

// ConfigPayload carries the device's raw CONFIG JSON. Decode does not parse
// it any further than validating it is present; see devsession for schema
// interpretation.
type ConfigPayload struct {
	JSON []byte
}

type DataPayload struct {
	Readings []Reading
}

type StatusPayload struct {
	Status DeviceStatus
}

type AckPayload struct {
	AckType  Type
	AckSeq   uint8
	ErrorCode ErrorCode
}

type NackPayload struct {
	NackType  Type
	NackSeq   uint8
	ErrorCode ErrorCode
}
