// Package devsession implements the per-connection device state machine:
// the CONFIG/TIMESYNC handshake, READY-state command/response multiplexing,
// heartbeat supervision, and the CLOSED teardown path.
package devsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/qretprop/teststand/pkg/eventbus"
	"github.com/qretprop/teststand/pkg/frame"
	"github.com/qretprop/teststand/pkg/protocol"
	"github.com/qretprop/teststand/pkg/registry"
)

// state is the session's coarse lifecycle state.
type state int32

const (
	stateAwaitingConfig state = iota
	stateAwaitingSync
	stateReady
	stateClosed
)

// Failure kinds a dispatcher-facing call can fail with.
var (
	ErrTimeout      = errors.New("devsession: timed out waiting for device response")
	ErrDisconnected = errors.New("devsession: session closed")
)

// NackError is returned when a device rejects an ACK-bearing request.
type NackError struct {
	Code protocol.ErrorCode
}

func (e *NackError) Error() string { return fmt.Sprintf("devsession: device NACK: %s", e.Code) }

// Deps are the tunables and collaborators a Session needs, shared across all
// sessions an Acceptor hands off.
type Deps struct {
	Logger             zerolog.Logger
	Bus                *eventbus.Bus
	Registry           *registry.Registry
	HeartbeatInterval  time.Duration // default 5s
	HeartbeatMissLimit int           // default 2
	TimesyncInterval   time.Duration // default 10m
	AckDeadline        time.Duration // default 2s
	SyncDeadline       time.Duration // default 3s, AWAITING_SYNC timeout
}

func (d Deps) withDefaults() Deps {
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 5 * time.Second
	}
	if d.HeartbeatMissLimit <= 0 {
		d.HeartbeatMissLimit = 2
	}
	if d.TimesyncInterval <= 0 {
		d.TimesyncInterval = 10 * time.Minute
	}
	if d.AckDeadline <= 0 {
		d.AckDeadline = 2 * time.Second
	}
	if d.SyncDeadline <= 0 {
		d.SyncDeadline = 3 * time.Second
	}
	return d
}

// pendingAck is one outstanding ACK-bearing request, per Design Notes'
// fixed-size sequence waiter table.
type pendingAck struct {
	reqType protocol.Type
	result  chan ackResult
}

type ackResult struct {
	deviceTimestamp uint32
	nack            bool
	errorCode       protocol.ErrorCode
}

// Session is one device's live connection and state machine.
type Session struct {
	conn   net.Conn
	reader *frame.Reader
	deps   Deps
	logger zerolog.Logger

	addr   netip.AddrPort
	connID uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	sendMu      sync.Mutex
	outboundSeq uint8

	respMu       sync.Mutex
	pendingAcks  [256]*pendingAck
	statusWaiter chan protocol.DeviceStatus
	dataWaiter   chan []protocol.Reading

	syncMu sync.Mutex
	sync   timeSync

	name     string
	kind     string
	fwVer    string
	sensors  []SensorDescriptor
	controls []ControlDescriptor

	controlStatesMu sync.Mutex
	controlStates   []protocol.ControlState // last known state per cmd_id

	streamMu sync.Mutex
	streaming bool
	streamHz  uint16

	buffersMu sync.Mutex
	buffers   []*ringBuffer // indexed by sensor_id, lazily sized to len(sensors)

	lastEstopAt atomic.Value // time.Time

	closeOnce sync.Once

	heartbeatMisses atomic.Int32
}

// Addr implements registry.Session.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// Name implements registry.Session.
func (s *Session) Name() string { return s.name }

// Kind returns the device's reported deviceType.
func (s *Session) Kind() string { return s.kind }

// FirmwareVersion returns the device's optional, informational firmware
// version string (possibly empty).
func (s *Session) FirmwareVersion() string { return s.fwVer }

// ConnID is the per-connection correlation id minted at accept time.
func (s *Session) ConnID() uuid.UUID { return s.connID }

// Sensors returns the device's sensor table. The slice and its elements
// must not be mutated; indices are immutable for the session's lifetime.
func (s *Session) Sensors() []SensorDescriptor { return s.sensors }

// Controls returns the device's control table, indexed by cmd_id.
func (s *Session) Controls() []ControlDescriptor { return s.controls }

// ControlStates returns the last known commanded state of each control,
// indexed by cmd_id.
func (s *Session) ControlStates() []protocol.ControlState {
	s.controlStatesMu.Lock()
	defer s.controlStatesMu.Unlock()
	out := make([]protocol.ControlState, len(s.controlStates))
	copy(out, s.controlStates)
	return out
}

// LastEstopAt reports when ESTOP was last issued to this device locally, or
// the zero Time if never.
func (s *Session) LastEstopAt() time.Time {
	if v := s.lastEstopAt.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// IsStreaming reports the current STREAMING substate and configured rate.
func (s *Session) IsStreaming() (bool, uint16) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streaming, s.streamHz
}

// SensorBuffer returns a chronological snapshot of sensor id's history. Used
// by internal/csvdump; returns nil for an out-of-range id.
func (s *Session) SensorBuffer(sensorID int) []Sample {
	s.buffersMu.Lock()
	defer s.buffersMu.Unlock()
	if sensorID < 0 || sensorID >= len(s.buffers) {
		return nil
	}
	return s.buffers[sensorID].Snapshot()
}

// Serve runs one device's full lifecycle on conn: the CONFIG/TIMESYNC
// handshake, then the READY state's inbound/outbound/timer multiplexing,
// until the connection closes or ctx is canceled. It takes deps in addition
// to acceptor.Handler's arguments, so callers bind deps in a closure to use it
// as a Handler. Serve always closes conn before returning.
func Serve(ctx context.Context, conn net.Conn, deps Deps) {
	deps = deps.withDefaults()

	addr := netip.AddrPort{}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = tcp.AddrPort()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		conn:    conn,
		reader:  frame.NewReader(conn),
		deps:    deps,
		logger:  deps.Logger.With().Str("component", "devsession").Str("peer", addr.String()).Logger(),
		addr:    addr,
		connID:  uuid.New(),
		ctx:     sctx,
		cancel:  cancel,
	}
	s.state.Store(int32(stateAwaitingConfig))

	if err := s.runHandshake(); err != nil {
		s.logger.Warn().Err(err).Msg("handshake failed")
		s.close("handshake failed")
		return
	}

	s.state.Store(int32(stateReady))
	deps.Registry.Add(s)
	s.logger.Info().Str("device_name", s.name).Str("device_kind", s.kind).Msg("device ready")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.heartbeatLoop() }()
	go func() { defer wg.Done(); s.timesyncLoop() }()

	s.readLoop() // blocks until the connection is done

	s.close("connection ended")
	wg.Wait()
}
