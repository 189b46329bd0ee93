package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qretprop/teststand/pkg/devsession"
	"github.com/qretprop/teststand/pkg/eventbus"
	"github.com/qretprop/teststand/pkg/frame"
	"github.com/qretprop/teststand/pkg/metricsx"
	"github.com/qretprop/teststand/pkg/protocol"
	"github.com/qretprop/teststand/pkg/registry"
)

const configJSON = `{
	"deviceName": "D",
	"deviceType": "Sensor Monitor",
	"sensorInfo": {"thermocouples": {"TC1": {"units": "celsius"}}},
	"controls": {"AVFILL": {"pin": 4, "type": "solenoid", "defaultState": "CLOSED"}}
}`

func configJSONNamed(name string) string {
	return `{
		"deviceName": "` + name + `",
		"deviceType": "Sensor Monitor",
		"sensorInfo": {"thermocouples": {"TC1": {"units": "celsius"}}},
		"controls": {"AVFILL": {"pin": 4, "type": "solenoid", "defaultState": "CLOSED"}}
	}`
}

// driveHandshake plays the device side of the CONFIG/TIMESYNC handshake
// over conn so the server-side Serve goroutine reaches READY.
func driveHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	driveHandshakeNamed(t, conn, configJSON)
}

func driveHandshakeNamed(t *testing.T, conn net.Conn, json string) {
	t.Helper()
	r := frame.NewReader(conn)

	cfgPkt := protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeCONFIG},
		Config: protocol.ConfigPayload{JSON: []byte(json)},
	}
	b, err := protocol.Encode(cfgPkt)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write config: %v", err)
	}

	raw, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read config ack: %v", err)
	}
	if _, err := protocol.Decode(raw); err != nil {
		t.Fatalf("decode config ack: %v", err)
	}

	raw, err = r.ReadPacket()
	if err != nil {
		t.Fatalf("read timesync: %v", err)
	}
	ts, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode timesync: %v", err)
	}

	ackPkt := protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeACK, Timestamp: 5000},
		Ack:    protocol.AckPayload{AckType: protocol.TypeTIMESYNC, AckSeq: ts.Header.Sequence},
	}
	b, err = protocol.Encode(ackPkt)
	if err != nil {
		t.Fatalf("encode timesync ack: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write timesync ack: %v", err)
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, net.Conn) {
	t.Helper()
	serverConn, deviceConn := net.Pipe()
	reg := registry.New(nil)
	deps := devsession.Deps{
		Logger:   zerolog.Nop(),
		Bus:      eventbus.New(),
		Registry: reg,
	}

	go devsession.Serve(context.Background(), serverConn, deps)
	driveHandshake(t, deviceConn)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.GetByName("D"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	return New(reg, nil), reg, deviceConn
}

// registerNamed drives a second device's handshake against reg/bus and
// returns its device-side connection, for tests needing more than one
// registered device (e.g. EstopAll).
func registerNamed(t *testing.T, reg *registry.Registry, bus *eventbus.Bus, name string) net.Conn {
	t.Helper()
	serverConn, deviceConn := net.Pipe()
	deps := devsession.Deps{Logger: zerolog.Nop(), Bus: bus, Registry: reg}

	// net.Pipe has no TCP address and the registry keys sessions by
	// address, so give each device its own port to keep them apart.
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + reg.Len()}
	go devsession.Serve(context.Background(), pipeWithAddr{serverConn, remote}, deps)
	driveHandshakeNamed(t, deviceConn, configJSONNamed(name))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.GetByName(name); ok {
			return deviceConn
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("device %s never registered", name)
	return nil
}

// pipeWithAddr reports a fixed remote address for a net.Pipe end.
type pipeWithAddr struct {
	net.Conn
	remote net.Addr
}

func (c pipeWithAddr) RemoteAddr() net.Addr { return c.remote }

func TestControlNoSuchName(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := d.Control(ctx, "D", "NONEXISTENT", protocol.ControlOpen)
	if err == nil || err.Kind != FailureNoSuchName {
		t.Fatalf("expected NO_SUCH_NAME, got %v", err)
	}
}

func TestControlNoSuchDevice(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := d.Control(ctx, "NOPE", "AVFILL", protocol.ControlOpen)
	if err == nil || err.Kind != FailureNoSuchDevice {
		t.Fatalf("expected NO_SUCH_DEVICE, got %v", err)
	}

	name := metricsx.Name(`teststand_dispatcher_requests_total`, "op", "control", "result", "no_such_device")
	if got := d.metrics.GetOrCreateCounter(name).Get(); got != 1 {
		t.Fatalf("expected %s to be 1, got %d", name, got)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	d, _, deviceConn := newTestDispatcher(t)
	r := frame.NewReader(deviceConn)

	go func() {
		raw, err := r.ReadPacket()
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(raw)
		if err != nil || pkt.Header.Type != protocol.TypeSTATUS_REQUEST {
			return
		}
		statusPkt := protocol.Packet{
			Header: protocol.Header{Type: protocol.TypeSTATUS},
			Status: protocol.StatusPayload{Status: protocol.StatusActive},
		}
		b, _ := protocol.Encode(statusPkt)
		deviceConn.Write(b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	status, err := d.Status(ctx, "D")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != protocol.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", status)
	}
}

// TestStartStopStreamAndGetSingle drives scenario S2 through the dispatcher:
// StartStream negotiates a rate, GetSingle round-trips one DATA reply, and
// StopStream clears it.
func TestStartStopStreamAndGetSingle(t *testing.T) {
	d, _, deviceConn := newTestDispatcher(t)
	r := frame.NewReader(deviceConn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errc := make(chan *Error, 1)
	go func() { errc <- d.StartStream(ctx, "D", 10) }()

	raw, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read STREAM_START: %v", err)
	}
	pkt, err := protocol.Decode(raw)
	if err != nil || pkt.Header.Type != protocol.TypeSTREAM_START || pkt.StreamStart.FreqHz != 10 {
		t.Fatalf("expected STREAM_START freq=10, got %+v err=%v", pkt, err)
	}
	ackB, _ := protocol.Encode(protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeACK},
		Ack:    protocol.AckPayload{AckType: protocol.TypeSTREAM_START, AckSeq: pkt.Header.Sequence},
	})
	deviceConn.Write(ackB)

	if err := <-errc; err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	go func() { errc <- d.StopStream(ctx, "D") }()
	raw, err = r.ReadPacket()
	if err != nil {
		t.Fatalf("read STREAM_STOP: %v", err)
	}
	pkt, err = protocol.Decode(raw)
	if err != nil || pkt.Header.Type != protocol.TypeSTREAM_STOP {
		t.Fatalf("expected STREAM_STOP, got %+v err=%v", pkt, err)
	}
	ackB, _ = protocol.Encode(protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeACK},
		Ack:    protocol.AckPayload{AckType: protocol.TypeSTREAM_STOP, AckSeq: pkt.Header.Sequence},
	})
	deviceConn.Write(ackB)
	if err := <-errc; err != nil {
		t.Fatalf("StopStream: %v", err)
	}

	go func() {
		raw, err := r.ReadPacket()
		if err != nil {
			return
		}
		pkt, err := protocol.Decode(raw)
		if err != nil || pkt.Header.Type != protocol.TypeGET_SINGLE {
			return
		}
		b, _ := protocol.Encode(protocol.Packet{
			Header: protocol.Header{Type: protocol.TypeDATA},
			Data:   protocol.DataPayload{Readings: []protocol.Reading{{SensorID: 0, Unit: protocol.UnitCelsius, Value: 21.0}}},
		})
		deviceConn.Write(b)
	}()

	readings, err := d.GetSingle(ctx, "D")
	if err != nil {
		t.Fatalf("GetSingle: %v", err)
	}
	if len(readings) != 1 || readings[0].Value != 21.0 {
		t.Fatalf("unexpected readings: %+v", readings)
	}
}

// TestEstopAll drives scenario S5: with two devices registered, EstopAll
// writes ESTOP to each without waiting for any ACK.
func TestEstopAll(t *testing.T) {
	reg := registry.New(nil)
	bus := eventbus.New()
	conn1 := registerNamed(t, reg, bus, "D")
	conn2 := registerNamed(t, reg, bus, "D2")
	d := New(reg, nil)

	// net.Pipe is unbuffered: each ESTOP write completes only once the
	// device side reads it, so the devices read concurrently with EstopAll.
	type readResult struct {
		raw []byte
		err error
	}
	reads := make(map[string]chan readResult)
	for name, conn := range map[string]net.Conn{"D": conn1, "D2": conn2} {
		ch := make(chan readResult, 1)
		reads[name] = ch
		go func(conn net.Conn) {
			conn.SetReadDeadline(time.Now().Add(time.Second))
			raw, err := frame.NewReader(conn).ReadPacket()
			ch <- readResult{raw, err}
		}(conn)
	}

	done := make(chan []*Error, 1)
	go func() { done <- d.EstopAll() }()

	select {
	case errs := <-done:
		if len(errs) != 0 {
			t.Fatalf("expected no errors, got %+v", errs)
		}
	case <-time.After(time.Second):
		t.Fatal("EstopAll blocked waiting for a response it should never wait for")
	}

	for name, ch := range reads {
		res := <-ch
		if res.err != nil {
			t.Fatalf("%s: read ESTOP: %v", name, res.err)
		}
		pkt, err := protocol.Decode(res.raw)
		if err != nil || pkt.Header.Type != protocol.TypeESTOP {
			t.Fatalf("%s: expected ESTOP, got %+v err=%v", name, pkt, err)
		}
	}

	if session, ok := reg.GetByName("D"); ok {
		s := session.(*devsession.Session)
		if s.LastEstopAt().IsZero() {
			t.Fatal("expected D's LastEstopAt to be recorded")
		}
	}
}
