package csvdump

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/qretprop/teststand/pkg/devsession"
	"github.com/qretprop/teststand/pkg/eventbus"
	"github.com/qretprop/teststand/pkg/frame"
	"github.com/qretprop/teststand/pkg/protocol"
	"github.com/qretprop/teststand/pkg/registry"
)

const configJSON = `{
	"deviceName": "D1",
	"deviceType": "Sensor Monitor",
	"sensorInfo": {
		"thermocouples": {"TC1": {"units": "celsius"}},
		"pressureTransducers": {"PT1": {"units": "psi"}}
	}
}`

func driveHandshakeAndData(t *testing.T, conn net.Conn) {
	t.Helper()
	r := frame.NewReader(conn)

	send := func(pkt protocol.Packet) {
		b, err := protocol.Encode(pkt)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := conn.Write(b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeCONFIG},
		Config: protocol.ConfigPayload{JSON: []byte(configJSON)},
	})

	raw, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read config ack: %v", err)
	}
	protocol.Decode(raw)

	raw, err = r.ReadPacket()
	if err != nil {
		t.Fatalf("read timesync: %v", err)
	}
	ts, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode timesync: %v", err)
	}
	send(protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeACK, Timestamp: 1000},
		Ack:    protocol.AckPayload{AckType: protocol.TypeTIMESYNC, AckSeq: ts.Header.Sequence},
	})

	// One DATA packet with both sensors sampled at device time 1500ms.
	send(protocol.Packet{
		Header: protocol.Header{Type: protocol.TypeDATA, Timestamp: 1500},
		Data: protocol.DataPayload{Readings: []protocol.Reading{
			{SensorID: 0, Unit: protocol.UnitCelsius, Value: 20.5},
			{SensorID: 1, Unit: protocol.UnitPSI, Value: 14.7},
		}},
	})
}

func buildSession(t *testing.T) *devsession.Session {
	t.Helper()
	serverConn, deviceConn := net.Pipe()
	reg := registry.New(nil)
	deps := devsession.Deps{
		Logger:            zerolog.Nop(),
		Bus:               eventbus.New(),
		Registry:          reg,
		HeartbeatInterval: time.Hour,
		TimesyncInterval:  time.Hour,
	}

	go devsession.Serve(context.Background(), serverConn, deps)
	driveHandshakeAndData(t, deviceConn)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, ok := reg.GetByName("D1"); ok {
			// give the read loop a moment to process the DATA packet too
			time.Sleep(20 * time.Millisecond)
			return s.(*devsession.Session)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never registered")
	return nil
}

func TestWriteProducesExpectedColumns(t *testing.T) {
	s := buildSession(t)

	dir := t.TempDir()
	dest := filepath.Join(dir, "D1.csv")
	if err := Write(s, dest); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "time_seconds,sensor_1,sensor_2,packet_id\n") {
		t.Fatalf("unexpected header: %q", content)
	}
	if !strings.Contains(content, "20.500000") || !strings.Contains(content, "14.700000") {
		t.Fatalf("expected both sensor values present, got %q", content)
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected one data row, got %d lines: %q", len(lines)-1, content)
	}
	fields := strings.Split(lines[1], ",")
	if len(fields) != 4 || fields[3] == "" {
		t.Fatalf("expected a non-empty packet_id column, got %q", lines[1])
	}
}

func TestFileNameFormat(t *testing.T) {
	tm := time.Date(2026, 7, 31, 14, 5, 9, 0, time.UTC)
	got := FileName("D1", tm)
	want := "D1_20260731-140509.csv"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
