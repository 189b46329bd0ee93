package frame

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/qretprop/teststand/pkg/protocol"
)

func mustEncode(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	b, err := protocol.Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestReadPacketSequence(t *testing.T) {
	p1 := protocol.Packet{Header: protocol.Header{Version: 2, Type: protocol.TypeHEARTBEAT, Sequence: 1, Length: 9}}
	p2 := protocol.Packet{Header: protocol.Header{Version: 2, Type: protocol.TypeSTATUS, Sequence: 2, Length: 10}, Status: protocol.StatusPayload{Status: protocol.StatusActive}}

	var buf bytes.Buffer
	buf.Write(mustEncode(t, p1))
	buf.Write(mustEncode(t, p2))

	r := NewReader(&buf)

	b1, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read 1: %v", err)
	}
	got1, err := protocol.Decode(b1)
	if err != nil || !reflect.DeepEqual(got1, p1) {
		t.Fatalf("decode 1: %v %+v", err, got1)
	}

	b2, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	got2, err := protocol.Decode(b2)
	if err != nil || !reflect.DeepEqual(got2, p2) {
		t.Fatalf("decode 2: %v %+v", err, got2)
	}

	if _, err := r.ReadPacket(); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected EOF at stream end, got %v", err)
	}
}

// slowReader delivers bytes one at a time, to exercise partial-read
// accumulation.
type slowReader struct {
	data []byte
}

func (s *slowReader) Read(p []byte) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	p[0] = s.data[0]
	s.data = s.data[1:]
	return 1, nil
}

func TestReadPacketPartialReads(t *testing.T) {
	p := protocol.Packet{Header: protocol.Header{Version: 2, Type: protocol.TypeESTOP, Sequence: 9}}
	raw := mustEncode(t, p)

	r := NewReader(&slowReader{data: raw})
	got, err := r.ReadPacket()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("mismatch: got %x want %x", got, raw)
	}
}

func TestReadPacketLengthTooSmall(t *testing.T) {
	b := []byte{2, 0, 0, 0, 3, 0, 0, 0, 0}
	r := NewReader(bytes.NewReader(b))
	if _, err := r.ReadPacket(); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrFraming, got %v", err)
	}
}

// MaxPacket is 65535, the largest value the u16 LENGTH field can hold, so a
// LENGTH of 0xFFFF passes the bounds check; with only the header present the
// reader then reports a truncated packet rather than a framing violation.
func TestReadPacketMaxLengthNotFraming(t *testing.T) {
	b := []byte{2, 0, 0, 0xFF, 0xFF, 0, 0, 0, 0}
	r := NewReader(bytes.NewReader(b))
	if _, err := r.ReadPacket(); errors.Is(err, ErrFraming) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestFramingConcatenationYieldsExactSequence(t *testing.T) {
	pkts := []protocol.Packet{
		{Header: protocol.Header{Version: 2, Type: protocol.TypeHEARTBEAT, Sequence: 1, Length: 9}},
		{Header: protocol.Header{Version: 2, Type: protocol.TypeSTREAM_STOP, Sequence: 2, Length: 9}},
		{Header: protocol.Header{Version: 2, Type: protocol.TypeGET_SINGLE, Sequence: 3, Length: 9}},
	}
	var buf bytes.Buffer
	for _, p := range pkts {
		buf.Write(mustEncode(t, p))
	}
	r := NewReader(&buf)
	for i, want := range pkts {
		b, err := r.ReadPacket()
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		got, err := protocol.Decode(b)
		if err != nil || !reflect.DeepEqual(got, want) {
			t.Fatalf("packet %d mismatch: %v %+v", i, err, got)
		}
	}
}
