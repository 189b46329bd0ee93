package devsession

import (
	"fmt"
	"time"

	"github.com/qretprop/teststand/pkg/protocol"
)

// runHandshake drives AWAITING_CONFIG and AWAITING_SYNC. Any error here is
// fatal: the caller closes the connection without a registry entry.
func (s *Session) runHandshake() error {
	raw, err := s.reader.ReadPacket()
	if err != nil {
		return fmt.Errorf("read first packet: %w", err)
	}
	pkt, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode first packet: %w", err)
	}
	if pkt.Header.Type != protocol.TypeCONFIG {
		return fmt.Errorf("first packet was %s, not CONFIG", pkt.Header.Type)
	}

	cfg, err := parseConfigJSON(pkt.Config.JSON)
	if err != nil {
		return fmt.Errorf("invalid CONFIG: %w", err)
	}

	s.name = cfg.Name
	s.kind = cfg.Kind
	s.fwVer = cfg.FirmwareVersion
	s.sensors = cfg.Sensors
	s.controls = cfg.Controls

	s.buffersMu.Lock()
	s.buffers = make([]*ringBuffer, len(s.sensors))
	for i := range s.buffers {
		s.buffers[i] = newRingBuffer()
	}
	s.buffersMu.Unlock()

	s.controlStatesMu.Lock()
	s.controlStates = make([]protocol.ControlState, len(s.controls))
	for i, c := range s.controls {
		s.controlStates[i] = c.DefaultState.toProtocol()
	}
	s.controlStatesMu.Unlock()

	// ACK the CONFIG using the device's own sequence number (this ACK flows
	// server->device, acknowledging the device's request; it is not itself
	// ack-bearing and uses the session's own outbound sequence slot).
	ackSeq := s.nextOutboundSeq()
	ackPkt := protocol.Packet{
		Header: protocol.Header{
			Version:   protocol.Version,
			Type:      protocol.TypeACK,
			Sequence:  ackSeq,
			Timestamp: serverMonotonicMS(),
		},
		Ack: protocol.AckPayload{
			AckType:   protocol.TypeCONFIG,
			AckSeq:    pkt.Header.Sequence,
			ErrorCode: protocol.ErrNone,
		},
	}
	if err := s.writeRaw(ackPkt); err != nil {
		return fmt.Errorf("write CONFIG ack: %w", err)
	}

	s.state.Store(int32(stateAwaitingSync))
	return s.handshakeSync()
}

// handshakeSync sends TIMESYNC and waits for its ACK, establishing the sync
// anchor per the TIMESYNC algorithm. Unlike periodic resync (see
// timers.go's timesyncLoop, which uses sendAckBearing), this reads the
// reply directly off the connection: the general readLoop does not start
// until the handshake (this call included) returns, so nothing else is
// reading the connection yet, and going through the pendingAcks table here
// would wait on a waiter nothing will ever fill.
func (s *Session) handshakeSync() error {
	seq := s.nextOutboundSeq()
	pkt := protocol.Packet{Header: protocol.Header{
		Version:   protocol.Version,
		Type:      protocol.TypeTIMESYNC,
		Sequence:  seq,
		Timestamp: serverMonotonicMS(),
	}}
	if err := s.writeRaw(pkt); err != nil {
		return fmt.Errorf("TIMESYNC: write: %w", err)
	}

	deadline := s.deps.SyncDeadline
	if deadline <= 0 {
		deadline = 3 * time.Second
	}
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	defer s.conn.SetReadDeadline(time.Time{})

	raw, err := s.reader.ReadPacket()
	if err != nil {
		return fmt.Errorf("TIMESYNC: read reply: %w", err)
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("TIMESYNC: decode reply: %w", err)
	}

	switch reply.Header.Type {
	case protocol.TypeACK:
		if reply.Ack.AckType != protocol.TypeTIMESYNC || reply.Ack.AckSeq != seq {
			return fmt.Errorf("TIMESYNC: ACK did not match (type=%s seq=%d)", reply.Ack.AckType, reply.Ack.AckSeq)
		}
		s.setSync(timeSync{
			deviceMsAtSync:  reply.Header.Timestamp,
			serverSecAtSync: serverMonotonicSeconds(),
			established:     true,
		})
		return nil
	case protocol.TypeNACK:
		if reply.Nack.NackType != protocol.TypeTIMESYNC || reply.Nack.NackSeq != seq {
			return fmt.Errorf("TIMESYNC: NACK did not match (type=%s seq=%d)", reply.Nack.NackType, reply.Nack.NackSeq)
		}
		return fmt.Errorf("TIMESYNC: device NACKed: %s", reply.Nack.ErrorCode)
	default:
		return fmt.Errorf("TIMESYNC: unexpected reply type %s", reply.Header.Type)
	}
}

// writeRaw encodes and writes pkt directly, without any ACK bookkeeping.
// Used only during the handshake: for the CONFIG ack, which answers the
// device's own sequence number, and for the handshake TIMESYNC, whose reply
// handshakeSync reads itself; neither allocates a pending-ack slot.
func (s *Session) writeRaw(pkt protocol.Packet) error {
	b, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = s.conn.Write(b)
	return err
}

func (s *Session) nextOutboundSeq() uint8 {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	seq := s.outboundSeq
	s.outboundSeq++
	return seq
}
