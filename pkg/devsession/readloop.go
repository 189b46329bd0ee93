package devsession

import (
	"errors"

	"github.com/rs/xid"

	"github.com/qretprop/teststand/pkg/eventbus"
	"github.com/qretprop/teststand/pkg/protocol"
)

// readLoop is the single inbound reader: it classifies every arriving
// packet and completes the appropriate waiter. It returns (without itself
// closing anything) the moment the connection ends or a fatal decode error
// occurs; the caller is responsible for tearing the session down.
func (s *Session) readLoop() {
	for {
		raw, err := s.reader.ReadPacket()
		if err != nil {
			return
		}

		pkt, err := protocol.Decode(raw)
		if err != nil {
			var decErr *protocol.DecodeError
			if errors.As(err, &decErr) && decErr.Code == protocol.ErrUnknownType {
				s.logger.Warn().Err(err).Msg("unknown inbound packet type, ignoring")
				continue
			}
			s.logger.Warn().Err(err).Msg("codec error, closing connection")
			return
		}

		switch pkt.Header.Type {
		case protocol.TypeDATA:
			s.handleData(pkt)
		case protocol.TypeSTATUS:
			s.handleStatus(pkt)
		case protocol.TypeACK:
			s.handleAckNack(pkt.Header.Timestamp, pkt.Ack.AckType, pkt.Ack.AckSeq, false, pkt.Ack.ErrorCode)
		case protocol.TypeNACK:
			s.handleAckNack(pkt.Header.Timestamp, pkt.Nack.NackType, pkt.Nack.NackSeq, true, pkt.Nack.ErrorCode)
		case protocol.TypeCONFIG:
			s.logger.Warn().Msg("unexpected CONFIG after handshake, ignoring")
		default:
			s.logger.Warn().Str("type", pkt.Header.Type.String()).Msg("unexpected inbound packet type, ignoring")
		}
	}
}

func (s *Session) handleData(pkt protocol.Packet) {
	tServer, approx := s.projectTime(pkt.Header.Timestamp)
	packetID := xid.New().String()

	s.buffersMu.Lock()
	buffers := s.buffers
	s.buffersMu.Unlock()

	for _, r := range pkt.Data.Readings {
		if int(r.SensorID) < len(buffers) {
			buffers[r.SensorID].Append(Sample{TServerSeconds: tServer, Value: r.Value, PacketID: packetID})
		}

		var sensorName, units string
		if int(r.SensorID) < len(s.sensors) {
			sensorName = s.sensors[r.SensorID].Name
			units = s.sensors[r.SensorID].Units
		}
		s.deps.Bus.PublishData(eventbus.DataEvent{
			DeviceName:  s.name,
			SensorName:  sensorName,
			Units:       units,
			Value:       r.Value,
			TServerSecs: tServer,
			Approx:      approx,
			PacketID:    packetID,
		})
	}

	s.respMu.Lock()
	w := s.dataWaiter
	s.dataWaiter = nil
	s.respMu.Unlock()
	if w != nil {
		select {
		case w <- pkt.Data.Readings:
		default:
		}
	}
}

func (s *Session) handleStatus(pkt protocol.Packet) {
	s.respMu.Lock()
	w := s.statusWaiter
	s.statusWaiter = nil
	s.respMu.Unlock()

	if w == nil {
		s.logger.Debug().Msg("unsolicited STATUS, ignoring")
		return
	}
	select {
	case w <- pkt.Status.Status:
	default:
	}
}

func (s *Session) handleAckNack(deviceTimestamp uint32, ackType protocol.Type, ackSeq uint8, nack bool, code protocol.ErrorCode) {
	s.respMu.Lock()
	p := s.pendingAcks[ackSeq]
	if p != nil && p.reqType == ackType {
		s.pendingAcks[ackSeq] = nil
	} else {
		p = nil
	}
	s.respMu.Unlock()

	if p == nil {
		s.logger.Warn().Uint8("ack_seq", ackSeq).Str("ack_type", ackType.String()).Msg("unmatched ACK/NACK, ignoring")
		return
	}
	select {
	case p.result <- ackResult{deviceTimestamp: deviceTimestamp, nack: nack, errorCode: code}:
	default:
	}
}
