package devsession

import (
	"context"
	"time"

	"github.com/qretprop/teststand/pkg/protocol"
)

// sendAckBearing submits an ACK-bearing request (CONTROL, STREAM_START,
// STREAM_STOP, HEARTBEAT, TIMESYNC): it allocates the next sequence number,
// registers a pending-ack waiter, writes the packet, and blocks until the
// device's ACK/NACK arrives, the deadline passes, or the session closes.
func (s *Session) sendAckBearing(typ protocol.Type, fill func(*protocol.Packet), deadline time.Duration) (ackResult, error) {
	pkt := protocol.Packet{Header: protocol.Header{
		Version: protocol.Version,
		Type:    typ,
	}}
	if fill != nil {
		fill(&pkt)
	}

	resultCh := make(chan ackResult, 1)

	s.sendMu.Lock()
	seq := s.outboundSeq
	s.outboundSeq++
	pkt.Header.Sequence = seq
	pkt.Header.Timestamp = serverMonotonicMS()

	b, err := protocol.Encode(pkt)
	if err != nil {
		s.sendMu.Unlock()
		return ackResult{}, err
	}

	s.respMu.Lock()
	s.pendingAcks[seq] = &pendingAck{reqType: typ, result: resultCh}
	s.respMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = s.conn.Write(b)
	s.sendMu.Unlock()

	if err != nil {
		s.clearPendingAck(seq)
		return ackResult{}, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res, nil
	case <-timer.C:
		s.clearPendingAck(seq)
		return ackResult{}, ErrTimeout
	case <-s.ctx.Done():
		s.clearPendingAck(seq)
		return ackResult{}, ErrDisconnected
	}
}

func (s *Session) clearPendingAck(seq uint8) {
	s.respMu.Lock()
	s.pendingAcks[seq] = nil
	s.respMu.Unlock()
}

// sendFireAndForget writes a non-ACK-bearing packet (ESTOP, and the
// STATUS_REQUEST/GET_SINGLE queries, whose replies are correlated by the
// query waiters) and returns as soon as the bytes are on the wire, per the
// requirement that ESTOP never blocks on a healthy/unhealthy session check.
func (s *Session) sendFireAndForget(typ protocol.Type, fill func(*protocol.Packet)) error {
	pkt := protocol.Packet{Header: protocol.Header{Version: protocol.Version, Type: typ}}
	if fill != nil {
		fill(&pkt)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	pkt.Header.Sequence = s.outboundSeq
	s.outboundSeq++
	pkt.Header.Timestamp = serverMonotonicMS()

	b, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = s.conn.Write(b)
	return err
}

// sendStatusQuery issues STATUS_REQUEST and waits for the device's STATUS
// reply.
func (s *Session) sendStatusQuery(ctx context.Context, deadline time.Duration) (protocol.DeviceStatus, error) {
	waiter := make(chan protocol.DeviceStatus, 1)

	s.respMu.Lock()
	s.statusWaiter = waiter
	s.respMu.Unlock()

	if err := s.sendFireAndForget(protocol.TypeSTATUS_REQUEST, nil); err != nil {
		s.clearStatusWaiter(waiter)
		return 0, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case st := <-waiter:
		return st, nil
	case <-timer.C:
		s.clearStatusWaiter(waiter)
		return 0, ErrTimeout
	case <-ctx.Done():
		s.clearStatusWaiter(waiter)
		return 0, ctx.Err()
	case <-s.ctx.Done():
		s.clearStatusWaiter(waiter)
		return 0, ErrDisconnected
	}
}

func (s *Session) clearStatusWaiter(waiter chan protocol.DeviceStatus) {
	s.respMu.Lock()
	if s.statusWaiter == waiter {
		s.statusWaiter = nil
	}
	s.respMu.Unlock()
}

// sendDataQuery issues GET_SINGLE and waits for the device's next DATA
// packet (which is also, as with any DATA, published to the event bus and
// appended to the per-sensor buffers through the normal read path).
func (s *Session) sendDataQuery(ctx context.Context, deadline time.Duration) ([]protocol.Reading, error) {
	waiter := make(chan []protocol.Reading, 1)

	s.respMu.Lock()
	s.dataWaiter = waiter
	s.respMu.Unlock()

	if err := s.sendFireAndForget(protocol.TypeGET_SINGLE, nil); err != nil {
		s.clearDataWaiter(waiter)
		return nil, err
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case readings := <-waiter:
		return readings, nil
	case <-timer.C:
		s.clearDataWaiter(waiter)
		return nil, ErrTimeout
	case <-ctx.Done():
		s.clearDataWaiter(waiter)
		return nil, ctx.Err()
	case <-s.ctx.Done():
		s.clearDataWaiter(waiter)
		return nil, ErrDisconnected
	}
}

func (s *Session) clearDataWaiter(waiter chan []protocol.Reading) {
	s.respMu.Lock()
	if s.dataWaiter == waiter {
		s.dataWaiter = nil
	}
	s.respMu.Unlock()
}
