package devsession

import (
	"context"
	"time"

	"github.com/qretprop/teststand/pkg/protocol"
)

// ackOutcome turns a completed ackResult into the (nil | *NackError)
// convention dispatcher-facing calls use.
func ackOutcome(res ackResult) error {
	if res.nack {
		return &NackError{Code: res.errorCode}
	}
	return nil
}

// GetStatus sends STATUS_REQUEST and returns the device's reported status.
func (s *Session) GetStatus(ctx context.Context) (protocol.DeviceStatus, error) {
	return s.sendStatusQuery(ctx, s.deps.AckDeadline)
}

// GetSingle sends GET_SINGLE and returns the device's one-shot reading
// batch.
func (s *Session) GetSingle(ctx context.Context) ([]protocol.Reading, error) {
	return s.sendDataQuery(ctx, s.deps.AckDeadline)
}

// StartStream sends STREAM_START at hz and, on success, marks the session
// STREAMING.
func (s *Session) StartStream(ctx context.Context, hz uint16) error {
	res, err := s.sendAckBearing(protocol.TypeSTREAM_START, func(p *protocol.Packet) {
		p.StreamStart = protocol.StreamStartPayload{FreqHz: hz}
	}, s.deps.AckDeadline)
	if err != nil {
		return err
	}
	if err := ackOutcome(res); err != nil {
		return err
	}
	s.streamMu.Lock()
	s.streaming = true
	s.streamHz = hz
	s.streamMu.Unlock()
	return nil
}

// StopStream sends STREAM_STOP and, on success, clears STREAMING.
func (s *Session) StopStream(ctx context.Context) error {
	res, err := s.sendAckBearing(protocol.TypeSTREAM_STOP, nil, s.deps.AckDeadline)
	if err != nil {
		return err
	}
	if err := ackOutcome(res); err != nil {
		return err
	}
	s.streamMu.Lock()
	s.streaming = false
	s.streamHz = 0
	s.streamMu.Unlock()
	return nil
}

// SendControl sends CONTROL for cmdID/state. Resolving a control name to its
// cmdID (and the NO_SUCH_NAME failure when it does not exist) is the
// dispatcher's job, not the session's — the session only knows wire-level
// indices.
func (s *Session) SendControl(ctx context.Context, cmdID uint8, state protocol.ControlState) error {
	res, err := s.sendAckBearing(protocol.TypeCONTROL, func(p *protocol.Packet) {
		p.Control = protocol.ControlPayload{CmdID: cmdID, CmdState: state}
	}, s.deps.AckDeadline)
	if err != nil {
		return err
	}
	if err := ackOutcome(res); err != nil {
		return err
	}

	s.controlStatesMu.Lock()
	if int(cmdID) < len(s.controlStates) {
		s.controlStates[cmdID] = state
	}
	s.controlStatesMu.Unlock()
	return nil
}

// Estop sends ESTOP without waiting for any response and locally records
// every control as commanded to its default state. It is deliverable in any
// READY state and never blocks on a session-health check.
func (s *Session) Estop() error {
	err := s.sendFireAndForget(protocol.TypeESTOP, nil)
	s.lastEstopAt.Store(time.Now())

	s.controlStatesMu.Lock()
	for i, c := range s.controls {
		s.controlStates[i] = c.DefaultState.toProtocol()
	}
	s.controlStatesMu.Unlock()
	return err
}
