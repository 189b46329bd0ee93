// Package dispatcher is the request-oriented surface external adapters
// (REST/CLI) bind to: it resolves a device by name, forwards the request to
// its session, and translates session-level errors into the dispatcher's
// own typed failure kinds.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/VictoriaMetrics/metrics"

	"github.com/qretprop/teststand/pkg/devsession"
	"github.com/qretprop/teststand/pkg/metricsx"
	"github.com/qretprop/teststand/pkg/protocol"
	"github.com/qretprop/teststand/pkg/registry"
)

// FailureKind classifies why a dispatcher call failed.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNoSuchDevice
	FailureNoSuchName
	FailureTimeout
	FailureNack
	FailureDisconnected
)

func (k FailureKind) String() string {
	switch k {
	case FailureNoSuchDevice:
		return "NO_SUCH_DEVICE"
	case FailureNoSuchName:
		return "NO_SUCH_NAME"
	case FailureTimeout:
		return "TIMEOUT"
	case FailureNack:
		return "NACK"
	case FailureDisconnected:
		return "DISCONNECTED"
	default:
		return "NONE"
	}
}

// Error wraps a FailureKind with an optional device ErrorCode (set only for
// FailureNack) and underlying cause.
type Error struct {
	Kind FailureKind
	Code protocol.ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == FailureNack {
		return fmt.Sprintf("dispatcher: %s(%s)", e.Kind, e.Code)
	}
	return fmt.Sprintf("dispatcher: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher resolves device names against a registry and forwards to the
// matching session.
type Dispatcher struct {
	registry *registry.Registry
	metrics  *metrics.Set
}

// New creates a Dispatcher bound to reg, recording per-op/result counters
// into set (a nil set gets its own private metrics.Set).
func New(reg *registry.Registry, set *metrics.Set) *Dispatcher {
	if set == nil {
		set = metrics.NewSet()
	}
	return &Dispatcher{registry: reg, metrics: set}
}

// countResult records one op's outcome as
// teststand_dispatcher_requests_total{op="...",result="..."}.
func (d *Dispatcher) countResult(op string, kind FailureKind) {
	result := strings.ToLower(kind.String())
	d.metrics.GetOrCreateCounter(metricsx.Name(`teststand_dispatcher_requests_total`, "op", op, "result", result)).Inc()
}

func (d *Dispatcher) resolve(name string) (*devsession.Session, *Error) {
	s, ok := d.registry.GetByName(name)
	if !ok {
		return nil, &Error{Kind: FailureNoSuchDevice}
	}
	session, ok := s.(*devsession.Session)
	if !ok {
		return nil, &Error{Kind: FailureNoSuchDevice}
	}
	return session, nil
}

func translate(err error) *Error {
	if err == nil {
		return nil
	}
	var nackErr *devsession.NackError
	switch {
	case errors.As(err, &nackErr):
		return &Error{Kind: FailureNack, Code: nackErr.Code, Err: err}
	case errors.Is(err, devsession.ErrTimeout):
		return &Error{Kind: FailureTimeout, Err: err}
	case errors.Is(err, devsession.ErrDisconnected):
		return &Error{Kind: FailureDisconnected, Err: err}
	default:
		return &Error{Kind: FailureDisconnected, Err: err}
	}
}

// Status returns the named device's reported DeviceStatus.
func (d *Dispatcher) Status(ctx context.Context, name string) (protocol.DeviceStatus, *Error) {
	s, derr := d.resolve(name)
	if derr != nil {
		d.countResult("status", derr.Kind)
		return 0, derr
	}
	status, err := s.GetStatus(ctx)
	if err != nil {
		derr = translate(err)
		d.countResult("status", derr.Kind)
		return 0, derr
	}
	d.countResult("status", FailureNone)
	return status, nil
}

// GetSingle returns the named device's next one-shot reading batch.
func (d *Dispatcher) GetSingle(ctx context.Context, name string) ([]protocol.Reading, *Error) {
	s, derr := d.resolve(name)
	if derr != nil {
		d.countResult("get_single", derr.Kind)
		return nil, derr
	}
	readings, err := s.GetSingle(ctx)
	if err != nil {
		derr = translate(err)
		d.countResult("get_single", derr.Kind)
		return nil, derr
	}
	d.countResult("get_single", FailureNone)
	return readings, nil
}

// StartStream starts the named device streaming at hz.
func (d *Dispatcher) StartStream(ctx context.Context, name string, hz uint16) *Error {
	s, derr := d.resolve(name)
	if derr != nil {
		d.countResult("start_stream", derr.Kind)
		return derr
	}
	if err := s.StartStream(ctx, hz); err != nil {
		derr = translate(err)
		d.countResult("start_stream", derr.Kind)
		return derr
	}
	d.countResult("start_stream", FailureNone)
	return nil
}

// StopStream stops the named device's stream.
func (d *Dispatcher) StopStream(ctx context.Context, name string) *Error {
	s, derr := d.resolve(name)
	if derr != nil {
		d.countResult("stop_stream", derr.Kind)
		return derr
	}
	if err := s.StopStream(ctx); err != nil {
		derr = translate(err)
		d.countResult("stop_stream", derr.Kind)
		return derr
	}
	d.countResult("stop_stream", FailureNone)
	return nil
}

// Control resolves controlName to its cmd_id on the named device and sends
// CONTROL with the requested state. A control name not present on the
// device's table is FailureNoSuchName without touching the wire, per the
// dispatcher contract.
func (d *Dispatcher) Control(ctx context.Context, name, controlName string, state protocol.ControlState) *Error {
	s, derr := d.resolve(name)
	if derr != nil {
		d.countResult("control", derr.Kind)
		return derr
	}

	cmdID := -1
	for i, c := range s.Controls() {
		if c.Name == controlName {
			cmdID = i
			break
		}
	}
	if cmdID < 0 {
		d.countResult("control", FailureNoSuchName)
		return &Error{Kind: FailureNoSuchName}
	}

	if err := s.SendControl(ctx, uint8(cmdID), state); err != nil {
		derr = translate(err)
		d.countResult("control", derr.Kind)
		return derr
	}
	d.countResult("control", FailureNone)
	return nil
}

// EstopAll sends ESTOP to every registered device without waiting for any
// response, returning once all writes have completed.
func (d *Dispatcher) EstopAll() []*Error {
	sessions := d.registry.Snapshot()
	errs := make([]*Error, 0, len(sessions))
	for _, sess := range sessions {
		s, ok := sess.(*devsession.Session)
		if !ok {
			continue
		}
		if err := s.Estop(); err != nil {
			errs = append(errs, &Error{Kind: FailureDisconnected, Err: err})
		}
	}
	return errs
}
