package devsession

import "github.com/qretprop/teststand/pkg/eventbus"

// close tears the session down exactly once: cancels all session-scoped
// goroutines and blocked ACK waiters (via ctx cancellation, which every
// blocking call already selects on), closes the socket, unregisters from
// the registry, and emits the device.offline log event. reason is logged
// but not otherwise interpreted.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(stateClosed))
		s.cancel()
		s.conn.Close()

		s.respMu.Lock()
		for i := range s.pendingAcks {
			s.pendingAcks[i] = nil
		}
		s.statusWaiter = nil
		s.dataWaiter = nil
		s.respMu.Unlock()

		removed := false
		if s.deps.Registry != nil {
			removed = s.deps.Registry.Remove(s.addr)
		}

		s.logger.Warn().
			Str("device_name", s.name).
			Str("conn_id", s.connID.String()).
			Bool("was_registered", removed).
			Str("reason", reason).
			Msg("device session closed")

		if s.deps.Bus != nil {
			s.deps.Bus.PublishLog(eventbus.LogEvent{
				Level:     eventbus.LogSystem,
				Component: "devsession",
				Message:   "device.offline: " + s.name + " (" + reason + ")",
			})
		}
	})
}
