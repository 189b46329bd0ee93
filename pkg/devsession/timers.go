package devsession

import (
	"time"

	"github.com/qretprop/teststand/pkg/protocol"
)

// heartbeatLoop sends HEARTBEAT on deps.HeartbeatInterval and closes the
// session once more than deps.HeartbeatMissLimit consecutive attempts fail
// to ACK in time.
func (s *Session) heartbeatLoop() {
	t := time.NewTicker(s.deps.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			_, err := s.sendAckBearing(protocol.TypeHEARTBEAT, nil, s.deps.AckDeadline)
			if err != nil {
				misses := s.heartbeatMisses.Add(1)
				s.logger.Debug().Int32("misses", misses).Err(err).Msg("heartbeat miss")
				if int(misses) > s.deps.HeartbeatMissLimit {
					s.logger.Warn().Msg("heartbeat miss limit exceeded, closing session")
					s.close("heartbeat loss")
					return
				}
				continue
			}
			s.heartbeatMisses.Store(0)
		}
	}
}

// timesyncLoop re-establishes the sync anchor every deps.TimesyncInterval
// to bound clock drift (~20ppm device crystal drift keeps error under
// 12ms between 10-minute resyncs). A failed resync is logged and the
// existing anchor is kept rather than closing the session.
//
// Unlike the initial handshake sync, readLoop already owns the connection's
// reader by the time this runs, so the reply is correlated through the
// pendingAcks table (sendAckBearing) rather than read directly.
func (s *Session) timesyncLoop() {
	t := time.NewTicker(s.deps.TimesyncInterval)
	defer t.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			res, err := s.sendAckBearing(protocol.TypeTIMESYNC, nil, s.deps.AckDeadline)
			if err != nil {
				s.logger.Warn().Err(err).Msg("periodic TIMESYNC resync failed, keeping prior anchor")
				continue
			}
			if res.nack {
				s.logger.Warn().Str("code", res.errorCode.String()).Msg("periodic TIMESYNC resync NACKed, keeping prior anchor")
				continue
			}
			s.setSync(timeSync{
				deviceMsAtSync:  res.deviceTimestamp,
				serverSecAtSync: serverMonotonicSeconds(),
				established:     true,
			})
		}
	}
}
