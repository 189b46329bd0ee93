package devsession

import "time"

// processStart anchors serverMonotonicMS/serverMonotonicSeconds. Using a
// single process-wide epoch (rather than per-session) keeps header
// timestamps comparable across devices in logs.
var processStart = time.Now()

func serverMonotonicMS() uint32 {
	return uint32(time.Since(processStart).Milliseconds())
}

func serverMonotonicSeconds() float64 {
	return time.Since(processStart).Seconds()
}

// timeSync holds the sync anchor established by the last successful
// TIMESYNC round trip: the device's ms-since-boot clock at the moment its
// ACK was sent (T_d), paired with the server's own monotonic clock at the
// moment that ACK was received (U_s).
type timeSync struct {
	deviceMsAtSync  uint32
	serverSecAtSync float64
	established     bool
}

// project maps a device timestamp (ms since device boot, wrapping at 2^32)
// into server seconds. If no sync has completed, it falls back to the
// server's own receive-time clock and reports approx=true.
func (ts timeSync) project(deviceTimestamp uint32) (tServer float64, approx bool) {
	if !ts.established {
		return serverMonotonicSeconds(), true
	}
	// Wrap-safe signed delta: deviceTimestamp and deviceMsAtSync are both
	// 32-bit wrapping counters, so the subtraction is done unsigned and
	// reinterpreted as a signed 32-bit difference.
	delta := int32(deviceTimestamp - ts.deviceMsAtSync)
	return ts.serverSecAtSync + float64(delta)/1000.0, false
}

// setSync installs a newly established sync anchor. Called from the
// handshake, which finishes before readLoop starts, and from timesyncLoop's
// periodic resync, which runs concurrently with readLoop's projectTime calls.
func (s *Session) setSync(ts timeSync) {
	s.syncMu.Lock()
	s.sync = ts
	s.syncMu.Unlock()
}

// projectTime is the synchronized counterpart to timeSync.project, safe to
// call from readLoop while timesyncLoop may concurrently call setSync.
func (s *Session) projectTime(deviceTimestamp uint32) (tServer float64, approx bool) {
	s.syncMu.Lock()
	ts := s.sync
	s.syncMu.Unlock()
	return ts.project(deviceTimestamp)
}
