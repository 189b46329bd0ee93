package devsession

import "testing"

// TestProjectWraparound drives scenario S6: at sync (T_d=10000, U_s=100.000s),
// a DATA packet with T_d'=10500 projects to 100.500s. Across the 2^32 wrap,
// with an anchor taken just after the device clock wrapped (T_d=200,
// U_s=100.000s), a packet stamped just before the wrap (T_d'=4294967196)
// projects via the signed 32-bit delta (-300ms) to 99.700s.
func TestProjectWraparound(t *testing.T) {
	ts := timeSync{deviceMsAtSync: 10000, serverSecAtSync: 100.0, established: true}

	if got, approx := ts.project(10500); approx || !almostEqual(got, 100.500) {
		t.Fatalf("expected (100.500, false), got (%v, %v)", got, approx)
	}

	wrapped := timeSync{deviceMsAtSync: 200, serverSecAtSync: 100.0, established: true}
	if got, approx := wrapped.project(4294967196); approx || !almostEqual(got, 99.700) {
		t.Fatalf("expected wrap-around projection (99.700, false), got (%v, %v)", got, approx)
	}
}

// TestProjectUnestablished covers the no-sync-yet fallback: approx=true and
// the server's own clock rather than a derived value.
func TestProjectUnestablished(t *testing.T) {
	var ts timeSync
	_, approx := ts.project(123)
	if !approx {
		t.Fatal("expected approx=true before any sync has completed")
	}
}

func almostEqual(a, b float64) bool {
	const eps = 1e-6
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}
