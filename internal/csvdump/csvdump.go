// Package csvdump exports a device session's in-memory per-sensor sample
// buffers to a CSV file. It is a pure dump of already-buffered data: nothing
// is read back, so it does not reach for cross-process durability.
package csvdump

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/qretprop/teststand/pkg/devsession"
)

// FileName builds the conventional "<deviceName>_<YYYYMMDD-HHMMSS>.csv" name
// for a dump taken at t.
func FileName(deviceName string, t time.Time) string {
	return fmt.Sprintf("%s_%s.csv", deviceName, t.Format("20060102-150405"))
}

// Write dumps session's sensor buffers to dest. If dest ends in ".gz" the
// file is gzip-compressed.
func Write(session *devsession.Session, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("csvdump: create %s: %w", dest, err)
	}
	defer f.Close()

	var w io.Writer = f
	if strings.HasSuffix(dest, ".gz") {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		w = gz
	}

	return writeCSV(session, w)
}

func writeCSV(session *devsession.Session, w io.Writer) error {
	sensors := session.Sensors()
	n := len(sensors)

	header := make([]string, n+2)
	header[0] = "time_seconds"
	for i := range sensors {
		header[i+1] = fmt.Sprintf("sensor_%d", i+1)
	}
	header[n+1] = "packet_id"

	rows := make(map[float64][]string)
	var times []float64
	for i := 0; i < n; i++ {
		for _, sample := range session.SensorBuffer(i) {
			row, ok := rows[sample.TServerSeconds]
			if !ok {
				row = make([]string, n+2)
				row[0] = strconv.FormatFloat(sample.TServerSeconds, 'f', 6, 64)
				rows[sample.TServerSeconds] = row
				times = append(times, sample.TServerSeconds)
			}
			row[i+1] = strconv.FormatFloat(float64(sample.Value), 'f', 6, 32)
			row[n+1] = sample.PacketID
		}
	}
	sort.Float64s(times)

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("csvdump: write header: %w", err)
	}
	for _, t := range times {
		if err := cw.Write(rows[t]); err != nil {
			return fmt.Errorf("csvdump: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
