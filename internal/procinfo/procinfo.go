// Package procinfo samples /proc/<pid>/status for resident memory and
// thread count, feeding the read-only resource gauges in
// internal/supervisor/metrics.go. Deliberately not an
// isolation/enforcement mechanism: this package only ever reads,
// never writes, resource-control files.
package procinfo

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is the subset of /proc/<pid>/status this package reports.
type Sample struct {
	PID     int
	VmRSSKB int64
	Threads int
}

// Read parses /proc/<pid>/status for the fields gosvd's metrics
// collector cares about. Returns an error if the process is gone —
// callers should treat that as "no sample this tick", not a fatal
// condition, since processes routinely exit between ticks.
func Read(pid int) (Sample, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "status"))
	if err != nil {
		return Sample{}, err
	}

	s := Sample{PID: pid}
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "VmRSS":
			fields := strings.Fields(val)
			if len(fields) > 0 {
				s.VmRSSKB, _ = strconv.ParseInt(fields[0], 10, 64)
			}
		case "Threads":
			s.Threads, _ = strconv.Atoi(val)
		}
	}
	return s, nil
}
