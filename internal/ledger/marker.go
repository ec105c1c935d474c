package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/Iron-Ham/llmscore/internal/logging"
)

// MarkerFileName is the liveness marker inside a file ledger run directory.
const MarkerFileName = "run.live"

// Marker is the liveness record of a run. Its presence means the run started
// and has not finished cleanly.
type Marker struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// newMarker describes the current process as the holder of runID.
func newMarker(runID string) Marker {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return Marker{
		RunID:     runID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
	}
}

// Ours reports whether the current process holds the marker.
func (m Marker) Ours() bool {
	return m.PID == os.Getpid()
}

// HeldElsewhere reports whether another process that is still running holds
// the marker. A marker left by a dead process is stale and resumable.
func (m Marker) HeldElsewhere() bool {
	return !m.Ours() && isProcessAlive(m.PID)
}

// newestFirst orders markers by StartedAt, latest first. Run IDs break ties,
// so explicit IDs and collision suffixes never decide recency on their own.
func newestFirst(markers []Marker) {
	sort.SliceStable(markers, func(i, j int) bool {
		if !markers[i].StartedAt.Equal(markers[j].StartedAt) {
			return markers[i].StartedAt.After(markers[j].StartedAt)
		}
		return markers[i].RunID > markers[j].RunID
	})
}

// resumable returns the newest marker not held by another live process.
func resumable(markers []Marker, logger *logging.Logger) (string, bool) {
	newestFirst(markers)
	for _, m := range markers {
		if m.HeldElsewhere() {
			logger.WithRun(m.RunID).Debug("skipping run held by live process", "pid", m.PID)
			continue
		}
		return m.RunID, true
	}
	return "", false
}

// ReadMarker reads a marker file.
func ReadMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("failed to parse marker file: %w", err)
	}
	return m, nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return process.Signal(syscall.Signal(0)) == nil
}
