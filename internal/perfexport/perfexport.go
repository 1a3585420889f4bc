// Package perfexport writes the operator-triggered performance dump:
// perf.csv (one row per completed request, across every client) and
// dbproxy_stats.csv (one row per replica's DbVN version sum), both
// under a timestamped directory, using the same two file names and
// "<dir>/<timestamp[_debug]>/" layout as the reference dump_perf_log
// this format is modeled on, written with encoding/csv.
package perfexport

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/o2versioner/coordinator/internal/scheduler"
)

// ReplicaStats is one replica's reported DbVN version sum.
type ReplicaStats struct {
	Addr       string
	VersionSum uint64
}

// Dump writes perf.csv and dbproxy_stats.csv under
// <dir>/<timestamp[_debug]>/ and returns that directory's path.
// now is passed in (rather than taken from time.Now internally) so
// callers can make the dump deterministic in tests.
func Dump(dir string, now time.Time, debug bool, clients []*scheduler.ClientRecord, replicas []ReplicaStats) (string, error) {
	stamp := now.Format("060102_150405")
	if debug {
		stamp += "_debug"
	}
	outDir := filepath.Join(dir, stamp)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("perfexport: mkdir %s: %w", outDir, err)
	}

	if err := writePerfCSV(filepath.Join(outDir, "perf.csv"), clients); err != nil {
		return "", err
	}
	if err := writeDbProxyStatsCSV(filepath.Join(outDir, "dbproxy_stats.csv"), replicas); err != nil {
		return "", err
	}
	return outDir, nil
}

func writePerfCSV(path string, clients []*scheduler.ClientRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("perfexport: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"client_addr", "command", "request_id", "begin_time", "end_time", "duration_ms", "err"}); err != nil {
		return err
	}

	addrs := make([]string, len(clients))
	byAddr := make(map[string]*scheduler.ClientRecord, len(clients))
	for i, c := range clients {
		addrs[i] = c.Addr
		byAddr[c.Addr] = c
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		c := byAddr[addr]
		for _, r := range c.Requests() {
			row := []string{
				c.Addr,
				r.Command,
				strconv.FormatUint(r.RequestID, 10),
				r.BeginTime.Format(time.RFC3339Nano),
				r.EndTime.Format(time.RFC3339Nano),
				strconv.FormatInt(r.EndTime.Sub(r.BeginTime).Milliseconds(), 10),
				r.Err,
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}

func writeDbProxyStatsCSV(path string, replicas []ReplicaStats) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("perfexport: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"dbproxy_addr", "dbproxy_vn_sum"}); err != nil {
		return err
	}
	sorted := make([]ReplicaStats, len(replicas))
	copy(sorted, replicas)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })
	for _, r := range sorted {
		if err := w.Write([]string{r.Addr, strconv.FormatUint(r.VersionSum, 10)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
