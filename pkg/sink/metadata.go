package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// MetadataFile is the name of the per-directory statistics log.
const MetadataFile = "metadata.csv"

var metadataHeader = []string{
	"timestamp", "frame", "sequence", "relative_time_s",
	"max", "min", "mean", "median", "file", "written",
}

// Stats summarises the sample values of one frame.
type Stats struct {
	Min    uint16
	Max    uint16
	Mean   float64
	Median float64
}

// ComputeStats returns the statistics of samples. Empty input gives zeros.
func ComputeStats(samples []uint16) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	s := Stats{Min: samples[0], Max: samples[0]}
	var sum uint64
	for _, v := range samples {
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
		sum += uint64(v)
	}
	s.Mean = float64(sum) / float64(len(samples))

	hist := make([]int, int(s.Max)+1)
	for _, v := range samples {
		hist[v]++
	}
	n := len(samples)
	lo, hi := nth(hist, (n-1)/2), nth(hist, n/2)
	s.Median = (float64(lo) + float64(hi)) / 2
	return s
}

// nth returns the k-th smallest value (0-based) counted in hist.
func nth(hist []int, k int) int {
	for v, c := range hist {
		if k < c {
			return v
		}
		k -= c
	}
	return len(hist) - 1
}

// Row is one line of the metadata log.
type Row struct {
	Timestamp time.Time
	Frame     int
	Sequence  uint64
	Stats     Stats
	File      string
	Written   bool
}

// MetadataLog appends frame statistics to a CSV file.
type MetadataLog struct {
	mu    sync.Mutex
	f     *os.File
	w     *csv.Writer
	start time.Time
}

// OpenMetadata creates (or appends to) the log at path. Relative times are
// measured from start.
func OpenMetadata(path string, start time.Time) (*MetadataLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metadata log: %w", err)
	}
	l := &MetadataLog{f: f, w: csv.NewWriter(f), start: start}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat metadata log: %w", err)
	}
	if info.Size() == 0 {
		if err := l.w.Write(metadataHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write metadata header: %w", err)
		}
	}
	return l, nil
}

// Record appends one row and flushes it.
func (l *MetadataLog) Record(r Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rel := r.Timestamp.Sub(l.start).Seconds()
	record := []string{
		r.Timestamp.Format(time.RFC3339Nano),
		strconv.Itoa(r.Frame),
		strconv.FormatUint(r.Sequence, 10),
		strconv.FormatFloat(rel, 'f', 6, 64),
		strconv.Itoa(int(r.Stats.Max)),
		strconv.Itoa(int(r.Stats.Min)),
		strconv.FormatFloat(r.Stats.Mean, 'f', 3, 64),
		strconv.FormatFloat(r.Stats.Median, 'f', 1, 64),
		r.File,
		strconv.FormatBool(r.Written),
	}
	if err := l.w.Write(record); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes and closes the log.
func (l *MetadataLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
