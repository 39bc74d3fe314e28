package shard

import (
	"sync"
	"time"
)

// smoothing is the weight given to the newest observation.
const smoothing = 0.2

// Stats represents the latency accounting for the store.
type Stats struct {
	ReadLatencyMS      float64 `json:"read_latency_ms"`
	WriteLatencyMS     float64 `json:"write_latency_ms"`
	LastReadLatencyMS  float64 `json:"last_read_latency_ms"`
	LastWriteLatencyMS float64 `json:"last_write_latency_ms"`
	Reads              uint64  `json:"reads"`
	Writes             uint64  `json:"writes"`
}

// latency keeps a moving average of read and write durations.
type latency struct {
	mu sync.Mutex
	st Stats
}

func (l *latency) read(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.st.Reads++
	l.st.LastReadLatencyMS = ms
	l.st.ReadLatencyMS = average(l.st.ReadLatencyMS, ms, l.st.Reads)
}

func (l *latency) write(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.st.Writes++
	l.st.LastWriteLatencyMS = ms
	l.st.WriteLatencyMS = average(l.st.WriteLatencyMS, ms, l.st.Writes)
}

func (l *latency) stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.st
}

func average(current float64, sample float64, count uint64) float64 {
	if count == 1 {
		return sample
	}
	return current + smoothing*(sample-current)
}
