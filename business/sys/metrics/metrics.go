// Package metrics exposes the store statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cosmodb"

// StatsFunc returns the current store statistics.
type StatsFunc func() cosmodb.Stats

// Collector reads the store statistics on every scrape.
type Collector struct {
	stats StatsFunc

	readLatency  *prometheus.Desc
	writeLatency *prometheus.Desc
	reads        *prometheus.Desc
	writes       *prometheus.Desc
	replicas     *prometheus.Desc
	healing      *prometheus.Desc
	backoff      *prometheus.Desc
	recorded     *prometheus.Desc
	fixed        *prometheus.Desc
}

// NewCollector constructs a collector over the stats function.
func NewCollector(stats StatsFunc) *Collector {
	desc := func(name string, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}

	return &Collector{
		stats:        stats,
		readLatency:  desc("read_latency_ms", "Moving average of find latency in milliseconds."),
		writeLatency: desc("write_latency_ms", "Moving average of insert latency in milliseconds."),
		reads:        desc("reads_total", "Number of finds executed."),
		writes:       desc("writes_total", "Number of inserts executed."),
		replicas:     desc("replica_count", "Number of live replica endpoints."),
		healing:      desc("healing", "1 when a self-heal reaction ran in the last minute."),
		backoff:      desc("backoff_multiplier", "Current snapshot push backoff multiplier."),
		recorded:     desc("errors_recorded_total", "Number of errors recorded."),
		fixed:        desc("errors_fixed_total", "Number of self-heal reactions applied."),
	}
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readLatency
	ch <- c.writeLatency
	ch <- c.reads
	ch <- c.writes
	ch <- c.replicas
	ch <- c.healing
	ch <- c.backoff
	ch <- c.recorded
	ch <- c.fixed
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	var healing float64
	if st.Healing {
		healing = 1
	}

	ch <- prometheus.MustNewConstMetric(c.readLatency, prometheus.GaugeValue, st.ReadLatencyMS)
	ch <- prometheus.MustNewConstMetric(c.writeLatency, prometheus.GaugeValue, st.WriteLatencyMS)
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(st.Reads))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(st.Writes))
	ch <- prometheus.MustNewConstMetric(c.replicas, prometheus.GaugeValue, float64(st.ReplicaCount))
	ch <- prometheus.MustNewConstMetric(c.healing, prometheus.GaugeValue, healing)
	ch <- prometheus.MustNewConstMetric(c.backoff, prometheus.GaugeValue, st.BackoffMultiplier)
	ch <- prometheus.MustNewConstMetric(c.recorded, prometheus.CounterValue, float64(st.ErrorsRecorded))
	ch <- prometheus.MustNewConstMetric(c.fixed, prometheus.CounterValue, float64(st.ErrorsFixed))
}

// Handler returns the /metrics handler for a registry holding the store
// collector and the Go runtime collectors.
func Handler(stats StatsFunc) (http.Handler, error) {
	reg := prometheus.NewRegistry()

	cs := []prometheus.Collector{
		NewCollector(stats),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
