package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cosmoweb3/cosmodb/business/sys/metrics"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/prometheus/client_golang/prometheus"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func stats() cosmodb.Stats {
	return cosmodb.Stats{
		ReadLatencyMS:     1.5,
		WriteLatencyMS:    2.5,
		Reads:             3,
		Writes:            4,
		ReplicaCount:      2,
		Healing:           true,
		BackoffMultiplier: 1.1,
	}
}

func Test_Collector(t *testing.T) {
	t.Log("Given the need to expose store stats to prometheus.")
	{
		reg := prometheus.NewRegistry()
		if err := reg.Register(metrics.NewCollector(stats)); err != nil {
			t.Fatalf("\t%s\tShould register the collector: %v", failed, err)
		}

		mfs, err := reg.Gather()
		if err != nil || len(mfs) != 9 {
			t.Fatalf("\t%s\tShould collect every stat, got %d: %v", failed, len(mfs), err)
		}
		t.Logf("\t%s\tShould collect every stat.", success)

		h, err := metrics.Handler(stats)
		if err != nil {
			t.Fatalf("\t%s\tShould build the handler: %v", failed, err)
		}

		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		body, _ := io.ReadAll(w.Body)
		for _, exp := range []string{"cosmodb_replica_count 2", "cosmodb_healing 1", "cosmodb_writes_total 4"} {
			if !strings.Contains(string(body), exp) {
				t.Fatalf("\t%s\tShould expose %q.", failed, exp)
			}
		}
		t.Logf("\t%s\tShould expose the stats on the handler.", success)
	}
}
