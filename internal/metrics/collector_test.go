package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gatherMetric(testContext *testing.T, collector *Collector, name string) []*dto.Metric {
	testContext.Helper()
	families, err := collector.Registry().Gather()
	if err != nil {
		testContext.Fatalf("failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()
		}
	}
	return nil
}

func counterWithLabel(metrics []*dto.Metric, label, value string) float64 {
	for _, metric := range metrics {
		for _, pair := range metric.GetLabel() {
			if pair.GetName() == label && pair.GetValue() == value {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCollectorRecordsFlushes(testContext *testing.T) {
	collector := NewCollector()
	collector.ObserveFlush(ResultOK, 20*time.Millisecond, 2)
	collector.ObserveFlush(ResultOK, 10*time.Millisecond, 0)
	collector.ObserveFlush(ResultSkipped, 0, 0)
	collector.ObserveFlush(ResultError, 5*time.Millisecond, 0)

	flushes := gatherMetric(testContext, collector, "draftsafe_autosave_flushes_total")
	if got := counterWithLabel(flushes, "result", ResultOK); got != 2 {
		testContext.Fatalf("expected 2 ok flushes, got %v", got)
	}
	if got := counterWithLabel(flushes, "result", ResultSkipped); got != 1 {
		testContext.Fatalf("expected 1 skipped flush, got %v", got)
	}

	durations := gatherMetric(testContext, collector, "draftsafe_autosave_flush_duration_seconds")
	if len(durations) != 1 || durations[0].GetHistogram().GetSampleCount() != 3 {
		testContext.Fatalf("expected 3 duration samples, got %v", durations)
	}

	evicted := gatherMetric(testContext, collector, "draftsafe_autosave_snapshots_evicted_total")
	if len(evicted) != 1 || evicted[0].GetCounter().GetValue() != 2 {
		testContext.Fatalf("expected 2 evictions, got %v", evicted)
	}
}

func TestCollectorTracksSessionsAndSignals(testContext *testing.T) {
	collector := NewCollector()
	collector.SessionOpened()
	collector.SessionOpened()
	collector.SessionClosed()
	collector.ObserveForcedFlush("hidden")
	collector.ObserveRestore(ResultNotFound)

	sessions := gatherMetric(testContext, collector, "draftsafe_autosave_active_sessions")
	if len(sessions) != 1 || sessions[0].GetGauge().GetValue() != 1 {
		testContext.Fatalf("expected one active session, got %v", sessions)
	}
	forced := gatherMetric(testContext, collector, "draftsafe_autosave_forced_flushes_total")
	if got := counterWithLabel(forced, "signal", "hidden"); got != 1 {
		testContext.Fatalf("expected one hidden forced flush, got %v", got)
	}
	restores := gatherMetric(testContext, collector, "draftsafe_autosave_restores_total")
	if got := counterWithLabel(restores, "result", ResultNotFound); got != 1 {
		testContext.Fatalf("expected one not-found restore, got %v", got)
	}
}

func TestNilCollectorIsSafe(testContext *testing.T) {
	var collector *Collector
	collector.ObserveFlush(ResultOK, time.Millisecond, 1)
	collector.ObserveRestore(ResultOK)
	collector.ObserveForcedFlush("teardown")
	collector.SessionOpened()
	collector.SessionClosed()
	if collector.Registry() != nil {
		testContext.Fatalf("expected nil registry for nil collector")
	}
}

func TestCollectorHandlerServesExposition(testContext *testing.T) {
	collector := NewCollector()
	collector.ObserveFlush(ResultOK, time.Millisecond, 0)

	server := httptest.NewServer(collector.Handler())
	defer server.Close()

	response, err := http.Get(server.URL)
	if err != nil {
		testContext.Fatalf("failed to scrape metrics: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		testContext.Fatalf("failed to read metrics: %v", err)
	}
	if !strings.Contains(string(body), `draftsafe_autosave_flushes_total{result="ok"} 1`) {
		testContext.Fatalf("expected flush counter in exposition, got:\n%s", body)
	}
}
