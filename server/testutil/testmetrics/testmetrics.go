// Package testmetrics reads prometheus metrics back in tests.
//
// Metric values persist across tests in the same binary, so prefer labels
// that are unique to the test (e.g. a cache name built from a fresh root
// directory or a fake server's address).
package testmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	dto "github.com/prometheus/client_model/go"
)

func write(t testing.TB, metric prometheus.Metric) *dto.Metric {
	m := &dto.Metric{}
	err := metric.Write(m)
	require.NoError(t, err)
	return m
}

// GaugeValue returns the current value of a gauge metric.
func GaugeValue(t testing.TB, metric prometheus.Gauge) float64 {
	return write(t, metric).GetGauge().GetValue()
}

// CounterValue returns the current value of a counter metric.
func CounterValue(t testing.TB, metric prometheus.Counter) float64 {
	return write(t, metric).GetCounter().GetValue()
}

// CounterVecValue returns the value of the series of vec selected by labels.
func CounterVecValue(t testing.TB, vec *prometheus.CounterVec, labels prometheus.Labels) float64 {
	counter, err := vec.GetMetricWith(labels)
	require.NoError(t, err)
	return CounterValue(t, counter)
}

// CounterVecSum adds up every series of vec whose labels include all of
// the given labels.
func CounterVecSum(t testing.TB, vec *prometheus.CounterVec, labels prometheus.Labels) float64 {
	sum := 0.0
	for _, m := range Collect(t, vec) {
		if hasLabels(m, labels) {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

// Collect serializes all of the data observed for the given metric.
func Collect(t testing.TB, c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for m := range ch {
		out = append(out, write(t, m))
	}
	return out
}

// Labels converts the serialized metric labels to a map.
func Labels(proto *dto.Metric) map[string]string {
	m := make(map[string]string, len(proto.Label))
	for _, label := range proto.Label {
		m[label.GetName()] = label.GetValue()
	}
	return m
}

func hasLabels(m *dto.Metric, want prometheus.Labels) bool {
	got := Labels(m)
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
