package telemetry

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/defilantech/llmrund/internal/apperr"
)

// MetricPoint is one labeled observation flattened out of a
// dto.MetricFamily, the wire shape the MetricsResponse IPC message
// carries.
type MetricPoint struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// MetricsSnapshot is the flattened view of every registered collector
// at the moment Snapshot was called.
type MetricsSnapshot struct {
	Points []MetricPoint
}

// Snapshot gathers every registered collector via the same
// (prometheus.Gatherer).Gather() path client_golang's own HTTP
// exposition handler uses, and flattens the resulting
// dto.MetricFamily list into the wire snapshot shape — skipping only
// the text-format render, since this process has no HTTP endpoint to
// serve it on.
func (s *Store) Snapshot() (MetricsSnapshot, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return MetricsSnapshot{}, apperr.Wrap(apperr.CodeInternal, "gathering metrics", err)
	}

	var snapshot MetricsSnapshot
	for _, mf := range families {
		snapshot.Points = append(snapshot.Points, flattenFamily(mf)...)
	}
	return snapshot, nil
}

func flattenFamily(mf *dto.MetricFamily) []MetricPoint {
	name := mf.GetName()
	points := make([]MetricPoint, 0, len(mf.GetMetric()))

	for _, m := range mf.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}

		switch {
		case m.Counter != nil:
			points = append(points, MetricPoint{Name: name, Labels: labels, Value: m.GetCounter().GetValue()})
		case m.Gauge != nil:
			points = append(points, MetricPoint{Name: name, Labels: labels, Value: m.GetGauge().GetValue()})
		case m.Histogram != nil:
			h := m.GetHistogram()
			points = append(points,
				MetricPoint{Name: name + "_count", Labels: labels, Value: float64(h.GetSampleCount())},
				MetricPoint{Name: name + "_sum", Labels: labels, Value: h.GetSampleSum()},
			)
		}
	}
	return points
}
