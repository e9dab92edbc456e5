package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusAPI forwards every report to an inner API and keeps prometheus
// series for them, so brokenness shows up on /metrics and not only in logs.
type PrometheusAPI struct {
	inner    API
	broken   *prometheus.CounterVec
	warnings *prometheus.CounterVec
	counts   *prometheus.GaugeVec
}

// NewPrometheusAPI registers its collectors on reg.
func NewPrometheusAPI(namespace string, reg prometheus.Registerer, inner API) (PrometheusAPI, error) {
	p := PrometheusAPI{
		inner: inner,
		broken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broken_reports_total",
				Help:      "Components reported as broken, by report id.",
			},
			[]string{"id"},
		),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warning_reports_total",
				Help:      "Warnings reported, by report id.",
			},
			[]string{"id"},
		),
		counts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "count",
				Help:      "Latest value reported through ReportCount, by report id.",
			},
			[]string{"id"},
		),
	}
	for _, c := range []prometheus.Collector{p.broken, p.warnings, p.counts} {
		err := reg.Register(c)
		if err != nil {
			return PrometheusAPI{}, err
		}
	}
	return p, nil
}

func (p PrometheusAPI) ReportBroken(id string, params ...any) {
	p.broken.WithLabelValues(id).Inc()
	p.inner.ReportBroken(id, params...)
}

func (p PrometheusAPI) ReportWarning(id string, params ...any) {
	p.warnings.WithLabelValues(id).Inc()
	p.inner.ReportWarning(id, params...)
}

func (p PrometheusAPI) ReportDebug(msg string, params ...any) {
	p.inner.ReportDebug(msg, params...)
}

func (p PrometheusAPI) ReportCount(id string, count int64) {
	p.counts.WithLabelValues(id).Set(float64(count))
	p.inner.ReportCount(id, count)
}
