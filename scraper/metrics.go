package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-scrape-actors/extract"
)

// Metrics bundles Prometheus collectors for the harvester.
type Metrics struct {
	Registry         *prometheus.Registry
	IterationsTotal  prometheus.Counter
	RecordsTotal     prometheus.Counter
	AccumulatedCount prometheus.Gauge
	StagnantRounds   prometheus.Gauge
	PageHeight       prometheus.Gauge
	ScrollDuration   prometheus.Histogram
	SettleDelay      prometheus.Gauge
	ElementErrors    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	iterations := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_iterations_total",
			Help: "Scroll-and-extract iterations run.",
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_records_merged_total",
			Help: "Records newly inserted into the accumulation.",
		},
	)
	accumulated := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_accumulated_records",
			Help: "Distinct records held by the accumulation.",
		},
	)
	stagnant := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_stagnant_rounds",
			Help: "Consecutive iterations that merged no new record.",
		},
	)
	height := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_page_height_pixels",
			Help: "Last observed scroll height of the catalog page.",
		},
	)
	scrollDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_scroll_duration_seconds",
			Help:    "Time spent scrolling and waiting for the page to quiesce.",
			Buckets: prometheus.DefBuckets,
		},
	)
	settle := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_settle_delay_seconds",
			Help: "Current settle delay after backoff.",
		},
	)
	elementErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_element_errors_total",
			Help: "Per-element problems absorbed during extraction.",
		},
		[]string{"kind"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_errors_total",
			Help: "Surface errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(iterations, records, accumulated, stagnant, height, scrollDuration, settle, elementErrors, errorsTotal)

	return &Metrics{
		Registry:         registry,
		IterationsTotal:  iterations,
		RecordsTotal:     records,
		AccumulatedCount: accumulated,
		StagnantRounds:   stagnant,
		PageHeight:       height,
		ScrollDuration:   scrollDuration,
		SettleDelay:      settle,
		ElementErrors:    elementErrors,
		ErrorsTotal:      errorsTotal,
	}
}

// ObserveIteration records the outcome of one iteration.
func (m *Metrics) ObserveIteration(merged, accumulated, stagnant int) {
	if m == nil {
		return
	}
	m.IterationsTotal.Inc()
	m.RecordsTotal.Add(float64(merged))
	m.AccumulatedCount.Set(float64(accumulated))
	m.StagnantRounds.Set(float64(stagnant))
}

// ObserveElements records absorbed per-element problems.
func (m *Metrics) ObserveElements(report extract.Report) {
	if m == nil {
		return
	}
	if report.MissingIdentifier > 0 {
		m.ElementErrors.WithLabelValues(labelIdentifierMissing).Add(float64(report.MissingIdentifier))
	}
	if report.Unreadable > 0 {
		m.ElementErrors.WithLabelValues(labelElementUnreadable).Add(float64(report.Unreadable))
	}
	if report.ParseErrors > 0 {
		m.ElementErrors.WithLabelValues("parse").Add(float64(report.ParseErrors))
	}
}

// ObserveScroll records a scroll duration and the resulting page height.
func (m *Metrics) ObserveScroll(d time.Duration, height float64) {
	if m == nil {
		return
	}
	m.ScrollDuration.Observe(d.Seconds())
	m.PageHeight.Set(height)
}

// SetSettleDelay records the current settle delay.
func (m *Metrics) SetSettleDelay(d time.Duration) {
	if m == nil {
		return
	}
	m.SettleDelay.Set(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
