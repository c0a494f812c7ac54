// Package metrics provides Prometheus-compatible metrics for henkand.
package metrics

import (
	"time"
)

// HenkandMetrics holds all henkand-specific metrics.
type HenkandMetrics struct {
	registry *Registry

	// Counters
	TriggersTotal      *Counter
	CommitsTotal       *Counter
	CancelsTotal       *Counter
	RejectionsTotal    *Counter
	NoCandidateTotal   *Counter
	RequestsTotal      *Counter
	ErrorsTotal        *Counter
	DictionaryReloads  *Counter
	ConfigReloads      *Counter

	// Gauges
	ActiveConversions *Gauge
	OpenDocuments     *Gauge
	ConnectedClients  *Gauge
	DictionaryEntries *Gauge
	UptimeSeconds     *Gauge

	// Histograms
	ConversionDuration *Histogram
	RequestDuration    *Histogram
	CandidatesCycled   *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewHenkandMetrics creates and registers all henkand metrics.
func NewHenkandMetrics(registry *Registry) *HenkandMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &HenkandMetrics{
		registry: registry,

		// Counters
		TriggersTotal: registry.RegisterCounter(
			"triggers_total",
			"Total number of conversion triggers received",
			nil,
		),
		CommitsTotal: registry.RegisterCounter(
			"commits_total",
			"Total number of conversions committed",
			nil,
		),
		CancelsTotal: registry.RegisterCounter(
			"cancels_total",
			"Total number of conversions cancelled",
			nil,
		),
		RejectionsTotal: registry.RegisterCounter(
			"rejections_total",
			"Total number of seeds rejected by the engine",
			nil,
		),
		NoCandidateTotal: registry.RegisterCounter(
			"no_candidate_total",
			"Total number of triggers with no convertible text",
			nil,
		),
		RequestsTotal: registry.RegisterCounter(
			"requests_total",
			"Total number of control socket requests handled",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),
		DictionaryReloads: registry.RegisterCounter(
			"dictionary_reloads_total",
			"Total number of dictionary reloads",
			nil,
		),
		ConfigReloads: registry.RegisterCounter(
			"config_reloads_total",
			"Total number of configuration reloads",
			nil,
		),

		// Gauges
		ActiveConversions: registry.RegisterGauge(
			"active_conversions",
			"Number of conversions currently in progress",
			nil,
		),
		OpenDocuments: registry.RegisterGauge(
			"open_documents",
			"Number of documents with a controller attached",
			nil,
		),
		ConnectedClients: registry.RegisterGauge(
			"connected_clients",
			"Number of clients connected to the control socket",
			nil,
		),
		DictionaryEntries: registry.RegisterGauge(
			"dictionary_entries",
			"Number of entries in the loaded dictionary",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		// Histograms
		ConversionDuration: registry.RegisterHistogram(
			"conversion_duration_seconds",
			"Time from trigger to commit in seconds",
			nil,
			DurationBuckets,
		),
		RequestDuration: registry.RegisterHistogram(
			"request_duration_seconds",
			"Duration of control socket requests in seconds",
			nil,
			DurationBuckets,
		),
		CandidatesCycled: registry.RegisterHistogram(
			"candidates_cycled",
			"Candidates cycled through per conversion",
			nil,
			CountBuckets,
		),
	}

	return m
}

// Registry returns the registry the metrics are registered in.
func (m *HenkandMetrics) Registry() *Registry {
	return m.registry
}

// RecordTrigger records a conversion trigger.
func (m *HenkandMetrics) RecordTrigger() {
	m.TriggersTotal.Inc()
}

// ConversionStarted records a new conversion session.
func (m *HenkandMetrics) ConversionStarted() {
	m.ActiveConversions.Inc()
}

// ConversionCommitted records a committed conversion.
func (m *HenkandMetrics) ConversionCommitted(duration time.Duration, cycled int) {
	m.CommitsTotal.Inc()
	m.ActiveConversions.Dec()
	m.ConversionDuration.ObserveDuration(duration)
	m.CandidatesCycled.Observe(float64(cycled))
}

// ConversionCancelled records a cancelled conversion.
func (m *HenkandMetrics) ConversionCancelled() {
	m.CancelsTotal.Inc()
	m.ActiveConversions.Dec()
}

// RecordRejection records a seed the engine refused.
func (m *HenkandMetrics) RecordRejection() {
	m.RejectionsTotal.Inc()
}

// RecordNoCandidate records a trigger with nothing to convert.
func (m *HenkandMetrics) RecordNoCandidate() {
	m.NoCandidateTotal.Inc()
}

// RecordRequest records a handled control socket request.
func (m *HenkandMetrics) RecordRequest(duration time.Duration) {
	m.RequestsTotal.Inc()
	m.RequestDuration.ObserveDuration(duration)
}

// StartRequestTimer returns a timer for control socket requests.
func (m *HenkandMetrics) StartRequestTimer() *HistogramTimer {
	return m.RequestDuration.Timer()
}

// RecordError records an error.
func (m *HenkandMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// DictionaryReloaded records a dictionary reload.
func (m *HenkandMetrics) DictionaryReloaded() {
	m.DictionaryReloads.Inc()
}

// ConfigReloaded records a configuration reload.
func (m *HenkandMetrics) ConfigReloaded() {
	m.ConfigReloads.Inc()
}

// ClientConnected records a client connecting to the control socket.
func (m *HenkandMetrics) ClientConnected() {
	m.ConnectedClients.Inc()
}

// ClientDisconnected records a client disconnecting.
func (m *HenkandMetrics) ClientDisconnected() {
	m.ConnectedClients.Dec()
}

// SetOpenDocuments sets the number of open documents.
func (m *HenkandMetrics) SetOpenDocuments(n int64) {
	m.OpenDocuments.Set(n)
}

// SetDictionaryEntries sets the loaded dictionary size.
func (m *HenkandMetrics) SetDictionaryEntries(n int64) {
	m.DictionaryEntries.Set(n)
}

// UpdateUptime updates the uptime metric.
func (m *HenkandMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *HenkandMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"triggers_total":              m.TriggersTotal.Value(),
		"commits_total":               m.CommitsTotal.Value(),
		"cancels_total":               m.CancelsTotal.Value(),
		"rejections_total":            m.RejectionsTotal.Value(),
		"no_candidate_total":          m.NoCandidateTotal.Value(),
		"requests_total":              m.RequestsTotal.Value(),
		"errors_total":                m.ErrorsTotal.Value(),
		"dictionary_reloads_total":    m.DictionaryReloads.Value(),
		"config_reloads_total":        m.ConfigReloads.Value(),
		"active_conversions":          m.ActiveConversions.Value(),
		"open_documents":              m.OpenDocuments.Value(),
		"connected_clients":           m.ConnectedClients.Value(),
		"dictionary_entries":          m.DictionaryEntries.Value(),
		"uptime_seconds":              m.UptimeSeconds.Value(),
		"conversion_avg_seconds":      m.ConversionDuration.Mean(),
		"request_avg_seconds":         m.RequestDuration.Mean(),
		"candidates_cycled_avg":       m.CandidatesCycled.Mean(),
	}
}

// Global henkand metrics instance.
var defaultHenkandMetrics *HenkandMetrics

// GetMetrics returns the global henkand metrics instance.
func GetMetrics() *HenkandMetrics {
	if defaultHenkandMetrics == nil {
		defaultHenkandMetrics = NewHenkandMetrics(Default())
	}
	return defaultHenkandMetrics
}

// InitMetrics initializes the global henkand metrics with a custom registry.
func InitMetrics(registry *Registry) *HenkandMetrics {
	defaultHenkandMetrics = NewHenkandMetrics(registry)
	return defaultHenkandMetrics
}
