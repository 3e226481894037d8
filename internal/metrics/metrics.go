// Package metrics exposes the Aroma-Link client's counters and device
// state as Prometheus metrics.
//
// The collector pulls from the client on every scrape; nothing is pushed
// from the hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/aromalink-core/internal/aromalink"
	"github.com/nerrad567/aromalink-core/internal/device"
	"github.com/nerrad567/aromalink-core/internal/push"
)

// Source is the subset of *aromalink.Client the collector reads.
type Source interface {
	Stats() aromalink.Stats
	Devices() []device.State
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	source Source

	connected prometheus.Gauge
	devices   prometheus.Gauge
	lastSync  prometheus.Gauge

	power     *prometheus.GaugeVec
	working   *prometheus.GaugeVec
	countdown *prometheus.GaugeVec
	available *prometheus.GaugeVec

	reconnects *prometheus.Desc
	attempts   *prometheus.Desc
	messages   *prometheus.Desc
	malformed  *prometheus.Desc
	heartbeats *prometheus.Desc
	stale      *prometheus.Desc
	flips      *prometheus.Desc
}

// NewCollector returns a collector reading from source.
func NewCollector(source Source) *Collector {
	deviceLabels := []string{"device", "name"}
	return &Collector{
		source: source,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aromalink_push_connected",
			Help: "1 while the push connection is established",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aromalink_devices",
			Help: "Number of devices on the account",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aromalink_directory_last_sync_timestamp_seconds",
			Help: "Last successful device directory sync (epoch seconds)",
		}),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aromalink_device_power",
			Help: "1 if the diffuser is switched on",
		}, deviceLabels),
		working: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aromalink_device_working",
			Help: "1 if the diffuser is in its work phase",
		}, deviceLabels),
		countdown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aromalink_device_countdown_seconds",
			Help: "Seconds left in the current phase",
		}, []string{"device", "phase"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aromalink_device_available",
			Help: "1 if live updates for the device are flowing",
		}, deviceLabels),
		reconnects: prometheus.NewDesc("aromalink_push_reconnects_total",
			"Push connections lost after being established", nil, nil),
		attempts: prometheus.NewDesc("aromalink_push_connect_attempts_total",
			"Push connection attempts", nil, nil),
		messages: prometheus.NewDesc("aromalink_push_messages_total",
			"Push messages received by kind", []string{"kind"}, nil),
		malformed: prometheus.NewDesc("aromalink_push_malformed_total",
			"Push messages dropped as malformed", nil, nil),
		heartbeats: prometheus.NewDesc("aromalink_push_heartbeats_sent_total",
			"Heartbeat frames sent", nil, nil),
		stale: prometheus.NewDesc("aromalink_snapshots_stale_total",
			"Snapshots discarded as older than the applied one", nil, nil),
		flips: prometheus.NewDesc("aromalink_local_phase_flips_total",
			"Phase changes made locally after the confirmation timeout", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connected.Describe(ch)
	c.devices.Describe(ch)
	c.lastSync.Describe(ch)
	c.power.Describe(ch)
	c.working.Describe(ch)
	c.countdown.Describe(ch)
	c.available.Describe(ch)
	ch <- c.reconnects
	ch <- c.attempts
	ch <- c.messages
	ch <- c.malformed
	ch <- c.heartbeats
	ch <- c.stale
	ch <- c.flips
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	c.connected.Set(boolToFloat(stats.Push.State == push.StateConnected))
	c.devices.Set(float64(stats.Devices.Devices))
	if !stats.LastSync.IsZero() {
		c.lastSync.Set(float64(stats.LastSync.Unix()))
	}

	c.power.Reset()
	c.working.Reset()
	c.countdown.Reset()
	c.available.Reset()
	for _, s := range c.source.Devices() {
		c.power.WithLabelValues(s.ID, s.Name).Set(boolToFloat(s.Power))
		c.working.WithLabelValues(s.ID, s.Name).Set(boolToFloat(s.Phase == device.PhaseWorking))
		c.available.WithLabelValues(s.ID, s.Name).Set(boolToFloat(s.Available()))
		if s.Phase != device.PhaseUnknown {
			c.countdown.WithLabelValues(s.ID, string(s.Phase)).Set(float64(s.ActiveCountdown()))
		}
	}

	c.connected.Collect(ch)
	c.devices.Collect(ch)
	c.lastSync.Collect(ch)
	c.power.Collect(ch)
	c.working.Collect(ch)
	c.countdown.Collect(ch)
	c.available.Collect(ch)

	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(stats.Push.Losses))
	ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(stats.Push.Attempts))
	for _, kind := range push.Kinds {
		ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue,
			float64(stats.Push.Messages[kind]), string(kind))
	}
	ch <- prometheus.MustNewConstMetric(c.malformed, prometheus.CounterValue, float64(stats.Push.Malformed))
	ch <- prometheus.MustNewConstMetric(c.heartbeats, prometheus.CounterValue, float64(stats.Push.HeartbeatsSent))
	ch <- prometheus.MustNewConstMetric(c.stale, prometheus.CounterValue, float64(stats.Devices.StaleDiscarded))
	ch <- prometheus.MustNewConstMetric(c.flips, prometheus.CounterValue, float64(stats.Devices.LocalFlips))
}

// NewRegistry returns a registry holding the collector plus the Go and
// process collectors.
func NewRegistry(source Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
