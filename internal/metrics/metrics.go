// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and every instrument the pipeline updates.
type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived  *prometheus.CounterVec
	EventsMalformed *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	QueueDropped    *prometheus.CounterVec

	FlowsActive   prometheus.Gauge
	WindowsClosed prometheus.Counter
	LateDropped   prometheus.Counter

	Anomalies *prometheus.CounterVec

	PoliciesActive prometheus.Gauge
	PolicyApplies  *prometheus.CounterVec

	PublishDropped prometheus.Counter

	FirewallRulePackets *prometheus.GaugeVec
	FirewallRuleBytes   *prometheus.GaugeVec
}

// New builds a registry with the full instrument set plus the standard
// Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_received_total",
			Help: "Raw events accepted by the ingest layer.",
		}, []string{"source"}),
		EventsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_malformed_total",
			Help: "Events rejected during parsing or normalization.",
		}, []string{"source"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_queue_depth",
			Help: "Current depth of the bounded stage queues.",
		}, []string{"queue"}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_queue_dropped_total",
			Help: "Events evicted from full stage queues.",
		}, []string{"queue"}),
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_flows_active",
			Help: "Flows currently tracked in the flow store.",
		}),
		WindowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_windows_closed_total",
			Help: "Window instances closed by watermark advance.",
		}),
		LateDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_late_events_dropped_total",
			Help: "Events dropped for arriving behind the watermark.",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_anomalies_total",
			Help: "Anomalies emitted after deduplication.",
		}, []string{"type", "severity"}),
		PoliciesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_policies_active",
			Help: "Policies currently active in the store.",
		}),
		PolicyApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_policy_applies_total",
			Help: "Per-vendor policy apply outcomes.",
		}, []string{"vendor", "result"}),
		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_publish_dropped_total",
			Help: "Messages dropped by the publisher queue.",
		}),
		FirewallRulePackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_firewall_rule_packets",
			Help: "Packet counters scraped from managed firewall rules.",
		}, []string{"rule_id"}),
		FirewallRuleBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_firewall_rule_bytes",
			Help: "Byte counters scraped from managed firewall rules.",
		}, []string{"rule_id"}),
	}

	reg.MustRegister(
		m.EventsReceived, m.EventsMalformed, m.QueueDepth, m.QueueDropped,
		m.FlowsActive, m.WindowsClosed, m.LateDropped, m.Anomalies,
		m.PoliciesActive, m.PolicyApplies, m.PublishDropped,
		m.FirewallRulePackets, m.FirewallRuleBytes,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
