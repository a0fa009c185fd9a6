// Package metrics provides Prometheus metrics for the opflex agent.
//
// This package exposes gauges and counters for monitoring the agent:
// - Endpoint and service counts in the local model
// - Id-generator usage per namespace
// - OVSDB transaction counts (success/failure)
// - Notification dispatch counts per type
//
// The metrics are registered on the default Prometheus registry and
// updated from manager listener callbacks. No component increments the
// OVSDB transaction counter, so it stays at zero.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace is the Prometheus metrics namespace
	Namespace = "opflex_agent"

	// Subsystem names for different metric categories
	SubsystemEndpoint = "endpoint"
	SubsystemService  = "service"
	SubsystemIDGen    = "idgen"
	SubsystemOvsdb    = "ovsdb"
	SubsystemNotif    = "notif"
)

var (
	// registerOnce ensures metrics are registered only once
	registerOnce sync.Once

	// EndpointCount is the number of endpoints in the local model
	EndpointCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemEndpoint,
		Name:      "count",
		Help:      "Number of endpoints in the local model",
	})

	// EndpointUpdates counts endpoint change notifications
	EndpointUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemEndpoint,
		Name:      "updates_total",
		Help:      "Total number of endpoint change notifications",
	})

	// ServiceCount is the number of services in the local model
	ServiceCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemService,
		Name:      "count",
		Help:      "Number of services in the local model",
	})

	// ServiceUpdates counts service change notifications
	ServiceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemService,
		Name:      "updates_total",
		Help:      "Total number of service change notifications",
	})

	// IDsRemaining tracks unallocated ids per namespace
	IDsRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemIDGen,
		Name:      "ids_remaining",
		Help:      "Number of unallocated ids per namespace",
	}, []string{"namespace"})

	// OvsdbTransactions is a counter of OVSDB transactions by result. It
	// is registered, but no component increments it.
	OvsdbTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemOvsdb,
		Name:      "transactions_total",
		Help:      "Total number of OVSDB transactions by result",
	}, []string{"result"})

	// NotificationsSent counts published notifications by type
	NotificationsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemNotif,
		Name:      "sent_total",
		Help:      "Total number of published notifications by type",
	}, []string{"type"})
)

// Register registers all agent metrics on the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EndpointCount,
			EndpointUpdates,
			ServiceCount,
			ServiceUpdates,
			IDsRemaining,
			OvsdbTransactions,
			NotificationsSent,
		)
	})
}
