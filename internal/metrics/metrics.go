// Package metrics provides Prometheus metrics for the order relay.
// It tracks orders sent to the broker, orders received from it, and what
// happened to each delivery at the relay buffer.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "orderrelay"
)

// Label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultStored  = "stored"
	ResultDropped = "dropped"
)

// Publisher metrics track orders sent to the broker.
var (
	// OrdersSentTotal counts send attempts, labeled by result.
	OrdersSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_sent_total",
			Help:      "Total number of orders sent to the broker",
		},
		[]string{"result"}, // result: success, failure
	)

	// OrderPublishLatency measures time for the broker to accept an order.
	OrderPublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_publish_latency_seconds",
			Help:      "Time to publish an order to the broker in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)
)

// Listener metrics track orders delivered by the broker.
var (
	// OrdersReceivedTotal counts orders decoded from broker deliveries.
	OrdersReceivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_received_total",
			Help:      "Total number of orders received from the broker",
		},
	)

	// ListenerRestartsTotal counts delivery loops restarted after a failure.
	ListenerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_restarts_total",
			Help:      "Total number of delivery loops restarted after a consumer error",
		},
	)

	// MalformedMessagesTotal counts deliveries that could not be decoded.
	MalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Total number of broker deliveries that were not valid orders",
		},
	)
)

// Relay metrics track the single-slot relay buffer.
var (
	// RelayDepositsTotal counts deposits, labeled by whether the slot was free.
	RelayDepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_deposits_total",
			Help:      "Total number of deposits into the relay buffer",
		},
		[]string{"result"}, // result: stored, dropped
	)

	// RelayOccupancy reads the length of the buffer passed to ObserveRelay
	// on every scrape.
	RelayOccupancy = promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_occupancy",
			Help:      "Number of orders waiting in the relay buffer",
		},
		func() float64 {
			if f := relayLen.Load(); f != nil {
				return float64((*f)())
			}
			return 0
		},
	)
)

var relayLen atomic.Pointer[func() int]

// ObserveRelay sets the length function reported as relay_occupancy.
// The last call wins; a process owns a single relay buffer.
func ObserveRelay(length func() int) {
	relayLen.Store(&length)
}
