package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
)

// FulfillmentMetrics mencatat metrik domain fulfillment.
type FulfillmentMetrics struct {
	statusChanges   *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	returnEmissions *prometheus.CounterVec
	stopsFinalized  *prometheus.CounterVec
	routesCompleted prometheus.Counter
	monitorFailures prometheus.Counter
}

// NewFulfillmentMetrics mendaftarkan metrik fulfillment pada registerer.
func NewFulfillmentMetrics(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &FulfillmentMetrics{
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_order_status_changes_total",
			Help: "Jumlah perubahan status order berdasarkan status asal dan tujuan.",
		}, []string{"from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_delivery_outcomes_total",
			Help: "Jumlah hasil pengiriman yang dicatat per item.",
		}, []string{"result"}),
		returnEmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_return_emissions_total",
			Help: "Jumlah sinkronisasi catatan retur dari pengiriman.",
		}, []string{"result"}),
		stopsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fulfillment_stops_finalized_total",
			Help: "Jumlah stop rute yang difinalisasi berdasarkan status order.",
		}, []string{"status"}),
		routesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_routes_completed_total",
			Help: "Jumlah rute yang selesai.",
		}),
		monitorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fulfillment_route_monitor_failures_total",
			Help: "Jumlah evaluasi rute yang gagal dan dijadwalkan ulang.",
		}),
	}
	registerer.MustRegister(m.statusChanges, m.outcomes, m.returnEmissions, m.stopsFinalized, m.routesCompleted, m.monitorFailures)
	return m
}

// OrderStatusChanged implements orders.StatusObserver.
func (m *FulfillmentMetrics) OrderStatusChanged(_ context.Context, change orders.StatusChange) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(string(change.From), string(change.To)).Inc()
}

// OutcomeRecorded menghitung hasil pengiriman.
func (m *FulfillmentMetrics) OutcomeRecorded(result string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(result).Inc()
}

// ReturnEmission menghitung sinkronisasi retur.
func (m *FulfillmentMetrics) ReturnEmission(result string) {
	if m == nil {
		return
	}
	m.returnEmissions.WithLabelValues(result).Inc()
}

// StopFinalized menghitung stop yang difinalisasi.
func (m *FulfillmentMetrics) StopFinalized(status orders.Status) {
	if m == nil {
		return
	}
	m.stopsFinalized.WithLabelValues(string(status)).Inc()
}

// RouteCompleted implements routing.CompletionRecorder.
func (m *FulfillmentMetrics) RouteCompleted() {
	if m == nil {
		return
	}
	m.routesCompleted.Inc()
}

// MonitorFailed menghitung evaluasi rute yang gagal.
func (m *FulfillmentMetrics) MonitorFailed() {
	if m == nil {
		return
	}
	m.monitorFailures.Inc()
}
