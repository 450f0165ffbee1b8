package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Live chat connections attached to this instance.",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Messages persisted, by transport.",
	}, []string{"transport"})

	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_publish_errors_total",
		Help: "Events that could not be published to the broadcast channel.",
	})

	ReceiptsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_receipts_recorded_total",
		Help: "Receipts newly recorded, by kind.",
	}, []string{"kind"})

	WSRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_rejected_total",
		Help: "Live connections rejected before join, by reason.",
	}, []string{"reason"})
)

// Handler отдает метрики для Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
