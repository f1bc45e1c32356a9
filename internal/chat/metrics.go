package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of currently connected clients",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total protocol lines and deliveries by type",
	}, []string{"type"})

	EventProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_processing_seconds",
		Help:    "Time to process each registry event and request type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	AccessRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_access_requests_total",
		Help: "Room access requests by room and outcome",
	}, []string{"room", "outcome"})

	SanctionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sanctions_total",
		Help: "Sanctions issued by type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(EventProcessingDuration)
	prometheus.MustRegister(AccessRequestsTotal)
	prometheus.MustRegister(SanctionsTotal)
}
