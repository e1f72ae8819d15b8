package server

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connected_clients",
		Help: "Number of connections currently in the registry",
	})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_frames_total",
		Help: "Frames received, by parsed command",
	}, []string{"command"})

	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_dispatch_seconds",
		Help:    "Time to apply one command, store calls included",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_broadcast_failures_total",
		Help: "Broadcast writes that failed and dropped the receiving connection",
	})

	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_store_errors_total",
		Help: "Account store and message log calls that failed",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(ConnectedClients)
	prometheus.MustRegister(FramesTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(BroadcastFailures)
	prometheus.MustRegister(StoreErrors)
}
