package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	ConnectedApps    prometheus.Gauge
	ConnectedClients prometheus.Gauge
	MessagesRouted   *prometheus.CounterVec
	CodeRotations    prometheus.Counter
	ClientEvictions  prometheus.Counter
	ControllerCalls  *prometheus.CounterVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		ConnectedApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footron_connected_apps",
			Help: "Application websockets currently registered",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "footron_connected_clients",
			Help: "Client websockets currently registered",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footron_messages_routed_total",
			Help: "Frames routed between peers",
		}, []string{"direction", "type"}),
		CodeRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footron_code_rotations_total",
			Help: "Auth code rotations, timed and on first use",
		}),
		ClientEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "footron_client_evictions_total",
			Help: "Clients evicted after their auth code expired",
		}),
		ControllerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "footron_controller_requests_total",
			Help: "Outbound controller API requests",
		}, []string{"endpoint", "status"}),
	}
	reg.MustRegister(m.ConnectedApps, m.ConnectedClients, m.MessagesRouted,
		m.CodeRotations, m.ClientEvictions, m.ControllerCalls)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
