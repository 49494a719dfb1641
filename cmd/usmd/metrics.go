package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/debashish-mukherjee/go-snmpusm/internal/agent"
	"github.com/debashish-mukherjee/go-snmpusm/internal/engine"
	"github.com/debashish-mukherjee/go-snmpusm/internal/usm"
)

// newRegistry collects the usmStats counters plus engine and transport figures.
func newRegistry(ctx *usm.Context, a *agent.Agent, srv *engine.Server) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(usm.NewCollector(ctx.Stats))

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "usmd_engine_boots",
			Help: "snmpEngineBoots of the local engine",
		},
		func() float64 { return float64(ctx.Local.Boots) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "usmd_engine_time_seconds",
			Help: "snmpEngineTime of the local engine",
		},
		func() float64 { return float64(ctx.Local.Time()) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "usmd_users",
			Help: "Entries in the user table",
		},
		func() float64 { return float64(ctx.Users.Len()) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "usmd_known_engines",
			Help: "Remote engines in the timeliness registry",
		},
		func() float64 { return float64(ctx.Engines.Len()) },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "usmd_packets_received_total",
			Help: "UDP datagrams received",
		},
		func() float64 { return statFloat(srv.Statistics(), "received") },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "usmd_reports_sent_total",
			Help: "Report PDUs sent",
		},
		func() float64 { return statFloat(a.GetStatistics(), "reports") },
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "usmd_packets_dropped_total",
			Help: "Datagrams dropped without a reply",
		},
		func() float64 { return statFloat(a.GetStatistics(), "dropped") },
	))
	return reg
}

func statFloat(stats map[string]interface{}, key string) float64 {
	if v, ok := stats[key].(int64); ok {
		return float64(v)
	}
	return 0
}

func newMetricsServer(addr string, ctx *usm.Context, a *agent.Agent, srv *engine.Server) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(newRegistry(ctx, a, srv), promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}
