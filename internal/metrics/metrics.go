// Package metrics exposes the Prometheus series the bot updates while
// trading:
//   - trader_cycles_total                    – decision cycles completed
//   - trader_entries_total{venue,side}       – confirmed entries
//   - trader_closes_total{venue,reason}      – confirmed closes
//   - trader_rejected_entries_total{cause}   – entries blocked (risk gate, duplicate, venue)
//   - trader_parse_recoveries_total{kind}    – decision parses needing recovery
//   - trader_equity_usd                      – latest total equity snapshot
//   - trader_open_positions                  – current open position count
//
// Registered in init() and served at /metrics by Serve.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trader_cycles_total",
		Help: "Decision cycles completed",
	})

	Entries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_entries_total",
		Help: "Confirmed position entries",
	}, []string{"venue", "side"})

	Closes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_closes_total",
		Help: "Confirmed position closes",
	}, []string{"venue", "reason"})

	RejectedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_rejected_entries_total",
		Help: "Entry decisions that never reached the venue or were refused",
	}, []string{"cause"})

	ParseRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_parse_recoveries_total",
		Help: "Decision parses that needed partial or text recovery",
	}, []string{"kind"})

	Equity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_equity_usd",
		Help: "Latest total equity snapshot in USD",
	})

	OpenPositions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trader_open_positions",
		Help: "Currently open positions",
	})
)

func init() {
	prometheus.MustRegister(
		Cycles,
		Entries,
		Closes,
		RejectedEntries,
		ParseRecoveries,
		Equity,
		OpenPositions,
	)
}

// Serve blocks serving /metrics on the given port.
func Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
