package obs

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"
)

const namespace = "tradecore"

var (
	descOrderEvents = prometheus.NewDesc(namespace+"_order_events_total",
		"Order events by outcome.", []string{"outcome"}, nil)
	descTradeEvents = prometheus.NewDesc(namespace+"_trade_events_total",
		"Trade events by outcome.", []string{"outcome"}, nil)
	descSelfTrade = prometheus.NewDesc(namespace+"_self_trade_hits_total",
		"Crossing orders detected by the self-trade engine.", nil, nil)
	descWal = prometheus.NewDesc(namespace+"_wal_appends_total",
		"WAL appends by outcome.", []string{"outcome"}, nil)
	descStoreErrors = prometheus.NewDesc(namespace+"_store_errors_total",
		"Best-effort domain store failures.", nil, nil)
	descReplay = prometheus.NewDesc(namespace+"_replay_lines_total",
		"WAL replay lines by outcome.", []string{"outcome"}, nil)
	descRiskRejects = prometheus.NewDesc(namespace+"_risk_rejects_total",
		"Risk rejections by rule type.", []string{"rule"}, nil)
	descLatency = prometheus.NewDesc(namespace+"_latency_avg_seconds",
		"Average latency by stage.", []string{"stage"}, nil)
)

// Collector exposes Metrics as a prometheus.Collector.
type Collector struct {
	m *Metrics
}

// NewCollector wraps m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descOrderEvents
	ch <- descTradeEvents
	ch <- descSelfTrade
	ch <- descWal
	ch <- descStoreErrors
	ch <- descReplay
	ch <- descRiskRejects
	ch <- descLatency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	counter(descOrderEvents, s.OrderApplied, "applied")
	counter(descOrderEvents, s.OrderDuplicate, "duplicate")
	counter(descOrderEvents, s.OrderRejected, "rejected")
	counter(descTradeEvents, s.TradeRecorded, "recorded")
	counter(descTradeEvents, s.TradeDuplicate, "duplicate")
	counter(descTradeEvents, s.TradeFailed, "failed")
	counter(descSelfTrade, s.SelfTradeHits)
	counter(descWal, s.WalAppends, "ok")
	counter(descWal, s.WalErrors, "error")
	counter(descStoreErrors, s.StoreErrors)
	counter(descReplay, s.Replay.Lines, "read")
	counter(descReplay, s.Replay.ParseErrors, "parse_error")
	counter(descReplay, s.Replay.Ignored, "ignored")
	counter(descReplay, s.Replay.StateRejected, "state_rejected")
	counter(descReplay, s.Replay.LedgerApplied, "ledger_applied")
	for rule, v := range s.RiskRejects {
		counter(descRiskRejects, v, rule)
	}
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, s.OrderEventLatency.Avg.Seconds(), "order_event")
	ch <- prometheus.MustNewConstMetric(descLatency, prometheus.GaugeValue, s.RiskEvalLatency.Avg.Seconds(), "risk_eval")
}

// NewRegistry returns a registry holding the Go runtime collectors and m.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(NewCollector(m))
	return reg
}

// Serve exposes reg on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logs.Infof("metrics listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
