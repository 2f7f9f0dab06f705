// Package metrics exposes prometheus metrics for the softphone daemon.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tradeworks/softphone/call"
)

// StatsProvider exposes controller counters for scraping.
type StatsProvider interface {
	CurrentStats() call.Stats
}

// HistoryCounter returns the number of locally recorded calls.
type HistoryCounter interface {
	Count(ctx context.Context) (int, error)
}

// Collector is a prometheus.Collector that gathers softphone metrics at
// scrape time.
type Collector struct {
	stats     StatsProvider
	history   HistoryCounter
	startTime time.Time

	activeCallDesc    *prometheus.Desc
	connStateDesc     *prometheus.Desc
	dialsDesc         *prometheus.Desc
	fallbacksDesc     *prometheus.Desc
	completedDesc     *prometheus.Desc
	historyCountDesc  *prometheus.Desc
	uptimeSecondsDesc *prometheus.Desc
}

// NewCollector creates a collector. history may be nil if the local
// store is disabled.
func NewCollector(stats StatsProvider, history HistoryCounter, startTime time.Time) *Collector {
	return &Collector{
		stats:     stats,
		history:   history,
		startTime: startTime,

		activeCallDesc: prometheus.NewDesc(
			"softphone_active_call",
			"Whether a call session is currently live (1=yes)",
			nil, nil,
		),
		connStateDesc: prometheus.NewDesc(
			"softphone_connection_state",
			"Signaling connection state (1 for the current state)",
			[]string{"state"}, nil,
		),
		dialsDesc: prometheus.NewDesc(
			"softphone_dials_total",
			"Total outbound dial attempts",
			nil, nil,
		),
		fallbacksDesc: prometheus.NewDesc(
			"softphone_relay_fallbacks_total",
			"Dial attempts that engaged the server-relay path",
			nil, nil,
		),
		completedDesc: prometheus.NewDesc(
			"softphone_sessions_ended_total",
			"Total call sessions that reached a terminal state",
			nil, nil,
		),
		historyCountDesc: prometheus.NewDesc(
			"softphone_history_calls",
			"Calls recorded in the local history store",
			nil, nil,
		),
		uptimeSecondsDesc: prometheus.NewDesc(
			"softphone_uptime_seconds",
			"Seconds since the softphone process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallDesc
	ch <- c.connStateDesc
	ch <- c.dialsDesc
	ch <- c.fallbacksDesc
	ch <- c.completedDesc
	ch <- c.historyCountDesc
	ch <- c.uptimeSecondsDesc
}

// Collect implements prometheus.Collector. It queries the providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats.CurrentStats()

	active := 0.0
	if stats.ActiveCall {
		active = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.activeCallDesc, prometheus.GaugeValue, active)

	states := []call.ConnectionState{
		call.ConnDisconnected, call.ConnConnecting, call.ConnRegistered, call.ConnError,
	}
	for _, state := range states {
		val := 0.0
		if stats.Conn == state {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.connStateDesc, prometheus.GaugeValue, val, string(state),
		)
	}

	ch <- prometheus.MustNewConstMetric(c.dialsDesc, prometheus.CounterValue, float64(stats.Dials))
	ch <- prometheus.MustNewConstMetric(c.fallbacksDesc, prometheus.CounterValue, float64(stats.Fallbacks))
	ch <- prometheus.MustNewConstMetric(c.completedDesc, prometheus.CounterValue, float64(stats.Completed))

	if c.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		count, err := c.history.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call history", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.historyCountDesc, prometheus.GaugeValue, float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeSecondsDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
