package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MessageDirectionCounter returns message counts grouped by direction.
type MessageDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// OnlineStaffProvider exposes the number of online staff devices.
type OnlineStaffProvider interface {
	OnlineIdentities() []string
}

// BucketCounter returns the number of live rate-limit buckets.
type BucketCounter interface {
	Size() int
}

// Collector is a prometheus.Collector that gathers Taxline metrics at
// scrape time.
type Collector struct {
	messages  MessageDirectionCounter
	presence  OnlineStaffProvider
	limiter   BucketCounter
	startTime time.Time

	messagesDesc *prometheus.Desc
	onlineDesc   *prometheus.Desc
	bucketsDesc  *prometheus.Desc
	uptimeDesc   *prometheus.Desc
}

// NewCollector creates a Collector.
func NewCollector(messages MessageDirectionCounter, presence OnlineStaffProvider, limiter BucketCounter) *Collector {
	return &Collector{
		messages:  messages,
		presence:  presence,
		limiter:   limiter,
		startTime: time.Now(),
		messagesDesc: prometheus.NewDesc(
			"taxline_messages_total",
			"Total stored messages by direction.",
			[]string{"direction"}, nil,
		),
		onlineDesc: prometheus.NewDesc(
			"taxline_staff_online",
			"Number of staff devices currently online.",
			nil, nil,
		),
		bucketsDesc: prometheus.NewDesc(
			"taxline_ratelimit_buckets",
			"Number of live webhook rate-limit buckets.",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"taxline_uptime_seconds",
			"Process uptime in seconds.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesDesc
	ch <- c.onlineDesc
	ch <- c.bucketsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if counts, err := c.messages.CountByDirection(ctx); err != nil {
		slog.Warn("collecting message metrics", "error", err)
	} else {
		for direction, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.messagesDesc, prometheus.CounterValue, float64(n), direction)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.onlineDesc, prometheus.GaugeValue, float64(len(c.presence.OnlineIdentities())))
	ch <- prometheus.MustNewConstMetric(c.bucketsDesc, prometheus.GaugeValue, float64(c.limiter.Size()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
