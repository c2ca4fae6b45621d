// ABOUTME: Prometheus collector that turns the usage snapshot into gauges.
// ABOUTME: Reports remaining free quota, per-tier and per-provider request counts.

package metricsexporter

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stromwissen"

// usageCollector reads a fresh snapshot on every scrape.
type usageCollector struct {
	src UsageSource

	requestsToday  *prometheus.Desc
	requestsTotal  *prometheus.Desc
	providerToday  *prometheus.Desc
	providerTotal  *prometheus.Desc
	quotaRemaining *prometheus.Desc
	costSavings    *prometheus.Desc
	backoffStep    *prometheus.Desc
}

func newUsageCollector(src UsageSource) *usageCollector {
	return &usageCollector{
		src: src,
		requestsToday: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "requests_today"),
			"Model acquisitions today by tier",
			[]string{"tier"}, nil,
		),
		requestsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "requests"),
			"Model acquisitions since the last reset by tier",
			[]string{"tier"}, nil,
		),
		providerToday: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "provider_requests_today"),
			"Model acquisitions today by provider",
			[]string{"provider"}, nil,
		),
		providerTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "provider_requests"),
			"Model acquisitions since the last reset by provider",
			[]string{"provider"}, nil,
		),
		quotaRemaining: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "free_quota_remaining"),
			"Free tier requests left in the current window",
			[]string{"window"}, nil,
		),
		costSavings: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "cost_savings_usd"),
			"Estimated paid spend avoided by free tier calls",
			nil, nil,
		),
		backoffStep: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "usage", "backoff_step"),
			"Current position in the backoff schedule",
			nil, nil,
		),
	}
}

func (c *usageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requestsToday
	ch <- c.requestsTotal
	ch <- c.providerToday
	ch <- c.providerTotal
	ch <- c.quotaRemaining
	ch <- c.costSavings
	ch <- c.backoffStep
}

func (c *usageCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.UsageMetrics()

	ch <- prometheus.MustNewConstMetric(c.requestsToday, prometheus.GaugeValue, float64(s.Free.Today), "free")
	ch <- prometheus.MustNewConstMetric(c.requestsToday, prometheus.GaugeValue, float64(s.Paid.Today), "paid")
	// Totals drop on reset, so they are gauges.
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.GaugeValue, float64(s.Free.Total), "free")
	ch <- prometheus.MustNewConstMetric(c.requestsTotal, prometheus.GaugeValue, float64(s.Paid.Total), "paid")

	for name, u := range s.Providers {
		ch <- prometheus.MustNewConstMetric(c.providerToday, prometheus.GaugeValue, float64(u.Today), name)
		ch <- prometheus.MustNewConstMetric(c.providerTotal, prometheus.GaugeValue, float64(u.Total), name)
	}

	ch <- prometheus.MustNewConstMetric(c.quotaRemaining, prometheus.GaugeValue,
		float64(max(s.Counter.DailyLimit-s.Counter.DailyUsage, 0)), "daily")
	ch <- prometheus.MustNewConstMetric(c.quotaRemaining, prometheus.GaugeValue,
		float64(max(s.Counter.MinuteLimit-s.Counter.MinuteUsage, 0)), "minute")

	ch <- prometheus.MustNewConstMetric(c.costSavings, prometheus.GaugeValue, s.CostSavingsUSD)
	ch <- prometheus.MustNewConstMetric(c.backoffStep, prometheus.GaugeValue, float64(s.BackoffIndex))
}
