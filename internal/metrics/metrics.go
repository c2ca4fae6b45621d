// ABOUTME: Prometheus metrics for provider routing, plugin hooks and the HTTP surface.
// ABOUTME: All record methods are safe to call on a nil *Collector.

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stromwissen"

// Collector holds all Prometheus metrics for stromwissen.
type Collector struct {
	// Provider routing
	Acquisitions  *prometheus.CounterVec
	Fallbacks     *prometheus.CounterVec
	BackoffWaits  prometheus.Histogram
	FlushFailures prometheus.Counter

	// Plugins
	HookFailures  *prometheus.CounterVec
	ActivePlugins prometheus.Gauge

	// HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Config
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter

	registry *prometheus.Registry
}

// New creates a collector backed by its own registry, which also carries the
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c := NewWithRegistry(reg)
	c.registry = reg
	return c
}

// NewWithRegistry creates a collector registering on reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		Acquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_acquisitions_total",
				Help:      "Model handles handed out by tier and provider",
			},
			[]string{"tier", "provider"},
		),
		Fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "paid_fallbacks_total",
				Help:      "Requests routed to the paid tier by reason",
			},
			[]string{"reason"},
		),
		BackoffWaits: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backoff_wait_seconds",
				Help:      "Time spent waiting for the per-minute free quota",
				Buckets:   []float64{1, 2, 5, 10, 15, 30},
			},
		),
		FlushFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_flush_failures_total",
				Help:      "Failed writes of the usage metrics document",
			},
		),
		HookFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_hook_failures_total",
				Help:      "Plugin hook invocations that failed, panicked or timed out",
			},
			[]string{"hook", "plugin"},
		),
		ActivePlugins: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_active",
				Help:      "Number of active plugins",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Failed config reloads",
			},
		),
	}
	if r, ok := reg.(*prometheus.Registry); ok {
		c.registry = r
	}
	return c
}

// Registerer returns the registry plugins may add their own collectors to.
func (c *Collector) Registerer() prometheus.Registerer {
	if c == nil || c.registry == nil {
		return prometheus.NewRegistry()
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveAcquisition(tier, provider string) {
	if c == nil {
		return
	}
	c.Acquisitions.WithLabelValues(tier, provider).Inc()
}

func (c *Collector) ObserveFallback(reason string) {
	if c == nil {
		return
	}
	c.Fallbacks.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveBackoff(d time.Duration) {
	if c == nil {
		return
	}
	c.BackoffWaits.Observe(d.Seconds())
}

func (c *Collector) ObserveFlushFailure() {
	if c == nil {
		return
	}
	c.FlushFailures.Inc()
}

func (c *Collector) ObserveHookFailure(hook, plugin string) {
	if c == nil {
		return
	}
	c.HookFailures.WithLabelValues(hook, plugin).Inc()
}

func (c *Collector) SetActivePlugins(n int) {
	if c == nil {
		return
	}
	c.ActivePlugins.Set(float64(n))
}

func (c *Collector) ObserveRequest(method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) ObserveConfigReload(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
}
