// Package metrics exports the admin server metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/alwitt/mqadmin/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqadmin"

// Collector the admin server metrics. A nil *Collector records nothing.
type Collector struct {
	registry          *prometheus.Registry
	configMutations   *prometheus.CounterVec
	applyLatency      prometheus.Histogram
	apiErrors         *prometheus.CounterVec
	connectionsClosed prometheus.Counter
	clientsDeleted    prometheus.Counter
	purgeErrors       prometheus.Counter
	restarts          *prometheus.CounterVec
}

// NewCollector define the metrics. counts supplies the live state gauges.
func NewCollector(counts func() monitor.Counts) (*Collector, error) {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.configMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "mutations_total",
			Help:      "Number of configuration objects changed",
		}, []string{"type", "op"},
	)
	c.applyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "apply_seconds",
			Help:      "Duration of configuration apply transactions",
			Buckets:   prometheus.DefBuckets,
		},
	)
	c.apiErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Number of failed admin API calls",
		}, []string{"code"},
	)
	c.connectionsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "connections_closed_total",
			Help:      "Number of connections closed administratively",
		},
	)
	c.clientsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "clients_deleted_total",
			Help:      "Number of durable clients purged",
		},
	)
	c.purgeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "purge_errors_total",
			Help:      "Number of failed client purges",
		},
	)
	c.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of component restarts",
		}, []string{"component"},
	)

	collectors := []prometheus.Collector{
		c.configMutations, c.applyLatency, c.apiErrors,
		c.connectionsClosed, c.clientsDeleted, c.purgeErrors, c.restarts,
	}

	if counts != nil {
		gauge := func(name, help string, read func(monitor.Counts) int) prometheus.Collector {
			return prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace: namespace, Subsystem: "runtime", Name: name, Help: help,
				},
				func() float64 { return float64(read(counts())) },
			)
		}
		collectors = append(collectors,
			gauge("connections", "Number of live connections",
				func(c monitor.Counts) int { return c.Connections }),
			gauge("subscriptions", "Number of subscriptions",
				func(c monitor.Counts) int { return c.Subscriptions }),
			gauge("mqtt_clients", "Number of durable MQTT clients",
				func(c monitor.Counts) int { return c.MQTTClients }),
			gauge("retained_topics", "Number of topics holding a retained message",
				func(c monitor.Counts) int { return c.Retained }),
		)
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler HTTP handler serving the metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gatherer the underlying metric gatherer
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// RecordMutation count a configuration object change
func (c *Collector) RecordMutation(objType, op string) {
	if c == nil {
		return
	}
	c.configMutations.WithLabelValues(objType, op).Inc()
}

// ObserveApply record the duration of an apply transaction
func (c *Collector) ObserveApply(duration time.Duration) {
	if c == nil {
		return
	}
	c.applyLatency.Observe(duration.Seconds())
}

// RecordAPIError count a failed API call by error code
func (c *Collector) RecordAPIError(code string) {
	if c == nil {
		return
	}
	c.apiErrors.WithLabelValues(code).Inc()
}

// RecordConnectionsClosed count administratively closed connections
func (c *Collector) RecordConnectionsClosed(count int) {
	if c == nil {
		return
	}
	c.connectionsClosed.Add(float64(count))
}

// RecordClientPurge count one purged client, or a failed purge
func (c *Collector) RecordClientPurge(failed bool) {
	if c == nil {
		return
	}
	if failed {
		c.purgeErrors.Inc()
		return
	}
	c.clientsDeleted.Inc()
}

// RecordRestart count a component restart
func (c *Collector) RecordRestart(component string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(component).Inc()
}
