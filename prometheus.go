package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sms-interchange/connector"
	"sms-interchange/gateway"
	"sms-interchange/logging"
	"sms-interchange/session"
	"sms-interchange/thrower"
)

// PrometheusExporter serves a registry on Path.
type PrometheusExporter struct {
	Path     string // e.g., "/metrics"
	Listen   string // e.g., ":2550"
	Registry *prometheus.Registry
	Logs     *logging.LogManager
}

// Serve runs the metrics listener until ctx is cancelled.
func (e *PrometheusExporter) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(e.Path, promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: e.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	e.Logs.SendLog(e.Logs.BuildLog("Server.Prometheus.Serve", "PrometheusListening", logrus.InfoLevel,
		map[string]interface{}{"addr": e.Listen, "path": e.Path}))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statsSource is a thrower seen by the collector.
type statsSource interface {
	Name() string
	Stats() thrower.Stats
}

// MetricExporter collects gateway state on every scrape.
type MetricExporter struct {
	desc     map[string]*prometheus.Desc
	id       string
	gateway  *gateway.Gateway
	sessions *session.Registry
	throwers []statsSource
	// topics whose depth is reported besides the connector submit queues
	topics []string
}

func NewMetricExporter(id string, gw *gateway.Gateway, sessions *session.Registry, throwers []statsSource, topics []string) *MetricExporter {
	labels := prometheus.Labels{"server_id": id}
	metricDesc := map[string]*prometheus.Desc{
		"connector_state":    prometheus.NewDesc("smsgw_connector_state", "Connector state, 1 for the current state", []string{"connector", "kind", "state"}, labels),
		"connector_pending":  prometheus.NewDesc("smsgw_connector_pending", "Messages queued on a connector", []string{"connector"}, labels),
		"connector_failures": prometheus.NewDesc("smsgw_connector_consecutive_failures", "Consecutive bind failures of a connector", []string{"connector"}, labels),
		"thrower_total":      prometheus.NewDesc("smsgw_thrower_items_total", "Items settled by a thrower", []string{"thrower", "outcome"}, labels),
		"bound_sessions":     prometheus.NewDesc("smsgw_bound_sessions", "Consumer sessions currently bound", nil, labels),
		"queue_depth":        prometheus.NewDesc("smsgw_queue_depth", "Items waiting on a broker topic", []string{"topic"}, labels),
		"routing_version":    prometheus.NewDesc("smsgw_routing_table_version", "Version of the live routing table", nil, labels),
	}

	return &MetricExporter{
		desc:     metricDesc,
		id:       id,
		gateway:  gw,
		sessions: sessions,
		throwers: throwers,
		topics:   topics,
	}
}

func (e *MetricExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.desc {
		ch <- desc
	}
}

func (e *MetricExporter) Collect(ch chan<- prometheus.Metric) {
	statuses := e.gateway.ListConnectors()
	e.collectConnectors(ch, statuses)
	e.collectThrowers(ch)
	e.collectQueues(ch, statuses)

	ch <- prometheus.MustNewConstMetric(e.desc["bound_sessions"], prometheus.GaugeValue, float64(e.sessions.Count()))
	ch <- prometheus.MustNewConstMetric(e.desc["routing_version"], prometheus.GaugeValue, float64(e.gateway.Router().Version()))
}

var connectorStates = []connector.State{connector.StateStopped, connector.StateConnecting, connector.StateBound}

func (e *MetricExporter) collectConnectors(ch chan<- prometheus.Metric, statuses []connector.Status) {
	for _, st := range statuses {
		for _, state := range connectorStates {
			v := 0.0
			if st.State == state {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(e.desc["connector_state"], prometheus.GaugeValue, v, st.ID, st.Kind, string(state))
		}
		ch <- prometheus.MustNewConstMetric(e.desc["connector_pending"], prometheus.GaugeValue, float64(st.Pending), st.ID)
		ch <- prometheus.MustNewConstMetric(e.desc["connector_failures"], prometheus.GaugeValue, float64(st.ConsecutiveFailures), st.ID)
	}
}

func (e *MetricExporter) collectThrowers(ch chan<- prometheus.Metric) {
	for _, t := range e.throwers {
		s := t.Stats()
		ch <- prometheus.MustNewConstMetric(e.desc["thrower_total"], prometheus.CounterValue, float64(s.Delivered), t.Name(), "delivered")
		ch <- prometheus.MustNewConstMetric(e.desc["thrower_total"], prometheus.CounterValue, float64(s.Retried), t.Name(), "retried")
		ch <- prometheus.MustNewConstMetric(e.desc["thrower_total"], prometheus.CounterValue, float64(s.DeadLettered), t.Name(), "dead_lettered")
		ch <- prometheus.MustNewConstMetric(e.desc["thrower_total"], prometheus.CounterValue, float64(s.Aborted), t.Name(), "aborted")
	}
}

// collectQueues skips topics the broker cannot report; a scrape never blocks on a down broker for long.
func (e *MetricExporter) collectQueues(ch chan<- prometheus.Metric, statuses []connector.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topics := append([]string(nil), e.topics...)
	for _, st := range statuses {
		topics = append(topics, connector.Topic(st.ID))
	}
	for _, topic := range topics {
		depth, err := e.gateway.QueueDepth(ctx, topic)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(e.desc["queue_depth"], prometheus.GaugeValue, float64(depth), topic)
	}
}
