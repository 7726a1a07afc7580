// Package metrics instruments the mesh runtime with Prometheus counters
// (no gauges are defined). It realises the telemetry sink described in
// original_source/include/pfs/netty/patterns/meshnet/telemetry.hpp: a
// keyed set of counters a node reports channel, route and frame activity
// to. A Sink is optional — NewNoop returns an implementation that drops
// every observation so an embedder is never forced to own a registry.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the telemetry surface the mesh components report through.
type Sink interface {
	ChannelEstablished()
	ChannelDestroyed()
	RouteInstalled()
	RouteExpired()
	FrameSent(priority uint8, bytes int)
	FrameReceived(priority uint8, bytes int)
	QueueRejected()
	ReliableRetry()
	ReliableLost()
	ReliableDelivered()
}

type noop struct{}

// NewNoop returns a Sink that discards every observation.
func NewNoop() Sink { return noop{} }

func (noop) ChannelEstablished() {}
func (noop) ChannelDestroyed() {}
func (noop) RouteInstalled() {}
func (noop) RouteExpired() {}
func (noop) FrameSent(_ uint8, _ int) {}
func (noop) FrameReceived(_ uint8, _ int) {}
func (noop) QueueRejected() {}
func (noop) ReliableRetry() {}
func (noop) ReliableLost() {}
func (noop) ReliableDelivered() {}

// Prometheus is a Sink backed by client_golang collectors, registered
// into the supplied registry (a fresh prometheus.NewRegistry(), or
// prometheus.DefaultRegisterer if the caller wants the process default).
type Prometheus struct {
	channelsEstablished prometheus.Counter
	channelsDestroyed   prometheus.Counter
	routesInstalled     prometheus.Counter
	routesExpired       prometheus.Counter
	framesSent          *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	bytesSent           *prometheus.CounterVec
	bytesReceived       *prometheus.CounterVec
	queueRejected       prometheus.Counter
	reliableRetries     prometheus.Counter
	reliableLost        prometheus.Counter
	reliableDelivered   prometheus.Counter
}

// NewPrometheus constructs and registers a Prometheus sink. reg may be
// nil, in which case prometheus.DefaultRegisterer is used.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(opts prometheus.CounterOpts) prometheus.Counter {
		c := prometheus.NewCounter(opts)
		reg.MustRegister(c)
		return c
	}
	p := &Prometheus{
		channelsEstablished: factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "channels_established_total"}),
		channelsDestroyed:   factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "channels_destroyed_total"}),
		routesInstalled:     factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "routes_installed_total"}),
		routesExpired:       factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "routes_expired_total"}),
		queueRejected:       factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "queue_rejected_total"}),
		reliableRetries:     factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "reliable_retries_total"}),
		reliableLost:        factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "reliable_lost_total"}),
		reliableDelivered:   factory(prometheus.CounterOpts{Namespace: "meshnet", Name: "reliable_delivered_total"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnet", Name: "frames_sent_total",
		}, []string{"priority"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnet", Name: "frames_received_total",
		}, []string{"priority"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnet", Name: "bytes_sent_total",
		}, []string{"priority"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnet", Name: "bytes_received_total",
		}, []string{"priority"}),
	}
	reg.MustRegister(p.framesSent, p.framesReceived, p.bytesSent, p.bytesReceived)
	return p
}

func (p *Prometheus) ChannelEstablished() { p.channelsEstablished.Inc() }
func (p *Prometheus) ChannelDestroyed()   { p.channelsDestroyed.Inc() }
func (p *Prometheus) RouteInstalled()     { p.routesInstalled.Inc() }
func (p *Prometheus) RouteExpired()       { p.routesExpired.Inc() }
func (p *Prometheus) QueueRejected()      { p.queueRejected.Inc() }
func (p *Prometheus) ReliableRetry()      { p.reliableRetries.Inc() }
func (p *Prometheus) ReliableLost()       { p.reliableLost.Inc() }
func (p *Prometheus) ReliableDelivered()  { p.reliableDelivered.Inc() }

func (p *Prometheus) FrameSent(priority uint8, bytes int) {
	label := prometheus.Labels{"priority": priorityLabel(priority)}
	p.framesSent.With(label).Inc()
	p.bytesSent.With(label).Add(float64(bytes))
}

func (p *Prometheus) FrameReceived(priority uint8, bytes int) {
	label := prometheus.Labels{"priority": priorityLabel(priority)}
	p.framesReceived.With(label).Inc()
	p.bytesReceived.With(label).Add(float64(bytes))
}

func priorityLabel(priority uint8) string {
	return strconv.Itoa(int(priority))
}
