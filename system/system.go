// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-co
// SPDX-FileContributor: mochi-co

// Package system holds the atomic counters describing a running transport worker.
package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported prometheus metric.
const Namespace = "mochi_transport"

// Info contains atomic counters and values for various worker statistics.
type Info struct {
	Version          string `json:"version"`           // the current version of the worker
	Started          int64  `json:"started"`           // the time the worker started in unix seconds
	Time             int64  `json:"time"`              // current time on the worker
	Uptime           int64  `json:"uptime"`            // the number of seconds the worker has been online
	BytesReceived    int64  `json:"bytes_received"`    // total number of bytes received since the worker started
	BytesSent        int64  `json:"bytes_sent"`        // total number of bytes sent since the worker started
	ClientsConnected int64  `json:"clients_connected"` // number of currently registered sessions
	ClientsMaximum   int64  `json:"clients_maximum"`   // maximum number of sessions that have been registered at once
	ClientsTotal     int64  `json:"clients_total"`     // total number of connections accepted
	SessionsPromoted int64  `json:"sessions_promoted"` // total number of sessions promoted to a client id
	SessionsEvicted  int64  `json:"sessions_evicted"`  // total number of stale sessions replaced by a newer connection
	SessionsExpired  int64  `json:"sessions_expired"`  // total number of sessions disconnected by the keep-alive watchdog
	StreamErrors     int64  `json:"stream_errors"`     // total number of sessions lost to stream failures
	PacketsReceived  int64  `json:"packets_received"`  // total number of frames read
	PacketsSent      int64  `json:"packets_sent"`      // total number of packets written
	DecodeErrors     int64  `json:"decode_errors"`     // total number of frames which failed to decode
	MemoryAlloc      int64  `json:"memory_alloc"`      // memory currently allocated
	Threads          int64  `json:"threads"`           // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:          i.Version,
		Started:          atomic.LoadInt64(&i.Started),
		Time:             atomic.LoadInt64(&i.Time),
		Uptime:           atomic.LoadInt64(&i.Uptime),
		BytesReceived:    atomic.LoadInt64(&i.BytesReceived),
		BytesSent:        atomic.LoadInt64(&i.BytesSent),
		ClientsConnected: atomic.LoadInt64(&i.ClientsConnected),
		ClientsMaximum:   atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:     atomic.LoadInt64(&i.ClientsTotal),
		SessionsPromoted: atomic.LoadInt64(&i.SessionsPromoted),
		SessionsEvicted:  atomic.LoadInt64(&i.SessionsEvicted),
		SessionsExpired:  atomic.LoadInt64(&i.SessionsExpired),
		StreamErrors:     atomic.LoadInt64(&i.StreamErrors),
		PacketsReceived:  atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:      atomic.LoadInt64(&i.PacketsSent),
		DecodeErrors:     atomic.LoadInt64(&i.DecodeErrors),
		MemoryAlloc:      atomic.LoadInt64(&i.MemoryAlloc),
		Threads:          atomic.LoadInt64(&i.Threads),
	}
}

// ClientConnected increments the connected gauge, raising the maximum if needed.
func (i *Info) ClientConnected() {
	n := atomic.AddInt64(&i.ClientsConnected, 1)
	atomic.AddInt64(&i.ClientsTotal, 1)
	for {
		max := atomic.LoadInt64(&i.ClientsMaximum)
		if n <= max || atomic.CompareAndSwapInt64(&i.ClientsMaximum, max, n) {
			return
		}
	}
}

// ClientDisconnected decrements the connected gauge.
func (i *Info) ClientDisconnected() {
	atomic.AddInt64(&i.ClientsConnected, -1)
}

// RegisterPrometheusMetrics registers the counters with registry, or the
// default registerer if nil.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) error {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A count of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &i.BytesSent},
		{"g", "clients_connected", "A gauge of number of currently registered sessions", &i.ClientsConnected},
		{"g", "clients_maximum", "A gauge of maximum number of sessions registered at once", &i.ClientsMaximum},
		{"c", "clients_total", "A counter of total number of connections accepted", &i.ClientsTotal},
		{"c", "sessions_promoted", "A counter of sessions promoted to a client id", &i.SessionsPromoted},
		{"c", "sessions_evicted", "A counter of stale sessions replaced by a newer connection", &i.SessionsEvicted},
		{"c", "sessions_expired", "A counter of sessions disconnected by the keep-alive watchdog", &i.SessionsExpired},
		{"c", "stream_errors", "A counter of sessions lost to stream failures", &i.StreamErrors},
		{"c", "packets_received", "A counter of the total number of frames read", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets written", &i.PacketsSent},
		{"c", "decode_errors", "A counter of frames which failed to decode", &i.DecodeErrors},
		{"g", "memory_alloc", "A gauge of memory currently allocated", &i.MemoryAlloc},
		{"g", "threads", "A gauge of active goroutines", &i.Threads},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		var c prometheus.Collector
		switch m.metricType {
		case "c":
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: Namespace, Name: m.name, Help: m.help}, fn)
		case "g":
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: Namespace, Name: m.name, Help: m.help}, fn)
		}

		if err := registry.Register(c); err != nil {
			return err
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "Build Information",
		},
		[]string{"goversion", "version"},
	)
	if err := registry.Register(buildInfo); err != nil {
		return err
	}
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)

	return nil
}
