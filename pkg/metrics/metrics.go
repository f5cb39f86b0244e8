/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package metrics is a Prometheus collector built around a
// mutex-guarded map of live connections, collected into metrics on
// scrape: instead of reporting TCP_INFO for arbitrary outbound
// connections, it reports admission-gate outcomes, active receiver
// counts, rate-limit rejections, and — via the same fd-tracking idiom —
// TCP_INFO for every currently bound receiver socket.
package metrics

import (
	"net"
	"sync"

	"github.com/higebu/netfd"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamrecv/streamrecv/pkg/sockinfo"
)

type receiverEntry struct {
	fd          int
	machineGUID string
}

// Collector is a prometheus.Collector tracking the connection-acceptance
// core's admission decisions and the health of every currently bound
// receiver connection.
type Collector struct {
	mu sync.Mutex

	admissionTotal    map[string]float64 // keyed by outcome token
	rateLimitRejected float64
	receivers         map[net.Conn]receiverEntry

	admissionDesc *prometheus.Desc
	rateLimitDesc *prometheus.Desc
	activeDesc    *prometheus.Desc
	rttDesc       *prometheus.Desc
	retransDesc   *prometheus.Desc
	sendCwndDesc  *prometheus.Desc

	logger func(error)
}

// NewCollector constructs a Collector. logger receives any error
// encountered while collecting per-socket TCP_INFO (e.g. the socket
// closed between registration and scrape); a nil logger is a no-op.
func NewCollector(logger func(error)) *Collector {
	if logger == nil {
		logger = func(error) {}
	}
	return &Collector{
		admissionTotal: make(map[string]float64),
		receivers:      make(map[net.Conn]receiverEntry),
		admissionDesc: prometheus.NewDesc(
			"streamrecv_admission_decisions_total",
			"Count of admission-gate decisions by outcome token.",
			[]string{"outcome"}, nil,
		),
		rateLimitDesc: prometheus.NewDesc(
			"streamrecv_rate_limit_rejections_total",
			"Count of connections rejected by the accept-rate limiter.",
			nil, nil,
		),
		activeDesc: prometheus.NewDesc(
			"streamrecv_active_receivers",
			"Number of receiver sockets currently bound to a host.",
			nil, nil,
		),
		rttDesc: prometheus.NewDesc(
			"streamrecv_receiver_rtt_seconds",
			"Smoothed round-trip time of a bound receiver socket.",
			[]string{"machine_guid"}, nil,
		),
		retransDesc: prometheus.NewDesc(
			"streamrecv_receiver_retransmits_total",
			"Retransmit count observed on a bound receiver socket at last scrape.",
			[]string{"machine_guid"}, nil,
		),
		sendCwndDesc: prometheus.NewDesc(
			"streamrecv_receiver_send_cwnd",
			"Congestion window of a bound receiver socket.",
			[]string{"machine_guid"}, nil,
		),
		logger: logger,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.admissionDesc
	descs <- c.rateLimitDesc
	descs <- c.activeDesc
	descs <- c.rttDesc
	descs <- c.retransDesc
	descs <- c.sendCwndDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for outcome, count := range c.admissionTotal {
		metrics <- prometheus.MustNewConstMetric(c.admissionDesc, prometheus.CounterValue, count, outcome)
	}
	metrics <- prometheus.MustNewConstMetric(c.rateLimitDesc, prometheus.CounterValue, c.rateLimitRejected)
	metrics <- prometheus.MustNewConstMetric(c.activeDesc, prometheus.GaugeValue, float64(len(c.receivers)))

	for conn, entry := range c.receivers {
		info, err := sockinfo.Get(entry.fd)
		if err != nil {
			c.logger(err)
			delete(c.receivers, conn)
			continue
		}
		metrics <- prometheus.MustNewConstMetric(c.rttDesc, prometheus.GaugeValue, info.RTT.Seconds(), entry.machineGUID)
		metrics <- prometheus.MustNewConstMetric(c.retransDesc, prometheus.CounterValue, float64(info.TotalRetrans), entry.machineGUID)
		metrics <- prometheus.MustNewConstMetric(c.sendCwndDesc, prometheus.GaugeValue, float64(info.SendCwnd), entry.machineGUID)
	}
}

// ObserveAdmission increments the counter for a single admission-gate
// outcome token (pkg/server passes the gate's exit reason: "none" for an
// allowed connection, "not_permitted", "busy" or "same_localhost").
func (c *Collector) ObserveAdmission(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admissionTotal[outcome]++
}

// ObserveRateLimitRejection increments the rate-limit rejection counter.
func (c *Collector) ObserveRateLimitRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitRejected++
}

// AddReceiver registers conn as a live, bound receiver socket so its
// TCP_INFO is reported on every scrape until RemoveReceiver is called.
func (c *Collector) AddReceiver(conn net.Conn, machineGUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivers[conn] = receiverEntry{
		fd:          netfd.GetFdFromConn(conn),
		machineGUID: machineGUID,
	}
}

// RemoveReceiver stops reporting TCP_INFO for conn.
func (c *Collector) RemoveReceiver(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.receivers, conn)
}
