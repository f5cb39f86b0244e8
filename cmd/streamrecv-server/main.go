/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/streamrecv/streamrecv/pkg/admission"
	"github.com/streamrecv/streamrecv/pkg/cloud"
	"github.com/streamrecv/streamrecv/pkg/config"
	"github.com/streamrecv/streamrecv/pkg/log"
	"github.com/streamrecv/streamrecv/pkg/metrics"
	"github.com/streamrecv/streamrecv/pkg/registry"
	"github.com/streamrecv/streamrecv/pkg/server"
	"github.com/streamrecv/streamrecv/pkg/worker"
)

func main() {
	var (
		listenAddr       = flag.String("listen", ":19999", "address the streaming endpoint listens on")
		metricsAddr      = flag.String("metrics-listen", ":19998", "address the Prometheus /metrics endpoint listens on")
		confPath         = flag.String("config", "/etc/streamrecv/stream.conf", "path to the stream.conf-style configuration file")
		localMachineGUID = flag.String("machine-guid", "", "this node's own machine_guid, for the same-localhost fast path")
		minAcceptSeconds = flag.Int("rate-limit-seconds", 0, "minimum seconds between accepted streams, 0 disables")
		workers          = flag.Int("workers", 8, "number of streaming worker goroutines")
		queueSize        = flag.Int("queue-size", 256, "handoff queue capacity")
		enableInternal   = flag.Bool("internal-log", false, "enable the internal (debug) log channel")
	)
	flag.Parse()

	channels := log.New(*enableInternal)

	store := config.NewStore()
	if err := store.LoadFile(*confPath); err != nil {
		channels.Daemon.WithError(err).Warn("could not load configuration; continuing with an empty store")
	}

	gate := admission.NewGate(store, *localMachineGUID, time.Duration(*minAcceptSeconds)*time.Second, nil)
	reg := registry.NewRegistry()
	collector := metrics.NewCollector(func(err error) {
		channels.Internal.WithError(err).Debug("metrics collection error")
	})
	prometheus.MustRegister(collector)

	pool := worker.NewPool(*workers, *queueSize, func(job worker.Job) {
		streamConnection(channels, collector, job)
	}, cloud.NoOp{}, channels.Daemon)

	srv := &server.Server{
		Gate:     gate,
		Registry: reg,
		Pool:     pool,
		Metrics:  collector,
		Log:      channels,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/stream", srv)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	go func() {
		channels.Daemon.WithField("addr", *metricsAddr).Info("metrics listener starting")
		if err := http.ListenAndServe(*metricsAddr, metricsMux); err != nil {
			channels.Daemon.WithError(err).Fatal("metrics listener failed")
		}
	}()

	channels.Daemon.WithField("addr", *listenAddr).Info("streaming receiver listening")
	if err := http.ListenAndServe(*listenAddr, mux); err != nil {
		channels.Daemon.WithError(err).Fatal("streaming listener failed")
	}
}

// streamConnection is the streaming worker's consumer loop for a single
// handed-off connection. Framing and decoding of the stream itself is
// handled elsewhere; this drains the socket until it closes, is
// preempted as stale, or the receive timeout trips, keeping the host's
// last-message clock and the metrics collector up to date along the way.
func streamConnection(channels *log.Channels, collector *metrics.Collector, job worker.Job) {
	defer func() {
		if collector != nil {
			collector.RemoveReceiver(job.State.Transport.Conn)
		}
		job.Host.DetachReceiver()
		job.State.Free()
	}()

	buf := job.State.CompressedBuffer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := job.State.Transport.Conn.Read(buf)
			if n > 0 {
				job.Host.TouchLastMessage(time.Now())
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-job.Stop:
		channels.Daemon.WithField("machine_guid", job.State.Identity.MachineGUID).
			Info(registry.DisconnectStaleReceiver)
	case <-done:
	}

	logrus.WithField("machine_guid", job.State.Identity.MachineGUID).Debug("streaming worker exiting")
}
