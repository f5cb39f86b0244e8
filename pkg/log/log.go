// Package log wires up the three logging channels the acceptance flow
// needs: access (one line per admission decision), daemon
// (human-readable operational log) and an optional internal channel.
// All three are *logrus.Logger instances.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Channels bundles the three loggers the acceptance flow writes to.
type Channels struct {
	Access   *logrus.Logger
	Daemon   *logrus.Logger
	Internal *logrus.Logger
}

// New builds a Channels with sane defaults: daemon logs to stderr with a
// text formatter, access logs to stdout as JSON (so it can be shipped to
// a log aggregator), and internal logging is disabled (discarded) unless
// enableInternal is set.
func New(enableInternal bool) *Channels {
	daemon := logrus.New()
	daemon.SetOutput(os.Stderr)
	daemon.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	access := logrus.New()
	access.SetOutput(os.Stdout)
	access.SetFormatter(&logrus.JSONFormatter{})

	internal := logrus.New()
	if enableInternal {
		internal.SetOutput(os.Stderr)
	} else {
		internal.SetOutput(io.Discard)
	}
	internal.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return &Channels{Access: access, Daemon: daemon, Internal: internal}
}

// ConnFields builds the field set every access log line carries:
// client IP, client port, hostname, and a stream correlation id
// standing in for the streaming_from_child message UUID.
func ConnFields(clientIP, clientPort, hostname, streamID string) logrus.Fields {
	return logrus.Fields{
		"client_ip":   clientIP,
		"client_port": clientPort,
		"hostname":    hostname,
		"stream_id":   streamID,
	}
}
