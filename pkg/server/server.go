// Package server wires the full acceptance flow into a single
// http.Handler: parse the handshake query string, run the admission
// gate, resolve a duplicate receiver, take the socket over, bind it to
// the host registry, negotiate capabilities, and hand the bound
// Receiver State off to a streaming worker.
package server

import (
	"net"
	"net/http"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	recv "github.com/streamrecv/streamrecv"
	"github.com/streamrecv/streamrecv/pkg/admission"
	"github.com/streamrecv/streamrecv/pkg/capability"
	"github.com/streamrecv/streamrecv/pkg/log"
	"github.com/streamrecv/streamrecv/pkg/metrics"
	"github.com/streamrecv/streamrecv/pkg/registry"
	"github.com/streamrecv/streamrecv/pkg/takeover"
	"github.com/streamrecv/streamrecv/pkg/worker"
)

// Server is the streaming endpoint's http.Handler.
type Server struct {
	Gate     *admission.Gate
	Registry *registry.Registry
	Pool     *worker.Pool
	Metrics  *metrics.Collector
	Log      *log.Channels

	// ReceiveTimeout overrides recv.DefaultReceiveTimeout when positive.
	ReceiveTimeout time.Duration
}

// ServeHTTP implements the streaming endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	streamID := xid.New().String()

	state := recv.New(now)
	state.Peer = peerFromRequest(r)
	if name, version := recv.SplitUserAgent(r.UserAgent()); name != "" {
		state.Identity.ProgramName = name
		state.Identity.ProgramVersion = version
	}

	if err := recv.ParseQueryString(r.URL.RawQuery, state, s.unusedParamLogger(streamID)); err != nil {
		s.respondDenied(w, state, streamID, "malformed query string: "+err.Error())
		return
	}

	outcome := s.Gate.Check(state, now)
	s.observeAdmission(outcome)

	if outcome.SameLocalhost {
		s.takeoverAndWriteToken(w, state, streamID, admission.TokenSameLocalhost, outcome.Reason)
		return
	}
	if !outcome.Allowed {
		s.logAccess(streamID, state, outcome.HTTPStatus, outcome.Reason, outcome.Message)
		http.Error(w, outcome.Token, outcome.HTTPStatus)
		state.Free()
		return
	}

	if ok, message := s.Registry.ResolveDuplicate(state.Identity.MachineGUID, now); !ok {
		s.logAccess(streamID, state, http.StatusConflict, recv.ExitAlreadyStreaming, message)
		http.Error(w, registry.TokenAlreadyStreaming, http.StatusConflict)
		state.Free()
		return
	}

	transport, err := takeover.Take(w)
	if err != nil {
		s.Log.Daemon.WithFields(log.ConnFields(state.Peer.ClientIP, state.Peer.ClientPort, state.Identity.Hostname, streamID)).
			WithError(err).Error("socket takeover failed")
		http.Error(w, admission.TokenNotPermitted, http.StatusInternalServerError)
		state.Free()
		return
	}
	state.Transport = transport

	host, stop, bindErr := s.Registry.Bind(state, now)
	if bindErr != nil {
		s.writeInBandTokenAndFree(state, streamID, bindErr.Token, bindErr.Reason)
		return
	}

	if err := capability.PrepareBlocking(state.Transport.Conn, state.Transport.IsHTTP2, s.ReceiveTimeout); err != nil {
		s.Log.Daemon.WithFields(log.ConnFields(state.Peer.ClientIP, state.Peer.ClientPort, state.Identity.Hostname, streamID)).
			WithError(err).Warn("failed to prepare blocking socket")
	}
	if err := capability.Send(state.Transport.Conn, state.Capabilities); err != nil {
		host.DetachReceiver()
		s.logAccess(streamID, state, 0, recv.ExitCantReply, err.Error())
		state.Free()
		return
	}
	state.Decompressor = capability.SelectDecompressor(state.Capabilities)

	if s.Metrics != nil {
		s.Metrics.AddReceiver(state.Transport.Conn, state.Identity.MachineGUID)
	}
	s.logAccess(streamID, state, http.StatusOK, recv.ExitConnected, "")
	s.Pool.Handoff(worker.Job{State: state, Host: host, Stop: stop})
}

func (s *Server) takeoverAndWriteToken(w http.ResponseWriter, state *recv.State, streamID, token string, reason recv.ExitReason) {
	transport, err := takeover.Take(w)
	if err != nil {
		s.logAccess(streamID, state, http.StatusInternalServerError, recv.ExitInternalError, err.Error())
		state.Free()
		return
	}
	state.Transport = transport
	_ = takeover.WriteToken(state.Transport.Conn, token, 5*time.Second)
	s.logAccess(streamID, state, http.StatusOK, reason, "")
	state.Free()
}

func (s *Server) writeInBandTokenAndFree(state *recv.State, streamID, token string, reason recv.ExitReason) {
	_ = takeover.WriteToken(state.Transport.Conn, token, 5*time.Second)
	s.logAccess(streamID, state, 0, reason, "")
	state.Free()
}

func (s *Server) respondDenied(w http.ResponseWriter, state *recv.State, streamID, message string) {
	s.logAccess(streamID, state, http.StatusUnauthorized, recv.ExitNotPermitted, message)
	http.Error(w, admission.TokenNotPermitted, http.StatusUnauthorized)
	state.Free()
}

func (s *Server) observeAdmission(outcome admission.Outcome) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveAdmission(outcome.Reason.String())
	if outcome.Token == admission.TokenBusy {
		s.Metrics.ObserveRateLimitRejection()
	}
}

func (s *Server) unusedParamLogger(streamID string) recv.UnusedParamLogger {
	return func(name, value string) {
		if s.Log == nil {
			return
		}
		s.Log.Internal.WithFields(logrus.Fields{"stream_id": streamID, "param": name}).Debug("unused handshake parameter")
	}
}

func (s *Server) logAccess(streamID string, state *recv.State, status int, reason recv.ExitReason, message string) {
	if s.Log == nil {
		return
	}
	fields := log.ConnFields(state.Peer.ClientIP, state.Peer.ClientPort, state.Identity.Hostname, streamID)
	fields["status"] = status
	fields["reason"] = reason.String()
	s.Log.Access.WithFields(fields).Info(message)
}

func peerFromRequest(r *http.Request) recv.Peer {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return recv.Peer{ClientIP: r.RemoteAddr}
	}
	return recv.Peer{ClientIP: host, ClientPort: port}
}
