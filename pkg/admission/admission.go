// Package admission implements the Admission Gate: the ordered chain of
// permission, identity and rate-limit checks every incoming streaming
// connection passes before a socket is taken over. Two rejection
// responses exist and are deliberately indistinguishable to a caller —
// the check that failed is only ever visible in structured logs.
package admission

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	recv "github.com/streamrecv/streamrecv"
	"github.com/streamrecv/streamrecv/pkg/config"
)

// Fixed response tokens.
const (
	TokenNotPermitted    = "START_STREAMING_ERROR_NOT_PERMITTED"
	TokenBusy            = "START_STREAMING_ERROR_BUSY_TRY_LATER"
	TokenSameLocalhost   = "START_STREAMING_ERROR_SAME_LOCALHOST"
)

// Outcome is the result of running a State through the gate.
type Outcome struct {
	Allowed bool

	// SameLocalhost is set when machine_guid matches the local node's own
	// identity: the caller must take the connection over, write
	// TokenSameLocalhost in-band, free the state and return HTTP 200 —
	// none of the other rejection fields apply.
	SameLocalhost bool

	HTTPStatus int
	Token      string
	Reason     recv.ExitReason

	// Message is a human-readable detail for the daemon log channel only;
	// it must never reach the HTTP response body.
	Message string
}

func deny(reason recv.ExitReason, message string) Outcome {
	return Outcome{HTTPStatus: 401, Token: TokenNotPermitted, Reason: reason, Message: message}
}

func busy(message string) Outcome {
	return Outcome{HTTPStatus: 503, Token: TokenBusy, Reason: recv.ExitBusy, Message: message}
}

func allow() Outcome {
	return Outcome{Allowed: true, Reason: recv.ExitNone}
}

// Gate holds the process-wide state the Admission Gate needs across
// connections: the configuration store, the local node's own
// machine_guid (for the same-localhost fast path), whether the service
// currently accepts streaming connections, and the rate-limit clock.
type Gate struct {
	Config            *config.Store
	LocalMachineGUID  string
	AcceptingStreams  func() bool
	MinAcceptInterval time.Duration

	// lastAccepted is a Unix-seconds timestamp, updated under a
	// compare-and-swap loop acting as a process-wide rate-limit spin lock.
	lastAccepted int64
}

// NewGate constructs a Gate. accepting may be nil, meaning the service
// always accepts streaming connections.
func NewGate(store *config.Store, localMachineGUID string, minAcceptInterval time.Duration, accepting func() bool) *Gate {
	if accepting == nil {
		accepting = func() bool { return true }
	}
	return &Gate{
		Config:            store,
		LocalMachineGUID:  localMachineGUID,
		AcceptingStreams:  accepting,
		MinAcceptInterval: minAcceptInterval,
	}
}

// isUUID applies a loose structural check — 36 characters, hyphens at
// the canonical positions, everything else a hex digit — matching the
// original's reliance on a UUID parse rather than a strict version check.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, r := range s {
		switch i {
		case 8, 13, 18, 23:
			if r != '-' {
				return false
			}
		default:
			if !unicode.Is(unicode.Hex_Digit, r) {
				return false
			}
		}
	}
	return true
}

// Check runs s through the ordered admission checks and returns the
// resulting Outcome. Once the identity checks pass, Check resolves
// s.Config from the store; it changes nothing else on s and performs no
// I/O. Callers act on the returned Outcome (takeover, in-band write,
// free) themselves.
func (g *Gate) Check(s *recv.State, now time.Time) Outcome {
	if g.AcceptingStreams != nil && !g.AcceptingStreams() {
		return busy("service is not currently accepting streaming connections")
	}

	key := s.Identity.APIKey
	if key == "" {
		return deny(recv.ExitNotPermitted, "missing key")
	}
	if s.Identity.Hostname == "" {
		return deny(recv.ExitNotPermitted, "missing hostname")
	}
	if s.Identity.MachineGUID == "" {
		return deny(recv.ExitNotPermitted, "missing machine_guid")
	}
	if !isUUID(key) {
		return deny(recv.ExitNotPermitted, "key is not a UUID")
	}
	if !isUUID(s.Identity.MachineGUID) {
		return deny(recv.ExitNotPermitted, "machine_guid is not a UUID")
	}

	keyEntry, haveKey := g.Config.Lookup(key)
	if !haveKey || keyEntry.Kind != config.KindAPIKey {
		return deny(recv.ExitNotPermitted, "key is not configured as an api_key")
	}
	if !g.Config.Enabled(key, config.KindAPIKey) {
		return deny(recv.ExitNotPermitted, "api_key is disabled")
	}
	if !g.Config.AllowsClientIP(key, s.Peer.ClientIP) {
		return deny(recv.ExitNotPermitted, "client IP not allowed for api_key")
	}

	// A machine_guid with no entry of its own is enabled and allows any
	// client IP; only a configured entry can restrict it.
	machineEntry, haveMachine := g.Config.Lookup(s.Identity.MachineGUID)
	if haveMachine {
		if machineEntry.Kind == config.KindAPIKey {
			return deny(recv.ExitNotPermitted, "machine_guid is configured as an api_key")
		}
		if !g.Config.Enabled(s.Identity.MachineGUID, config.KindMachine) {
			return deny(recv.ExitNotPermitted, "machine identity is disabled")
		}
		if !g.Config.AllowsClientIP(s.Identity.MachineGUID, s.Peer.ClientIP) {
			return deny(recv.ExitNotPermitted, "client IP not allowed for machine identity")
		}
	}

	applyConfigSnapshot(s, keyEntry, machineEntry)

	if g.LocalMachineGUID != "" && s.Identity.MachineGUID == g.LocalMachineGUID {
		return Outcome{
			SameLocalhost: true,
			HTTPStatus:    200,
			Token:         TokenSameLocalhost,
			Reason:        recv.ExitSameLocalhost,
		}
	}

	if g.MinAcceptInterval > 0 {
		if remaining, ok := g.checkRateLimit(now); !ok {
			return busy(fmt.Sprintf("try again in %s", remaining))
		}
	}

	return allow()
}

// applyConfigSnapshot resolves s.Config from the api_key and
// machine_guid entries configured for this connection, with
// machine-specific settings overriding the api_key's defaults wherever
// the machine entry sets a value. A query-string update_every (already
// parsed into s.Config.UpdateEvery before Check runs) is left alone;
// the store only supplies a default when the child never sent one.
func applyConfigSnapshot(s *recv.State, keyEntry, machineEntry config.Entry) {
	if s.Config.UpdateEvery <= 0 {
		switch {
		case machineEntry.UpdateEvery > 0:
			s.Config.UpdateEvery = time.Duration(machineEntry.UpdateEvery) * time.Second
		case keyEntry.UpdateEvery > 0:
			s.Config.UpdateEvery = time.Duration(keyEntry.UpdateEvery) * time.Second
		}
	}

	s.Config.History = machineEntry.History
	if s.Config.History == 0 {
		s.Config.History = keyEntry.History
	}

	s.Config.MemoryMode = machineEntry.MemoryMode
	if s.Config.MemoryMode == "" {
		s.Config.MemoryMode = keyEntry.MemoryMode
	}

	health := machineEntry.Health
	if health == "" {
		health = keyEntry.Health
	}
	s.Config.Health = parseHealthMode(health)

	forward := machineEntry.Forward
	if forward == "" {
		forward = keyEntry.Forward
	}
	s.Config.Forward.Enabled = config.ParseBool(forward)
}

// parseHealthMode interprets the "health enabled by default" value,
// defaulting to HealthAuto when unset or unrecognized.
func parseHealthMode(v string) recv.HealthMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "on":
		return recv.HealthOn
	case "no", "false", "0", "off":
		return recv.HealthOff
	default:
		return recv.HealthAuto
	}
}

// checkRateLimit enforces the process-wide minimum interval between
// accepted streams via a CAS loop over a Unix-seconds timestamp — the
// lock-free equivalent of a spin lock protecting the last-accepted
// timestamp.
func (g *Gate) checkRateLimit(now time.Time) (remaining time.Duration, ok bool) {
	nowUnix := now.Unix()
	for {
		last := atomic.LoadInt64(&g.lastAccepted)
		elapsed := time.Duration(nowUnix-last) * time.Second
		if last != 0 && elapsed < g.MinAcceptInterval {
			return g.MinAcceptInterval - elapsed, false
		}
		if atomic.CompareAndSwapInt64(&g.lastAccepted, last, nowUnix) {
			return 0, true
		}
		// Lost the race to a concurrent acceptance; retry with a fresh read.
	}
}
