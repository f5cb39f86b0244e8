// Package registry implements the host registry: a process-wide
// directory of known hosts, each guarded by its own receiver-slot lock
// so that classifying or replacing a previous receiver never blocks
// unrelated hosts.
package registry

import (
	"fmt"
	"sync"
	"time"

	recv "github.com/streamrecv/streamrecv"
)

// staleThreshold is the age past which a previous receiver's last
// message is considered stale.
const staleThreshold = 30 * time.Second

// staleStopTimeout bounds how long the duplicate resolver waits for a
// stale receiver to exit after being signalled. Exact shutdown
// semantics are left to the streaming worker; this package picks a
// single bounded synchronous wait rather than a retry loop.
const staleStopTimeout = 5 * time.Second

// DisconnectStaleReceiver is the reason code a stale receiver is
// signalled with.
const DisconnectStaleReceiver = "DISCONNECT_STALE_RECEIVER"

// In-band token names written on the taken-over socket by Bind.
const (
	TokenInternalError    = "START_STREAMING_ERROR_INTERNAL_ERROR"
	TokenInitialization   = "START_STREAMING_ERROR_INITIALIZATION"
	TokenAlreadyStreaming = "START_STREAMING_ERROR_ALREADY_STREAMING"
)

// BindError is returned by Bind when one of its ordered post-conditions
// fails.
type BindError struct {
	Token  string
	Reason recv.ExitReason
}

func (e *BindError) Error() string {
	return fmt.Sprintf("registry: bind failed: %s", e.Token)
}

// session tracks the single receiver currently attached to a host.
type session struct {
	state    *recv.State
	lastMsgT time.Time
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Host is one entry in the registry: a known machine_guid plus whatever
// receiver currently owns its stream, if any.
type Host struct {
	mu sync.Mutex

	MachineGUID     string
	Identity        recv.Identity
	Config          recv.ConfigSnapshot
	SystemInfo      map[string]string
	PendingLoad     bool
	Archived        bool

	cur *session
}

func newHost(identity recv.Identity, now time.Time) *Host {
	return &Host{
		MachineGUID: identity.MachineGUID,
		Identity:    identity,
	}
}

// HasReceiver reports whether a receiver is currently attached.
func (h *Host) HasReceiver() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur != nil
}

// TouchLastMessage updates the attached receiver's last-message
// timestamp, used by a streaming worker on every inbound message to
// keep the Duplicate Resolver's staleness clock accurate.
func (h *Host) TouchLastMessage(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur != nil {
		h.cur.lastMsgT = now
	}
}

// DetachReceiver releases the currently attached receiver, if any, and
// wakes anyone waiting on its stop-and-wait via the done channel. It is
// called by the streaming worker when it stops consuming a host's
// stream, whether from normal shutdown or a stale-receiver signal.
func (h *Host) DetachReceiver() {
	h.mu.Lock()
	cur := h.cur
	h.cur = nil
	h.mu.Unlock()
	if cur != nil {
		close(cur.done)
	}
}

// attachReceiver installs s as the host's current receiver. It fails if
// a receiver is already attached. On success it returns the channel the
// new receiver should select on to learn it has been asked to stop.
func (h *Host) attachReceiver(s *recv.State, now time.Time) (stop <-chan struct{}, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur != nil {
		return nil, false
	}
	h.cur = &session{
		state:    s,
		lastMsgT: now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return h.cur.stop, true
}

func (h *Host) currentSession() *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}

func (h *Host) snapshotAge(now time.Time) (age time.Duration, has bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur == nil {
		return 0, false
	}
	return now.Sub(h.cur.lastMsgT), true
}

// Registry is the process-wide host directory.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host

	// AcceptingChildren is the global "children should be accepted"
	// predicate, e.g. false during a storage-tier backfill. A nil value
	// always accepts.
	AcceptingChildren func() bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hosts: make(map[string]*Host)}
}

// Lookup returns the host for machineGUID, if known and not archived.
func (r *Registry) Lookup(machineGUID string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[machineGUID]
	if !ok || h.Archived {
		return nil, false
	}
	return h, true
}

// ResolveDuplicate classifies and, if needed, preempts any previous
// receiver bound to machineGUID. It returns ok=true when admission may
// proceed (no previous receiver, or a stale one that was successfully
// stopped), and ok=false with a
// human-readable message for the daemon log channel when a working or
// unstoppable stale receiver means the new connection must be rejected
// with START_STREAMING_ERROR_ALREADY_STREAMING.
func (r *Registry) ResolveDuplicate(machineGUID string, now time.Time) (ok bool, message string) {
	r.mu.RLock()
	host, exists := r.hosts[machineGUID]
	r.mu.RUnlock()

	if !exists || host.Archived {
		return true, ""
	}

	age, has := host.snapshotAge(now)
	if !has {
		return true, ""
	}
	if age < staleThreshold {
		return false, fmt.Sprintf("existing receiver still active (age %s)", age.Round(time.Second))
	}

	sess := host.currentSession()
	if sess == nil {
		return true, ""
	}
	sess.stopOnce.Do(func() { close(sess.stop) })
	select {
	case <-sess.done:
		return true, ""
	case <-time.After(staleStopTimeout):
		return false, fmt.Sprintf("stale receiver (age %s) did not stop within %s", age.Round(time.Second), staleStopTimeout)
	}
}

// Bind finds or creates the host for s's machine_guid, transfers
// ownership of s's SystemInfo to it, checks the ordered
// post-conditions, and attaches s as its receiver.
//
// On success it returns the bound Host and the channel the caller's
// streaming worker must select on to learn it has been asked to stop
// (e.g. by a later ResolveDuplicate stale-receiver preemption).
func (r *Registry) Bind(s *recv.State, now time.Time) (*Host, <-chan struct{}, *BindError) {
	r.mu.Lock()
	host, exists := r.hosts[s.Identity.MachineGUID]
	if !exists {
		host = newHost(s.Identity, now)
		r.hosts[s.Identity.MachineGUID] = host
	}
	r.mu.Unlock()

	// Creation failure is not representable by Go's allocator; the check
	// is kept for parity with the ordered post-conditions this function
	// implements.
	if host == nil {
		return nil, nil, &BindError{Token: TokenInternalError, Reason: recv.ExitInternalError}
	}

	// Ownership of SystemInfo transfers immediately after the non-null
	// host check, before any post-condition can reject the bind.
	host.mu.Lock()
	host.SystemInfo = s.SystemInfo
	host.Config = s.Config
	host.mu.Unlock()
	s.SystemInfo = nil

	if host.pendingLoad() {
		return nil, nil, &BindError{Token: TokenInitialization, Reason: recv.ExitInitialization}
	}
	if r.AcceptingChildren != nil && !r.AcceptingChildren() {
		return nil, nil, &BindError{Token: TokenInitialization, Reason: recv.ExitInitialization}
	}

	stop, ok := host.attachReceiver(s, now)
	if !ok {
		return nil, nil, &BindError{Token: TokenAlreadyStreaming, Reason: recv.ExitAlreadyStreaming}
	}
	return host, stop, nil
}

func (h *Host) pendingLoad() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.PendingLoad
}

// SetPendingLoad marks or clears the host's PENDING_CONTEXT_LOAD flag.
func (h *Host) SetPendingLoad(pending bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PendingLoad = pending
}
