// Package worker implements handoff: the bounded queue a successful
// handshake enqueues its Receiver State into, and the pool of streaming
// worker goroutines that drain it. Enqueue transfers ownership of the
// Receiver State; the acceptance flow must not touch it again
// afterward.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	recv "github.com/streamrecv/streamrecv"
	"github.com/streamrecv/streamrecv/pkg/cloud"
	"github.com/streamrecv/streamrecv/pkg/registry"
)

// NodeStateUpdateDelay is how long after a successful handoff the cloud
// "node state update" notification is scheduled.
const NodeStateUpdateDelay = 300 * time.Second

// isParent is the process-wide "is parent" label set on the first
// successful handoff. It is a simple flag, not a counter: once any
// child has streamed through this process, it stays set.
var isParent int32

// IsParent reports whether this process has ever accepted a streaming
// child.
func IsParent() bool {
	return atomic.LoadInt32(&isParent) == 1
}

// Job is a unit of handoff work: a bound Receiver State plus the stop
// channel the registry will close if the Duplicate Resolver later
// preempts it as stale.
type Job struct {
	State *recv.State
	Host  *registry.Host
	Stop  <-chan struct{}
}

// StreamFunc consumes a handed-off Receiver State until its connection
// closes or Stop fires. It owns s for the duration of the call and must
// call s.Free() before returning.
type StreamFunc func(job Job)

// Pool is a bounded pool of streaming worker goroutines draining a
// handoff queue; streaming workers run on separate goroutines and
// consume the handoff queue independently of the acceptance flow.
type Pool struct {
	queue    chan Job
	stream   StreamFunc
	notifier cloud.Notifier
	log      *logrus.Logger
}

// NewPool starts n worker goroutines consuming a queue of the given
// capacity. stream is invoked once per handed-off job; notifier receives
// the delayed node-state-update call on every successful handoff.
func NewPool(n, capacity int, stream StreamFunc, notifier cloud.Notifier, log *logrus.Logger) *Pool {
	if notifier == nil {
		notifier = cloud.NoOp{}
	}
	if log == nil {
		log = logrus.New()
	}
	p := &Pool{
		queue:    make(chan Job, capacity),
		stream:   stream,
		notifier: notifier,
		log:      log,
	}
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	for job := range p.queue {
		p.stream(job)
	}
}

// Handoff marks the process as a parent, applies the ephemeral host
// option, resets the config's forward-parent reconnection state,
// schedules the delayed cloud node-state update, and enqueues job for a
// streaming worker.
//
// Handoff never blocks the caller on the notifier delay; scheduling is
// fire-and-forget via time.AfterFunc rather than a synchronous wait.
func (p *Pool) Handoff(job Job) {
	atomic.StoreInt32(&isParent, 1)

	if job.State.Config.Ephemeral {
		job.Host.Config.Ephemeral = true
	}
	resetForwardParentState(job.Host)

	machineGUID := job.State.Identity.MachineGUID
	time.AfterFunc(NodeStateUpdateDelay, func() {
		p.notifier.NodeStateUpdate(machineGUID, NodeStateUpdateDelay)
	})

	p.log.WithFields(logrus.Fields{
		"machine_guid": machineGUID,
		"hostname":     job.State.Identity.Hostname,
	}).Info("connected")

	job.State.ExitReason = recv.ExitConnected
	p.queue <- job
}

// resetForwardParentState resets the host's own forward-streaming
// connection state to preparing on every new receiver attachment — a
// fresh inbound connection invalidates any assumption the forwarding
// path made about this host's previous session.
func resetForwardParentState(host *registry.Host) {
	host.Config.Forward.State = recv.ForwardPreparing
}

// Close closes the handoff queue: workers still receive the jobs already
// queued and exit once it is drained. Close returns at once; it waits
// neither for queued jobs to be delivered nor for in-flight StreamFunc
// calls to return. Handoff must not be called after Close.
func (p *Pool) Close() {
	close(p.queue)
}
