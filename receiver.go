// Package receiver implements the Receiver State value object: the
// per-connection record owned exclusively by the acceptance flow of a
// streaming telemetry receiver until it is handed off to a streaming
// worker. See pkg/admission, pkg/registry, pkg/takeover, pkg/capability and
// pkg/worker for the stages that build, validate and eventually consume it.
package receiver

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"
)

// CompressedChunkSize is the fixed size of the per-connection compressed
// read buffer allocated alongside a Receiver State.
const CompressedChunkSize = 16 * 1024

// DefaultReceiveTimeout is applied to the socket once it becomes
// blocking, unless overridden by configuration.
const DefaultReceiveTimeout = 600 * time.Second

// HealthMode is the three-valued health-monitoring switch carried in a
// receiver's configuration snapshot.
type HealthMode int

const (
	HealthAuto HealthMode = iota
	HealthOff
	HealthOn
)

// ExitReason enumerates why a handshake attempt ended, for logging only.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitNotPermitted
	ExitBusy
	ExitAlreadyStreaming
	ExitSameLocalhost
	ExitInternalError
	ExitInitialization
	ExitCantReply
	ExitConnected
)

func (r ExitReason) String() string {
	switch r {
	case ExitNotPermitted:
		return "not_permitted"
	case ExitBusy:
		return "busy"
	case ExitAlreadyStreaming:
		return "already_streaming"
	case ExitSameLocalhost:
		return "same_localhost"
	case ExitInternalError:
		return "internal_server_error"
	case ExitInitialization:
		return "initialization"
	case ExitCantReply:
		return "cant_reply"
	case ExitConnected:
		return "connected"
	default:
		return "none"
	}
}

// ForwardState is the upstream forwarding connection's own lifecycle
// state, reset to ForwardPreparing whenever the host it belongs to
// receives a fresh inbound receiver attachment.
type ForwardState int

const (
	ForwardPreparing ForwardState = iota
	ForwardConnecting
	ForwardConnected
)

// ForwardConfig is the forward-streaming slice of a receiver's
// configuration snapshot.
type ForwardConfig struct {
	Enabled      bool
	Parents      []string
	APIKey       string
	ChartsFilter string
	State        ForwardState
}

// Decompressor names the compression algorithm negotiated for a
// connection's stream. Decoding itself happens downstream in the
// streaming worker; this is enough for handoff to tell it which decoder
// to build.
type Decompressor string

const (
	DecompressorNone Decompressor = "none"
	DecompressorGZIP Decompressor = "gzip"
	DecompressorZSTD Decompressor = "zstd"
)

// ReplicationConfig is the replication slice of a receiver's configuration
// snapshot.
type ReplicationConfig struct {
	Enabled bool
	Period  time.Duration
	Step    time.Duration
}

// ConfigSnapshot is the per-connection configuration resolved from
// pkg/config by the admission gate (pkg/admission).
type ConfigSnapshot struct {
	UpdateEvery time.Duration
	History     int
	MemoryMode  string
	Health      HealthMode
	Forward     ForwardConfig
	Replication ReplicationConfig
	Ephemeral   bool
}

// Identity carries the credentials and self-reported metadata a child
// agent presents during the handshake.
type Identity struct {
	APIKey           string
	MachineGUID      string
	Hostname         string
	RegistryHostname string
	OS               string
	Timezone         string
	AbbrevTimezone   string
	UTCOffset        int32
	ProgramName      string
	ProgramVersion   string
	Hops             int16
}

// Peer carries the client-address metadata handed in by the web server.
type Peer struct {
	ClientIP   string
	ClientPort string
}

// Transport is the move-only value that owns a connection's file
// descriptor and, optionally, its TLS session. Takeover constructs one
// of these from the web client's hijacked connection; after a move the
// source Transport is zeroed and must not be used.
type Transport struct {
	Conn      net.Conn
	TLS       *tls.ConnectionState
	FD        int
	IsHTTP2   bool
	Blocking  bool
}

// Move transfers ownership of t's fields into a new Transport and
// clears t so the source cannot be used again after the socket has
// migrated to its new owner.
func (t *Transport) Move() Transport {
	moved := *t
	*t = Transport{FD: -1}
	return moved
}

// Valid reports whether the transport still owns a live connection.
func (t *Transport) Valid() bool {
	return t.Conn != nil
}

// State is a Receiver State: allocated once per incoming connection,
// exclusively owned by the acceptance flow until handoff transfers it
// to a streaming worker (pkg/worker.Pool).
type State struct {
	Transport Transport
	Peer      Peer
	Identity  Identity

	Capabilities Capabilities
	Decompressor Decompressor

	Config ConfigSnapshot

	// SystemInfo is a free-form host metadata bag. Ownership transfers to
	// the host registry on a successful bind; once nil, it must never be
	// read or freed by the acceptance flow again.
	SystemInfo map[string]string

	ConnectedSince   time.Time
	LastMessageMonotonic time.Time

	ExitReason ExitReason

	compressedBuf []byte
}

// allocatedBytes is the process-wide counter of bytes allocated for
// live Receiver States, incremented on New and decremented on Free.
var allocatedBytes int64

// AllocatedBytes reports the current process-wide receiver allocation size.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// New allocates a zeroed Receiver State with its compressed read buffer
// pre-sized to CompressedChunkSize, and stamps ConnectedSince /
// LastMessageMonotonic at construction time.
func New(now time.Time) *State {
	s := &State{
		Capabilities:         CapInvalid,
		Decompressor:         DecompressorNone,
		SystemInfo:           make(map[string]string),
		ConnectedSince:       now,
		LastMessageMonotonic: now,
		compressedBuf:        make([]byte, CompressedChunkSize),
		Identity: Identity{
			Hops: 1,
		},
	}
	atomic.AddInt64(&allocatedBytes, int64(CompressedChunkSize))
	return s
}

// CompressedBuffer returns the fixed-size compressed read buffer owned by
// this Receiver State.
func (s *State) CompressedBuffer() []byte {
	return s.compressedBuf
}

// Free releases everything owned by s: the transport, the decompressor,
// the system-info bag (if still owned), and the compressed buffer. Free
// is idempotent; calling it twice is a caller bug but will not panic.
func (s *State) Free() {
	if s.compressedBuf != nil {
		atomic.AddInt64(&allocatedBytes, -int64(len(s.compressedBuf)))
		s.compressedBuf = nil
	}
	if s.Transport.Conn != nil {
		_ = s.Transport.Conn.Close()
		s.Transport = Transport{FD: -1}
	}
	s.Decompressor = DecompressorNone
	s.SystemInfo = nil
}
