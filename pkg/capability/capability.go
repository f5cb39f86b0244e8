// Package capability selects a decompressor and composes the
// version-specific initial response as a pure function of a receiver's
// negotiated capability bitset, then sets a read deadline on the
// now-owned socket before sending it.
package capability

import (
	"fmt"
	"net"
	"time"

	recv "github.com/streamrecv/streamrecv"
)

// Prompt values are the fixed on-wire tokens used on the success path.
const (
	PromptV1Fixed = "START_STREAMING_PROMPT_V1"
	PromptV2Fixed = "START_STREAMING_PROMPT_V2"
	PromptVNBase  = "START_STREAMING_PROMPT_VN"
)

// SendTimeout is applied to the initial response write.
const SendTimeout = 60 * time.Second

// Decompressor is an alias of recv.Decompressor, kept so callers already
// spelling out capability.Decompressor / capability.DecompressorGZIP
// don't need to import the root package directly.
type Decompressor = recv.Decompressor

const (
	DecompressorNone = recv.DecompressorNone
	DecompressorGZIP = recv.DecompressorGZIP
	DecompressorZSTD = recv.DecompressorZSTD
)

// SelectDecompressor picks a compression algorithm from the negotiated
// capabilities. Newer, more capable negotiations (VCAPS) prefer zstd;
// plain compression-capable connections fall back to gzip; anything
// below that carries no compression.
func SelectDecompressor(caps recv.Capabilities) Decompressor {
	switch {
	case caps.Has(recv.CapVCaps) && caps.Has(recv.CapCompression):
		return DecompressorZSTD
	case caps.Has(recv.CapCompression):
		return DecompressorGZIP
	default:
		return DecompressorNone
	}
}

// ErrCantReply is returned when the initial response could not be
// written in full.
type ErrCantReply struct {
	Wrote, Want int
	Cause       error
}

func (e *ErrCantReply) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("capability: short write of initial response (%d/%d bytes): %v", e.Wrote, e.Want, e.Cause)
	}
	return fmt.Sprintf("capability: short write of initial response (%d/%d bytes)", e.Wrote, e.Want)
}

func (e *ErrCantReply) Unwrap() error { return e.Cause }

// Response composes the initial on-wire response for the given
// capabilities. VCAPS is checked first because it is defined as a
// strict superset of VN; if a future capability ever violates that
// assumption this dispatch order must be revisited.
func Response(caps recv.Capabilities) []byte {
	switch {
	case caps.Has(recv.CapVCaps):
		return []byte(fmt.Sprintf("%s %d\n", PromptVNBase, uint32(caps)))
	case caps.Has(recv.CapVN):
		return []byte(fmt.Sprintf("%s %d\n", PromptVNBase, caps.Version()))
	case caps.Has(recv.CapV2):
		return []byte(PromptV2Fixed + "\n")
	default:
		return []byte(PromptV1Fixed + "\n")
	}
}

// PrepareBlocking sets conn's read deadline to receiveTimeout from now
// (DefaultReceiveTimeout when receiveTimeout is not positive), unless the
// connection rides an HTTP/2 transport. Reads on a net.Conn already block
// the calling goroutine, so the descriptor's non-blocking flag is left
// as it is. A failure is non-fatal — the caller logs and proceeds.
func PrepareBlocking(conn net.Conn, isHTTP2 bool, receiveTimeout time.Duration) (deadlineErr error) {
	if isHTTP2 {
		return nil
	}
	if receiveTimeout <= 0 {
		receiveTimeout = recv.DefaultReceiveTimeout
	}
	return conn.SetReadDeadline(time.Now().Add(receiveTimeout))
}

// Send writes the initial response to conn with SendTimeout, returning
// ErrCantReply on a short or failed write.
func Send(conn net.Conn, caps recv.Capabilities) error {
	resp := Response(caps)
	if err := conn.SetWriteDeadline(time.Now().Add(SendTimeout)); err != nil {
		return &ErrCantReply{Cause: err}
	}
	n, err := conn.Write(resp)
	if err != nil || n != len(resp) {
		return &ErrCantReply{Wrote: n, Want: len(resp), Cause: err}
	}
	return nil
}
