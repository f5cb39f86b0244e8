// Package takeover moves a connection's file descriptor and TLS session
// out of the web server's ownership and into a Receiver State, after
// which HTTP status codes are informational only and the transport
// belongs to the streaming pipeline.
package takeover

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/higebu/netfd"

	recv "github.com/streamrecv/streamrecv"
)

// ErrNotHijackable is returned when the ResponseWriter's underlying
// connection cannot be taken over (e.g. it does not implement
// http.Hijacker).
var ErrNotHijackable = errors.New("takeover: response writer does not support hijacking")

// Take hijacks w's underlying connection and returns it as a Transport
// ready to be installed on a Receiver State. It flushes any buffered
// response bytes first so nothing written before takeover is lost on
// the wire.
//
// Go's http.Server always hands full ownership of the connection to the
// caller on a successful Hijack — there is no separate "mark the web
// client dead" step, and no split input/output descriptor to null out
// individually the way a C web server's client struct would: Hijack's
// contract already collapses those steps into one.
func Take(w http.ResponseWriter) (recv.Transport, error) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return recv.Transport{FD: -1}, ErrNotHijackable
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		return recv.Transport{FD: -1}, fmt.Errorf("takeover: hijack: %w", err)
	}
	if rw != nil {
		if err := flush(rw); err != nil {
			return recv.Transport{FD: -1}, fmt.Errorf("takeover: flush: %w", err)
		}
	}

	var tlsState *tls.ConnectionState
	if tconn, ok := conn.(*tls.Conn); ok {
		state := tconn.ConnectionState()
		tlsState = &state
	}

	return recv.Transport{
		Conn:     conn,
		TLS:      tlsState,
		FD:       netfd.GetFdFromConn(conn),
		IsHTTP2:  false,
		Blocking: false,
	}, nil
}

func flush(rw *bufio.ReadWriter) error {
	if rw.Writer == nil {
		return nil
	}
	return rw.Writer.Flush()
}

// WriteToken writes a fixed in-band error token on a taken-over socket
// under a send timeout. Also used by the admission gate's
// same-localhost fast path.
func WriteToken(conn net.Conn, token string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("takeover: set write deadline: %w", err)
	}
	_, err := conn.Write([]byte(token + "\n"))
	return err
}
