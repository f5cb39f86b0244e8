//go:build !linux

package sockinfo

import "errors"

// ErrUnsupported is returned by Get on platforms without a TCP_INFO
// binding wired up.
var ErrUnsupported = errors.New("sockinfo: TCP_INFO not supported on this platform")

// Supported reports whether TCP_INFO introspection is available on this
// platform.
func Supported() bool { return false }

// Get always fails on unsupported platforms.
func Get(fd int) (*Info, error) {
	return nil, ErrUnsupported
}
