//go:build linux

package sockinfo

import (
	"time"

	"golang.org/x/sys/unix"
)

// Supported reports whether TCP_INFO introspection is available on this
// platform.
func Supported() bool { return true }

// Get retrieves TCP_INFO for the socket identified by fd.
func Get(fd int) (*Info, error) {
	raw, err := unix.GetsockoptTCPInfo(fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	if err != nil {
		return nil, err
	}
	return &Info{
		State:        stateName(raw.State),
		RTT:          time.Duration(raw.Rtt) * time.Microsecond,
		RTTVar:       time.Duration(raw.Rttvar) * time.Microsecond,
		Retransmits:  raw.Retransmits,
		TotalRetrans: raw.Total_retrans,
		SendCwnd:     raw.Snd_cwnd,
		SendMSS:      raw.Snd_mss,
		RecvMSS:      raw.Rcv_mss,
	}, nil
}
