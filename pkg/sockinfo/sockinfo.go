// Package sockinfo reports raw kernel-level TCP state for a receiver's
// bound socket. Rather than decoding the entire Linux tcp_info struct
// field-by-field (per-kernel bitfield packing and all), it only needs
// the handful of fields that matter for judging whether a streaming
// child's connection looks healthy — RTT, retransmits and congestion
// window — exposed through golang.org/x/sys/unix's own TCP_INFO binding
// instead of a hand-mirrored struct.
package sockinfo

import "time"

// Info is the friendly, platform-independent view of a socket's TCP
// state, read by pkg/metrics on every scrape.
type Info struct {
	State        string
	RTT          time.Duration
	RTTVar       time.Duration
	Retransmits  uint8
	TotalRetrans uint32
	SendCwnd     uint32
	SendMSS      uint32
	RecvMSS      uint32
}

// Unhealthy applies a simple heuristic: any retransmit activity or an
// RTT over 2 seconds is worth calling out.
func (i *Info) Unhealthy() bool {
	if i == nil {
		return false
	}
	return i.Retransmits > 0 || i.TotalRetrans > 0 || i.RTT > 2*time.Second
}

var tcpStateNames = map[uint8]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
}

func stateName(state uint8) string {
	if name, ok := tcpStateNames[state]; ok {
		return name
	}
	return "UNKNOWN"
}
