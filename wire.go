package receiver

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Capabilities is the bitset of features negotiated with a child agent
// during the handshake. The low 16 bits carry feature flags; the high 16
// bits carry the raw protocol version number the flags were derived
// from, so the initial response (pkg/capability) can recover "ver"
// purely from the bitset: the bitset is the single source of truth for
// what gets sent back.
type Capabilities uint32

const (
	CapV1 Capabilities = 1 << iota
	CapV2
	CapVN
	CapVCaps
	CapCompression
	CapReplication

	capFlagBits = 16
	capFlagMask = Capabilities(1<<capFlagBits) - 1
)

// CapInvalid is the sentinel Receiver State capabilities hold until
// parsing resolves them. Parsing must never leave it in this state; its
// low 16 bits are all set, a flag combination versionToCapabilities
// never produces, so it cannot collide with a negotiated value.
const CapInvalid Capabilities = 1<<31 - 1

// EncodeVersion packs a numeric protocol version into the high bits of a
// Capabilities value alongside the given flags.
func EncodeVersion(version uint16, flags Capabilities) Capabilities {
	return Capabilities(version)<<capFlagBits | (flags & capFlagMask)
}

// Version extracts the numeric protocol version embedded in c.
func (c Capabilities) Version() uint16 {
	return uint16(c >> capFlagBits)
}

// Has reports whether every flag in want is set in c.
func (c Capabilities) Has(want Capabilities) bool {
	return c&(want&capFlagMask) == (want & capFlagMask)
}

// versionToCapabilities maps a numeric "ver" handshake parameter onto a
// Capabilities value. Versions are cumulative: each threshold implies
// every capability below it, so VCAPS (a strict superset of VN) is only
// ever set together with VN, V2 and V1.
func versionToCapabilities(version int) Capabilities {
	if version < 0 {
		version = 0
	}
	var flags Capabilities
	switch {
	case version >= 7:
		flags = CapV1 | CapV2 | CapVN | CapVCaps | CapCompression | CapReplication
	case version >= 3:
		flags = CapV1 | CapV2 | CapVN
	case version >= 2:
		flags = CapV1 | CapV2
	default:
		flags = CapV1
	}
	return EncodeVersion(uint16(version), flags)
}

// legacyProtocolVersionCapabilities is the fixed capability set implied by
// the legacy NETDATA_PROTOCOL_VERSION=1 parameter.
func legacyProtocolVersionCapabilities() Capabilities {
	return versionToCapabilities(1)
}

const legacySystemOSPrefix = "NETDATA_SYSTEM_OS_"
const rewrittenHostOSPrefix = "NETDATA_HOST_OS_"

// UnusedParamLogger is invoked for every query parameter the parser does
// not recognize, after it has been stored in SystemInfo. The receiver
// package never logs directly; callers (pkg/server) wire this to pkg/log.
type UnusedParamLogger func(name, value string)

// ParseQueryString decodes a handshake query string into s, writing
// system-info entries directly into s.SystemInfo. It returns an error
// only when the query string itself cannot be parsed.
// Recognized identity names follow first-occurrence-wins; unrecognized
// names are forwarded into SystemInfo.
func ParseQueryString(raw string, s *State, onUnused UnusedParamLogger) error {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return err
	}

	first := func(name string) (string, bool) {
		vs := values[name]
		if len(vs) == 0 {
			return "", false
		}
		return vs[0], true
	}

	for name, vs := range values {
		if len(vs) == 0 {
			continue
		}
		value := vs[0]

		switch name {
		case "key":
			s.Identity.APIKey = value
		case "hostname":
			s.Identity.Hostname = value
		case "registry_hostname":
			s.Identity.RegistryHostname = value
		case "machine_guid":
			s.Identity.MachineGUID = value
		case "update_every":
			// Unlike the identity fields, update_every overrides on every
			// occurrence rather than keeping the first.
			last := vs[len(vs)-1]
			if n, convErr := strconv.Atoi(last); convErr == nil {
				s.Config.UpdateEvery = time.Duration(n) * time.Second
			}
		case "os":
			s.Identity.OS = value
		case "timezone":
			s.Identity.Timezone = value
		case "abbrev_timezone":
			s.Identity.AbbrevTimezone = value
		case "utc_offset":
			if n, convErr := strconv.ParseInt(value, 10, 32); convErr == nil {
				s.Identity.UTCOffset = int32(n)
			}
		case "hops":
			if n, convErr := strconv.ParseInt(value, 10, 16); convErr == nil {
				s.Identity.Hops = int16(n)
			}
			s.SystemInfo["hops"] = value
		case "ml_capable", "ml_enabled", "mc_version":
			if _, convErr := strconv.ParseUint(value, 10, 64); convErr == nil {
				s.SystemInfo[name] = value
			}
		case "ver", "NETDATA_PROTOCOL_VERSION":
			// Resolved deterministically after the loop: ver must take
			// precedence over the legacy fallback regardless of map
			// iteration order.
		default:
			if strings.HasPrefix(name, legacySystemOSPrefix) {
				rewritten := rewrittenHostOSPrefix + strings.TrimPrefix(name, legacySystemOSPrefix)
				s.SystemInfo[rewritten] = value
			} else if name != "" {
				s.SystemInfo[name] = value
				if onUnused != nil {
					onUnused(name, value)
				}
			}
		}
	}

	// Re-apply first-occurrence-wins for the identity/scalar fields: the
	// range over a map above is unordered, but url.Values preserves the
	// original order within each name's slice, so re-reading via `first`
	// guarantees we kept occurrence zero regardless of map iteration order.
	if v, ok := first("key"); ok {
		s.Identity.APIKey = v
	}
	if v, ok := first("hostname"); ok {
		s.Identity.Hostname = v
	}
	if v, ok := first("registry_hostname"); ok {
		s.Identity.RegistryHostname = v
	}
	if v, ok := first("machine_guid"); ok {
		s.Identity.MachineGUID = v
	}
	if v, ok := first("os"); ok {
		s.Identity.OS = v
	}
	if v, ok := first("timezone"); ok {
		s.Identity.Timezone = v
	}
	if v, ok := first("abbrev_timezone"); ok {
		s.Identity.AbbrevTimezone = v
	}

	// ver always takes precedence over the legacy NETDATA_PROTOCOL_VERSION
	// fallback when both are present; read directly from values instead
	// of the range loop above so the outcome never depends on map
	// iteration order. Neither applies if capabilities were already
	// resolved before this call.
	if s.Capabilities == CapInvalid {
		if vs, ok := values["ver"]; ok && len(vs) > 0 {
			if n, convErr := strconv.Atoi(vs[0]); convErr == nil {
				s.Capabilities = versionToCapabilities(n)
			}
		}
	}
	if s.Capabilities == CapInvalid {
		if _, ok := values["NETDATA_PROTOCOL_VERSION"]; ok {
			s.Capabilities = legacyProtocolVersionCapabilities()
		}
	}
	if s.Capabilities == CapInvalid {
		s.Capabilities = versionToCapabilities(0)
	}
	if s.Identity.RegistryHostname == "" {
		s.Identity.RegistryHostname = s.Identity.Hostname
	}

	return nil
}

// SplitUserAgent splits an HTTP User-Agent header into program name and
// program version on the first '/'.
func SplitUserAgent(userAgent string) (name, version string) {
	idx := strings.IndexByte(userAgent, '/')
	if idx < 0 {
		return userAgent, ""
	}
	return userAgent[:idx], userAgent[idx+1:]
}


