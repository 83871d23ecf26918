package ocpp

import "strings"

// Version identifies an OCPP protocol version. Dispatch across versions is
// done on this tag, not on the textual form.
type Version int

const (
	VersionUnknown Version = iota
	V16
	V201
	V21
)

func (v Version) String() string {
	switch v {
	case V16:
		return "1.6J"
	case V201:
		return "2.0.1"
	case V21:
		return "2.1"
	default:
		return "unknown"
	}
}

// ParseVersion normalizes the textual version forms accepted on the wire
// ("1.6", "1.6j", "1.6J", "2.0.1", "2.1") to a Version tag.
func ParseVersion(s string) Version {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1.6", "1.6j":
		return V16
	case "2.0.1":
		return V201
	case "2.1":
		return V21
	default:
		return VersionUnknown
	}
}

// Subprotocols returns the Sec-WebSocket-Protocol values acceptable for the
// version. The accepted subprotocol is echoed back on the upgrade response.
func (v Version) Subprotocols() []string {
	switch v {
	case V16:
		return []string{"ocpp1.6", "ocpp1.6j"}
	case V201:
		return []string{"ocpp2.0.1"}
	case V21:
		return []string{"ocpp2.1"}
	default:
		return nil
	}
}

// FormatErrorCode is the wire error code for malformed payloads. 1.6J spells
// it "FormationViolation"; 2.x spells it "FormatViolation". The distinction is
// part of the wire contract.
func FormatErrorCode(v Version) string {
	if v == V16 {
		return "FormationViolation"
	}
	return "FormatViolation"
}
