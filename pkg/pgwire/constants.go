// Package pgwire implements the connection-bootstrap subset of the
// PostgreSQL frontend/backend protocol: startup packet parsing, the SSL
// negotiation preamble, the out-of-band cancel request, and the handful
// of backend messages the supervisor writes before a worker exists.
package pgwire

// Version packs a protocol version as major<<16 | minor.
type Version uint32

// MakeVersion builds a packed protocol version number.
func MakeVersion(major, minor uint16) Version {
	return Version(uint32(major)<<16 | uint32(minor))
}

// Major returns the major protocol number.
func (v Version) Major() uint16 { return uint16(v >> 16) }

// Minor returns the minor protocol number.
func (v Version) Minor() uint16 { return uint16(v & 0xffff) }

// Supported protocol range.
var (
	VersionEarliest = MakeVersion(1, 0)
	VersionLatest   = MakeVersion(3, 0)
)

// Special request codes share the version field's wire position. They are
// deliberately chosen to be impossible protocol versions.
const (
	CancelRequestCode Version = 1234<<16 | 5678
	SSLRequestCode    Version = 1234<<16 | 5679
)

// Backend message tags written during connection bootstrap.
const (
	MsgErrorResponse  byte = 'E'
	MsgBackendKeyData byte = 'K'
)

// One-byte SSL negotiation replies.
const (
	SSLAccept byte = 'S'
	SSLReject byte = 'N'
)

// Fixed field widths of the legacy (major < 3) startup packet layout.
// A short packet is zero-padded, so every field is NUL-terminated.
const (
	legacyDatabaseLen = 64
	legacyUserLen     = 32
	legacyOptionsLen  = 64
	legacyUnusedLen   = 64
	legacyTTYLen      = 64

	legacyBodyLen = legacyDatabaseLen + legacyUserLen +
		legacyOptionsLen + legacyUnusedLen + legacyTTYLen
)

// SQLSTATE codes used in bootstrap error replies.
const (
	CodeProtocolViolation     = "08P01"
	CodeFeatureNotSupported   = "0A000"
	CodeCannotConnectNow      = "57P03"
	CodeTooManyConnections    = "53300"
	CodeInvalidAuthorization  = "28000"
	CodeOutOfResources        = "53000"
)

// ErrorResponse field tags (major >= 3 format).
const (
	fieldSeverity = 'S'
	fieldCode     = 'C'
	fieldMessage  = 'M'
)
