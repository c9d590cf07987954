package pgwire

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/moraydb/moray/pkg/consts"
)

// StartupMessage is the outcome of a successful bootstrap exchange:
// either a SessionRequest or a CancelRequest.
type StartupMessage interface {
	startupMessage()
}

// SessionRequest is a parsed startup packet. The user name is never
// empty, the database name defaults to the user name, and both are
// truncated to the maximum identifier length.
type SessionRequest struct {
	Protocol Version
	Database string
	User     string
	// Options carries client-supplied worker switches, split on
	// whitespace when the argument vector is built.
	Options string
	// SessionOptions are the remaining name/value pairs from a
	// major-3 packet, in wire order.
	SessionOptions []SessionOption
	// TLS records whether the connection was upgraded during negotiation.
	TLS bool
}

type SessionOption struct {
	Name  string
	Value string
}

func (*SessionRequest) startupMessage() {}

// CancelRequest asks the supervisor to interrupt a specific worker.
// It never creates a worker and nothing is ever sent in reply.
type CancelRequest struct {
	TargetPID int32
	CancelKey int32
}

func (*CancelRequest) startupMessage() {}

// ProtocolError describes a bootstrap failure. Unless NoReply is set,
// the supervisor sends the message to the client before disconnecting.
type ProtocolError struct {
	SQLState string
	Message  string
	// NoReply marks communication failures where writing anything
	// back would be pointless.
	NoReply bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.SQLState, e.Message)
}

func protoViolation(msg string) *ProtocolError {
	return &ProtocolError{SQLState: CodeProtocolViolation, Message: msg}
}

// Negotiator reads startup packets off raw connections.
type Negotiator struct {
	// TLSConfig enables the SSL upgrade path when non-nil. Upgrade is
	// always refused on local-domain sockets.
	TLSConfig *tls.Config
}

// ReadStartup consumes the connection-bootstrap exchange on conn. It
// resolves at most one SSL negotiation, then returns the (possibly
// TLS-wrapped) connection plus the parsed message. On error the caller
// owns sending an error reply (unless NoReply) and closing conn.
func (n *Negotiator) ReadStartup(conn net.Conn) (net.Conn, StartupMessage, error) {
	return n.readStartup(conn, false)
}

func (n *Negotiator) readStartup(conn net.Conn, sslDone bool) (net.Conn, StartupMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		// EOF right after the SSL reply usually means the client did
		// not like our answer; don't clutter the log for that.
		return conn, nil, &ProtocolError{
			SQLState: CodeProtocolViolation,
			Message:  "incomplete startup packet",
			NoReply:  true,
		}
	}

	pktLen := int(int32(binary.BigEndian.Uint32(lenBuf[:]))) - 4
	if pktLen < 4 || pktLen > consts.MaxStartupPacketLength {
		return conn, nil, &ProtocolError{
			SQLState: CodeProtocolViolation,
			Message:  "invalid length of startup packet",
			NoReply:  true,
		}
	}

	body := make([]byte, pktLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return conn, nil, &ProtocolError{
			SQLState: CodeProtocolViolation,
			Message:  "incomplete startup packet",
			NoReply:  true,
		}
	}

	r := newPacketReader(body)
	code, err := r.uint32be()
	if err != nil {
		return conn, nil, err
	}
	return n.dispatch(conn, Version(code), r, body, sslDone)
}

func (n *Negotiator) dispatch(conn net.Conn, proto Version, r *packetReader, body []byte, sslDone bool) (net.Conn, StartupMessage, error) {
	if proto == CancelRequestCode {
		pid, err := r.uint32be()
		if err != nil {
			return conn, nil, err
		}
		key, err := r.uint32be()
		if err != nil {
			return conn, nil, err
		}
		// The cancel packet is fixed-size; anything longer is a forgery
		// or corruption, and cancels never get a reply either way.
		if r.remaining() != 0 {
			return conn, nil, &ProtocolError{
				SQLState: CodeProtocolViolation,
				Message:  "invalid length of query-cancel packet",
				NoReply:  true,
			}
		}
		return conn, &CancelRequest{TargetPID: int32(pid), CancelKey: int32(key)}, nil
	}

	if proto == SSLRequestCode {
		// A second negotiation in direct succession is rejected: the
		// parser re-enters exactly once after the upgrade.
		if sslDone {
			return conn, nil, protoViolation("duplicate SSL negotiation request")
		}
		return n.negotiateTLS(conn)
	}

	req, err := parseSessionRequest(proto, body)
	if err != nil {
		return conn, nil, err
	}
	req.TLS = sslDone
	return conn, req, nil
}

func (n *Negotiator) negotiateTLS(conn net.Conn) (net.Conn, StartupMessage, error) {
	reply := SSLReject
	if n.TLSConfig != nil && !isUnixConn(conn) {
		reply = SSLAccept
	}
	if _, err := conn.Write([]byte{reply}); err != nil {
		return conn, nil, &ProtocolError{
			SQLState: CodeProtocolViolation,
			Message:  "failed to send SSL negotiation response",
			NoReply:  true,
		}
	}
	if reply == SSLAccept {
		tlsConn := tls.Server(conn, n.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return conn, nil, &ProtocolError{
				SQLState: CodeProtocolViolation,
				Message:  "SSL handshake failed",
				NoReply:  true,
			}
		}
		conn = tlsConn
	}
	// A regular startup or cancel packet should follow.
	return n.readStartup(conn, true)
}

func isUnixConn(conn net.Conn) bool {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	_, ok := conn.(*net.UnixConn)
	if ok {
		return true
	}
	addr := conn.LocalAddr()
	return addr != nil && addr.Network() == "unix"
}

// parseSessionRequest decodes a versioned startup packet body (which
// still includes the 4-byte version field at the front).
func parseSessionRequest(proto Version, body []byte) (*SessionRequest, error) {
	major := proto.Major()
	if major < VersionEarliest.Major() || major > VersionLatest.Major() ||
		(major == VersionLatest.Major() && proto.Minor() > VersionLatest.Minor()) {
		return nil, &ProtocolError{
			SQLState: CodeFeatureNotSupported,
			Message: fmt.Sprintf("unsupported frontend protocol %d.%d: server supports %d.0 to %d.%d",
				proto.Major(), proto.Minor(),
				VersionEarliest.Major(), VersionLatest.Major(), VersionLatest.Minor()),
		}
	}

	req := &SessionRequest{Protocol: proto}
	payload := body[4:]

	if major >= 3 {
		if err := parsePairs(req, payload); err != nil {
			return nil, err
		}
	} else {
		if err := parseLegacy(req, payload); err != nil {
			return nil, err
		}
	}

	if req.User == "" {
		return nil, &ProtocolError{
			SQLState: CodeInvalidAuthorization,
			Message:  "no moray user name specified in startup packet",
		}
	}
	if req.Database == "" {
		req.Database = req.User
	}
	req.Database = truncateIdentifier(req.Database)
	req.User = truncateIdentifier(req.User)
	return req, nil
}

// parsePairs scans a major-3 body for NUL-terminated name/value pairs.
// The empty-name terminator must land exactly on the final byte.
func parsePairs(req *SessionRequest, payload []byte) error {
	offset := 0
	for offset < len(payload) {
		r := newPacketReader(payload[offset:])
		name, err := r.cstring()
		if err != nil {
			return err
		}
		if name == "" {
			if offset != len(payload)-1 {
				return protoViolation("invalid startup packet layout: expected terminator as last byte")
			}
			return nil
		}
		value, err := r.cstring()
		if err != nil {
			return err
		}
		switch name {
		case "database":
			req.Database = value
		case "user":
			req.User = value
		case "options":
			req.Options = value
		default:
			req.SessionOptions = append(req.SessionOptions,
				SessionOption{Name: name, Value: value})
		}
		offset += len(name) + len(value) + 2
	}
	return protoViolation("invalid startup packet layout: expected terminator as last byte")
}

// parseLegacy decodes the fixed-width layout. Short packets are padded
// with zeros first, so a truncated trailing field reads as empty.
func parseLegacy(req *SessionRequest, payload []byte) error {
	if len(payload) < legacyBodyLen {
		padded := make([]byte, legacyBodyLen)
		copy(padded, payload)
		payload = padded
	}
	r := newPacketReader(payload)

	var err error
	if req.Database, err = r.fixedString(legacyDatabaseLen); err != nil {
		return err
	}
	if req.User, err = r.fixedString(legacyUserLen); err != nil {
		return err
	}
	if req.Options, err = r.fixedString(legacyOptionsLen); err != nil {
		return err
	}
	// Remaining fields (unused, tty) are ignored.
	return nil
}

func truncateIdentifier(s string) string {
	if len(s) <= consts.MaxIdentifierLength {
		return s
	}
	// Cut on rune boundaries; byte slicing could split a multibyte
	// character and hand the worker invalid UTF-8.
	runes := []rune(s)
	if len(runes) <= consts.MaxIdentifierLength {
		return s
	}
	return string(runes[:consts.MaxIdentifierLength])
}
