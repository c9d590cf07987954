package pgwire

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildPacket(code uint32, body []byte) []byte {
	pkt := make([]byte, 0, len(body)+8)
	pkt = binary.BigEndian.AppendUint32(pkt, uint32(len(body)+8))
	pkt = binary.BigEndian.AppendUint32(pkt, code)
	return append(pkt, body...)
}

func pairsBody(pairs ...string) []byte {
	var body []byte
	for _, s := range pairs {
		body = append(body, s...)
		body = append(body, 0)
	}
	return append(body, 0) // terminator: empty name
}

// readStartupFrom feeds raw bytes through a pipe into the negotiator.
func readStartupFrom(t *testing.T, raw ...[]byte) (StartupMessage, error) {
	t.Helper()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for _, chunk := range raw {
			if _, err := client.Write(chunk); err != nil {
				errCh <- err
				return
			}
		}
	}()

	server.SetDeadline(time.Now().Add(5 * time.Second))
	n := &Negotiator{}
	_, msg, err := n.ReadStartup(server)
	return msg, err
}

func TestVersionedPacketParsing(t *testing.T) {
	msg, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(3, 0)), pairsBody("user", "bob", "database", "test")))
	require.NoError(t, err)

	req, ok := msg.(*SessionRequest)
	require.True(t, ok)
	assert.Equal(t, "bob", req.User)
	assert.Equal(t, "test", req.Database)
	assert.Empty(t, req.SessionOptions)
	assert.Empty(t, req.Options)
}

func TestVersionedPacketSessionOptions(t *testing.T) {
	msg, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(3, 0)),
			pairsBody("user", "bob", "options", "-c x", "client_encoding", "UTF8")))
	require.NoError(t, err)

	req := msg.(*SessionRequest)
	assert.Equal(t, "-c x", req.Options)
	require.Len(t, req.SessionOptions, 1)
	assert.Equal(t, SessionOption{Name: "client_encoding", Value: "UTF8"}, req.SessionOptions[0])
	// database defaults to the user name
	assert.Equal(t, "bob", req.Database)
}

func TestVersionedPacketMissingTerminator(t *testing.T) {
	body := pairsBody("user", "bob")
	body = body[:len(body)-1] // drop the terminator byte
	_, err := readStartupFrom(t, buildPacket(uint32(MakeVersion(3, 0)), body))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeProtocolViolation, perr.SQLState)
}

func TestVersionedPacketTrailingGarbage(t *testing.T) {
	body := pairsBody("user", "bob")
	body = append(body, 'x') // terminator no longer the final byte
	_, err := readStartupFrom(t, buildPacket(uint32(MakeVersion(3, 0)), body))
	assert.Error(t, err)
}

func legacyBody(database, user, options string) []byte {
	body := make([]byte, legacyBodyLen)
	copy(body[0:], database)
	copy(body[legacyDatabaseLen:], user)
	copy(body[legacyDatabaseLen+legacyUserLen:], options)
	return body
}

func TestLegacyPacketRoundTrip(t *testing.T) {
	msg, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(2, 0)), legacyBody("", "alice", "")))
	require.NoError(t, err)

	req := msg.(*SessionRequest)
	assert.Equal(t, "alice", req.User)
	assert.Equal(t, "alice", req.Database, "database must default to the user name")
	assert.Equal(t, "", req.Options)
}

func TestLegacyShortPacketZeroPadded(t *testing.T) {
	// Only the database field present; the rest reads as empty, so the
	// missing user name is rejected.
	short := make([]byte, legacyDatabaseLen)
	copy(short, "db1")
	_, err := readStartupFrom(t, buildPacket(uint32(MakeVersion(2, 0)), short))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeInvalidAuthorization, perr.SQLState)
}

func TestEmptyUserRejected(t *testing.T) {
	_, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(3, 0)), pairsBody("database", "test")))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeInvalidAuthorization, perr.SQLState)
}

func TestIdentifierTruncation(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'u'
	}
	msg, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(3, 0)), pairsBody("user", string(long))))
	require.NoError(t, err)

	req := msg.(*SessionRequest)
	assert.Len(t, req.User, 63)
	assert.Len(t, req.Database, 63)
}

func TestIdentifierTruncationKeepsRunesIntact(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "ü"
	}
	msg, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(3, 0)), pairsBody("user", long)))
	require.NoError(t, err)

	req := msg.(*SessionRequest)
	assert.True(t, utf8.ValidString(req.User), "truncation must not split a rune")
	assert.Len(t, []rune(req.User), 63)
}

func TestUnsupportedProtocol(t *testing.T) {
	_, err := readStartupFrom(t,
		buildPacket(uint32(MakeVersion(4, 0)), pairsBody("user", "bob")))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeFeatureNotSupported, perr.SQLState)
	assert.False(t, perr.NoReply, "client should be told about the version mismatch")
}

func TestCancelRequestParsing(t *testing.T) {
	body := make([]byte, 8)
	binary.BigEndian.PutUint32(body[0:], 4242)
	binary.BigEndian.PutUint32(body[4:], 0xdeadbeef)
	msg, err := readStartupFrom(t, buildPacket(uint32(CancelRequestCode), body))
	require.NoError(t, err)

	canc, ok := msg.(*CancelRequest)
	require.True(t, ok)
	assert.Equal(t, int32(4242), canc.TargetPID)
	assert.Equal(t, int32(-559038737), canc.CancelKey)
}

func TestCancelRequestTrailingBytesRejected(t *testing.T) {
	body := make([]byte, 9)
	binary.BigEndian.PutUint32(body[0:], 4242)
	binary.BigEndian.PutUint32(body[4:], 0xdeadbeef)
	_, err := readStartupFrom(t, buildPacket(uint32(CancelRequestCode), body))

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.NoReply)
}

func TestOversizedPacketRejected(t *testing.T) {
	var pkt []byte
	pkt = binary.BigEndian.AppendUint32(pkt, 1<<20)
	_, err := readStartupFrom(t, pkt)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.NoReply)
}

func TestUndersizedPacketRejected(t *testing.T) {
	var pkt []byte
	pkt = binary.BigEndian.AppendUint32(pkt, 7) // body smaller than the version field
	_, err := readStartupFrom(t, pkt)
	assert.Error(t, err)
}

func TestDoubleSSLNegotiationRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write(buildPacket(uint32(SSLRequestCode), nil))
		reply := make([]byte, 1)
		client.Read(reply)
		client.Write(buildPacket(uint32(SSLRequestCode), nil))
	}()

	server.SetDeadline(time.Now().Add(5 * time.Second))
	n := &Negotiator{} // no TLS config: first request answered 'N'
	_, _, err := n.ReadStartup(server)

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, "duplicate SSL negotiation")
}

func TestSSLRejectThenStartup(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	replyCh := make(chan byte, 1)
	go func() {
		client.Write(buildPacket(uint32(SSLRequestCode), nil))
		reply := make([]byte, 1)
		client.Read(reply)
		replyCh <- reply[0]
		client.Write(buildPacket(uint32(MakeVersion(3, 0)), pairsBody("user", "carol")))
	}()

	server.SetDeadline(time.Now().Add(5 * time.Second))
	n := &Negotiator{}
	_, msg, err := n.ReadStartup(server)
	require.NoError(t, err)
	assert.Equal(t, SSLReject, <-replyCh)

	req := msg.(*SessionRequest)
	assert.Equal(t, "carol", req.User)
	assert.False(t, req.TLS)
}
