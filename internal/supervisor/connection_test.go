package supervisor

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moraydb/moray/pkg/consts"
	"github.com/moraydb/moray/pkg/pgwire"
)

func startupPacket(user, database string) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint32(pgwire.VersionLatest))
	for _, kv := range [][2]string{{"user", user}, {"database", database}} {
		body.WriteString(kv[0])
		body.WriteByte(0)
		body.WriteString(kv[1])
		body.WriteByte(0)
	}
	body.WriteByte(0)

	var pkt bytes.Buffer
	binary.Write(&pkt, binary.BigEndian, uint32(body.Len()+4))
	pkt.Write(body.Bytes())
	return pkt.Bytes()
}

func TestRejectedConnectionGetsReply(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	s.beginShutdown(consts.SmartShutdown)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(server)
	}()

	_, err := client.Write(startupPacket("alice", "orders"))
	require.NoError(t, err)

	reply, err := io.ReadAll(client)
	require.NoError(t, err)
	<-done

	require.NotEmpty(t, reply)
	assert.Equal(t, byte('E'), reply[0])
	assert.Contains(t, string(reply), pgwire.CodeCannotConnectNow)
	assert.Contains(t, string(reply), "shutting down")
}

func TestAdmittedConnectionSpawnsWorker(t *testing.T) {
	s, fl, _ := newTestSupervisor(t)
	s.phase.Fire(eventStartupDone)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(server)
	}()

	_, err := client.Write(startupPacket("bob", "orders"))
	require.NoError(t, err)
	io.ReadAll(client)
	<-done

	require.Len(t, fl.workerPIDs, 1)
	pid := fl.workerPIDs[0]
	_, registered := s.reg.Find(pid)
	assert.True(t, registered, "spawned worker holds a cancel key")
	assert.True(t, s.secrets.Seeded(), "first connection seeds the random stream")
}

func TestSpawnFailureReportsToClient(t *testing.T) {
	s, fl, _ := newTestSupervisor(t)
	s.phase.Fire(eventStartupDone)
	fl.failWorker = true

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(server)
	}()

	_, err := client.Write(startupPacket("bob", "orders"))
	require.NoError(t, err)
	reply, _ := io.ReadAll(client)
	<-done

	assert.Equal(t, 0, s.reg.Count(), "failed spawns leave no registry entry")
	if len(reply) > 0 {
		assert.Equal(t, byte('E'), reply[0])
	}
}

func TestMalformedStartupClosesQuietly(t *testing.T) {
	s, fl, _ := newTestSupervisor(t)
	s.phase.Fire(eventStartupDone)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConnection(server)
	}()

	// Announced length far beyond the allowed maximum.
	var pkt [4]byte
	binary.BigEndian.PutUint32(pkt[:], 1<<20)
	_, err := client.Write(pkt[:])
	require.NoError(t, err)

	reply, _ := io.ReadAll(client)
	<-done
	assert.Empty(t, reply, "oversized packets are dropped without a reply")
	assert.Empty(t, fl.workerPIDs)
}
