package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moraydb/moray/pkg/consts"
)

func TestRunChildIgnoresPlainInvocation(t *testing.T) {
	for _, argv := range [][]string{
		{"morayd"},
		{"morayd", "start"},
		{"morayd", "--config", "m.yaml"},
	} {
		handled, _ := RunChild(argv)
		assert.False(t, handled, "argv %v", argv)
	}
}

func TestRunChildRejectsUnknownRole(t *testing.T) {
	handled, code := RunChild([]string{"morayd", "--forkmystery"})
	assert.True(t, handled)
	assert.Equal(t, 1, code)
}

func TestRunChildFailsOnMissingSnapshot(t *testing.T) {
	handled, code := RunChild([]string{"morayd", consts.RoleWorker.ForkFlag(), "/no/such/snapshot"})
	assert.True(t, handled)
	assert.Equal(t, 1, code)
}

func TestStateFromEnvWorker(t *testing.T) {
	t.Setenv(consts.EnvDataDir, "/var/lib/moray")
	t.Setenv(consts.EnvDebugLevel, "3")
	t.Setenv(consts.EnvSessionPrefix+"PROTOCOL", "196608")
	t.Setenv(consts.EnvSessionPrefix+"DATABASE", "orders")
	t.Setenv(consts.EnvSessionPrefix+"USER", "alice")
	t.Setenv(consts.EnvSessionPrefix+"CANCEL_KEY", "-12345")

	st := stateFromEnv(consts.RoleWorker)
	assert.Equal(t, int32(3), st.DebugLevel)
	assert.Equal(t, "/var/lib/moray", st.DataDir)
	assert.Equal(t, int32(3), st.ConnFD)
	assert.Equal(t, "orders", st.Database)
	assert.Equal(t, "alice", st.User)
	assert.Equal(t, int32(-12345), st.CancelKey)
}

func TestStateFromEnvService(t *testing.T) {
	t.Setenv(consts.EnvDataDir, "/var/lib/moray")
	st := stateFromEnv(consts.RoleBgWriter)
	assert.Equal(t, int32(-1), st.ConnFD)
	assert.Equal(t, consts.RoleBgWriter, st.Role)
}
