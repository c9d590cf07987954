package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommands(t *testing.T) {
	assert.Equal(t, "morayd", rootCmd.Name())

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "reload"} {
		assert.True(t, names[want], "missing %s subcommand", want)
	}
}

func TestStopModes(t *testing.T) {
	assert.Len(t, stopModes, 3)
	for _, mode := range []string{"smart", "fast", "immediate"} {
		_, ok := stopModes[mode]
		assert.True(t, ok, "missing stop mode %s", mode)
	}
}
