package launcher

import (
	"fmt"
	"strings"

	"github.com/moraydb/moray/pkg/pgwire"
)

// WorkerArgv builds the argument vector handed to a worker's session
// entry point. Everything before the "-p" pair is supervisor-trusted;
// everything after it came from the client and is treated accordingly.
func WorkerArgv(debugLevel int, extraOptions string, proto pgwire.Version, database, clientOptions string) []string {
	argv := []string{"moray-worker"}
	if debugLevel > 0 {
		argv = append(argv, fmt.Sprintf("-d%d", debugLevel))
	}
	argv = append(argv, SplitOptions(extraOptions)...)
	argv = append(argv, fmt.Sprintf("-v%d", uint32(proto)), "-p", database)
	argv = append(argv, SplitOptions(clientOptions)...)
	return argv
}

// SplitOptions breaks a flat option string on runs of whitespace.
// Quoting is not supported; the historical format never had it.
func SplitOptions(s string) []string {
	return strings.Fields(s)
}
