package main

import (
	"fmt"
	"os"

	"github.com/moraydb/moray/internal/cli"
	"github.com/moraydb/moray/internal/launcher"
	"github.com/moraydb/moray/pkg/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			if logger.Log != nil {
				logger.Log.Error("Panic recovered", "panic", r)
			} else {
				fmt.Fprintf(os.Stderr, "Panic recovered: %v\n", r)
			}
			os.Exit(1)
		}
	}()

	// Re-exec'd children carry a role flag as their first argument and
	// never reach the CLI.
	if handled, code := launcher.RunChild(os.Args); handled {
		os.Exit(code)
	}

	cli.Execute()
}
