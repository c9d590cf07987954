// Package cli wires the morayd commands: start runs the supervisor,
// reload and stop signal an already-running one through its lock file.
package cli

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"vawter.tech/stopper"

	"github.com/moraydb/moray/internal/auth"
	"github.com/moraydb/moray/internal/datadir"
	"github.com/moraydb/moray/internal/launcher"
	"github.com/moraydb/moray/internal/listener"
	"github.com/moraydb/moray/internal/monitor"
	"github.com/moraydb/moray/internal/supervisor"
	"github.com/moraydb/moray/pkg/config"
	"github.com/moraydb/moray/pkg/logger"
	"github.com/moraydb/moray/pkg/pgwire"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "morayd",
	Short: "morayd: the moray database process supervisor",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the supervisor daemon",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		logger.InitLogger(cfg.Observability.LogLevel)
		monitor.InitMetrics(cfg.Observability.MetricsAddr)

		os.Exit(runSupervisor(cfg))
	},
}

var stopModes = map[string]unix.Signal{
	"smart":     unix.SIGTERM,
	"fast":      unix.SIGINT,
	"immediate": unix.SIGQUIT,
}

var stopMode string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running supervisor",
	Run: func(cmd *cobra.Command, args []string) {
		sig, ok := stopModes[stopMode]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown stop mode %q (want smart, fast or immediate)\n", stopMode)
			os.Exit(1)
		}
		if err := signalRunning(sig); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sent %s shutdown request\n", stopMode)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running supervisor to reload its configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if err := signalRunning(unix.SIGHUP); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sent reload request")
	},
}

// signalRunning looks the supervisor up through the lock file in the
// configured data directory.
func signalRunning(sig unix.Signal) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	dir, err := datadir.Open(cfg.Server.DataDir)
	if err != nil {
		return err
	}
	pid, err := dir.ReadLockPid()
	if err != nil {
		return fmt.Errorf("no supervisor appears to be running: %w", err)
	}
	return unix.Kill(pid, sig)
}

// runSupervisor brings up the full daemon and blocks until shutdown.
func runSupervisor(cfg *config.Config) int {
	dir, err := datadir.Open(cfg.Server.DataDir)
	if err != nil {
		logger.Log.Error("data directory unusable", "err", err)
		return 1
	}
	if err := dir.AcquireLock(os.Getpid()); err != nil {
		logger.Log.Error("cannot take ownership of data directory", "err", err)
		return 1
	}
	defer dir.ReleaseLock()

	dir.RemoveTempFiles()
	if err := dir.WriteOptsFile(os.Args); err != nil {
		logger.Log.Warn("could not record startup options", "err", err)
	}
	datadir.WriteExternalPidFile(cfg.Server.ExternalPidFile, os.Getpid())

	group, err := listener.Bind(cfg.Server.ListenAddresses, cfg.Server.Port, cfg.Server.UnixSocketDir)
	if err != nil {
		logger.Log.Error("cannot establish listening endpoints", "err", err)
		return 1
	}
	defer group.Close()

	neg := &pgwire.Negotiator{}
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			logger.Log.Error("cannot load server certificate", "err", err)
			return 1
		}
		neg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	tables := auth.NewTables(cfg.Auth.HBAFile, cfg.Auth.UserFile, cfg.Auth.GroupFile)
	tables.Reload()

	spawner, err := launcher.NewSpawner(cfg.Launch.Strategy, dir, group)
	if err != nil {
		logger.Log.Error("cannot initialize process launcher", "err", err)
		return 1
	}
	spawner.DebugLevel = cfg.Launch.DebugLevel
	spawner.ExtraOptions = cfg.Launch.ExtraWorkerOptions

	sctx := stopper.WithContext(context.Background())
	defer func() {
		sctx.Stop(100 * time.Millisecond)
		sctx.Wait()
	}()

	if cfg.Auth.WatchFiles {
		if err := tables.Watch(sctx); err != nil {
			logger.Log.Warn("credential file watching unavailable", "err", err)
		}
	}

	sup := supervisor.New(cfg, dir, group, spawner, tables, neg)
	return sup.Run(sctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "morayd.yaml", "config file path")
	stopCmd.Flags().StringVarP(&stopMode, "mode", "m", "smart", "shutdown mode: smart, fast or immediate")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
