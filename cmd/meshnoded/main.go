package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/meshcore/meshnode/pkg/config"
	"github.com/meshcore/meshnode/pkg/corectx"
	"github.com/meshcore/meshnode/pkg/daemon"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/identity"
	"github.com/meshcore/meshnode/pkg/lifecycle"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/storage"
	"github.com/meshcore/meshnode/pkg/storage/boltstore"
	"github.com/meshcore/meshnode/pkg/storage/memstore"
	"github.com/meshcore/meshnode/pkg/types"
	"github.com/meshcore/meshnode/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshnoded",
	Short: "meshnoded runs one node of a peer-to-peer inference mesh",
	Long: `meshnoded discovers peers on the local network segment, negotiates
capabilities, and routes small AI-inference tasks across the mesh with
at-least-once delivery and partial-failure recovery.`,
	Version: Version,
	RunE:    runNode,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"meshnoded version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.Flags()
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.String("config", "", "Path to a YAML config file")
	flags.String("config-dir", "./data", "Directory holding node_identity.json")
	flags.Int("listen-port", 0, "L2 discovery / peer-session listen port (0 = use config default)")
	flags.Int("control-port", 0, "Control Plane gRPC listen port (0 = use config default)")
	flags.Int("metrics-port", 0, "Observability HTTP port (0 = use config default)")
	flags.Int("max-peers", 0, "Maximum concurrent peer sessions (0 = use config default)")
	flags.Int("max-concurrent-tasks", 0, "Worker Pool size (0 = use config default)")
	flags.String("storage-path", "", "Data directory for persisted state (overrides config)")
	flags.StringSlice("bootstrap", nil, "Comma-separated bootstrap peer addresses")
	flags.Bool("daemonize", false, "Detach from the controlling terminal and run in the background")
	flags.String("log-file", "", "Log file for detached (--daemonize) runs; required with --daemonize on supported platforms")

	cobra.OnInitialize(func() {
		logLevel, _ := rootCmd.Flags().GetString("log-level")
		logJSON, _ := rootCmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.Level(logLevel),
			JSONOutput: logJSON,
		})
	})
}

func runNode(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	configDir, _ := flags.GetString("config-dir")
	daemonize, _ := flags.GetBool("daemonize")
	logFile, _ := flags.GetString("log-file")

	if daemonize {
		if logFile == "" && daemon.Supported() {
			return fmt.Errorf("--log-file is required with --daemonize")
		}
		detached, err := daemon.Detach(daemon.Options{LogFile: logFile})
		if err != nil {
			return fmt.Errorf("failed to detach: %w", err)
		}
		if detached {
			// Parent process: the child is running independently, exit clean.
			return nil
		}
		if !daemon.Supported() {
			log.Logger.Warn().Msg("daemonize requested but unsupported on this platform, continuing in foreground")
		}
	}

	cfg, err := config.Load(configPath, buildOverrides(flags))
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	pidFile := daemon.NewPIDFile(cfg.StoragePath, "meshnoded")
	if err := pidFile.Acquire(); err != nil {
		return fmt.Errorf("starting meshnoded: %w", err)
	}
	defer pidFile.Release()

	id, err := identity.LoadOrCreate(configDir)
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}

	store, err := openStore(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("opening persistence port: %w", err)
	}
	defer store.Close()

	bus := events.NewBus()
	log.SetNodeID(id.NodeID)
	logger := log.Logger
	ctx := corectx.New(cfg, id, logger, store, bus)

	adapter := worker.AdapterFunc(echoAdapter)
	controller := lifecycle.New(ctx, adapter, Version, "echo")

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	logger.Info().Str("node_id", id.NodeID).Str("version", Version).Msg("meshnoded starting")
	exitCode, runErr := controller.Run(runCtx)
	if runErr != nil {
		return runErr
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// buildOverrides turns whichever flags the caller actually set into the
// process-flag config layer; flags left at their zero value are omitted so
// they don't shadow the file/env layers below them.
func buildOverrides(flags *pflag.FlagSet) config.Overrides {
	var o config.Overrides

	if flags.Changed("listen-port") {
		v, _ := flags.GetInt("listen-port")
		o.ListenPort = &v
	}
	if flags.Changed("control-port") {
		v, _ := flags.GetInt("control-port")
		o.ControlPort = &v
	}
	if flags.Changed("metrics-port") {
		v, _ := flags.GetInt("metrics-port")
		o.MetricsPort = &v
	}
	if flags.Changed("max-peers") {
		v, _ := flags.GetInt("max-peers")
		o.MaxPeers = &v
	}
	if flags.Changed("max-concurrent-tasks") {
		v, _ := flags.GetInt("max-concurrent-tasks")
		o.MaxConcurrentTasks = &v
	}
	if flags.Changed("storage-path") {
		v, _ := flags.GetString("storage-path")
		o.StoragePath = &v
	}
	if flags.Changed("bootstrap") {
		v, _ := flags.GetStringSlice("bootstrap")
		o.BootstrapAddresses = v
	}

	return o
}

// echoAdapter is the demo model adapter wired by default: it returns the
// task's input unchanged after a small delay scaled to the input size, long
// enough to exercise the timeout and cancellation paths under test load.
func echoAdapter(ctx context.Context, task types.Task) ([]byte, error) {
	delay := time.Duration(len(task.Input)) * time.Microsecond
	if delay > 50*time.Millisecond {
		delay = 50 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	out := make([]byte, len(task.Input))
	copy(out, task.Input)
	return out, nil
}

func openStore(storagePath string) (storage.Store, error) {
	if storagePath == "" || storagePath == ":memory:" {
		return memstore.New(), nil
	}
	return boltstore.Open(filepath.Clean(storagePath))
}
