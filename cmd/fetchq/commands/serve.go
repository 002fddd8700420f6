package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/logger"
	"github.com/teranos/fetchq/server"
	"github.com/teranos/fetchq/sym"
	"github.com/teranos/fetchq/version"
)

// ServeCmd runs the coordinator with its HTTP API
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   sym.Pulse + " Run the coordinator with its HTTP API and event stream",
	Long: sym.Pulse + ` serve — Run the coordinator with its HTTP API and event stream

Recovers transfers recorded by earlier runs, then serves:
  POST   /api/transfers              submit
  GET    /api/transfers[?status=]    list
  GET    /api/transfers/{id}         inspect
  POST   /api/transfers/{id}/cancel  cancel
  DELETE /api/transfers/{id}         purge
  GET    /ws[?job=<id>]              websocket event stream
  GET    /health

Changes to coordinator.max_running in the config file apply without a restart.
The first Ctrl+C shuts down gracefully; in-flight transfers are recorded as
interrupted. A second Ctrl+C exits immediately.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	stack, err := startCoordinator(cmd, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	printStartupBanner(addr, stack)

	if watcher := watchConfig(stack); watcher != nil {
		defer watcher.Stop()
	}

	srv := server.New(stack.coord, cfg.Server, logger.ComponentLogger("server"))
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		err := srv.Stop()
		if stopErr := stack.Close(); stopErr != nil && err == nil {
			err = stopErr
		}
		shutdownDone <- err
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown error")
		}
		pterm.Success.Println("Server stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Force shutdown - exiting immediately")
		os.Exit(1)
		return nil
	}
}

// watchConfig applies coordinator.max_running changes from the most specific
// existing config file. It returns nil when there is nothing to watch.
func watchConfig(stack *coordinatorStack) *am.ConfigWatcher {
	var path string
	for _, candidate := range am.ConfigPaths() {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config hot reload disabled", logger.FieldPath, path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		return stack.coord.SetMaxRunning(cfg.Coordinator.MaxRunning)
	})
	am.SetGlobalWatcher(watcher)
	watcher.Start()
	logger.Debugw("Watching config", logger.FieldPath, path)
	return watcher
}

func printStartupBanner(addr string, stack *coordinatorStack) {
	stats := stack.coord.Stats()
	pterm.DefaultSection.Printf("%s fetchq %s", sym.Pulse, version.Get().Version)
	pterm.Printfln("  API:          http://%s", addr)
	pterm.Printfln("  Database:     %s", stack.dbPath)
	pterm.Printfln("  Max running:  %d", stats.MaxRunning)
	pterm.Printfln("  Network:      %s", stack.monitor.Current())
	if stats.Pending > 0 {
		pterm.Info.Printfln("%s Resuming %d queued transfer(s)", sym.PulseOpen, stats.Pending)
	}
	if stats.Failed > 0 {
		pterm.Printfln("  %d failed transfer(s) on record; see 'fetchq status --status failed'", stats.Failed)
	}
}
