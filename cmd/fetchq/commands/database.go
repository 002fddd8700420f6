package commands

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/db"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/logger"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/pulse/fetch"
)

// openDatabase opens and migrates the transfer database. The --db-path flag
// wins over configuration.
func openDatabase(cmd *cobra.Command) (*sql.DB, string, error) {
	dbPath, _ := cmd.Flags().GetString("db-path")
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "fetchq.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, dbPath, nil
}

// stoppableMonitor is a network monitor with a lifecycle
type stoppableMonitor interface {
	fetch.NetworkMonitor
	Stop()
}

type staticMonitor struct{ *fetch.StaticMonitor }

func (staticMonitor) Stop() {}

// newMonitor picks interface polling for network.class = auto, or a fixed
// class otherwise.
func newMonitor(cfg *am.Config) (stoppableMonitor, error) {
	class := strings.ToLower(strings.TrimSpace(cfg.Network.Class))
	if class == "" || class == "auto" {
		m := fetch.NewSystemMonitor(cfg.Network.PollInterval(), cfg.Network.Interfaces, logger.ComponentLogger("netmon"))
		m.Start()
		return m, nil
	}
	fixed, err := fetch.ParseNetworkClass(class)
	if err != nil {
		return nil, errors.WithHint(err, "network.class must be auto, wifi, mobile or none")
	}
	return staticMonitor{fetch.NewStaticMonitor(fixed)}, nil
}

// coordinatorStack is everything a local coordinator needs, released by Close
type coordinatorStack struct {
	coord    *async.Coordinator
	monitor  stoppableMonitor
	database *sql.DB
	dbPath   string

	closeOnce sync.Once
	closeErr  error
}

// startCoordinator opens the database, recovers stored transfers and starts
// a coordinator with the configured fetcher and network monitor.
func startCoordinator(cmd *cobra.Command, cfg *am.Config) (*coordinatorStack, error) {
	database, dbPath, err := openDatabase(cmd)
	if err != nil {
		return nil, err
	}

	monitor, err := newMonitor(cfg)
	if err != nil {
		database.Close()
		return nil, err
	}

	fetcher := fetch.New(fetch.ConfigFromAM(cfg), monitor, logger.ComponentLogger("fetch"))
	coord, err := async.NewCoordinator(
		commandContext(cmd),
		async.NewStore(database),
		async.NewFetcher(fetcher),
		async.CoordinatorConfigFromAM(cfg),
		logger.ComponentLogger("pulse"),
	)
	if err != nil {
		monitor.Stop()
		database.Close()
		if errors.Is(err, async.ErrLeaseHeld) {
			err = errors.WithHintf(err,
				"a fetchq server is using %s; submit through it with --server, or point --db-path elsewhere", dbPath)
		}
		return nil, errors.Wrap(err, "failed to create coordinator")
	}
	if err := coord.Start(); err != nil {
		monitor.Stop()
		database.Close()
		return nil, errors.Wrap(err, "failed to start coordinator")
	}

	return &coordinatorStack{coord: coord, monitor: monitor, database: database, dbPath: dbPath}, nil
}

// Close stops the coordinator, then the monitor, then the database. Later
// calls return the first call's result.
func (s *coordinatorStack) Close() error {
	s.closeOnce.Do(func() {
		err := s.coord.Stop()
		s.monitor.Stop()
		if closeErr := s.database.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to close database")
		}
		s.closeErr = err
	})
	return s.closeErr
}

// commandContext returns cmd's context, or Background when run outside Execute
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
