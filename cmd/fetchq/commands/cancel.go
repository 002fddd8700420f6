package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/server"
	"github.com/teranos/fetchq/sym"
)

const apiTimeout = 10 * time.Second

// CancelCmd cancels a transfer owned by a running server
var CancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: sym.Pulse + " Cancel a transfer on a running server",
	Long: sym.Pulse + ` cancel — Cancel a transfer on a running server

The server that owns the transfer records it as failed (cancelled) and stops
its download. Cancelling a finished transfer changes nothing.

Examples:
  fetchq cancel 12
  fetchq cancel 12 --server 10.0.0.5:8787`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

// PurgeCmd deletes the record of a finished transfer
var PurgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: sym.DB + " Delete the record of a finished transfer",
	Long: sym.DB + ` purge — Delete the record of a finished transfer

Only SUCCEEDED or FAILED transfers can be purged; cancel running ones first.
The downloaded file is kept. By default the request goes to the running
server; --local edits the database directly when no server is running.

Examples:
  fetchq purge 12
  fetchq purge 12 --local`,
	Args: cobra.ExactArgs(1),
	RunE: runPurge,
}

var (
	apiServer  string
	purgeLocal bool
)

func init() {
	CancelCmd.Flags().StringVar(&apiServer, "server", "", "Server address (default: server.addr from config)")
	PurgeCmd.Flags().StringVar(&apiServer, "server", "", "Server address (default: server.addr from config)")
	PurgeCmd.Flags().BoolVar(&purgeLocal, "local", false, "Purge from the database directly instead of through the server")
}

// apiClient connects to --server or the configured server.addr and checks
// that the server speaks our API version.
func apiClient(cmd *cobra.Command) (*server.APIClient, error) {
	addr := apiServer
	if addr == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		addr = cfg.Server.Addr
	}
	client := server.NewAPIClient(addr, apiTimeout)
	if _, err := client.Health(commandContext(cmd)); err != nil {
		return nil, err
	}
	return client, nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, err := parseTransferID(args[0])
	if err != nil {
		return err
	}
	client, err := apiClient(cmd)
	if err != nil {
		return err
	}

	state, err := client.Cancel(commandContext(cmd), id)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel transfer %d", id)
	}
	if errors.Is(async.FailureError(state.JobState), async.ErrCancelled) {
		pterm.Success.Printfln("Transfer %d cancelled", id)
	} else {
		pterm.Info.Printfln("Transfer %d had already finished: %s", id, state.StatusText)
	}
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	id, err := parseTransferID(args[0])
	if err != nil {
		return err
	}

	if purgeLocal {
		if err := purgeFromDatabase(cmd, id); err != nil {
			return err
		}
	} else {
		client, err := apiClient(cmd)
		if err != nil {
			return errors.WithHint(err, "use --local when no server is running")
		}
		if err := client.Purge(commandContext(cmd), id); err != nil {
			return errors.Wrapf(err, "failed to purge transfer %d", id)
		}
	}
	pterm.Success.Printfln("Transfer %d purged", id)
	return nil
}

// purgeFromDatabase applies the coordinator's purge rule to the stored record
func purgeFromDatabase(cmd *cobra.Command, id async.JobID) error {
	database, _, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	store := async.NewStore(database)
	ctx := commandContext(cmd)
	rec, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return errors.WithHint(
			errors.NewConflictError("transfer %d is %s", id, rec.Status),
			"cancel the transfer before purging it")
	}
	return store.Delete(ctx, id)
}
