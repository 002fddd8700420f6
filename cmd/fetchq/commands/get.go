package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/fetchq/am"
	"github.com/teranos/fetchq/errors"
	"github.com/teranos/fetchq/internal/util"
	"github.com/teranos/fetchq/pulse"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/pulse/fetch"
	"github.com/teranos/fetchq/server"
	"github.com/teranos/fetchq/sym"
)

// GetCmd downloads a URI and follows it to completion
var GetCmd = &cobra.Command{
	Use:   "get <uri> [destination]",
	Short: sym.Pulse + " Download a URI",
	Long: sym.Pulse + ` get — Download a URI and follow its progress

The transfer is recorded before it starts, resumes from the bytes already on
disk after transient failures, and pauses while none of the allowed networks
is available. Ctrl+C cancels it.

Without a destination the last path segment of the URI is used. With --dir
the destination is relative to a directory configured under [directories].

With --server the transfer is handed to a running 'fetchq serve' instead and
the command returns once it is queued.

Examples:
  fetchq get https://example.com/a.iso
  fetchq get https://example.com/a.iso isos/a.iso --dir downloads
  fetchq get --networks wifi --notify https://example.com/big.tar
  fetchq get --server 127.0.0.1:8787 https://example.com/a.iso`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var (
	getNetworks    string
	getDir         string
	getTitle       string
	getDescription string
	getNotify      bool
	getServer      string
)

func init() {
	GetCmd.Flags().StringVar(&getNetworks, "networks", "", "Allowed networks, comma separated: wifi, mobile (default: all)")
	GetCmd.Flags().StringVar(&getDir, "dir", "", "Logical destination directory from [directories], e.g. downloads")
	GetCmd.Flags().StringVar(&getTitle, "title", "", "Title shown in progress and notifications")
	GetCmd.Flags().StringVar(&getDescription, "description", "", "Free-form description stored with the transfer")
	GetCmd.Flags().BoolVar(&getNotify, "notify", false, "Announce the outcome when the transfer finishes")
	GetCmd.Flags().StringVar(&getServer, "server", "", "Queue the transfer on a running server at this address")
}

func runGet(cmd *cobra.Command, args []string) error {
	uri := args[0]
	var destination string
	if len(args) == 2 {
		destination = args[1]
	}

	var allowed fetch.NetworkSet
	if getNetworks != "" {
		set, err := fetch.ParseNetworkSet(getNetworks)
		if err != nil {
			return errors.WithHint(err, "use --networks wifi, --networks mobile or --networks wifi,mobile")
		}
		allowed = set
	}
	opts := async.Options{
		AllowedNetworks:  allowed,
		NotifyOnComplete: getNotify,
		DestinationDir:   getDir,
		Title:            getTitle,
		Description:      getDescription,
	}

	if getServer != "" {
		return submitRemote(cmd, uri, destination, opts)
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	stack, err := startCoordinator(cmd, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()
	coord := stack.coord

	id, err := coord.Submit(commandContext(cmd), uri, destination, opts)
	if err != nil {
		return errors.Wrap(err, "failed to submit transfer")
	}
	job, err := coord.Get(id)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("Transfer %d: %s → %s", id, job.URI, job.Destination)

	// Ctrl+C cancels the transfer; Follow then sees its completion
	sigCtx, stopSignals := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	followDone := make(chan struct{})
	defer close(followDone)
	go func() {
		select {
		case <-sigCtx.Done():
			_ = coord.Cancel(id)
		case <-followDone:
		}
	}()

	view := newProgressView(job.Title, job.NotifyOnComplete)
	final, err := pulse.Follow(context.Background(), coord, id, view)
	if err != nil {
		view.stop()
		return errors.Wrapf(err, "failed to follow transfer %d", id)
	}

	if stats := coord.Stats(); stats.Active > 0 || stats.Pending > 0 {
		pterm.Warning.Printfln("%d other transfer(s) were still queued or running; 'fetchq serve' finishes them",
			stats.Active+stats.Pending)
	}

	if final.Status == async.StatusFailed {
		return transferFailed(id, job.URI, final.JobState)
	}
	return nil
}

// transferFailed wraps a failed state with a hint matching its cause.
func transferFailed(id async.JobID, uri string, state async.JobState) error {
	cause := async.FailureError(state)
	err := errors.Wrapf(cause, "transfer %d failed", id)
	switch {
	case errors.Is(cause, async.ErrCancelled):
		return err
	case errors.Is(cause, async.ErrNetwork):
		return errors.WithHint(err,
			fmt.Sprintf("check the connection and the --networks allowance, then run 'fetchq get %s' again", uri))
	}
	return errors.WithHint(err, fmt.Sprintf("run 'fetchq get %s' again to retry", uri))
}

func submitRemote(cmd *cobra.Command, uri, destination string, opts async.Options) error {
	client := server.NewAPIClient(getServer, 10*time.Second)
	ctx := commandContext(cmd)
	if _, err := client.Health(ctx); err != nil {
		return err
	}
	id, err := client.Submit(ctx, server.SubmitRequest{
		URI:              uri,
		Destination:      destination,
		AllowedNetworks:  opts.AllowedNetworks,
		NotifyOnComplete: opts.NotifyOnComplete,
		DestinationDir:   opts.DestinationDir,
		Title:            opts.Title,
		Description:      opts.Description,
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit transfer")
	}
	pterm.Success.Printfln("Transfer %d queued on %s", id, getServer)
	return nil
}

// progressView renders one transfer: a progress bar while the size is known,
// a spinner otherwise.
type progressView struct {
	title  string
	notify bool

	bar     *pterm.ProgressbarPrinter
	spinner *pterm.SpinnerPrinter
}

func newProgressView(title string, notify bool) *progressView {
	return &progressView{title: title, notify: notify}
}

func (v *progressView) OnUpdate(ev async.Event) {
	switch {
	case ev.Status == async.StatusPaused:
		v.spin(fmt.Sprintf("%s: waiting for an allowed network (%s so far)", v.title, util.HumanBytes(ev.BytesDownloaded)))
	case ev.Status == async.StatusPending:
		v.spin(fmt.Sprintf("%s: pending", v.title))
	case ev.TotalBytes > 0:
		v.advance(ev.BytesDownloaded, ev.TotalBytes)
	default:
		v.spin(fmt.Sprintf("%s: %s", v.title, util.HumanBytes(ev.BytesDownloaded)))
	}
}

func (v *progressView) OnComplete(rec async.Record) {
	if v.bar != nil && rec.Status == async.StatusSucceeded {
		v.advance(rec.BytesDownloaded, rec.BytesDownloaded)
	}
	v.stop()

	line := fmt.Sprintf("%s: %s", rec.Title, async.StatusText(rec.JobState))
	if !v.notify {
		fmt.Println(line)
		return
	}
	if rec.Status == async.StatusSucceeded {
		pterm.Success.Printfln("%s (%s, %s)", line, util.HumanBytes(rec.BytesDownloaded), rec.Destination)
		return
	}
	pterm.Error.Println(line)
}

func (v *progressView) spin(text string) {
	if v.bar != nil {
		_, _ = v.bar.Stop()
		v.bar = nil
	}
	if v.spinner == nil {
		v.spinner, _ = pterm.DefaultSpinner.Start(text)
		return
	}
	v.spinner.UpdateText(text)
}

func (v *progressView) advance(done, total int64) {
	if v.spinner != nil {
		_ = v.spinner.Stop()
		v.spinner = nil
	}
	if v.bar == nil {
		v.bar, _ = pterm.DefaultProgressbar.
			WithTotal(100).
			WithShowCount(false).
			WithTitle(v.title).
			Start()
		if v.bar == nil {
			return
		}
	}
	// The bar counts whole percent so multi-gigabyte totals never overflow int.
	if delta := int(util.Percent(done, total)) - v.bar.Current; delta > 0 {
		v.bar.Add(delta)
	}
	v.bar.UpdateTitle(fmt.Sprintf("%s %s/%s", v.title, util.HumanBytes(done), util.HumanBytes(total)))
}

func (v *progressView) stop() {
	if v.bar != nil {
		_, _ = v.bar.Stop()
		v.bar = nil
	}
	if v.spinner != nil {
		_ = v.spinner.Stop()
		v.spinner = nil
	}
}
