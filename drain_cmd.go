package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/config"
)

func newDrainCmd() *cobra.Command {
	var (
		watch bool
		now   bool
	)

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send every save left in the durable queue",
		Long: `Send every save that a previous run left in the durable queue, for example
after a crash or a network outage, and report what could not be sent.

With --watch the auto-save scheduler keeps running: saves queued by other
processes sharing the store are sent as they arrive, and connectivity is
probed so sending resumes when the server is back. The first Ctrl-C flushes
and exits; a second one exits at once. 'drain --now' asks a running watcher
to flush immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			pidPath := filepath.Join(config.DefaultDataDir(), drainPIDFile)

			if now {
				pid, err := signalDrainer(pidPath)
				if err != nil {
					return err
				}

				cc.Statusf("Asked watcher (PID %d) to flush.\n", pid)

				return nil
			}

			if watch {
				return runDrainWatch(cmd, pidPath)
			}

			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				before := h.GetQueueStatus().Unsynced()
				if before == 0 {
					cc.Statusf("Nothing to send.\n")
					return nil
				}

				err := h.ForceSaveAll(ctx)
				after := h.GetQueueStatus().Unsynced()

				cc.Statusf("Sent %d of %d queued save(s).\n", before-after, before)

				if errors.Is(err, autosave.ErrOffline) {
					return fmt.Errorf("%d save(s) still queued: %w", after, err)
				}

				return err
			})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and send saves as they arrive")
	cmd.Flags().BoolVar(&now, "now", false, "ask a running watcher to flush immediately")
	cmd.MarkFlagsMutuallyExclusive("watch", "now")

	return cmd
}

func runDrainWatch(cmd *cobra.Command, pidPath string) error {
	release, err := acquireDrainLock(pidPath)
	if err != nil {
		return err
	}
	defer release()

	return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
		runCtx := shutdownContext(ctx, cc.Logger)

		h.Start(runCtx)

		cc.Statusf("Watching %d queued save(s). Ctrl-C to flush and stop.\n", h.GetQueueStatus().Unsynced())

		flushes := flushRequests(runCtx)

		for {
			select {
			case <-runCtx.Done():
				// withEngine closes the engine, which flushes.
				return nil
			case <-flushes:
				if err := h.ForceSaveAll(runCtx); err != nil {
					cc.Logger.Warn("flush on request failed", slog.String("error", err.Error()))
					continue
				}

				cc.Logger.Info("flushed on request")
			}
		}
	})
}
