package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/onboard-sync/internal/session"
)

// withEngine opens the engine, runs fn and closes the engine, flushing any
// saves fn queued.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, h *engineHandle) error) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	h, err := openEngine(ctx, cc)
	if err != nil {
		return err
	}

	runErr := fn(ctx, cc, h)

	return errors.Join(runErr, h.Close())
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Resolve, create, show or clear the onboarding session",
	}

	cmd.AddCommand(newSessionResolveCmd())
	cmd.AddCommand(newSessionNewCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionClearCmd())

	return cmd
}

func newSessionResolveCmd() *cobra.Command {
	var (
		id       string
		forceNew bool
		create   bool
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Pick the active onboarding resource",
		Long: `Resolve the onboarding resource to work on. An explicit --id wins; otherwise
the current session, the owner's last resource and the last resource on this
machine are tried in that order, each validated against the server.

With --create a fresh resource is started when nothing usable is found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := session.Options{ExplicitID: id, ForceNew: forceNew}

			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				if create {
					sess, err := h.EnsureSession(ctx, opts)
					if err != nil {
						return err
					}

					return printSession(cc, sess)
				}

				res, err := h.ResolveSession(ctx, opts)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(cc.Out, res)
				}

				if res.Session == nil {
					return resolutionError(res)
				}

				return printSession(cc, res.Session)
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "explicit resource id")
	cmd.Flags().BoolVar(&forceNew, "force-new", false, "ignore stored sessions")
	cmd.Flags().BoolVar(&create, "create", false, "start a fresh resource when none resolves")

	return cmd
}

func resolutionError(res *session.Resolution) error {
	hint := ""

	switch {
	case res.CanRecover:
		hint = " (retry when the server is reachable)"
	case res.ShouldCreateNew:
		hint = " (run 'onboard-sync session new' or resolve with --create)"
	}

	return fmt.Errorf("no usable session: %s%s", res.Reason, hint)
}

func newSessionNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start a brand-new onboarding resource",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				sess, err := h.NewSession(ctx)
				if err != nil {
					return err
				}

				return printSession(cc, sess)
			})
		},
	}
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				sess, err := h.CurrentSession(ctx)
				if err != nil {
					return err
				}

				if sess == nil {
					if cc.Flags.JSON {
						return printJSON(cc.Out, nil)
					}

					cc.Statusf("No current session. Run 'onboard-sync session resolve'.\n")

					return nil
				}

				return printSession(cc, sess)
			})
		},
	}
}

func newSessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "End the current session (logout or reset)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				if err := h.ClearSession(ctx); err != nil {
					return err
				}

				cc.Statusf("Session cleared.\n")

				return nil
			})
		},
	}
}

func printSession(cc *CLIContext, sess *session.Session) error {
	if cc.Flags.JSON {
		return printJSON(cc.Out, sess)
	}

	printTable(cc.Out, []string{"RESOURCE", "SOURCE", "OWNER", "VERIFIED", "CREATED"}, [][]string{{
		sess.ResourceID,
		string(sess.Source),
		orDash(sess.OwnerID),
		fmt.Sprint(sess.Verified),
		formatTime(sess.CreatedAt),
	}})

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
