package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/engine"
	"github.com/tonimelisma/onboard-sync/internal/progress"
	"github.com/tonimelisma/onboard-sync/internal/readcache"
	"github.com/tonimelisma/onboard-sync/internal/session"
)

// statusReport is the JSON form of 'onboard-sync status'.
type statusReport struct {
	Session  *session.Session `json:"session"`
	Queue    autosave.Status  `json:"queue"`
	Pending  []pendingSave    `json:"pending"`
	Failures []saveFailure    `json:"failures,omitempty"`
	Cache    readcache.Stats  `json:"cache"`
}

type pendingSave struct {
	Key        string `json:"key"`
	Priority   int    `json:"priority"`
	Retries    int    `json:"retries"`
	SizeBytes  int    `json:"size_bytes"`
	Offline    bool   `json:"offline"`
	Refetch    bool   `json:"needs_refetch"`
	LastError  string `json:"last_error,omitempty"`
	EnqueuedAt string `json:"enqueued_at"`
}

type saveFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the session, unsent saves and cache counters",
		Long: `Show the current session and every save still waiting in the durable queue,
for example after a crash or while offline. Nothing is sent; use
'onboard-sync drain' to send them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				// Inspecting must not send anything on close.
				h.SetOnline(ctx, false)

				report, err := buildStatus(ctx, h)
				if err != nil {
					return err
				}

				if cc.Flags.JSON {
					return printJSON(cc.Out, report)
				}

				printStatus(cc, report)

				return nil
			})
		},
	}
}

func buildStatus(ctx context.Context, h *engineHandle) (*statusReport, error) {
	sess, err := h.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Session: sess,
		Queue:   h.GetQueueStatus(),
		Cache:   h.CacheStats(),
	}

	for _, it := range h.PendingSaves() {
		report.Pending = append(report.Pending, pendingSave{
			Key:        it.Key.String(),
			Priority:   it.Priority,
			Retries:    it.RetryCount,
			SizeBytes:  it.SizeBytes,
			Offline:    it.Offline,
			Refetch:    it.NeedsRefetch,
			LastError:  it.LastError,
			EnqueuedAt: formatTime(it.EnqueuedAt),
		})
	}

	for k, ferr := range h.SaveFailures() {
		report.Failures = append(report.Failures, saveFailure{Key: k.String(), Error: ferr.Error()})
	}

	sort.Slice(report.Failures, func(i, j int) bool { return report.Failures[i].Key < report.Failures[j].Key })

	return report, nil
}

func printStatus(cc *CLIContext, r *statusReport) {
	if r.Session != nil {
		fmt.Fprintf(cc.Out, "Session:  %s (%s)\n", r.Session.ResourceID, r.Session.Source)
	} else {
		fmt.Fprintln(cc.Out, "Session:  none")
	}

	fmt.Fprintf(cc.Out, "Unsent:   %d (%d offline)\n", r.Queue.Unsynced(), r.Queue.Offline)
	fmt.Fprintf(cc.Out, "Cache:    %d entries, %d hits, %d misses\n\n", r.Cache.Entries, r.Cache.Hits, r.Cache.Misses)

	if len(r.Pending) == 0 {
		fmt.Fprintln(cc.Out, "No unsent saves.")
		return
	}

	rows := make([][]string, 0, len(r.Pending))
	for _, p := range r.Pending {
		rows = append(rows, []string{
			p.Key,
			strconv.Itoa(p.Priority),
			strconv.Itoa(p.Retries),
			formatSize(int64(p.SizeBytes)),
			p.EnqueuedAt,
			orDash(p.LastError),
		})
	}

	printTable(cc.Out, []string{"KEY", "PRIORITY", "RETRIES", "SIZE", "QUEUED", "LAST ERROR"}, rows)
}

func newProgressCmd() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show onboarding progress for the current session",
		Long: `Load every step from the server and show step and field progress. With
--refresh the server's completion flags are compared against local progress
and disagreements are reported.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				for _, step := range h.Contract().Steps() {
					if err := loadBeforeEdit(ctx, cc, h, step); err != nil {
						return err
					}
				}

				return printProgress(ctx, cc, h, refresh)
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "compare with the server's completion flags")

	return cmd
}

// progressReport is the JSON form of 'onboard-sync progress'.
type progressReport struct {
	progress.Snapshot
	Mismatches []progress.Mismatch `json:"mismatches,omitempty"`
}

func printProgress(ctx context.Context, cc *CLIContext, h *engineHandle, refresh bool) error {
	snap, err := h.GetProgressSnapshot(ctx)
	if err != nil {
		if errors.Is(err, engine.ErrNoSession) {
			return noSessionError(err)
		}

		return err
	}

	report := progressReport{Snapshot: snap}

	if refresh {
		report.Mismatches, err = h.RefreshProgress(ctx)
		if err != nil {
			return err
		}
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, report)
	}

	fmt.Fprintf(cc.Out, "%d/%d steps completed, %d skipped (%.0f%%)\n\n",
		snap.Completed, snap.Total, snap.Skipped, snap.Percent)

	rows := make([][]string, 0, len(snap.Steps))
	for _, s := range snap.Steps {
		note := s.LastError
		if len(s.BlockedBy) > 0 {
			note = "blocked by " + joinInts(s.BlockedBy)
		}

		rows = append(rows, []string{strconv.Itoa(s.Step), s.Name, string(s.Status), strconv.FormatBool(s.IsValid), orDash(note)})
	}

	printTable(cc.Out, []string{"STEP", "NAME", "STATUS", "VALID", "NOTE"}, rows)

	if len(report.Mismatches) > 0 {
		fmt.Fprintln(cc.Out)

		for _, m := range report.Mismatches {
			fmt.Fprintf(cc.Out, "mismatch: %s\n", m)
		}
	}

	return nil
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}

	return strings.Join(parts, ", ")
}
