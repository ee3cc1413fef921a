package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/engine"
	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
)

// parseStep parses the step argument.
func parseStep(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("step must be a number, got %q", arg)
	}

	return n, nil
}

// parseFields turns "name=value" arguments into raw field values. Values
// that parse as JSON (numbers, booleans, arrays, quoted strings, null) keep
// their JSON type; anything else is a plain string. fieldsJSON, when set, is
// a JSON object merged underneath the arguments.
func parseFields(args []string, fieldsJSON string) (map[string]any, error) {
	raw := make(map[string]any, len(args))

	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &raw); err != nil {
			return nil, fmt.Errorf("--fields-json: %w", err)
		}
	}

	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("field %q: expected name=value", arg)
		}

		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}

		raw[name] = v
	}

	return raw, nil
}

// loadBeforeEdit pulls the server's copy of a step into progress so edits
// and completion see every field, not only the ones given on the command
// line. A failed load is logged and the edit proceeds on local state.
func loadBeforeEdit(ctx context.Context, cc *CLIContext, h *engineHandle, step int) error {
	_, err := h.LoadStep(ctx, step)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrNoSession):
		return noSessionError(err)
	case errors.Is(err, stepcontract.ErrUnsupportedStep):
		return err
	default:
		cc.Logger.Warn("editing without the server copy of the step",
			slog.Int("step", step),
			slog.String("error", err.Error()),
		)

		return nil
	}
}

func noSessionError(err error) error {
	return fmt.Errorf("%w: run 'onboard-sync session resolve' first", err)
}

// flushAndReport sends queued saves now. Saves that cannot be sent stay
// queued for 'onboard-sync drain'.
func flushAndReport(ctx context.Context, cc *CLIContext, h *engineHandle) error {
	err := h.ForceSaveAll(ctx)
	if err == nil {
		cc.Statusf("Saved.\n")
		return nil
	}

	if errors.Is(err, autosave.ErrOffline) {
		cc.Statusf("Offline: %d save(s) queued for 'onboard-sync drain'.\n", h.GetQueueStatus().Unsynced())
		return nil
	}

	return fmt.Errorf("saving: %w", err)
}

func newSaveCmd() *cobra.Command {
	var (
		priority   int
		fieldsJSON string
		noLoad     bool
	)

	cmd := &cobra.Command{
		Use:   "save <step> [name=value ...]",
		Short: "Record field edits for a step and save them",
		Long: `Record field edits for a step and save the step's accumulated values.

Field names may use any known alias or spelling ("villa_name", "Villa Name",
"villaName"). Values are coerced to the field's type; a value that cannot be
coerced is rejected and nothing is saved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := parseStep(args[0])
			if err != nil {
				return err
			}

			raw, err := parseFields(args[1:], fieldsJSON)
			if err != nil {
				return err
			}

			if len(raw) == 0 {
				return errors.New("no fields given")
			}

			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				if !noLoad {
					if err := loadBeforeEdit(ctx, cc, h, step); err != nil {
						return err
					}
				}

				if err := h.EnqueueStepSave(ctx, step, raw, priority); err != nil {
					if errors.Is(err, engine.ErrNoSession) {
						return noSessionError(err)
					}

					return reportValidation(cc, err)
				}

				return flushAndReport(ctx, cc, h)
			})
		},
	}

	cmd.Flags().IntVar(&priority, "priority", autosave.PriorityNormal, "save priority, 1 (low) to 5 (critical)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "JSON object of fields, merged under name=value arguments")
	cmd.Flags().BoolVar(&noLoad, "no-load", false, "do not read the step from the server first")

	return cmd
}

func newCompleteCmd() *cobra.Command {
	var skipFields []string

	cmd := &cobra.Command{
		Use:   "complete <step>",
		Short: "Validate a step with all required fields and save it as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := parseStep(args[0])
			if err != nil {
				return err
			}

			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				if err := loadBeforeEdit(ctx, cc, h, step); err != nil {
					return err
				}

				for _, f := range skipFields {
					if err := h.SkipField(ctx, step, f); err != nil {
						return err
					}
				}

				if err := h.CompleteStep(ctx, step); err != nil {
					return reportValidation(cc, err)
				}

				return flushAndReport(ctx, cc, h)
			})
		},
	}

	cmd.Flags().StringSliceVar(&skipFields, "skip-field", nil, "field to mark as deliberately left empty (repeatable)")

	return cmd
}

func newSkipCmd() *cobra.Command {
	var (
		fields []string
		undo   bool
	)

	cmd := &cobra.Command{
		Use:   "skip <step>",
		Short: "Skip a step or some of its fields and show the resulting progress",
		Long: `Mark a step (or, with --field, individual fields) as deliberately skipped and
print the resulting progress. --undo reopens a skipped step.

Skips are progress state of the running process; to complete a step with
skipped fields in one go use 'onboard-sync complete --skip-field'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := parseStep(args[0])
			if err != nil {
				return err
			}

			if undo && len(fields) > 0 {
				return errors.New("--undo applies to whole steps only")
			}

			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				if err := loadBeforeEdit(ctx, cc, h, step); err != nil {
					return err
				}

				var err error

				switch {
				case undo:
					err = h.UnskipStep(ctx, step)
				case len(fields) > 0:
					for _, f := range fields {
						if err = h.SkipField(ctx, step, f); err != nil {
							break
						}
					}
				default:
					err = h.SkipStep(ctx, step)
				}

				if err != nil {
					return err
				}

				return printProgress(ctx, cc, h, false)
			})
		},
	}

	cmd.Flags().StringSliceVar(&fields, "field", nil, "skip only this field (repeatable)")
	cmd.Flags().BoolVar(&undo, "undo", false, "reopen a skipped step")

	return cmd
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <step>",
		Short: "Read a step from the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := parseStep(args[0])
			if err != nil {
				return err
			}

			return withEngine(cmd, func(ctx context.Context, cc *CLIContext, h *engineHandle) error {
				st, err := h.LoadStep(ctx, step)
				if err != nil {
					if errors.Is(err, engine.ErrNoSession) {
						return noSessionError(err)
					}

					return err
				}

				if cc.Flags.JSON {
					return printJSON(cc.Out, st)
				}

				fmt.Fprintf(cc.Out, "Step %d (version %d, completed %t)\n\n", st.Step, st.Version, st.Completed)
				printFields(cc, st.Fields)

				return nil
			})
		},
	}
}

func newValidateCmd() *cobra.Command {
	var (
		complete   bool
		fieldsJSON string
	)

	cmd := &cobra.Command{
		Use:   "validate <step> [name=value ...]",
		Short: "Canonicalize and validate fields without saving",
		Long: `Canonicalize field names and values for a step and validate them. Without
--complete only type errors are reported; with --complete every required
field must be present and valid. Does not contact the server.`,
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			step, err := parseStep(args[0])
			if err != nil {
				return err
			}

			raw, err := parseFields(args[1:], fieldsJSON)
			if err != nil {
				return err
			}

			payload, err := stepcontract.DefaultContract().Prepare(step, raw, complete)
			if err != nil {
				return reportValidation(cc, err)
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, payload)
			}

			printFields(cc, payload)
			cc.Statusf("Valid.\n")

			return nil
		},
	}

	cmd.Flags().BoolVar(&complete, "complete", false, "require every required field")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "JSON object of fields, merged under name=value arguments")

	return cmd
}

// reportValidation prints every field failure and returns a short error;
// other errors pass through.
func reportValidation(cc *CLIContext, err error) error {
	var verrs stepcontract.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	if cc.Flags.JSON {
		if perr := printJSON(cc.Out, verrs); perr != nil {
			return perr
		}

		return errSilentExit
	}

	rows := make([][]string, 0, len(verrs))
	for _, fe := range verrs {
		rows = append(rows, []string{strconv.Itoa(fe.Step), fe.Field, fe.Code, fe.Message})
	}

	printTable(cc.Out, []string{"STEP", "FIELD", "CODE", "MESSAGE"}, rows)

	return fmt.Errorf("%d field(s) failed validation", len(verrs))
}

func printFields(cc *CLIContext, fields map[string]any) {
	names := slices.Sorted(maps.Keys(fields))

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, formatValue(fields[name])})
	}

	printTable(cc.Out, []string{"FIELD", "VALUE"}, rows)
}
