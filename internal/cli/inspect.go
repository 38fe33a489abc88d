package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/rideon/internal/ir"
	"github.com/roach88/rideon/internal/saga"
	"github.com/roach88/rideon/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	StoreFlags

	Entity string
}

// RecordView is the printable form of a stored visit record.
type RecordView struct {
	EntityID  string   `json:"entity_id"`
	State     string   `json:"state"`
	Status    string   `json:"status"`
	EnteredAt string   `json:"entered_at,omitempty"`
	LeftAt    string   `json:"left_at,omitempty"`
	Delivered []string `json:"delivered,omitempty"`
	Version   int64    `json:"version"`
	UpdatedAt string   `json:"updated_at,omitempty"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Records   []RecordView `json:"records"`
	Tombstone *bool        `json:"tombstone,omitempty"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show stored visit records",
		Long: `Show visit records held by the configured store.

Without --entity, lists the visits that completed but were never finalized
(the ones "rideon recover" would finish). With --entity, shows that entity's
record, if any, and whether it is currently tombstoned.

Examples:
  rideon inspect --db ./rideon.db
  rideon inspect --db ./rideon.db --entity badge-42 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	opts.StoreFlags.register(cmd)
	cmd.Flags().StringVarP(&opts.Entity, "entity", "e", "", "entity to look up")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions, opts.StoreFlags.apply)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	formatter.VerboseLog("Opening %s store", cfg.Store.Driver)
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer st.Close()

	if opts.Entity == "" {
		pending, err := st.Pending(ctx)
		if err != nil {
			return formatter.Fail(ExitFailure, ErrCodeStore, "failed to list pending visits", err)
		}
		result := InspectResult{Records: make([]RecordView, 0, len(pending))}
		for _, rec := range pending {
			result.Records = append(result.Records, recordView(rec))
		}
		return outputInspect(formatter, result)
	}

	id := ir.EntityID(opts.Entity)
	tombstoned, err := st.Has(ctx, id)
	if err != nil {
		return formatter.Fail(ExitFailure, ErrCodeStore, "failed to read tombstone", err)
	}

	result := InspectResult{Records: []RecordView{}, Tombstone: &tombstoned}
	rec, err := st.Load(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !tombstoned {
			msg := fmt.Sprintf("no record or tombstone for entity %q", opts.Entity)
			_ = formatter.Error(ErrCodeNotFound, msg, nil)
			return NewExitError(ExitFailure, msg)
		}
	case err != nil:
		return formatter.Fail(ExitFailure, ErrCodeStore, "failed to load record", err)
	default:
		result.Records = append(result.Records, recordView(rec))
	}

	return outputInspect(formatter, result)
}

func recordView(rec saga.VisitRecord) RecordView {
	v := RecordView{
		EntityID:  string(rec.EntityID),
		State:     rec.State.String(),
		Status:    rec.Status.String(),
		Delivered: rec.Delivered,
		Version:   rec.Version,
	}
	if !rec.EnteredAt.IsZero() {
		v.EnteredAt = ir.FormatTime(rec.EnteredAt)
	}
	if !rec.LeftAt.IsZero() {
		v.LeftAt = ir.FormatTime(rec.LeftAt)
	}
	if !rec.UpdatedAt.IsZero() {
		v.UpdatedAt = ir.FormatTime(rec.UpdatedAt)
	}
	return v
}

func outputInspect(f *OutputFormatter, result InspectResult) error {
	return f.Render(result, func(w io.Writer) error {
		if result.Tombstone != nil {
			fmt.Fprintf(w, "tombstone: %t\n", *result.Tombstone)
		}
		if len(result.Records) == 0 {
			fmt.Fprintln(w, "No records.")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTITY\tSTATE\tSTATUS\tENTERED\tLEFT\tDELIVERED\tVERSION")
		for _, r := range result.Records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%v\t%d\n",
				r.EntityID, r.State, r.Status, dash(r.EnteredAt), dash(r.LeftAt), r.Delivered, r.Version)
		}
		return tw.Flush()
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
