package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/backoffice-sync/internal/timerange"
)

type rangeOut struct {
	Preset string `json:"preset"`
	Label  string `json:"label"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

func newResolveCmd(a *app) *cobra.Command {
	var at, tz, from, to string
	cmd := &cobra.Command{
		Use:   "resolve <preset>",
		Short: "Print the date range a preset resolves to",
		Example: `  syncd resolve lastMonth
  syncd resolve thisWeek --at 2026-05-14T10:30:00Z --tz Europe/Stockholm
  syncd resolve custom --from 2026-05-01T00:00:00Z --to 2026-05-07T23:59:59Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := timerange.ParsePreset(args[0])
			if err != nil {
				return err
			}
			var r timerange.Range
			if p == timerange.Custom {
				r, err = resolveCustom(from, to)
			} else {
				var now time.Time
				now, err = anchor(at, tz)
				if err == nil {
					r, err = timerange.Resolve(p, now)
				}
			}
			if err != nil {
				return err
			}
			return a.printJSON(rangeOut{
				Preset: string(p),
				Label:  r.Label,
				Start:  r.Start.Format(time.RFC3339Nano),
				End:    r.End.Format(time.RFC3339Nano),
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference time, RFC3339 (default now)")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA time zone for calendar boundaries (default local)")
	cmd.Flags().StringVar(&from, "from", "", "custom range start, RFC3339")
	cmd.Flags().StringVar(&to, "to", "", "custom range end, RFC3339")
	return cmd
}

func newPresetsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the supported presets",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, p := range timerange.Presets() {
				if _, err := fmt.Fprintln(a.stdout, p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func anchor(at, tz string) (time.Time, error) {
	now := time.Now()
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("--at: %w", err)
		}
		now = t
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("--tz: %w", err)
		}
		now = now.In(loc)
	}
	return now, nil
}

func resolveCustom(from, to string) (timerange.Range, error) {
	if from == "" || to == "" {
		return timerange.Range{}, fmt.Errorf("custom needs --from and --to")
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return timerange.Range{}, fmt.Errorf("--from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return timerange.Range{}, fmt.Errorf("--to: %w", err)
	}
	return timerange.ResolveCustom(start, end)
}
