package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/windkeeper/windkeeper/internal/companion"
	"github.com/windkeeper/windkeeper/internal/config"
	"github.com/windkeeper/windkeeper/internal/pressure"
	"github.com/windkeeper/windkeeper/internal/storage"
	"github.com/windkeeper/windkeeper/internal/storage/bolt"
)

var statusArchived bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live companion and its pressure",
	Long: `Show the live companion, its current pressure, lifecycle stage, and any
active break, read directly from the local store. Requires the daemon to be
stopped or the store to be unlocked.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusArchived, "archived", false, "Also list archived companions")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := bolt.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store (is the daemon running?): %w", err)
	}
	defer store.Close()

	loc := time.Local
	if cfg.Engine.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Engine.Timezone); err == nil {
			loc = l
		}
	}

	ctx := context.Background()
	rec, err := store.Companions().GetLive(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintln(os.Stdout, "No live companion.")
		return listArchived(ctx, store)
	}
	if err != nil {
		return err
	}

	now := time.Now().In(loc)
	preset := presetFor(cfg, rec.PresetID)
	th := companion.Thresholds{
		ThrivingBelow: cfg.Lifecycle.ThrivingBelow,
		BreezyBelow:   cfg.Lifecycle.BreezyBelow,
		StressedBelow: cfg.Lifecycle.StressedBelow,
	}

	p := rec.EffectivePressure(preset, now)
	stage := rec.Stage(preset, th, now)

	bold := color.New(color.Bold)
	bold.Fprintf(os.Stdout, "%s\n", rec.Name)
	fmt.Fprintf(os.Stdout, "  id:       %s\n", rec.ID)
	fmt.Fprintf(os.Stdout, "  preset:   %s\n", rec.PresetID)
	fmt.Fprintf(os.Stdout, "  day:      %s\n", rec.CurrentDay)
	fmt.Fprintf(os.Stdout, "  age:      %s\n", rec.Age(now).Round(time.Hour))

	pressureColor(p).Fprintf(os.Stdout, "  pressure: %.1f\n", p)
	stageColor(stage).Fprintf(os.Stdout, "  stage:    %s\n", stage)

	if rec.Lost {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stdout, "  LOST: %s (at %s)\n", rec.LostReason, rec.LostAt.In(loc).Format(time.RFC1123))
	}

	if b := rec.ActiveBreak; b != nil {
		fmt.Fprintf(os.Stdout, "  break:    %s (since %s)\n", b.Kind, b.ActivatedAt.In(loc).Format("15:04"))
		if end, ok := b.NaturalEnd(loc); ok {
			fmt.Fprintf(os.Stdout, "            ends %s\n", end.In(loc).Format("15:04"))
		}
	}

	if len(rec.DailyStats) > 0 {
		fmt.Fprintln(os.Stdout, "  recent days:")
		stats := rec.DailyStats
		if len(stats) > 7 {
			stats = stats[len(stats)-7:]
		}
		for _, s := range stats {
			fmt.Fprintf(os.Stdout, "    %s  %s\n", s.Date, (time.Duration(s.TotalSeconds) * time.Second).Round(time.Minute))
		}
	}

	if statusArchived {
		return listArchived(ctx, store)
	}
	return nil
}

func listArchived(ctx context.Context, store storage.Store) error {
	if !statusArchived {
		return nil
	}
	archived, err := store.Companions().ListArchived(ctx)
	if err != nil {
		return err
	}
	if len(archived) == 0 {
		fmt.Fprintln(os.Stdout, "No archived companions.")
		return nil
	}
	fmt.Fprintln(os.Stdout, "\nArchived companions:")
	for _, a := range archived {
		fmt.Fprintf(os.Stdout, "  %s  %-20s lost %s (%s)\n", a.ID, a.Name, a.LostAt.Format("2006-01-02"), a.Reason)
	}
	return nil
}

// presetFor resolves a preset from the catalog, falling back to the default.
func presetFor(cfg *config.Config, id string) pressure.Preset {
	pc, ok := cfg.Presets.Catalog[id]
	if !ok {
		id = cfg.Presets.Default
		pc = cfg.Presets.Catalog[id]
	}
	return pressure.Preset{
		ID:                id,
		Name:              pc.Name,
		MinutesToBlowAway: pc.MinutesToBlowAway,
		FallRatePerMinute: pc.FallRatePerMinute,
		Baseline:          pc.Baseline,
	}
}

func pressureColor(p float64) *color.Color {
	switch {
	case p < 50:
		return color.New(color.FgGreen)
	case p < 80:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func stageColor(s companion.Stage) *color.Color {
	switch s {
	case companion.StageThriving:
		return color.New(color.FgGreen, color.Bold)
	case companion.StageBreezy:
		return color.New(color.FgGreen)
	case companion.StageStressed:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
