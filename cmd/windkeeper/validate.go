package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/windkeeper/windkeeper/internal/config"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Windkeeper configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the resolved configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		return err
	}

	fmt.Fprintf(os.Stdout, "Configuration is valid: %s\n", configPath)

	if validateDump {
		dumpConfig(cfg)
	}
	return nil
}

// dumpConfig prints the resolved configuration, secrets redacted.
func dumpConfig(cfg *config.Config) {
	section := color.New(color.FgCyan, color.Bold)

	section.Println("\n[storage]")
	fmt.Printf("  path = %s\n", cfg.Storage.Path)

	section.Println("\n[remote]")
	fmt.Printf("  enabled = %t\n", cfg.Remote.Enabled)
	fmt.Printf("  host = %s\n", cfg.Remote.Host)
	fmt.Printf("  port = %d\n", cfg.Remote.Port)
	fmt.Printf("  password = %s\n", redactPassword(cfg.Remote.Password))
	fmt.Printf("  db = %d\n", cfg.Remote.DB)
	fmt.Printf("  pool_size = %d\n", cfg.Remote.PoolSize)
	fmt.Printf("  dial_timeout = %s\n", cfg.Remote.DialTimeout)

	section.Println("\n[logging]")
	fmt.Printf("  level = %s\n", cfg.Logging.Level)
	fmt.Printf("  format = %s\n", cfg.Logging.Format)
	fmt.Printf("  event_retention_days = %d\n", cfg.Logging.EventRetentionDays)

	section.Println("\n[presets]")
	fmt.Printf("  default = %s\n", cfg.Presets.Default)
	ids := make([]string, 0, len(cfg.Presets.Catalog))
	for id := range cfg.Presets.Catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := cfg.Presets.Catalog[id]
		fmt.Printf("  %s: %q limit=%dm fall=%.1f/m baseline=%.1f\n",
			id, p.Name, p.MinutesToBlowAway, p.FallRatePerMinute, p.Baseline)
	}

	section.Println("\n[lifecycle]")
	fmt.Printf("  thriving_below = %.1f\n", cfg.Lifecycle.ThrivingBelow)
	fmt.Printf("  breezy_below = %.1f\n", cfg.Lifecycle.BreezyBelow)
	fmt.Printf("  stressed_below = %.1f\n", cfg.Lifecycle.StressedBelow)
	fmt.Printf("  safe_unlock_below = %.1f\n", cfg.Lifecycle.SafeUnlockBelow)
	fmt.Printf("  min_archive_age_days = %d\n", cfg.Lifecycle.MinArchiveAgeDays)
	fmt.Printf("  authorization_grace = %s\n", cfg.Lifecycle.AuthorizationGrace)

	section.Println("\n[engine]")
	fmt.Printf("  poll_interval = %s\n", cfg.Engine.PollInterval)
	fmt.Printf("  daily_reset_time = %s\n", cfg.Engine.DailyResetTime)
	fmt.Printf("  auto_lock_after_break = %t\n", cfg.Engine.AutoLockAfterBreak)
	fmt.Printf("  timezone = %s\n", cfg.Engine.Timezone)
	fmt.Printf("  user_id = %s\n", cfg.Engine.UserID)

	section.Println("\n[sync]")
	fmt.Printf("  min_interval = %s\n", cfg.Sync.MinInterval)
	fmt.Printf("  retry_attempts = %d\n", cfg.Sync.RetryAttempts)
	fmt.Printf("  timeout = %s\n", cfg.Sync.Timeout)

	section.Println("\n[metrics]")
	fmt.Printf("  enabled = %t\n", cfg.Metrics.Enabled)
	fmt.Printf("  bind_address = %s\n", cfg.Metrics.BindAddress)
	fmt.Printf("  port = %d\n", cfg.Metrics.Port)
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
