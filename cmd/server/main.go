package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gathering/server/internal/app"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gathering-server",
	Short: "Real-time presence fan-out server",
	Long: `gathering-server is a horizontally-scaled fan-out server in which every
connected client is an anonymous participant in a single shared global
state: a live count, an accumulated total of connection-seconds, a
historical peak, and the milestones the gathering has unlocked.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := app.ConfigFromEnv()

		flags := cmd.Flags()
		if flags.Changed("addr") {
			cfg.Addr, _ = flags.GetString("addr")
		}
		if flags.Changed("redis-url") {
			cfg.RedisURL, _ = flags.GetString("redis-url")
		}
		if flags.Changed("redis-pool-size") {
			cfg.RedisPoolSize, _ = flags.GetInt("redis-pool-size")
		}
		if flags.Changed("per-ip-per-minute") {
			cfg.ConnectionsPerIPPerMinute, _ = flags.GetInt("per-ip-per-minute")
		}
		if flags.Changed("global-per-second") {
			cfg.GlobalConnectionsPerSecond, _ = flags.GetInt("global-per-second")
		}
		if flags.Changed("max-global") {
			cfg.MaxGlobalConnections, _ = flags.GetInt64("max-global")
		}
		if flags.Changed("tick-leader") {
			cfg.TickLeader, _ = flags.GetBool("tick-leader")
		}
		if flags.Changed("trust-forwarded-for") {
			cfg.TrustForwardedFor, _ = flags.GetBool("trust-forwarded-for")
		}
		if flags.Changed("log-level") {
			cfg.LogLevel, _ = flags.GetString("log-level")
		}
		if flags.Changed("log-json") {
			cfg.LogJSON, _ = flags.GetBool("log-json")
		}

		return app.Run(context.Background(), cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8080", "bind address")
	flags.String("redis-url", "redis://localhost:6379", "store URL")
	flags.Int("redis-pool-size", 10, "store connection pool size")
	flags.Int("per-ip-per-minute", 60, "per-source admits per minute")
	flags.Int("global-per-second", 1000, "global admits per second")
	flags.Int64("max-global", 10_000_000, "hard cap on concurrent connections")
	flags.Bool("tick-leader", true, "run the cluster tick accumulator on this node")
	flags.Bool("trust-forwarded-for", false, "derive admission source from X-Forwarded-For")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", true, "log JSON instead of console output")
}
