package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proxy-lifecycle/pkg/database"
	"proxy-lifecycle/pkg/models"
	"proxy-lifecycle/pkg/recommend"
	"proxy-lifecycle/pkg/shard"
)

var (
	debugFlag  bool
	configFile string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "proxy-lifecycle",
	Short: "Manage pooled upstream proxies, device shards and failover",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool, quality scorer and failover monitor with a metrics endpoint",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, logger)
		if err != nil {
			logger.Error("Error initializing", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		if err := a.run(ctx); err != nil {
			logger.Error("Server stopped", "error", err)
			os.Exit(1)
		}
		logger.Info("Shut down cleanly")
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fill the pool from the configured providers once and print its stats",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := newApp(ctx, logger)
		if err != nil {
			logger.Error("Error initializing", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		added, err := a.pool.RefreshPool(ctx)
		if err != nil {
			logger.Error("Error refreshing pool", "error", err)
			os.Exit(1)
		}
		if _, err := a.scorer.CalculateAll(ctx); err != nil {
			logger.Warn("Error scoring pool", "error", err)
		}
		logger.Info("Pool refreshed", "added", added)
		printJSON(a.pool.Stats())
	},
}

var recommendCmd = &cobra.Command{
	Use:   "recommend [country] [target-url]",
	Short: "Fill the pool and print the best proxies for a target",
	Args:  cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, err := newApp(ctx, logger)
		if err != nil {
			logger.Error("Error initializing", "error", err)
			os.Exit(1)
		}
		defer a.Close()

		req := recommend.Request{}
		if len(args) > 0 {
			req.TargetCountry = args[0]
		}
		if len(args) > 1 {
			req.TargetURL = args[1]
		}
		req.DeviceID, _ = cmd.Flags().GetString("device")
		req.Requirements.MaxLatencyMs, _ = cmd.Flags().GetFloat64("max-latency")
		req.Requirements.MaxCostPerGB, _ = cmd.Flags().GetFloat64("max-cost")

		if _, err := a.pool.RefreshPool(ctx); err != nil {
			logger.Error("Error refreshing pool", "error", err)
			os.Exit(1)
		}
		if _, err := a.scorer.CalculateAll(ctx); err != nil {
			logger.Warn("Error scoring pool", "error", err)
		}
		res, err := a.engine.Recommend(ctx, req)
		if err != nil {
			logger.Error("Error recommending", "error", err)
			os.Exit(1)
		}
		printJSON(res)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print recorded proxy usage and failover history",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s, err := loadSettings()
		if err != nil {
			logger.Error("Error loading config", "error", err)
			os.Exit(1)
		}
		db, err := openDB(s)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		window, _ := cmd.Flags().GetDuration("since")
		since := time.Now().Add(-window)
		usage, err := db.UsageSince(ctx, since)
		if err != nil {
			logger.Error("Error reading usage", "error", err)
			os.Exit(1)
		}
		failovers, err := db.ListFailovers(ctx, models.FailoverFilter{Since: since, Limit: 100})
		if err != nil {
			logger.Error("Error reading failover history", "error", err)
			os.Exit(1)
		}
		printJSON(struct {
			Since     time.Time                  `json:"since"`
			Usage     []database.UsageSummary    `json:"usage"`
			Failovers []*models.FailoverHistory `json:"failovers"`
		}{since, usage, failovers})
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the database tables",
	Run: func(cmd *cobra.Command, args []string) {
		s, err := loadSettings()
		if err != nil {
			logger.Error("Error loading config", "error", err)
			os.Exit(1)
		}
		db, err := openDB(s)
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		db.Close()
		logger.Info("Database schema initialized", "driver", s.Database.Driver)
	},
}

var shardsCmd = &cobra.Command{
	Use:   "shards",
	Short: "Print utilization of the sharded device pool",
	Run: func(cmd *cobra.Command, args []string) {
		withShards(func(ctx context.Context, m *shard.Manager) error {
			gs, err := m.GlobalStats(ctx)
			if err != nil {
				return err
			}
			printJSON(gs)
			return nil
		})
	},
}

var addDeviceCmd = &cobra.Command{
	Use:     "add-device [device-id] [device-group]",
	Short:   "Register a device in the shard that owns its group",
	Example: "shards add-device phone-0042 rack-A --region cn-north --tags android,5g",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		region, _ := cmd.Flags().GetString("region")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		withShards(func(ctx context.Context, m *shard.Manager) error {
			d, err := m.AddDevice(ctx, models.Device{ID: args[0], DeviceGroup: args[1], Region: region, Tags: tags})
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		})
	},
}

var allocateCmd = &cobra.Command{
	Use:   "allocate [user-id] [min-health]",
	Short: "Allocate an available device to a user",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		req := shard.AllocationRequest{UserID: args[0]}
		if len(args) > 1 {
			minHealth, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				logger.Error("Invalid min-health value", "error", err)
				os.Exit(1)
			}
			req.MinHealthScore = minHealth
		}
		req.DeviceGroup, _ = cmd.Flags().GetString("group")
		req.PreferredRegion, _ = cmd.Flags().GetString("region")
		req.Tags, _ = cmd.Flags().GetStringSlice("tags")
		if s, _ := cmd.Flags().GetString("strategy"); s != "" {
			st, err := shard.ParseStrategy(s)
			if err != nil {
				logger.Error("Invalid strategy", "error", err)
				os.Exit(1)
			}
			req.Strategy = st
		}
		withShards(func(ctx context.Context, m *shard.Manager) error {
			d, err := m.AllocateDevice(ctx, req)
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		})
	},
}

var releaseDeviceCmd = &cobra.Command{
	Use:   "release [device-id]",
	Short: "Return an allocated device to its shard",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withShards(func(ctx context.Context, m *shard.Manager) error {
			d, err := m.ReleaseDevice(ctx, args[0])
			if err != nil {
				return err
			}
			printJSON(d)
			return nil
		})
	},
}

// withShards opens only the KV store, which is all the shard commands need.
func withShards(fn func(ctx context.Context, m *shard.Manager) error) {
	s, err := loadSettings()
	if err != nil {
		logger.Error("Error loading config", "error", err)
		os.Exit(1)
	}
	kv, m, err := openShards(s, logger)
	if err != nil {
		logger.Error("Error opening shard store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	if err := fn(context.Background(), m); err != nil {
		logger.Error("Shard command failed", "error", err)
		kv.Close()
		os.Exit(1)
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logger.Error("Error encoding output", "error", err)
		return
	}
	fmt.Println(string(out))
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default is ./config.yaml)")

	recommendCmd.Flags().String("device", "", "Device the recommendation is for")
	recommendCmd.Flags().Float64("max-latency", 0, "Latency budget in ms")
	recommendCmd.Flags().Float64("max-cost", 0, "Cost budget in USD per GB")
	statsCmd.Flags().Duration("since", 24*time.Hour, "How far back to report")
	addDeviceCmd.Flags().String("region", "", "Device region")
	addDeviceCmd.Flags().StringSlice("tags", nil, "Device tags")
	allocateCmd.Flags().String("group", "", "Restrict to the shard owning this device group")
	allocateCmd.Flags().String("region", "", "Preferred region")
	allocateCmd.Flags().StringSlice("tags", nil, "Required device tags")
	allocateCmd.Flags().String("strategy", "", "least_used, round_robin or random")

	shardsCmd.AddCommand(addDeviceCmd, allocateCmd, releaseDeviceCmd)
	rootCmd.AddCommand(serveCmd, refreshCmd, recommendCmd, statsCmd, initDBCmd, shardsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
