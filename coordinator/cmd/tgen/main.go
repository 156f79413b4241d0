package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/tgen/common/go/logging"
	"github.com/yanet-platform/tgen/common/go/xcmd"
	"github.com/yanet-platform/tgen/coordinator"
	"github.com/yanet-platform/tgen/coordinator/internal/version"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Output overrides the configured pcap output.
	Output string
	// Duration overrides the configured run duration.
	Duration time.Duration
	// Realtime paces packets by the wall clock.
	Realtime bool
	// Select overrides the configured stream selection.
	Select []string
}

var rootCmd = &cobra.Command{
	Use:     "tgen",
	Short:   "Stateless traffic generator",
	Version: version.Version(),
	Run: func(rawCmd *cobra.Command, _ []string) {
		if err := run(rawCmd, cmd); err != nil {
			if xcmd.IsInterrupted(err) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().StringVarP(&cmd.Output, "output", "o", "", "Write transmitted packets to this pcap file")
	rootCmd.Flags().DurationVarP(&cmd.Duration, "duration", "d", 0, "Stop every port after this time")
	rootCmd.Flags().BoolVar(&cmd.Realtime, "realtime", false, "Pace packets by the wall clock")
	rootCmd.Flags().StringSliceVar(&cmd.Select, "select", nil, "Glob patterns of the streams to transmit")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(rawCmd *cobra.Command, cmd Cmd) error {
	cfg, err := coordinator.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := rawCmd.Flags()
	if flags.Changed("output") {
		cfg.Output = cmd.Output
	}
	if flags.Changed("duration") {
		cfg.Duration = cmd.Duration
	}
	if cmd.Realtime {
		cfg.Clock = coordinator.ClockRealtime
	}
	if flags.Changed("select") {
		cfg.Profile.Select = cmd.Select
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	c, err := coordinator.NewCoordinator(cfg, coordinator.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize coordinator: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		// The run is over when the traffic is.
		defer cancel()
		return c.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		if xcmd.IsInterrupted(err) {
			log.Infof("caught signal: %v", err)
			return err
		}
		return nil
	})

	return wg.Wait()
}
