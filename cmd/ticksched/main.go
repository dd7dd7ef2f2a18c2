// ticksched boots the kernel on a wall-clock tick and runs the socket-layer
// workload on it until every frame is delivered.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtkern/internal/job"
	"rtkern/internal/kernel"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	logger *zap.Logger

	cfgPath     string
	csvPath     string
	maxTicks    uint64
	verbose     bool
	frames      int
	connections int
	queueDepth  int
	period      int
)

var rootCmd = &cobra.Command{
	Use:   "ticksched",
	Short: "Run the socket workload on the tick-driven kernel",
	Long: `ticksched starts the kernel with the configuration in --config, drives it
from a wall-clock tick and runs a socket receive path on it: a timer posts
frames into a message queue and tasks drain them into a connection table.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yml", "kernel configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().StringVar(&csvPath, "csv", "", "write scheduler events to this CSV file")
	rootCmd.Flags().Uint64Var(&maxTicks, "ticks", 0, "stop after this many ticks (0 = run to completion)")

	def := job.DefaultSocketConfig()
	rootCmd.Flags().IntVar(&frames, "frames", def.Frames, "frames to post")
	rootCmd.Flags().IntVar(&connections, "connections", def.Connections, "rows in the connection table")
	rootCmd.Flags().IntVar(&queueDepth, "queue-depth", def.QueueDepth, "receive queue capacity in frames")
	rootCmd.Flags().IntVar(&period, "period", int(def.Period), "ticks between posted frames")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := kernel.Load(cfgPath)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", zap.String("path", cfgPath), zap.Any("config", cfg))

	k, err := kernel.New(cfg, kernel.WithLogger(logger))
	if err != nil {
		return err
	}
	defer k.Shutdown()
	if csvPath != "" {
		if err := k.EnableCSVTrace(csvPath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sock, err := job.NewSocket(ctx, k, job.SocketConfig{
		Connections: connections,
		Frames:      frames,
		Period:      kernel.Ticks(period),
		QueueDepth:  queueDepth,
	}, logger)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return k.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return watch(gctx, k, sock)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case <-sock.Done():
	default:
		return fmt.Errorf("stopped after %d ticks before the workload finished", k.Ticks())
	}
	res := sock.Result()
	fmt.Fprintf(cmd.OutOrStdout(), "kernel %s: %d ticks (%d overrun), %d posted, %d dropped, %d received\n",
		k.ID(), k.Ticks(), k.Overruns(), res.Posted, res.Dropped, res.Received)
	for i, c := range res.Conns {
		fmt.Fprintf(cmd.OutOrStdout(), "  conn %d: %d frames, %d bytes\n", i, c.Frames, c.Bytes)
	}
	return nil
}

// watch returns once the workload is done, the tick limit is hit or ctx is
// cancelled.
func watch(ctx context.Context, k *kernel.Kernel, sock *job.Socket) error {
	poll := time.NewTicker(time.Duration(k.Config().TickMS) * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-sock.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-poll.C:
			if maxTicks > 0 && k.Ticks() >= maxTicks {
				logger.Warn("tick limit reached", zap.Uint64("ticks", k.Ticks()))
				return nil
			}
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
