package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wildcam/internal/events"
	"wildcam/internal/logging"
	"wildcam/processing/stream"

	"github.com/spf13/cobra"
)

// CreateWatchCmd creates the headless watch command.
func CreateWatchCmd(flags *Flags) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch <source|url|path>",
		Short: "Run detection on a source without a window",
		Long: `Runs the detection pipeline on a catalog stream, a stream URL or a local file and logs ` +
			`state changes and detections. Exits when the source ends, on error, or on interrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.LoadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.GetLogger("watch")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			rt, err := NewRuntime(ctx, cfg, flags.ConfigPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			desc, err := ResolveSource(rt.Controller.Catalog(), args[0])
			if err != nil {
				return err
			}

			finished := make(chan events.StateChangedEvent, 1)
			unsubState := rt.Bus.Subscribe(func(e events.StateChangedEvent) {
				logger.Info("state changed", "state", e.State, "source", e.Source, "message", e.Message, "generation", e.Generation)
				if e.State == stream.StateStopped.String() || e.State == stream.StateError.String() {
					select {
					case finished <- e:
					default:
					}
				}
			})
			defer unsubState()

			unsubFrames := rt.Bus.Subscribe(func(e events.FrameProcessedEvent) {
				if e.Failure != "" {
					logger.Warn("frame passed through", "seq", e.Seq, "failure", e.Failure)
					return
				}
				for _, d := range e.Detections {
					logger.Info("detection", "seq", e.Seq, "label", d.Label, "confidence", d.Confidence, "box", d.Box)
				}
			})
			defer unsubFrames()

			if err := rt.Controller.SwitchTo(ctx, desc); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return fmt.Errorf("failed to start %s: %w", desc.Name, err)
			}

			select {
			case <-ctx.Done():
				logger.Info("watch interrupted")
			case e := <-finished:
				if e.State == stream.StateError.String() {
					return errors.New(e.Message)
				}
			}

			stats := rt.Controller.Stats()
			logger.Info("watch finished", "published", stats.Published, "dropped", stats.Dropped)
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 runs until the source ends)")

	return cmd
}
