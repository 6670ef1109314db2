package cmd

import (
	"context"
	"fmt"
	"time"

	"wildcam/internal/logging"
	"wildcam/processing/capture"
	"wildcam/processing/detector"
	"wildcam/processing/stream"

	"github.com/spf13/cobra"
)

const inspectTimeout = 30 * time.Second

// CreateInspectCmd creates the inspect command, which opens a source and reads
// a single frame without contacting the detector.
func CreateInspectCmd(flags *Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <source|url|path>",
		Short: "Open a source and report its first frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.LoadConfig(cmd)
			if err != nil {
				return err
			}

			desc, err := ResolveSource(stream.NewCatalog(cfg.GetStreams()), args[0])
			if err != nil {
				return err
			}

			opts := ffmpegOptions(cfg)
			timeout := 2 * opts.OpenTimeout
			if timeout <= 0 {
				timeout = inspectTimeout
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			src := capture.NewFrameSource(desc, capture.NewOpener(opts),
				capture.WithLogger(logging.GetLogger("capture")),
			)
			defer src.Close()

			if err := src.Open(ctx); err != nil {
				return err
			}
			frame, err := src.ReadNext(ctx)
			if err != nil {
				return fmt.Errorf("failed to read first frame: %w", err)
			}

			maxW, maxH := cfg.GetDisplayBounds()
			w, h := detector.ScaleToFit(frame.Width(), frame.Height(), maxW, maxH)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source:    %s\n", desc)
			fmt.Fprintf(out, "locator:   %s\n", desc.Locator)
			fmt.Fprintf(out, "frame:     %dx%d\n", frame.Width(), frame.Height())
			fmt.Fprintf(out, "displayed: %dx%d\n", w, h)
			return nil
		},
	}

	return cmd
}
