package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"wildcam/cmd"
	"wildcam/processing/detector"
)

func main() {
	if err := cmd.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		var cfgErr *detector.ConfigurationError
		if errors.As(err, &cfgErr) {
			slog.Error("detection service unavailable", "host", cfgErr.Host, "error", cfgErr.Err)
		} else {
			slog.Error("wildcam failed", "error", err)
		}
		os.Exit(1)
	}
}
