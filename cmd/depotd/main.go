package main

import (
	"log/slog"
	"os"

	"github.com/InsulaLabs/depot/runtime"
)

func main() {
	// The default config file path can be set here.
	// The runtime handles flag parsing for a --config override.
	rt, err := runtime.New(os.Args[1:], "cluster.yaml")
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}

	rt.Wait()
	slog.Info("Application exiting.")
}
