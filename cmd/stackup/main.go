package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("stackup %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	// Setup logger
	logger := SetupLogger(cfg)
	logger.Info("starting stackup",
		"version", Version,
		"config", *configPath,
		"services", len(cfg.Services),
	)

	stack, err := NewStack(cfg, logger)
	if err != nil {
		logger.Error("failed to create stack", "error", err)
		return exitCode(err)
	}
	defer stack.Close()

	if err := stack.Run(context.Background()); err != nil {
		logger.Error("stack error", "error", err)
		return exitCode(err)
	}

	return ExitSuccess
}
