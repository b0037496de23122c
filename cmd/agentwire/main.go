package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/gateway"
	"github.com/agentwire/gateway/internal/logging"

	// Policy stages (auto-register)
	_ "github.com/agentwire/gateway/internal/policy/authn"
	_ "github.com/agentwire/gateway/internal/policy/authz"
	_ "github.com/agentwire/gateway/internal/policy/cors"
	_ "github.com/agentwire/gateway/internal/policy/promptguard"
	_ "github.com/agentwire/gateway/internal/policy/ratelimit"
	_ "github.com/agentwire/gateway/internal/policy/transform"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/agentwire.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentwire %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer func() {
		logger.Sync()
		if logCloser != nil {
			logCloser.Close()
		}
	}()

	logging.Info("starting agentwire",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("listeners", len(cfg.Listeners)),
		zap.Int("routes", len(cfg.Routes)),
	)

	server, err := gateway.NewServer(cfg, *configPath)
	if err != nil {
		logging.Error("failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
