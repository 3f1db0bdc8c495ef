// Package main is the entry point for the avagate API gateway.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting avagate",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("routes", len(cfg.Routes)),
		observability.Int("services", len(cfg.Services)),
	)

	fx.New(appOptions(cfg, flags.configPath, logger)).Run()
}

// parseFlags parses command line flags. Environment variables supply the
// defaults.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("avagate", flag.ExitOnError)
	configPath := fs.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the config file")
	logFormat := fs.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", ""),
		"Log format (json, console); overrides the config file")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func printVersion() {
	fmt.Printf("avagate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig reads the file and applies log flag overrides.
func loadConfig(flags cliFlags) (*config.GatewayConfig, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Logging.Format = flags.logFormat
	}
	return cfg, nil
}

func initLogger(cfg *config.GatewayConfig) (observability.Logger, error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, err
	}
	observability.SetGlobalLogger(logger)
	return logger, nil
}
