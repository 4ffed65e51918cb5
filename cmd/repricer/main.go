package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"repricer/internal/kernel"
	"repricer/pkg/config"
	"repricer/pkg/logx"
	"repricer/pkg/version"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config YAML (default: $CONFIG_PATH, then config.yaml)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Handle version flag
	if *showVersion {
		fmt.Printf("repricer %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	// Run main logic and get exit code so defers execute before os.Exit.
	os.Exit(run(resolveConfigPath(*configPath)))
}

// resolveConfigPath picks the config file: the -config flag, then the
// CONFIG_PATH environment variable, then config.yaml when it exists.
// An empty result runs on built-in defaults plus environment overrides.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

// run contains the main application logic and returns an exit code.
func run(configPath string) int {
	logger := logx.NewLogger("main")

	// Decrypt the secrets file if present (loads credentials into memory
	// before the LLM client asks for its API key).
	if err := handleSecretsDecryption("."); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load secrets: %v\n", err)
		return 1
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if configPath != "" {
		logger.Info("Loaded configuration from %s", configPath)
	} else {
		logger.Info("No config file found, running on defaults and environment overrides")
	}

	// Shut down cleanly on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	k, err := kernel.NewKernel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}

	if err := k.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}

	logger.Info("Repricing agent %s up: API on %s, %d targets per cycle",
		version.Version, cfg.Web.ListenAddr, len(cfg.CycleTargets()))
	if cfg.Agent.AutoStart {
		logger.Info("Auto start enabled, beginning pricing cycle")
	} else {
		logger.Info("Scheduler paused, POST /agent/start begins the cycle")
	}

	// Block until a shutdown signal arrives.
	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping services...")

	if err := k.Stop(); err != nil {
		logger.Error("Shutdown error: %v", err)
		return 1
	}

	logger.Info("Shutdown complete")
	return 0
}

// handleSecretsDecryption loads the encrypted secrets file into memory when
// one exists. The password comes from REPRICER_PASSWORD, or an interactive
// prompt when stdin is a terminal. A missing secrets file is not an error:
// credentials then come from environment variables.
func handleSecretsDecryption(baseDir string) error {
	if !config.SecretsFileExists(baseDir) {
		return nil
	}

	password := os.Getenv("REPRICER_PASSWORD")
	if password == "" {
		if !term.IsTerminal(int(syscall.Stdin)) {
			return errors.New("secrets file exists but REPRICER_PASSWORD is not set and stdin is not a terminal")
		}
		fmt.Print("Enter password for .repricer/secrets.json.enc: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // New line after password input
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(passwordBytes)
		for i := range passwordBytes {
			passwordBytes[i] = 0
		}
	}

	secrets, err := config.DecryptSecretsFile(baseDir, password)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	logx.NewLogger("main").Info("Loaded %d secrets from encrypted file", len(secrets))
	return nil
}
