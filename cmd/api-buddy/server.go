package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apibuddy/api-buddy/internal/config"
	"github.com/apibuddy/api-buddy/internal/logging"
	"github.com/apibuddy/api-buddy/internal/server"
)

var (
	serverConfigPath string
	serverEnvFile    string
	serverAddr       string
	serverDBPath     string
	serverLogLevel   string
	serverLogFile    string
	debugMode        bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the api-buddy proxy server",
	Long:  `Start the proxy server with the given configuration file, environment, and flag overrides.`,
	Run:   runServer,
}

func init() {
	serverCmd.Flags().StringVarP(&serverConfigPath, "config", "c", config.EnvOrDefault("API_BUDDY_CONFIG", ""), "Path to JSON or YAML config file")
	serverCmd.Flags().StringVar(&serverEnvFile, "env", config.EnvOrDefault("ENV", ".env"), "Path to .env file")
	serverCmd.Flags().StringVar(&serverAddr, "addr", "", "Listen address host:port (overrides config)")
	serverCmd.Flags().StringVar(&serverDBPath, "db", "", "Path to SQLite cache database (overrides config)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", "", "Path to log file (overrides config, default: stdout)")
	serverCmd.Flags().BoolVarP(&debugMode, "debug", "v", config.EnvBoolOrDefault("DEBUG", false), "Enable debug logging (overrides log-level)")
}

// loadServerConfig resolves the effective configuration: file, then
// environment, then flags, strongest last.
func loadServerConfig() (*config.Config, error) {
	cfg := config.Default()
	if serverConfigPath != "" {
		loaded, err := config.Load(serverConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if serverAddr != "" {
		host, port, err := net.SplitHostPort(serverAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr %q: %w", serverAddr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid --addr port %q: %w", port, err)
		}
		if host != "" {
			cfg.Server.Host = host
		}
		cfg.Server.Port = p
	}
	if serverDBPath != "" {
		cfg.Cache.DatabasePath = serverDBPath
	}
	if serverLogLevel != "" {
		cfg.Logging.Level = serverLogLevel
	}
	if debugMode {
		cfg.Logging.Level = "debug"
	}
	if serverLogFile != "" {
		cfg.Logging.File = serverLogFile
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) {
	if _, err := os.Stat(serverEnvFile); err == nil {
		if err := godotenv.Load(serverEnvFile); err != nil {
			fmt.Printf("Warning: error loading %s file: %v\n", serverEnvFile, err)
		}
	}

	cfg, err := loadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	s, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}

	// Surface a generated secret; it exists nowhere else.
	if cfg.Security.RequireSecureKey && cfg.Security.SecureKey == "" {
		fmt.Printf("Generated secure key: %s\n", s.SecureKey())
		fmt.Println("Pass it via the request path, the key query parameter, the X-API-Buddy-Key header, or a bearer token.")
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	case sig := <-done:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
			osExit(1)
		}
	}
}
