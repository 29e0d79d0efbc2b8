package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate/internal/auth"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/logging"
	"github.com/luciancaetano/kephasgate/internal/server"
	"github.com/luciancaetano/kephasgate/internal/version"
)

// Serve command flags
var (
	httpAddr string
	tcpAddr  string
	logLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP, WebSocket and TCP listeners",
	Long: `Start the server and block until SIGINT or SIGTERM.

WebSocket clients connect on the configured websocket path (default /ws). The
TCP listener only starts when a TCP address is configured.`,
	Example: `  # Start with defaults and a secret from the environment
  KEPHASGATE_AUTH_SECRET=change-me kephasgate serve

  # Start with a config file and a TCP listener
  kephasgate serve --config kephasgate.yaml --tcp :9000

  # Debug logging on a custom port
  kephasgate serve --http :8081 --log-level debug`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides server.http_addr)")
	serveCmd.Flags().StringVar(&tcpAddr, "tcp", "", "TCP listen address (overrides server.tcp_addr)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// loadConfig applies the file, the environment and the flags in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("http") {
		cfg.Server.HTTPAddr = httpAddr
	}
	if flags.Changed("tcp") {
		cfg.Server.TCPAddr = tcpAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("Kephasgate running", zap.String("version", version.Full()))

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// Token command flags
var (
	tokenSubject string
	tokenType    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token with the configured secret",
	Example: `  # Token for a known user id
  kephasgate token --sub 6f1c1f9e-3c53-4f43-9a51-0f1f6c6b8e7a

  # Short-lived service token
  kephasgate token --sub 6f1c1f9e-3c53-4f43-9a51-0f1f6c6b8e7a --type service --ttl 1h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "sub", "", "Subject identity id (uuid, random when empty)")
	tokenCmd.Flags().StringVar(&tokenType, "type", "user", "Identity type")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (set KEPHASGATE_AUTH_SECRET or use --config)")
	}

	id := uuid.New()
	if tokenSubject != "" {
		id, err = uuid.Parse(tokenSubject)
		if err != nil {
			return fmt.Errorf("invalid --sub: %w", err)
		}
	}

	ttl := cfg.Auth.TokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}

	a, err := auth.New([]byte(cfg.Auth.Secret), auth.WithTTL(ttl))
	if err != nil {
		return err
	}
	token, err := a.ToBearer(id, tokenType)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the file and environment overrides are applied.
Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Auth.Secret != "" {
			cfg.Auth.Secret = "********"
		}
		if cfg.Redis.Password != "" {
			cfg.Redis.Password = "********"
		}

		data, err := cfg.Encode()
		if err != nil {
			return err
		}
		cmd.OutOrStdout().Write(data)

		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nWarning: %v\n", err)
		}
		return nil
	},
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kephasgate %s\n", version.Full())
	},
}
