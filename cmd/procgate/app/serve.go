package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dmartinol/procgate/internal/config"
	"github.com/dmartinol/procgate/internal/gateway"
	"github.com/dmartinol/procgate/internal/mcp"
)

const defaultGracefulTimeout = 30 * time.Second

// ServeCmd returns the serve command for the gateway
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the procedure gateway",
		Long: `Start the multi-protocol procedure gateway. Declared procedures are
served over JSON-RPC 2.0 (POST /rpc) and MCP (POST /mcp), with an OpenRPC
discovery document at GET /rpc/discovery.

Transport modes:
- http: JSON-RPC and MCP over HTTP (default)
- stdio: MCP over standard input/output for direct client connections`,
		RunE: runServe,
	}

	cmd.Flags().String("address", config.DefaultAddress, "Address to listen on (HTTP mode)")
	cmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	cmd.Flags().String("transport", string(config.TransportHTTP), "Transport mode: http or stdio")

	_ = viper.BindPFlag("server.address", cmd.Flags().Lookup("address"))
	_ = viper.BindPFlag("config", cmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("server.transport", cmd.Flags().Lookup("transport"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var opts []config.Option
	if configPath := viper.GetString("config"); configPath != "" {
		opts = append(opts, config.WithConfigPath(configPath))
	}
	cfg, err := config.LoadConfig(opts...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cmd.Flags().Changed("address") {
		cfg.Server.Address = viper.GetString("server.address")
	}
	if cmd.Flags().Changed("transport") {
		cfg.Server.Transport = config.TransportMode(viper.GetString("server.transport"))
		if err := cfg.Server.Transport.Validate(); err != nil {
			return err
		}
	}

	builder := gateway.NewBuilder(cfg, logger)
	if err := registerBuiltins(builder); err != nil {
		return fmt.Errorf("failed to register built-in procedures: %w", err)
	}
	gw, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	logger.Info("gateway built",
		zap.String("transport", cfg.Server.Transport.String()),
		zap.Int("procedures", gw.Dispatcher().Snapshot().Procedures.Len()),
	)

	switch cfg.Server.Transport {
	case config.TransportStdio:
		return runStdioMode(ctx, gw, logger)
	case config.TransportHTTP:
		return runHTTPMode(ctx, gw, cfg, logger)
	default:
		return fmt.Errorf("unsupported transport mode: %s", cfg.Server.Transport)
	}
}

func runStdioMode(ctx context.Context, gw *gateway.Gateway, logger *zap.Logger) error {
	logger.Info("starting gateway in stdio mode")

	sdkServer, err := mcp.NewSDKServer(gw.MCP(), logger)
	if err != nil {
		return fmt.Errorf("failed to create stdio server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- sdkServer.Run(ctx, &sdkmcp.StdioTransport{})
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("stdio transport error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
		cancel()
		select {
		case err := <-errChan:
			return err
		case <-time.After(defaultGracefulTimeout):
			return fmt.Errorf("shutdown timeout exceeded")
		}
	}
}

func runHTTPMode(ctx context.Context, gw *gateway.Gateway, cfg *config.Config, logger *zap.Logger) error {
	address := cfg.Server.Address
	logger.Info("starting gateway in HTTP mode", zap.String("address", address))

	server := &http.Server{
		Addr:              address,
		Handler:           gw.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("address", address))
		serverErrors <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("received signal, shutting down gracefully", zap.Stringer("signal", sig))

		shutdownCtx, cancel := context.WithTimeout(ctx, defaultGracefulTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("gateway stopped gracefully")
		return nil
	}
}
