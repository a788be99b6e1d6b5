package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/arkilian/tabledeck/internal/app"
	"github.com/arkilian/tabledeck/internal/config"
)

type serveFlags struct {
	configFile string
	envFile    string
	dataDir    string
	httpAddr   string
	grpcAddr   string
	noGRPC     bool
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation server",
		Long: `Run the generation server: REST API, websocket channel and gRPC service.

Configuration is layered: defaults, then the config file, then TABLEDECK_*
environment variables (a .env file is loaded first when present), then flags.`,
		Example: `  tabledeck serve --data-dir /data/tabledeck
  tabledeck serve --config /etc/tabledeck/config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			printBanner(cmd, cfg)
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "Environment file loaded before reading TABLEDECK_* variables")
	cmd.Flags().StringVar(&f.dataDir, "data-dir", "", "Base directory for all data files")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "HTTP address for the REST API and websocket channel")
	cmd.Flags().StringVar(&f.grpcAddr, "grpc-addr", "", "gRPC server address")
	cmd.Flags().BoolVar(&f.noGRPC, "no-grpc", false, "Disable the gRPC server")
	return cmd
}

// loadConfig loads configuration from file, environment and flags, in
// increasing priority.
func loadConfig(f serveFlags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if f.envFile != "" {
		// A missing .env file is not an error.
		_ = godotenv.Load(f.envFile)
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
	}
	if f.noGRPC {
		cfg.GRPC.Enabled = false
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	application, err := app.New(cfg)
	if err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		return err
	}
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		return err
	}
	return nil
}

func printBanner(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "tabledeck %s\n", version)
	fmt.Fprintf(out, "  data dir: %s\n", cfg.DataDir)
	fmt.Fprintf(out, "  http:     %s\n", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		fmt.Fprintf(out, "  grpc:     %s\n", cfg.GRPC.Addr)
	}
	fmt.Fprintf(out, "  storage:  %s\n", cfg.Storage.Type)
}
