package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/daniel/storyweaver/internal/server"
	"github.com/daniel/storyweaver/internal/server/ratelimit"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes run management, template registration, event streaming and cache administration endpoints.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config.json file")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (defaults to :8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadCLIConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("addr") {
		cfg.ListenAddr = serveAddr
	}

	a, err := buildApp(context.Background(), cfg, true)
	if err != nil {
		return err
	}
	defer a.cleanup()

	srv := server.New(a.svc, a.logger, server.Config{
		Addr:      cfg.ListenAddr,
		RateLimit: ratelimit.DefaultConfig(),
	})
	return srv.Start()
}
