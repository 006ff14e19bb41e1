package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/coordinator"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/recon"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/secret"
	"github.com/huxaifamora-cell/BFA-copy-trading/internal/store/postgres"
	"github.com/huxaifamora-cell/BFA-copy-trading/pkg/conn"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Server == nil {
		return fmt.Errorf("config has no server section; run 'copytraded init' and fill it in")
	}
	sc := cfg.Server

	client, err := conn.New(conn.Option{
		Host:     sc.Postgres.Host,
		Port:     sc.Postgres.Port,
		User:     sc.Postgres.User,
		Password: sc.Postgres.Password,
		Database: sc.Postgres.Database,
		SSLMode:  sc.Postgres.SSLMode,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer client.Close()

	st, err := postgres.New(client.DB())
	if err != nil {
		return fmt.Errorf("preparing store: %w", err)
	}

	cipher, err := secret.NewAESGCM(sc.CipherKey)
	if err != nil {
		return fmt.Errorf("loading cipher key: %w", err)
	}

	engine := recon.New(st, sc.Freshness(), logger)
	server := coordinator.New(st, engine, cipher, coordinator.Options{
		AgentSecret:     sc.SharedSecret,
		PushBaseURL:     sc.PushBaseURL,
		HeartbeatWindow: sc.HeartbeatWindow(),
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, sc.ListenAddr)
}
