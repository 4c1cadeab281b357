package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/target"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order/user service the built-in workload targets",
		Long: `Start the order/user HTTP service:

  GET  /api/v1/order      current order message
  POST /api/v1/user       create a user (name, email, age)
  GET  /api/v1/user/{id}  fetch a user
  GET  /api/v1/users      list users
  GET  /metrics           Prometheus metrics
  GET  /ping              heartbeat

Users are kept in memory unless --database-url points at PostgreSQL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, v.GetInt("port"), v.GetString("database-url"), slog.Default())
		},
	}

	cmd.Flags().Int("port", target.DefaultPort, "Port to listen on")
	cmd.Flags().String("database-url", "", "PostgreSQL connection string; in-memory store when empty")

	return cmd
}

func serve(ctx context.Context, port int, databaseURL string, logger *slog.Logger) error {
	store, err := openUserStore(ctx, databaseURL, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	router := target.NewRouter(target.Options{Store: store, Logger: logger})
	return target.Serve(ctx, target.NewHTTPServer(router, port), logger)
}

func openUserStore(ctx context.Context, databaseURL string, logger *slog.Logger) (target.Store, error) {
	if databaseURL == "" {
		logger.Info("using in-memory user store")
		return target.NewMemoryStore(), nil
	}

	pg, err := target.NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("using postgres user store")
	return pg, nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
