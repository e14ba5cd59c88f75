package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	appsvc "github.com/mohammed-shakir/backoffice-sync/internal/app"
	"github.com/mohammed-shakir/backoffice-sync/internal/auth"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/config"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync layer with its local HTTP surface",
		Long: `Run the sync layer: session, retry coordinator, query cache, poller and
the configured invalidation bus, plus /healthz, /readyz, /metrics and the
/v1 debug API. Configuration comes from the environment (API_BASE_URL,
TENANT_ID, INVALIDATION_DRIVER, ...). ACCESS_TOKEN and REFRESH_TOKEN seed
the session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromEnv()
			if addr != "" {
				cfg.Addr = addr
			}
			return a.serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides ADDR)")
	return cmd
}

func (a *app) serve(ctx context.Context, cfg config.Config) error {
	log := a.logger("syncd")
	sess := auth.Session{
		AccessToken:  getenv("ACCESS_TOKEN", ""),
		RefreshToken: getenv("REFRESH_TOKEN", ""),
	}
	if exp, ok := auth.ExpiryFromToken(sess.AccessToken); ok {
		sess.ExpiresAt = exp
	}

	s, err := appsvc.New(ctx, cfg, log, appsvc.Options{Session: sess, Build: buildInfo()})
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			log.Warn("shutdown", "err", cerr)
		}
	}()
	if err := s.Start(ctx); err != nil {
		return err
	}

	log.Info("starting syncd",
		"addr", cfg.Addr,
		"version", Version,
		"base_url", cfg.BaseURL,
		"tenant", cfg.TenantID)

	if err := server.Run(ctx, cfg.Addr, log, s.Handler()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("syncd stopped")
	return nil
}
