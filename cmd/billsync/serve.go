package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billsync/pkg/api"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook, billing and admin endpoints",
	Long: `Serve the webhook, billing and admin endpoints.

The user id of every billing and admin request is read from the header named
by BILLSYNC_USER_ID_HEADER (default X-User-ID) without verification. Run serve
behind an authenticating proxy that sets this header and strips it from client
requests; otherwise anyone can act as any user, including the ADMIN_USERS
allowed to trigger poll sweeps. Only /webhooks/stripe, which checks the
provider signature, is safe to expose directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		zl := newLogger(cfg.LogLevel, cfg.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		a, err := buildApp(ctx, cfg, zl, reg)
		if err != nil {
			return err
		}
		defer a.Close()

		handler, err := api.NewHandler(api.Config{
			Manager:         a.manager,
			GetUserID:       api.FromHeader(cfg.UserIDHeader),
			PortalReturnURL: cfg.PortalURL,
			Logger:          a.logger,
		})
		if err != nil {
			return configError(err)
		}

		return runServers(ctx, zl,
			&http.Server{Addr: cfg.HTTPAddr, Handler: newRouter(handler), ReadHeaderTimeout: 10 * time.Second},
			&http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 10 * time.Second},
		)
	},
}

func newRouter(h *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Mount("/", h.Routes())
	return r
}

// runServers serves until ctx is cancelled, then shuts every server down.
func runServers(ctx context.Context, zl zerolog.Logger, servers ...*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			zl.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err := g.Wait()
	zl.Info().Msg("shutdown complete")
	return err
}
