package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-ledger/api"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
	"github.com/frahmantamala/payment-ledger/internal/reconciliation"
	"github.com/frahmantamala/payment-ledger/internal/transport"
	"github.com/frahmantamala/payment-ledger/internal/transport/middleware"
	"github.com/frahmantamala/payment-ledger/internal/transport/rest"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for payments, refunds, provider webhooks and reconciliation`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

var withScheduler bool

func startHTTPServer() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	router, err := setupRoutes(deps)
	if err != nil {
		deps.Close()
		fmt.Fprintf(os.Stderr, "Failed to set up routes: %v\n", err)
		os.Exit(1)
	}

	if withScheduler && deps.Config.Reconciliation.Enabled {
		go deps.Scheduler.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	slog.Info("Starting HTTP server", "address", addr, "providers", deps.Gateways.Names())

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	deps.Close()
	slog.Info("Server stopped")
}

func setupRoutes(deps *Dependencies) (*chi.Mux, error) {
	validator, err := middleware.NewOpenAPIValidator(api.OpenAPISpec, deps.Logger)
	if err != nil {
		return nil, err
	}

	base := transport.NewBaseHandler(deps.Logger)
	paymentHandler := paymentpkg.NewHandler(base, deps.Service, deps.Logger)
	webhookHandler := paymentpkg.NewWebhookHandler(base, deps.Ingestor, deps.Logger)
	reconciliationHandler := reconciliation.NewHandler(base, deps.Scheduler, deps.Store.Audit(), deps.Reports, deps.Logger)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.RouterConfig{
		AllowedOrigins: deps.Config.Server.AllowedOrigins,
		Validator:      validator,
		Health:         deps.healthChecks(),
	}, paymentHandler, webhookHandler, reconciliationHandler, deps.Logger)

	return router, nil
}

func init() {
	httpServerCmd.Flags().BoolVar(&withScheduler, "with-scheduler", false, "Also run scheduled reconciliation in this process")
}
