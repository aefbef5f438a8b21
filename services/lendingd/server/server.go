package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativecommon "senja/native/common"
	"senja/native/lending"
	"senja/observability"
	"senja/observability/metrics"
	"senja/services/lendingd/storage"
)

// History serves the audit trail kept by the journal.
type History interface {
	Liquidations(ctx context.Context, pool string, limit int) ([]storage.Liquidation, error)
	Activity(ctx context.Context, pool, account string, limit int) ([]storage.EventRecord, error)
	IntentHistory(ctx context.Context, intentID string) ([]storage.IntentAudit, error)
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	TLS           *tls.Config
	Auth          AuthConfig
	RateLimit     RateLimit
}

// Server exposes the lending engine over HTTP.
type Server struct {
	cfg     Config
	engine  *lending.Engine
	history History
	pauses  *nativecommon.Pauses
	logger  *slog.Logger
	auth    *Authenticator
	limiter *RateLimiter
	router  http.Handler
}

// New constructs the HTTP server. history and pauses are optional; without
// them the history and admin routes answer 404.
func New(cfg Config, engine *lending.Engine, history History, pauses *nativecommon.Pauses, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("lending engine required")
	}
	if len(cfg.Auth.HMACSecret) == 0 {
		return nil, fmt.Errorf("auth secret required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:     cfg,
		engine:  engine,
		history: history,
		pauses:  pauses,
		logger:  logger,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)

		api.Method(http.MethodGet, "/pools", s.instrument("pools.list", s.listPools))
		api.Method(http.MethodGet, "/pools/{pool}", s.instrument("pools.get", s.getPool))
		api.Method(http.MethodGet, "/pools/{pool}/positions/{account}", s.instrument("positions.get", s.getPosition))
		api.Method(http.MethodGet, "/pools/{pool}/supply/{account}", s.instrument("supply.get", s.getSupply))
		api.Method(http.MethodGet, "/pools/{pool}/bad-debt", s.instrument("pools.bad_debt", s.listBadDebt))
		api.Method(http.MethodGet, "/pools/{pool}/liquidations", s.instrument("pools.liquidations", s.listLiquidations))
		api.Method(http.MethodGet, "/accounts/{account}/activity", s.instrument("accounts.activity", s.listActivity))
		api.Method(http.MethodGet, "/balances/{token}/{account}", s.instrument("balances.get", s.getBalance))
		api.Method(http.MethodGet, "/intents", s.instrument("intents.list", s.listIntents))
		api.Method(http.MethodGet, "/intents/{id}", s.instrument("intents.get", s.getIntent))

		api.Group(func(write chi.Router) {
			write.Use(s.auth.Middleware(ScopeWrite))
			write.Method(http.MethodPost, "/pools/{pool}/supply", s.instrument("supply", s.supply))
			write.Method(http.MethodPost, "/pools/{pool}/withdraw", s.instrument("withdraw", s.withdraw))
			write.Method(http.MethodPost, "/pools/{pool}/collateral", s.instrument("collateral.supply", s.supplyCollateral))
			write.Method(http.MethodPost, "/pools/{pool}/collateral/withdraw", s.instrument("collateral.withdraw", s.withdrawCollateral))
			write.Method(http.MethodPost, "/pools/{pool}/borrow", s.instrument("borrow", s.borrow))
			write.Method(http.MethodPost, "/pools/{pool}/repay", s.instrument("repay", s.repay))
		})
		api.With(s.auth.Middleware(ScopeLiquidate)).Method(http.MethodPost, "/pools/{pool}/liquidate", s.instrument("liquidate", s.liquidate))
		api.Group(func(relay chi.Router) {
			relay.Use(s.auth.Middleware(ScopeRelay))
			relay.Method(http.MethodPost, "/intents/{id}/resolve", s.instrument("intents.resolve", s.resolveIntent))
			relay.Method(http.MethodPost, "/settlement/inbound", s.instrument("settlement.inbound", s.inbound))
		})
		api.With(s.auth.Middleware(ScopeAdmin)).Method(http.MethodPost, "/admin/pauses", s.instrument("admin.pauses", s.setPause))
	})
	return r
}

// instrument wraps a handler with tracing and request metrics.
func (s *Server) instrument(route string, fn http.HandlerFunc) http.Handler {
	measured := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(recorder, r)
		observability.ModuleMetrics().Observe("lending", route, recorder.status, time.Since(start))
	})
	return otelhttp.NewHandler(measured, "lendingd."+route)
}

// observe records an engine call against the operation metrics.
func (s *Server) observe(action string, start time.Time, err error) {
	metrics.Lending().ObserveOperation(action, string(lending.Code(err)), time.Since(start))
	if err != nil && lending.Code(err) == lending.CodeInternal {
		s.logger.Error("lending operation failed", slog.String("action", action), slog.Any("error", err))
	}
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress), slog.Bool("tls", s.cfg.TLS != nil))
	var err error
	if s.cfg.TLS != nil {
		srv.TLSConfig = s.cfg.TLS
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "pools": len(s.engine.Pools())})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
