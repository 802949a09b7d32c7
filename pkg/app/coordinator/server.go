// Package coordinator implements app.Runner for the coordinator server
// process: it wires the chain adapters, the trade ledger, the gateway, the
// dispute coordinator and the reconciliation loop behind one HTTP surface.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apphttp "github.com/peertrade/escrow-coordinator/pkg/app/http"
	"github.com/peertrade/escrow-coordinator/pkg/auth"
	"github.com/peertrade/escrow-coordinator/pkg/chain"
	"github.com/peertrade/escrow-coordinator/pkg/chain/evm"
	"github.com/peertrade/escrow-coordinator/pkg/chain/solana"
	"github.com/peertrade/escrow-coordinator/pkg/config"
	"github.com/peertrade/escrow-coordinator/pkg/dispute"
	"github.com/peertrade/escrow-coordinator/pkg/gateway"
	"github.com/peertrade/escrow-coordinator/pkg/harness"
	"github.com/peertrade/escrow-coordinator/pkg/ledger"
	"github.com/peertrade/escrow-coordinator/pkg/pgutil"
	"github.com/peertrade/escrow-coordinator/pkg/reconciler"
	"github.com/peertrade/escrow-coordinator/pkg/service"
	"github.com/peertrade/escrow-coordinator/pkg/signer"
)

// Server holds cfg to init the coordinator server.
type Server struct {
	cfg *config.Config
}

// NewServer initializes new coordinator server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("coordinator config is nil")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting escrow coordinator",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	signerClient := signer.NewClient(cfg.Signer.URL, cfg.Signer.Timeout.Std(), signer.WithLogger(logger))

	adapters, closeAdapters, err := s.buildAdapters(ctx, signerClient, logger)
	if err != nil {
		return err
	}
	defer closeAdapters()

	store, closeStore, err := s.openLedger(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gw := gateway.New(adapters, store, gateway.Config{
		OperationTimeout: cfg.Gateway.OperationTimeout.Std(),
		MaxAttempts:      cfg.Gateway.MaxAttempts,
		RetryBaseDelay:   cfg.Gateway.RetryBaseDelay.Std(),
	}, logger)

	loop := reconciler.New(gw, store, reconciler.Config{
		Interval:         cfg.Reconciler.Interval.Std(),
		MaxInterval:      cfg.Reconciler.MaxInterval.Std(),
		MaxConcurrent:    cfg.Reconciler.MaxConcurrent,
		FailureThreshold: cfg.Reconciler.FailureThreshold,
		ReadTimeout:      cfg.Reconciler.ReadTimeout.Std(),
		SubscriberBuffer: cfg.Reconciler.SubscriberBuffer,
	}, reconciler.WithLogger(logger))

	s.trackActiveTrades(ctx, loop, store, adapters, logger)

	loop.Start()
	stopReconcile := sync.OnceFunc(loop.Stop)
	// We call stopReconcile explicitly after ServeAndWait returns for
	// deterministic shutdown order. Keep this defer as a safety net.
	defer stopReconcile()

	disputes := dispute.New(gw, store, logger)
	runner := harness.New(gw, disputes, harness.WithLogger(logger))
	svc := service.NewEscrowService(gw, disputes, loop, runner, logger)

	authn := auth.New(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenTTL.Std())
	if !authn.Enabled() {
		logger.Warn("API authentication is disabled; set auth.secret outside local development")
	}

	router := s.setupRouter(svc, authn, loop, logger)

	err = apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)

	// Stop background work before deferred closes kick in.
	stopReconcile()

	return err
}

// buildAdapters constructs one adapter per enabled network, each signing
// through the external signer service.
func (s *Server) buildAdapters(
	ctx context.Context,
	signerClient *signer.Client,
	logger *zap.Logger,
) (map[string]chain.Adapter, func(), error) {
	cfg := s.cfg
	adapters := make(map[string]chain.Adapter)
	closers := make([]func(), 0, 2)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Chains.Solana.Enabled {
		remote, err := signerClient.Bind(ctx, "solana")
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		rpcClient := solana.NewHTTPClient(cfg.Chains.Solana.RPCURL, cfg.Gateway.OperationTimeout.Std(),
			solana.WithLogger(logger), solana.WithCommitment(cfg.Chains.Solana.Commitment))
		adapter, err := solana.NewAdapter(cfg.Chains.Solana.ProgramID, rpcClient, remote, solana.WithLogger(logger))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("solana adapter: %w", err)
		}
		adapters["solana"] = adapter
		logger.Info("Solana adapter enabled",
			zap.String("rpc_url", cfg.Chains.Solana.RPCURL),
			zap.String("program_id", cfg.Chains.Solana.ProgramID))
	}

	if cfg.Chains.EVM.Enabled {
		remote, err := signerClient.Bind(ctx, "evm")
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		backend, err := evm.NewRPCBackend(cfg.Chains.EVM.RPCURL, cfg.Chains.EVM.ChainID, remote, evm.WithLogger(logger))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("evm backend: %w", err)
		}
		closers = append(closers, backend.Close)
		adapter, err := evm.NewAdapter(cfg.Chains.EVM.ContractAddress, cfg.Chains.EVM.TokenAddress, backend, evm.WithLogger(logger))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("evm adapter: %w", err)
		}
		adapters["evm"] = adapter
		logger.Info("EVM adapter enabled",
			zap.String("rpc_url", cfg.Chains.EVM.RPCURL),
			zap.Int64("chain_id", cfg.Chains.EVM.ChainID),
			zap.String("contract", cfg.Chains.EVM.ContractAddress))
	}

	return adapters, closeAll, nil
}

// openLedger connects the trade-ledger store. Without a configured database
// host the coordinator runs on the in-memory store, which is only suitable
// for local development.
func (s *Server) openLedger(logger *zap.Logger) (ledger.Store, func(), error) {
	if s.cfg.Database.Host == "" {
		logger.Warn("No database configured; using in-memory trade ledger")
		return ledger.NewMemoryStore(), func() {}, nil
	}

	db, err := pgutil.ConnectDB(&s.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect db: %w", err)
	}
	logger.Info("Connected to trade-ledger database",
		zap.String("host", s.cfg.Database.Host),
		zap.String("database", s.cfg.Database.Database),
	)
	return ledger.NewPGStore(db), func() { _ = db.Close() }, nil
}

// trackActiveTrades re-registers non-terminal trades with the reconciler
// after a restart. Trades do not record their network, so this only works
// when exactly one network is enabled; with several, trades are re-tracked
// lazily as operations touch them.
func (s *Server) trackActiveTrades(
	ctx context.Context,
	loop *reconciler.Loop,
	store ledger.Store,
	adapters map[string]chain.Adapter,
	logger *zap.Logger,
) {
	if len(adapters) != 1 {
		if len(adapters) > 1 {
			logger.Info("Multiple networks enabled; skipping startup trade re-tracking")
		}
		return
	}
	var network string
	for name := range adapters {
		network = name
	}

	trades, err := store.ListActiveTrades(ctx)
	if err != nil {
		logger.Warn("Active trade listing failed; reconciliation resumes lazily", zap.Error(err))
		return
	}
	tracked := 0
	for _, t := range trades {
		if t.Leg1EscrowID == nil {
			continue
		}
		loop.Track(t.ID, *t.Leg1EscrowID, network)
		tracked++
	}
	if tracked > 0 {
		logger.Info("Re-tracking active trades", zap.Int("count", tracked), zap.String("network", network))
	}
}

func (s *Server) setupRouter(
	svc *service.EscrowService,
	authn *auth.Authenticator,
	loop *reconciler.Loop,
	logger *zap.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	// Readiness tracks the reconciliation loop: not ready until it runs.
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !loop.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.Middleware)

		// Streaming endpoints stay outside the request timeout.
		service.RegisterEventRoutes(r, svc, logger)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout.Std()))
			service.RegisterRoutes(r, svc, logger)
		})
	})

	return r
}
