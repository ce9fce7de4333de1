// Command ecp runs the Enforcement Control Plane server: every Gate
// Protocol Adapter (pkg/gateway) plus every §6 admin endpoint (pkg/httpapi)
// on one HTTP mux, backed by Postgres when DATABASE_URL is set or an
// in-process store for local development otherwise.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valdrix-ai/ecp/pkg/approval"
	"github.com/valdrix-ai/ecp/pkg/budget"
	"github.com/valdrix-ai/ecp/pkg/collab"
	"github.com/valdrix-ai/ecp/pkg/config"
	ctxbuilder "github.com/valdrix-ai/ecp/pkg/context"
	"github.com/valdrix-ai/ecp/pkg/decisionledger"
	"github.com/valdrix-ai/ecp/pkg/engine"
	"github.com/valdrix-ai/ecp/pkg/export"
	"github.com/valdrix-ai/ecp/pkg/failsafe"
	"github.com/valdrix-ai/ecp/pkg/gateway"
	"github.com/valdrix-ai/ecp/pkg/httpapi"
	"github.com/valdrix-ai/ecp/pkg/obs"
	"github.com/valdrix-ai/ecp/pkg/policy"
	"github.com/valdrix-ai/ecp/pkg/reconcile"
	"github.com/valdrix-ai/ecp/pkg/reservation"
	"github.com/valdrix-ai/ecp/pkg/throttle"
	"github.com/valdrix-ai/ecp/pkg/tiers"
	"github.com/valdrix-ai/ecp/pkg/usage"

	"github.com/redis/go-redis/v9"
	_ "github.com/lib/pq"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
)

func main() {
	os.Exit(Run())
}

// Run is the entrypoint body, split out from main for testability.
func Run() int {
	fmt.Fprintf(os.Stdout, "%sEnforcement Control Plane starting...%s\n", colorBold+colorBlue, colorReset)
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	st, err := newStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize stores: %v", err)
	}

	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize observability: %v", err)
	}

	eng, approvals, worker := wireDomain(cfg, st, metrics)

	limiter := newThrottleGate(cfg)

	gw := gateway.NewHandler(eng, approvals, st.policies, st.decisions).
		WithLimiter(limiter)

	signer := export.NewSigner(collab.NewStaticKeyProvider(cfg.ExportSigningKID, cfg.ExportSigningSecret, nil))
	sink := newExportSink(ctx, logger)

	admin := httpapi.NewHandler(
		approvals,
		st.approvals,
		st.policies,
		st.allocations,
		st.reservations,
		st.decisions,
		st.ledger,
		signer,
		sink,
	)

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	admin.RegisterRoutes(mux)

	go worker.Run(ctx, 30*time.Second)

	go runHealthServer(logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	go func() {
		logger.Info("enforcement control plane ready", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// stores bundles every collaborator store this command wires, whichever
// backend (Postgres or in-process) ended up being selected.
type stores struct {
	db           *sql.DB
	policies     policy.Store
	reservations reservation.Ledger
	ledger       decisionledger.Ledger
	decisions    engine.DecisionStore
	lock         engine.TenantSourceLock
	allocations  budget.Store
	approvals    approval.Store
	tenantTiers  *tiers.Resolver
}

// newStores connects to Postgres when DATABASE_URL is set, matching the
// teacher's Lite Mode fallback; otherwise every collaborator store is the
// in-process implementation, suitable for local development and tests.
func newStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintf(os.Stdout, "%sDATABASE_URL not set, running in-process mode (no Postgres)%s\n", colorCyan, colorReset)
		return newMemStores(cfg), nil
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")

	policies := policy.NewPostgresStore(db)
	if err := policies.Init(ctx); err != nil {
		return nil, fmt.Errorf("init policy store: %w", err)
	}
	reservations := reservation.NewPostgresLedger(db)
	if err := reservations.Init(ctx); err != nil {
		return nil, fmt.Errorf("init reservation ledger: %w", err)
	}
	ledg := decisionledger.NewPostgresLedger(db)
	if err := ledg.Init(ctx); err != nil {
		return nil, fmt.Errorf("init decision ledger: %w", err)
	}
	decisions := engine.NewPostgresDecisionStore(db)
	if err := decisions.Init(ctx); err != nil {
		return nil, fmt.Errorf("init decision store: %w", err)
	}
	lock := engine.NewPostgresLock(db)
	if err := lock.Init(ctx); err != nil {
		return nil, fmt.Errorf("init lock: %w", err)
	}
	allocations := budget.NewPostgresStore(db)
	if err := allocations.Init(ctx); err != nil {
		return nil, fmt.Errorf("init budget store: %w", err)
	}
	approvals := approval.NewPostgresStore(db)
	if err := approvals.Init(ctx); err != nil {
		return nil, fmt.Errorf("init approval store: %w", err)
	}

	directory, err := tiers.LoadStaticDirectoryFromFile(os.Getenv("ENFORCEMENT_TENANT_TIERS_FILE"))
	if err != nil {
		return nil, fmt.Errorf("load tenant tier directory: %w", err)
	}

	return &stores{
		db:           db,
		policies:     policies,
		reservations: reservations,
		ledger:       ledg,
		decisions:    decisions,
		lock:         lock,
		allocations:  allocations,
		approvals:    approvals,
		tenantTiers:  tiers.NewResolver(directory),
	}, nil
}

func newMemStores(cfg *config.Config) *stores {
	directory, _ := tiers.LoadStaticDirectoryFromFile(os.Getenv("ENFORCEMENT_TENANT_TIERS_FILE"))
	return &stores{
		policies:     policy.NewMemStore(),
		reservations: reservation.NewMemLedger(),
		ledger:       decisionledger.NewMemLedger(),
		decisions:    engine.NewMemDecisionStore(),
		lock:         engine.NewMemLock(),
		allocations:  budget.NewMemStore(),
		approvals:    approval.NewMemStore(),
		tenantTiers:  tiers.NewResolver(directory),
	}
}

// wireDomain assembles the Decision Engine, Approval Workflow Service and
// Reconciliation Worker from the collaborator stores and observability
// provider, following §4.F/§4.H/§4.I.
func wireDomain(cfg *config.Config, s *stores, metrics *obs.Provider) (*engine.Engine, *approval.Service, *reconcile.Worker) {
	costs := collab.NoopCostReader{}
	contexts := ctxbuilder.NewBuilder(costs)
	projects := budget.NewAllocator(s.allocations, costs)
	usageReader := usage.NewReader(costs)
	modeResolver := failsafe.NewResolver(cfg)

	eng := engine.NewEngine(
		s.db,
		s.policies,
		s.tenantTiers,
		contexts,
		projects,
		usageReader,
		s.reservations,
		s.ledger,
		s.decisions,
		s.lock,
		modeResolver,
		cfg.GateTimeout,
		time.Duration(cfg.LockWaitMS)*time.Millisecond,
		8000, // risk threshold, basis points: 80% routes to REQUIRE_APPROVAL
	).WithMetrics(metrics)

	keys := collab.NewStaticKeyProvider("approval-default", cfg.ApprovalTokenSecret, fallbackSecretMap(cfg.ApprovalTokenFallbackSecrets))
	signer := approval.NewSigner(keys)
	identities, err := collab.LoadStaticIdentityProviderFromFile(os.Getenv("ENFORCEMENT_REVIEWER_IDENTITIES_FILE"))
	if err != nil {
		identities = collab.NewStaticIdentityProvider(nil)
	}
	approvals := approval.NewService(s.approvals, signer, identities, s.reservations, s.ledger).WithMetrics(metrics)

	worker := reconcile.NewWorker(s.db, s.reservations, s.ledger, s.decisions, reconcile.NoSignalSource{}, slog.Default()).WithMetrics(metrics)

	return eng, approvals, worker
}

func fallbackSecretMap(secrets []string) map[string][]byte {
	out := make(map[string][]byte, len(secrets))
	for i, s := range secrets {
		out[fmt.Sprintf("fallback-%d", i)] = []byte(s)
	}
	return out
}

func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*obs.Provider, error) {
	obsCfg := obs.DefaultConfig()
	obsCfg.ServiceName = "ecp"
	obsCfg.Environment = os.Getenv("ENFORCEMENT_ENVIRONMENT")
	if obsCfg.Environment == "" {
		obsCfg.Environment = "development"
	}
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	} else {
		obsCfg.Enabled = false
	}
	return obs.New(ctx, obsCfg)
}

func newThrottleGate(cfg *config.Config) *throttle.Gate {
	tenantPolicy := throttle.Policy{PerMinuteCap: cfg.GlobalGatePerMinuteCap, Burst: cfg.GlobalGatePerMinuteCap}
	globalPolicy := throttle.Policy{PerMinuteCap: cfg.GlobalGatePerMinuteCap, Burst: cfg.GlobalGatePerMinuteCap}

	if cfg.RedisAddr == "" {
		return throttle.NewGate(throttle.NewMemStore(), throttle.NewMemStore(), tenantPolicy, globalPolicy, cfg.GlobalAbuseGuardEnabled)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := throttle.NewRedisStore(client)
	return throttle.NewGate(store, store, tenantPolicy, globalPolicy, cfg.GlobalAbuseGuardEnabled)
}

func newExportSink(ctx context.Context, logger *slog.Logger) export.Sink {
	if bucket := os.Getenv("ENFORCEMENT_EXPORT_S3_BUCKET"); bucket != "" {
		sink, err := export.NewS3Sink(ctx, export.S3SinkConfig{Bucket: bucket, Prefix: os.Getenv("ENFORCEMENT_EXPORT_S3_PREFIX")})
		if err != nil {
			logger.Warn("falling back to local export sink", "error", err)
		} else {
			return sink
		}
	}
	dir := os.Getenv("ENFORCEMENT_EXPORT_LOCAL_DIR")
	if dir == "" {
		dir = "data/exports"
	}
	return export.NewLocalSink(dir)
}

func runHealthServer(logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	logger.Info("health server listening", "addr", ":8081")
	//nolint:gosec // intentionally listening on all interfaces
	if err := http.ListenAndServe(":8081", mux); err != nil {
		logger.Error("health server failed", "error", err)
	}
}
