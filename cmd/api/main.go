package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/httpapi"
	memdispatchrepo "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/dispatchrepo"
	memeventbus "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/eventbus"
	memidempotency "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/idempotency"
	memrolestore "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/memory/rolestore"
	postgres "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres"
	pgdispatchrepo "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres/dispatchrepo"
	pgidempotency "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres/idempotency"
	pgrolestore "github.com/CareRoute-Health/transport-dispatch-api/internal/adapters/postgres/rolestore"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/dispatch"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/app/roles"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/auth/jwtverifier"
	platformclock "github.com/CareRoute-Health/transport-dispatch-api/internal/platform/clock"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/config"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/platform/retry"
	dispatchrepoport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/dispatchrepo"
	idempotencyport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/idempotency"
	rolestoreport "github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/rolestore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	// Auth configuration:
	// - Production: require JWT_* env vars and enforce bearer auth
	// - Local dev: set AUTH_MODE=dev to bypass JWT verification and use
	//   X-Debug-Subject / X-Debug-Email
	var authMW func(http.Handler) http.Handler
	authIssuer := ""
	switch cfg.AuthMode {
	case "dev":
		authMW = httpapi.NewDevAuthMiddleware(cfg.DevSubject, cfg.DevEmail)
		authIssuer = cfg.DevIssuer
	default:
		verifier := jwtverifier.New(cfg.JWT)
		authMW = httpapi.NewAuthMiddleware(verifier)
		authIssuer = cfg.JWT.Issuer
	}

	clk := platformclock.NewSystemClock()

	var (
		dispatchRepo dispatchrepoport.Repository
		roleStore    rolestoreport.Store
		idemStore    idempotencyport.Store
		cleanup      func()
	)

	switch cfg.StorageBackend {
	case "postgres":
		pool, err := postgres.NewPool(context.Background(), cfg.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			log.Fatalf("invalid postgres config: %v", err)
		}
		cleanup = pool.Close

		dispatchRepo = pgdispatchrepo.NewRepo(pool)
		roleStore = pgrolestore.NewStore(pool, authIssuer)
		idemStore = pgidempotency.NewStore(pool, authIssuer)
	default:
		dispatchRepo = memdispatchrepo.NewRepo()
		roleStore = memrolestore.NewStore()
		idemStore = memidempotency.NewStore()
	}

	if cleanup != nil {
		defer cleanup()
	}

	bus := memeventbus.NewBus()
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	dispatchSvc := dispatch.NewService(dispatchRepo, bus, clk, policy)
	rolesSvc := roles.NewService(roleStore, bus, clk, policy, cfg.DeveloperAllowlist)

	api := httpapi.NewServer(dispatchSvc, rolesSvc, idemStore, bus)
	handler := httpapi.NewRouter(api, authMW)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("api listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
