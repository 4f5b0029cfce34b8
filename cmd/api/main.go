package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authplane.org/internal/audit"
	"authplane.org/internal/config"
	"authplane.org/internal/gate"
	"authplane.org/internal/httpapi"
	"authplane.org/internal/keycache"
	"authplane.org/internal/obs"
	"authplane.org/internal/policy"
	"authplane.org/internal/session"
	"authplane.org/internal/token"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.JWKSURL == "" || cfg.Issuer == "" || cfg.Audience == "" {
		log.Fatal("AUTHPLANE_JWKS_URL, AUTHPLANE_ISSUER and AUTHPLANE_AUDIENCE are required")
	}

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	keys, err := keycache.New(cfg.JWKSURL,
		keycache.WithTTL(cfg.JWKSTTL),
		keycache.WithFetchTimeout(cfg.DependencyTimeout),
	)
	if err != nil {
		log.Fatalf("key cache: %v", err)
	}
	verifier, err := token.NewVerifier(keys, cfg.Issuer, cfg.Audience)
	if err != nil {
		log.Fatalf("verifier: %v", err)
	}

	// Without a DSN the plane runs on in-memory stores; useful for local
	// work, never for production.
	var (
		sessions    session.Store
		policyStore policy.Store
		recorder    audit.Recorder = audit.LogRecorder{}
	)
	if db != nil {
		pgSessions, err := session.NewPGStore(db)
		if err != nil {
			log.Fatalf("session store: %v", err)
		}
		sessions = pgSessions
		pgPolicies, err := policy.NewPGStore(db)
		if err != nil {
			log.Fatalf("policy store: %v", err)
		}
		policyStore = pgPolicies
		recorder = audit.Fanout(
			audit.LogRecorder{},
			audit.NewPGRecorder(db, audit.WithAlerting(cfg.AuditAlert)),
		)
	} else {
		sessions = session.NewMemStore()
		policyStore = policy.NewMemStore()
	}

	engine := policy.NewEngine(policyStore, policy.WithRecorder(recorder))

	g, err := gate.New(verifier, sessions, engine, gate.WithTimeout(cfg.DependencyTimeout))
	if err != nil {
		log.Fatalf("gate: %v", err)
	}

	sweeper, err := session.NewSweeper(sessions, cfg.SweepSchedule, cfg.DependencyTimeout)
	if err != nil {
		log.Fatalf("sweeper: %v", err)
	}
	sweeper.Start()

	api := httpapi.New(httpapi.Deps{
		Ready:    httpapi.ReadyProbe{DB: db},
		Version:  version,
		Gate:     g,
		Engine:   engine,
		Sessions: sessions,
		Verifier: verifier,
		Recorder: recorder,
	})

	handler := api.Handler()
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, cfg.RateLimitBurst, cfg.RateLimitPerSecond)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.LoggingJSON(handler)
	handler = httpapi.RequestID(handler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authplane-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	sweeper.Stop()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
