// Command admpd runs the ADMP server: the HTTP surface, the
// authentication gate, the inbox/group/round-table engines, the webhook
// pusher, and the background sweep loop, wired together the way
// cmd/neuralmaild wires its own app.App.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admp/internal/auth"
	"admp/internal/config"
	"admp/internal/didweb"
	"admp/internal/group"
	"admp/internal/httpapi"
	"admp/internal/inbox"
	"admp/internal/roundtable"
	"admp/internal/store"
	"admp/internal/store/pgstore"
	"admp/internal/sweep"
	"admp/internal/webhook"
)

func main() {
	cfgPath := os.Getenv("ADMP_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("storage init error: %v", err)
	}
	defer closeRepo()

	didResolver := buildDIDResolver(cfg, repo)

	authSvc := &auth.Service{
		Repository:     repo,
		DIDWeb:         didResolver,
		MasterAPIKey:   cfg.Security.MasterAPIKey,
		APIKeyRequired: cfg.Security.APIKeyRequired,
		JWT:            auth.JWTConfig{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer, Audience: cfg.Auth.Audience},
	}

	pusher := &webhook.Pusher{HTTPTimeout: cfg.Webhook.RequestTimeout}

	inboxSvc := &inbox.Service{
		Repository: repo,
		Webhook:    pusher,
		DefaultTTL: time.Duration(cfg.Message.DefaultTTLSec) * time.Second,
	}
	groupSvc := &group.Service{Repository: repo, Inbox: inboxSvc}
	roundTableSvc := &roundtable.Service{Repository: repo, Group: groupSvc, Inbox: inboxSvc}

	sweepSvc := &sweep.Service{Repository: repo, RoundTable: roundTableSvc}

	server := &httpapi.Server{
		Config:     cfg,
		Auth:       authSvc,
		Repository: repo,
		Inbox:      inboxSvc,
		Group:      groupSvc,
		RoundTable: roundTableSvc,
	}

	go runSweepLoop(ctx, sweepSvc, time.Duration(cfg.Sweep.IntervalMS)*time.Millisecond)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("admpd serving on %s", cfg.HTTP.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func openRepository(cfg config.Config) (store.Repository, func(), error) {
	if cfg.Database.DSN == "" {
		return store.NewMemory(), func() {}, nil
	}
	st, err := pgstore.Open(cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { _ = st.Close() }, nil
}

func buildDIDResolver(cfg config.Config, repo store.Repository) *didweb.Resolver {
	var cache didweb.Cache
	if cfg.DIDWeb.RedisURL != "" {
		redisCache, err := didweb.NewRedisCache(cfg.DIDWeb.RedisURL, cfg.DIDWeb.CacheTTL)
		if err != nil {
			log.Printf("did:web redis cache unavailable, falling back to in-memory: %v", err)
			cache = didweb.NewMemoryCache(cfg.DIDWeb.CacheTTL, cfg.DIDWeb.CacheCapacity)
		} else {
			cache = redisCache
		}
	} else {
		cache = didweb.NewMemoryCache(cfg.DIDWeb.CacheTTL, cfg.DIDWeb.CacheCapacity)
	}
	return &didweb.Resolver{
		Fetcher:          didweb.HTTPFetcher{Timeout: cfg.DIDWeb.FetchTimeout, MaxBodyBytes: cfg.DIDWeb.MaxBodyBytes, AllowedDomains: cfg.DIDWeb.AllowedDomains},
		Cache:            cache,
		Repository:       repo,
		AllowedDomains:   cfg.DIDWeb.AllowedDomains,
		OpenRegistration: cfg.Registration.Policy != "approval_required",
	}
}

// runSweepLoop ticks the background sweep on the configured interval
// until ctx is cancelled, logging failures without surfacing them to
// clients (spec.md §7: "Background-sweep failures are logged and not
// surfaced to clients; the next tick retries").
func runSweepLoop(ctx context.Context, svc *sweep.Service, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := svc.Run(ctx); err != nil {
				log.Printf("sweep tick failed: %v", err)
			}
		}
	}
}
