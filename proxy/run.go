// Copyright 2025 QueryGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // control-plane driver; backends register their own
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"querygate/proxy/audit"
	"querygate/proxy/cache"
	"querygate/proxy/executor"
	"querygate/proxy/masking"
	"querygate/proxy/policy"
	"querygate/proxy/pool"
	"querygate/proxy/shared/logger"
)

// Run boots the proxy: load configuration, wire the components, serve
// until SIGINT/SIGTERM, then shut down in reverse order.
func Run() {
	log := logger.New("proxy")
	cfg, err := LoadConfig()
	if err != nil {
		log.ErrorWithErr("", "", "Configuration load failed", err, nil)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	svc, err := buildService(ctx, cfg, log)
	cancel()
	if err != nil {
		log.ErrorWithErr("", "", "Service initialization failed", err, nil)
		os.Exit(1)
	}
	svc.Start()

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(newRouter(svc))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("", "", "QueryGate proxy listening", map[string]interface{}{"port": cfg.Port})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("", "", "Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		log.ErrorWithErr("", "", "HTTP server failed", err, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	svc.Stop(shutdownCtx)
}

// newRouter wires the HTTP surface.
func newRouter(svc *Service) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", svc.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/query", svc.handleQuery).Methods("POST")
	r.HandleFunc("/api/v1/stats", svc.handleStats).Methods("GET")

	r.HandleFunc("/api/v1/queries", svc.handleListQueries).Methods("GET")
	r.HandleFunc("/api/v1/queries/{id}", svc.handleCancelQuery).Methods("DELETE")

	r.HandleFunc("/api/v1/servers", svc.handleServers).Methods("GET")
	r.HandleFunc("/api/v1/servers/{alias}/drain", svc.handleDrainServer).Methods("POST")
	r.HandleFunc("/api/v1/servers/{alias}/activate", svc.handleActivateServer).Methods("POST")

	r.HandleFunc("/api/v1/policies/reload", svc.handlePolicyReload).Methods("POST")

	return r
}

// buildService constructs every component from the configuration.
func buildService(ctx context.Context, cfg *Config, log *logger.Logger) (*Service, error) {
	secrets := buildSecretSource(ctx, log)

	registry := pool.NewRegistry(log, secrets)
	for _, bc := range cfg.Backends {
		if _, err := registry.Register(ctx, bc); err != nil {
			// A single unreachable backend must not block startup; the
			// prober re-checks it and routing skips it meanwhile.
			log.ErrorWithErr("", "", "Backend registration failed", err,
				map[string]interface{}{"server": bc.Alias})
		}
	}

	var controlDB *sql.DB
	var sink *audit.Sink
	var store policy.Store = policy.NewStaticStore(cfg.Policies)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		controlDB = db
		if sink, err = audit.NewSink(db, log, audit.SinkConfig{}); err != nil {
			return nil, err
		}
		if store, err = policy.NewPostgresStore(db, log); err != nil {
			return nil, err
		}
	}

	engine := policy.NewEngine(store, policy.NewFunctionRegistry(), log, cfg.PolicyUpdateInterval)
	if err := engine.Load(ctx); err != nil {
		// Started with no snapshot; the periodic refresh keeps trying.
		log.ErrorWithErr("", "", "Initial policy load failed", err, nil)
	}

	masker := masking.NewMasker(log, cfg.MaskingConfig())
	if cfg.MaskingRulesFile != "" {
		if err := masker.LoadFile(); err != nil {
			return nil, err
		}
	}

	resultCache, err := buildCache(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	timeouts := executor.NewTimeoutRegistry(cfg.RoleTimeouts(), log)
	exec := executor.New(timeouts, sink, log, executor.Config{
		DefaultMaxRows: cfg.DefaultMaxRows,
		MaxWorkers:     cfg.DistributedMaxWorkers,
		RetryLimit:     cfg.RouterRetryLimit,
	})

	svc := NewService(cfg, log, registry, engine, masker, resultCache, exec, sink)
	svc.controlDB = controlDB
	return svc, nil
}

// buildSecretSource prefers AWS Secrets Manager when credentials resolve,
// with environment variables as the universal fallback.
func buildSecretSource(ctx context.Context, log *logger.Logger) pool.SecretSource {
	aws, err := pool.NewAWSSecretSource(ctx)
	if err != nil {
		log.Warn("", "", "AWS secret source unavailable, using env-only resolution",
			map[string]interface{}{"error": err.Error()})
		return pool.NewSecretResolver(nil)
	}
	return pool.NewSecretResolver(aws)
}

// buildCache selects the cache backing store.
func buildCache(ctx context.Context, cfg *Config, log *logger.Logger) (*cache.ResultCache, error) {
	ccfg := cache.Config{DefaultTTL: cfg.CacheTTL, WaitTimeout: cfg.CacheWaitTimeout}
	if cfg.CacheBackend == "redis" {
		store, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return cache.New(store, log, ccfg), nil
	}
	return cache.New(cache.NewMemoryStore(0), log, ccfg), nil
}
