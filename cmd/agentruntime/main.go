// Command agentruntime is the agent runtime process entry point: it
// wires the circuit-breaker-backed service registry, the typed
// message buses, the Resource Monitor, the Shutdown and Initialization
// services, the Wise Authority Subsystem, and the Runtime Control
// Service into one process, then serves its HTTP surface.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/ciris-run/agent-runtime/infrastructure/cache"
	"github.com/ciris-run/agent-runtime/infrastructure/logging"
	"github.com/ciris-run/agent-runtime/infrastructure/metrics"
	"github.com/ciris-run/agent-runtime/infrastructure/middleware"
	"github.com/ciris-run/agent-runtime/infrastructure/resilience"
	"github.com/ciris-run/agent-runtime/internal/bus"
	"github.com/ciris-run/agent-runtime/internal/config"
	"github.com/ciris-run/agent-runtime/internal/httputil"
	"github.com/ciris-run/agent-runtime/internal/lifecycle"
	"github.com/ciris-run/agent-runtime/internal/registry"
	"github.com/ciris-run/agent-runtime/internal/resource"
	"github.com/ciris-run/agent-runtime/internal/runtimectl"
	"github.com/ciris-run/agent-runtime/internal/wiseauth"
	"github.com/ciris-run/agent-runtime/pkg/metricsutil"
	"github.com/ciris-run/agent-runtime/pkg/version"
)

const retentionSweepSchedule = "0 */6 * * *" // every 6 hours

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.NewFromEnv("agentruntime")
	ctx := context.Background()

	sqlxDB, err := sqlx.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite at %s: %v", cfg.SQLitePath, err)
	}
	defer sqlxDB.Close()
	if _, err := sqlxDB.ExecContext(ctx, wiseauth.Schema); err != nil {
		log.Fatalf("apply wiseauth schema: %v", err)
	}

	reg := registry.New()
	llmBus := bus.NewLLM(reg, bus.StrategyRoundRobinLLM, metricsutil.New(prometheus.DefaultRegisterer))
	rcBus := bus.NewRuntimeControl(reg)
	waBus := bus.NewWiseAuthority(reg)
	_ = llmBus // no concrete LLM providers are registered by this process yet

	signals := resource.NewSignalBus()
	monitor, err := resource.NewMonitor(resourceBudget(cfg), cfg.SQLitePath, sqlxDB.DB, signals)
	if err != nil {
		log.Fatalf("construct resource monitor: %v", err)
	}

	shutdownSvc := lifecycle.NewShutdown()
	initSvc := lifecycle.NewInitialization()

	signals.Register("shutdown", func(signal, res string) {
		shutdownSvc.RequestShutdown(fmt.Sprintf("resource budget exhausted: %s (%s)", res, signal))
	})

	gatewaySecret, err := wiseauth.GetOrCreateGatewaySecret(cfg.GatewaySecretPath)
	if err != nil {
		log.Fatalf("load gateway secret: %v", err)
	}
	store := wiseauth.NewStore(sqlxDB)
	auth := wiseauth.NewAuthentication(store, gatewaySecret)
	waService := wiseauth.NewService(auth, sqlxDB)

	runtimeConfig := map[string]interface{}{
		"listen_addr": cfg.ListenAddr,
		"sqlite_path": cfg.SQLitePath,
		"openai_key":  cfg.OpenAIAPIKey,
		"mock_llm":    cfg.MockLLM,
		"log_level":   cfg.LogLevel,
	}
	runtimeSvc := runtimectl.NewService(shutdownSvc, runtimeConfig, []string{"openai_key"})

	if _, err := reg.Register(wiseauth.NewBusAdapter(waService), registry.ServiceTypeWiseAuthority, registry.RegisterOptions{
		Priority:     registry.PriorityNormal,
		Capabilities: []string{"send_deferral", "fetch_guidance"},
	}); err != nil {
		log.Fatalf("register wise authority provider: %v", err)
	}
	if _, err := reg.Register(runtimeSvc, registry.ServiceTypeRuntimeControl, registry.RegisterOptions{
		Priority: registry.PriorityCritical,
	}); err != nil {
		log.Fatalf("register runtime control provider: %v", err)
	}

	registerInitializationSteps(initSvc, sqlxDB.DB, auth, reg, []registry.ServiceType{
		registry.ServiceTypeWiseAuthority,
		registry.ServiceTypeRuntimeControl,
	}, cfg)

	if !initSvc.Initialize(ctx) {
		status := initSvc.Status()
		log.Fatalf("initialization failed: %s", status.Error)
	}

	killSwitchKeys := loadKillSwitchKeys(cfg.KillSwitchKeyFile)
	emergencyHandler := runtimectl.NewEmergencyHandler(killSwitchKeys, shutdownSvc, runtimeSvc)

	monitor.Start(ctx)
	shutdownSvc.RegisterSyncHandler(monitor.Stop)

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(retentionSweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		retryCfg := resilience.DefaultRetryConfig()
		retryCfg.MaxAttempts = 3
		err := resilience.Retry(sweepCtx, retryCfg, func() error {
			return waService.RunRetentionSweep(sweepCtx, "", cfg.WAKeyDir)
		})
		if err != nil {
			logger.WithError(err).Error("retention sweep failed")
		}
	}); err != nil {
		log.Fatalf("schedule retention sweep: %v", err)
	}
	sweeper.Start()
	shutdownSvc.RegisterSyncHandler(func() { <-sweeper.Stop().Done() })

	ready := new(bool)
	healthChecker := middleware.NewHealthChecker(version.FullVersion())
	healthChecker.RegisterCheck("database", func() error { return sqlxDB.PingContext(ctx) })
	healthChecker.RegisterCheck("shutdown", func() error {
		if shutdownSvc.IsShutdownRequested() {
			return fmt.Errorf("shutdown requested")
		}
		return nil
	})
	*ready = true
	shutdownSvc.RegisterSyncHandler(func() { *ready = false })

	router := newRouter(cfg, logger, reg, rcBus, waBus, emergencyHandler, initSvc, shutdownSvc, monitor, healthChecker, ready)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	gracefulShutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	gracefulShutdown.OnShutdown(func() {
		shutdownSvc.RequestShutdown("received termination signal")
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		shutdownSvc.ExecuteAsyncHandlers(waitCtx)
	})

	go func() {
		logger.Info(ctx, "agent runtime listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	gracefulShutdown.ListenForSignals()
	gracefulShutdown.Wait()
}

func resourceBudget(cfg *config.Config) resource.Budget {
	return resource.Budget{
		MemoryMB: resource.Limit{
			Warning: int64(cfg.MemoryWarnMB), Critical: int64(cfg.MemoryCriticalMB),
			Limit: int64(cfg.MemoryCriticalMB) * 2, Action: resource.ActionThrottle, CooldownSeconds: 60,
		},
		CPUPercent: resource.Limit{
			Warning: int64(cfg.CPUWarnPercent), Critical: int64(cfg.CPUCriticalPct),
			Limit: 100, Action: resource.ActionThrottle, CooldownSeconds: 30,
		},
		TokensHour: resource.Limit{
			Warning: 80000, Critical: 100000, Limit: 120000, Action: resource.ActionDefer, CooldownSeconds: 300,
		},
		TokensDay: resource.Limit{
			Warning: 1000000, Critical: 1500000, Limit: 2000000, Action: resource.ActionDefer, CooldownSeconds: 3600,
		},
		ThoughtsActive: resource.Limit{
			Warning: 50, Critical: 100, Limit: 150, Action: resource.ActionReject, CooldownSeconds: 10,
		},
		DiskMB: resource.Limit{
			Warning: int64(cfg.DiskWarnMB), Critical: int64(cfg.DiskCriticalMB),
			Limit: int64(cfg.DiskCriticalMB) / 2, Action: resource.ActionShutdown, CooldownSeconds: 600,
		},
	}
}

// registerInitializationSteps wires the fixed-phase boot sequence: the
// sqlite handle is pinged in PhaseDatabase, the Wise Authority
// Subsystem is bootstrapped in PhaseSecurity, and the registry's
// required service types are confirmed present in PhaseVerification.
func registerInitializationSteps(init *lifecycle.Initialization, db *sql.DB, auth *wiseauth.Authentication, reg *registry.Registry, requiredTypes []registry.ServiceType, cfg *config.Config) {
	init.RegisterStep(lifecycle.Step{
		Phase: lifecycle.PhaseDatabase, Name: "ping_sqlite", Critical: true,
		Handler: func(ctx context.Context) error { return db.PingContext(ctx) },
	})
	init.RegisterStep(lifecycle.Step{
		Phase: lifecycle.PhaseSecurity, Name: "bootstrap_wise_authority", Critical: true,
		Handler: func(ctx context.Context) error {
			return auth.BootstrapIfNeeded(ctx, "seed/root_pub.json", cfg.WAKeyDir)
		},
	})
	init.RegisterStep(lifecycle.Step{
		Phase: lifecycle.PhaseVerification, Name: "system_wa_present", Critical: false,
		Handler: func(ctx context.Context) error {
			if auth.SystemWAID() == "" {
				return fmt.Errorf("system WA was not bootstrapped")
			}
			return nil
		},
	})
	init.RegisterStep(lifecycle.Step{
		Phase: lifecycle.PhaseVerification, Name: "required_services_registered", Critical: false,
		Handler: func(ctx context.Context) error {
			if !reg.WaitReady(ctx, 5*time.Second, requiredTypes) {
				return fmt.Errorf("required service types not all registered: %v", requiredTypes)
			}
			return nil
		},
	})
}

// loadKillSwitchKeys reads a newline-delimited "wa_id base64-ed25519-pubkey"
// file. A missing or empty path disables the emergency endpoint's
// verification (every command is rejected as unknown-wa_id).
func loadKillSwitchKeys(path string) map[string]ed25519.PublicKey {
	out := map[string]ed25519.PublicKey{}
	if strings.TrimSpace(path) == "" {
		return out
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		keyBytes, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil || len(keyBytes) != ed25519.PublicKeySize {
			continue
		}
		out[fields[0]] = ed25519.PublicKey(keyBytes)
	}
	return out
}

func newRouter(cfg *config.Config, logger *logging.Logger, reg *registry.Registry, rcBus *bus.RuntimeControl, waBus *bus.WiseAuthority, emergency *runtimectl.EmergencyHandler, initSvc *lifecycle.Initialization, shutdownSvc *lifecycle.Shutdown, monitor *resource.Monitor, healthChecker *middleware.HealthChecker, ready *bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger).Handler)
	r.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(0).Handler)
	r.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins: cfg.CORSOriginList(),
	}).Handler)
	if cfg.RateLimitEnabled {
		r.Use(middleware.NewRateLimiterWithWindow(cfg.RateLimitRequests, cfg.RateLimitWindow, cfg.RateLimitRequests, logger).Handler)
	}

	if cfg.MetricsEnabled {
		m := metrics.New("agentruntime")
		r.Use(middleware.MetricsMiddleware("agentruntime", m))
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/healthz", healthChecker.Handler())
	r.Get("/livez", middleware.LivenessHandler())
	r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"version": version.FullVersion()})
	})
	r.Get("/readyz", middleware.ReadinessHandler(ready))
	r.Get("/resources", func(w http.ResponseWriter, req *http.Request) {
		snap := monitor.Snapshot()
		fmt.Fprintf(w, "memory_mb=%d cpu_percent=%d healthy=%t\n", snap.MemoryMB, snap.CPUPercent, snap.Healthy)
	})
	r.Post("/emergency/shutdown", emergency.ServeHTTP)
	r.Get("/emergency/test", emergency.ServeTest)

	r.Get("/services", func(w http.ResponseWriter, req *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, reg.GetProviderInfo(nil))
	})
	r.Get("/runtime/status", func(w http.ResponseWriter, req *http.Request) {
		status, err := rcBus.GetRuntimeStatus(req.Context())
		if err != nil {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, status)
	})
	guidanceCache := cache.NewCache(cache.CacheConfig{DefaultTTL: 10 * time.Second})
	r.Get("/guidance", func(w http.ResponseWriter, req *http.Request) {
		taskID := httputil.QueryString(req, "task_id", "")
		if cached, ok := guidanceCache.Get(taskID); ok {
			httputil.WriteJSON(w, http.StatusOK, map[string]*string{"guidance": cached.(*string)})
			return
		}

		guidance, err := waBus.FetchGuidance(req.Context(), bus.GuidanceContext{
			TaskID: taskID,
		}, "http")
		if err != nil {
			httputil.ServiceUnavailable(w, err.Error())
			return
		}
		guidanceCache.Set(taskID, guidance, 0)
		httputil.WriteJSON(w, http.StatusOK, map[string]*string{"guidance": guidance})
	})

	return r
}

