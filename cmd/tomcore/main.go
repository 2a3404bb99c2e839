package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tom/core/internal/audio"
	"tom/core/internal/auth"
	"tom/core/internal/call"
	"tom/core/internal/config"
	"tom/core/internal/engine"
	"tom/core/internal/feedback"
	"tom/core/internal/gateway"
	"tom/core/internal/health"
	"tom/core/internal/policy"
	"tom/core/internal/recorder"
	"tom/core/internal/session"
)

func main() {
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	config.WarnUnknown(os.Environ())
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Auth.TokenSecret == "" {
		log.Fatalf("config: AUTH_TOKEN_SECRET is required")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Policy catalog and the process-wide bandit/deploy state.
	catalog, err := policy.LoadCatalog(cfg.Policy.CatalogPath)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	knownIDs := make([]string, 0, len(catalog.Variants))
	for _, v := range catalog.Variants {
		knownIDs = append(knownIDs, v.ID)
	}

	bandit := policy.NewBandit(rand.New(rand.NewSource(time.Now().UnixNano())), policy.BanditOptions{
		MinPullsConfidence: cfg.Policy.MinPullsConfidence,
		BlacklistMinPulls:  cfg.Policy.BlacklistMinSamples,
		BlacklistMinReward: cfg.Policy.BlacklistMinReward,
	})
	bandit.Load(cfg.Policy.BanditStatePath, knownIDs)

	persister := policy.NewPersister(rootCtx)
	gate := policy.NewGate(bandit, rand.New(rand.NewSource(time.Now().UnixNano())), policy.TrafficSplit{
		New:       cfg.Policy.TrafficSplitNew,
		Uncertain: cfg.Policy.TrafficSplitUncertain,
	}).WithPersistence(persister, cfg.Policy.DeployStatePath, cfg.Policy.BanditStatePath)
	gate.LoadState(cfg.Policy.DeployStatePath)
	gate.SyncCatalog(catalog)
	if err := gate.CheckInvariants(); err != nil {
		log.Fatalf("deploy state: %v", err)
	}

	// Hot-reload: new catalog ids join the pool without a restart.
	if err := policy.Watch(rootCtx, cfg.Policy.CatalogPath, func(c policy.Catalog) {
		gate.SyncCatalog(c)
	}); err != nil {
		log.Printf("catalog watch disabled: %v", err)
	}

	// Feedback store and the off-hot-path reward outbox.
	store, err := feedback.Open(cfg.Feedback.StorePath)
	if err != nil {
		log.Fatalf("feedback store: %v", err)
	}
	outbox := feedback.NewOutbox(store)
	go outbox.Run(rootCtx)

	coeffs := feedback.DefaultCoefficients()
	coeffs.DurationTarget = float64(cfg.Feedback.DurationTargetS)

	rec, err := recorder.New(cfg)
	if err != nil {
		log.Fatalf("recorder: %v", err)
	}
	if rec != nil {
		go rec.RunJanitor(rootCtx)
	}

	// Session construction: per call, a failover controller over the
	// configured backends.
	failoverOpts := session.FailoverOptionsFromConfig(cfg)
	sessions := func(callID string, bus *audio.Bus) session.Session {
		providerFactory := func(id string) session.Session {
			return session.NewProvider(id, cfg.Backend.ProviderURL, cfg.Backend.ProviderAPIKey, bus)
		}
		localFactory := func(id string) session.Session {
			return session.NewLocal(id, bus,
				engine.NewSTT(cfg.Local.STTURL),
				engine.NewLLM(cfg.Local.LLMURL),
				engine.NewTTS(cfg.Local.TTSURL))
		}
		return session.NewController(callID, cfg.Backend.Mode, providerFactory, localFactory, failoverOpts)
	}

	deps := call.Deps{
		Gate:     gate,
		Catalog:  catalog,
		Sessions: sessions,
		Outbox:   outbox,
		Coeffs:   coeffs,
	}

	gw := gateway.NewServer(cfg, auth.NewNonceStore(), deps, rec)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		st := health.CheckAll(ctx, cfg)
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/call", gw.HandleCall)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutdown signal received; stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)

		// Held rewards and learned state must survive the restart.
		outbox.Flush(5 * time.Second)
		if err := gate.SaveNow(); err != nil {
			log.Printf("state save on shutdown: %v", err)
		}
		_ = store.Close()
		rootCancel()
	}()

	log.Printf("tomcore listening on %s mode=%s", addr, cfg.Backend.Mode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Println("server error:", err)
		os.Exit(1)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
