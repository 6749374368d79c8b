package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Martin-Hayot/auction-storefront/configs"
	"github.com/Martin-Hayot/auction-storefront/internal/api"
	"github.com/Martin-Hayot/auction-storefront/internal/auction"
	"github.com/Martin-Hayot/auction-storefront/internal/database"
	"github.com/Martin-Hayot/auction-storefront/internal/events"
	"github.com/Martin-Hayot/auction-storefront/internal/handlers/websocket"
	"github.com/Martin-Hayot/auction-storefront/internal/metrics"
	"github.com/Martin-Hayot/auction-storefront/internal/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newProvider builds the network collaborator selected by provider.kind.
// The returned database service is nil unless the postgres provider is used.
func newProvider(ctx context.Context, cfg *configs.Config) (session.Provider, database.Service, error) {
	switch cfg.Provider.Kind {
	case "", "http":
		log.Info("Using HTTP provider", "base", cfg.API.BaseURL)
		return api.New(cfg.API), nil, nil
	case "postgres":
		db, err := database.New(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, db, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

// the postgres provider stores local bids
var _ session.BidRecorder = database.Service(nil)

// seedFile loads the lot list at path into the store.
func seedFile(ctx context.Context, store database.LotWriter, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("error opening seed file: %w", err)
	}
	defer f.Close()
	return database.Seed(ctx, store, f)
}

func healthHandler(db database.Service, bridge *websocket.AuctionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":  "up",
			"clients": bridge.Clients(),
		}
		code := http.StatusOK
		if db != nil {
			health := db.Health()
			status["database"] = health
			if health["status"] != "up" {
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}

func main() {
	configDir := flag.String("config", "configs", "directory holding config.yaml and .env")
	seed := flag.String("seed", "", "JSON lot list upserted into the database before start (postgres provider only)")
	flag.Parse()

	// Load configurations
	cfg, err := configs.LoadConfig(*configDir)
	if err != nil {
		log.Fatal("Error loading config: ", err)
	}

	port := cfg.Server.Port
	if port == "" {
		port = "8080" // Default port if not specified
	}

	// Setup logger
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "debug" // Default log level if not specified
	}
	logLevel, err := log.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		log.Error("Invalid log level: ", err)
	}
	log.SetLevel(logLevel)
	log.SetReportTimestamp(true)

	// Redirect logs to buffer
	logs := &logBuffer{}
	if cfg.Features.EnableLogging {
		log.SetOutput(logs)
	} else {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sessionMetrics := metrics.NewSession(registry)

	// Storefront core
	emitter := events.NewEmitter()
	emitter.OnAll(func(ev events.Event) { sessionMetrics.IncSignal(ev.Name) })
	state := auction.New(emitter, auction.WithAutoValidate(cfg.Features.AutoValidate))

	provider, db, err := newProvider(ctx, cfg)
	if err != nil {
		log.Fatal("Error creating provider: ", err)
	}
	if db != nil {
		defer db.Close()
	}
	if *seed != "" {
		if db == nil {
			log.Warn("Ignoring seed file, provider is not postgres", "file", *seed)
		} else if _, err := seedFile(ctx, db, *seed); err != nil {
			log.Fatal("Error seeding lots: ", err)
		}
	}

	sess := session.New(state, provider,
		session.WithRetry(cfg.API.MaxRetries, 200*time.Millisecond),
		session.WithMetrics(sessionMetrics),
	)
	go func() {
		if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Session stopped", "error", err)
		}
	}()

	// Initialize WebSocket handler
	bridge := websocket.NewAuctionWebSocketHandler(sess, cfg.WebSocket, cfg.Features)
	bridge.Listen(emitter, state)
	defer bridge.Close()

	if err := sess.RefreshCatalog(ctx); err != nil {
		log.Error("Error requesting catalog: ", err)
	}

	// Setup routes
	router := mux.NewRouter()
	router.Handle("/ws/auction", bridge)
	router.HandleFunc("/healthz", healthHandler(db, bridge)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a goroutine
	log.Infof("Server started on port %s", port)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	// Start Bubble Tea program
	p := tea.NewProgram(newModel(sess, logs), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running Bubble Tea program: %v", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down server: ", err)
	}
}
