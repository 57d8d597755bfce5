// Package main runs the slippage prediction service: a compensation pool and a prediction
// registry deployed in-process, exposed over an authenticated HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/slippage-rewards/internal/aggregate"
	"github.com/yourorg/slippage-rewards/internal/circuitbreaker"
	"github.com/yourorg/slippage-rewards/internal/config"
	"github.com/yourorg/slippage-rewards/internal/events"
	"github.com/yourorg/slippage-rewards/internal/export"
	"github.com/yourorg/slippage-rewards/internal/metrics"
	"github.com/yourorg/slippage-rewards/internal/otel"
	"github.com/yourorg/slippage-rewards/internal/security"
)

// version is reported by /health and /status
const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// Server hosts one deployment of the pool/registry pair
type Server struct {
	config config.Config
	now    func() time.Time

	// signer holds the owner key; it also signs exported batches
	signer *security.Signer
	auth   *security.Authenticator

	log      *events.Log
	journal  *events.Journal
	tracker  *aggregate.Tracker
	metrics  *metrics.Recorder
	exporter *export.Exporter

	rateLimit *rate.Limiter

	// mu serializes every state-changing call into the contracts
	mu sync.Mutex
	d  *deployment

	server *http.Server
}

// main is the entry point for the application
func main() {
	configPath := flag.String("config", "", "optional JSON configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	setupLogging(cfg)

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	server, err := NewServer(cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize server: %v", err)
	}
	server.Start()
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// setupLogging configures the logging for the application
func setupLogging(cfg config.Config) {
	switch cfg.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// NewServer deploys the contracts and wires the event log subscribers
func NewServer(cfg config.Config) (*Server, error) {
	return newServer(cfg, time.Now)
}

func newServer(cfg config.Config, now func() time.Time) (*Server, error) {
	signer, err := ownerSigner(cfg)
	if err != nil {
		return nil, err
	}
	signer.WithValidity(cfg.SignatureValidity).WithClock(now)

	s := &Server{
		config:    cfg,
		now:       now,
		signer:    signer,
		auth:      security.NewAuthenticator(cfg.SignatureValidity).WithClock(now),
		log:       events.NewLog().WithClock(now),
		tracker:   aggregate.NewTracker(),
		metrics:   metrics.NewRecorder(),
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}
	logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Subscribers run in registration order after each append
	if cfg.JournalPath != "" {
		s.journal, err = openJournal(cfg.JournalPath, now)
		if err != nil {
			return nil, err
		}
		s.log.Subscribe(s.journal.Subscriber())
	}
	s.log.Subscribe(s.tracker.Observe)
	s.log.Subscribe(s.metrics.Observe)

	if cfg.WebhookURL != "" {
		s.exporter, err = export.New(export.Config{
			WebhookURL: cfg.WebhookURL,
			APIKey:     cfg.WebhookAPIKey,
			BatchSize:  cfg.ExportBatchSize,
			Interval:   cfg.ExportInterval,
			MaxPending: cfg.ExportMaxPending,
		}, signer)
		if err != nil {
			return nil, err
		}
		s.log.Subscribe(s.exporter.Observe)
	}

	s.d, err = deploy(context.Background(), cfg, signer.Address(), s.log, now, s.onBreakerTrip)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.refreshGauges(context.Background())

	logrus.WithFields(logrus.Fields{
		"port":           cfg.Port,
		"owner":          signer.Address().Hex(),
		"journal":        cfg.JournalPath != "",
		"export":         s.exporter != nil,
		"sig_validity":   cfg.SignatureValidity.String(),
		"oracle_max_age": cfg.OracleMaxAge.String(),
	}).Info("Server initialized")
	return s, nil
}

func ownerSigner(cfg config.Config) (*security.Signer, error) {
	if cfg.OwnerPrivateKey == "" {
		logrus.Warn("OWNER_PRIVATE_KEY not set, generating an ephemeral owner key")
		return security.GenerateSigner()
	}
	return security.SignerFromHex(cfg.OwnerPrivateKey)
}

// openJournal archives a journal left by a previous run, after checking its digest chain,
// and opens a fresh one. Contract state lives in memory, so each run journals its own history.
func openJournal(path string, now func() time.Time) (*events.Journal, error) {
	if _, err := os.Stat(path); err == nil {
		prev, err := events.OpenJournal(path)
		if err != nil {
			return nil, err
		}
		if err := prev.Verify(); err != nil {
			logrus.WithError(err).Error("Previous journal failed verification")
		}
		if err := prev.Close(); err != nil {
			return nil, fmt.Errorf("close previous journal: %w", err)
		}
		archived := fmt.Sprintf("%s.%d", path, now().Unix())
		if err := os.Rename(path, archived); err != nil {
			return nil, fmt.Errorf("archive previous journal: %w", err)
		}
		logrus.Infof("Archived previous journal to %s", archived)
	}
	return events.OpenJournal(path)
}

func (s *Server) onBreakerTrip(reason string, r circuitbreaker.Reading) {
	logrus.WithFields(logrus.Fields{
		"reason": reason,
		"value":  r.Value,
	}).Warn("Oracle circuit breaker tripped")
	s.metrics.SetBreakerState(circuitbreaker.StateOpen)
}

// Handler builds the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.route(mux, "POST /v1/predictions", s.signed(s.handleSubmitPrediction))
	s.route(mux, "POST /v1/predictions/verify", s.signed(s.handleVerify))
	s.route(mux, "GET /v1/predictions/{id}", s.handleGetPrediction)
	s.route(mux, "GET /v1/users/{address}/predictions", s.handleUserPredictions)
	s.route(mux, "GET /v1/users/{address}/stats", s.handleUserStats)
	s.route(mux, "GET /v1/leaderboard", s.handleLeaderboard)
	s.route(mux, "GET /v1/summary", s.handleSummary)
	s.route(mux, "GET /v1/stats", s.handleBatchStats)

	s.route(mux, "POST /v1/token/approve", s.signed(s.handleApprove))
	s.route(mux, "GET /v1/accounts/{address}/balance", s.handleAccountBalance)

	s.route(mux, "POST /v1/pool/deposit", s.signed(s.handleDeposit))
	s.route(mux, "GET /v1/pool/balance", s.handlePoolBalance)

	s.route(mux, "POST /v1/admin/relayer", s.signed(s.handleScheduleRelayer))
	s.route(mux, "POST /v1/admin/relayer/execute", s.signed(s.handleExecuteRelayer))
	s.route(mux, "POST /v1/admin/registry", s.signed(s.handleScheduleRegistry))
	s.route(mux, "POST /v1/admin/registry/execute", s.signed(s.handleExecuteRegistry))
	s.route(mux, "POST /v1/admin/price-feed", s.signed(s.handleSetPriceFeed))
	s.route(mux, "POST /v1/admin/emergency-withdraw", s.signed(s.handleEmergencyWithdraw))
	s.route(mux, "POST /v1/admin/ownership", s.signed(s.handleTransferOwnership))

	s.route(mux, "POST /v1/oracle/value", s.signed(s.handleSetOracleValue))
	s.route(mux, "GET /v1/oracle/circuit", s.handleCircuitStatus)
	s.route(mux, "POST /v1/oracle/circuit/reset", s.signed(s.handleCircuitReset))

	s.route(mux, "POST /v1/timelock/execute", s.signed(s.handleTimelockExecute))
	s.route(mux, "POST /v1/timelock/cancel", s.signed(s.handleTimelockCancel))
	s.route(mux, "GET /v1/timelock/operations", s.handlePendingOperations)
	s.route(mux, "GET /v1/timelock/operations/{id}", s.handleGetOperation)

	s.route(mux, "GET /v1/events", s.handleEvents)

	return mux
}

// Start begins the HTTP server and sets up graceful shutdown
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if s.exporter != nil {
		s.exporter.Start(ctx)
	}

	// Configure server with timeouts
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("Server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Server shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}
	s.Close()

	logrus.Info("Server stopped")
}

// Close flushes the exporter and closes the journal
func (s *Server) Close() {
	if s.exporter != nil {
		s.exporter.Stop()
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			logrus.Errorf("Failed to close journal: %v", err)
		}
	}
}

// refreshGauges publishes the pool balance and breaker state
func (s *Server) refreshGauges(ctx context.Context) {
	if balance, err := s.d.pool.GetPoolBalance(ctx); err == nil {
		s.metrics.SetPoolBalance(balance)
	}
	if cb := s.breaker(); cb != nil {
		s.metrics.SetBreakerState(cb.GetState())
	}
}
