package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelane-ai/intake/pkg/common/config"
	"github.com/carelane-ai/intake/pkg/common/database"
	"github.com/carelane-ai/intake/pkg/common/kafka"
	"github.com/carelane-ai/intake/pkg/common/logger"
	"github.com/carelane-ai/intake/pkg/common/middleware"
	"github.com/carelane-ai/intake/pkg/common/models"
	"github.com/carelane-ai/intake/pkg/dialogue"
	"github.com/carelane-ai/intake/pkg/extraction"
	"github.com/carelane-ai/intake/pkg/reconcile"
	"github.com/carelane-ai/intake/pkg/resolver"
	"github.com/carelane-ai/intake/pkg/store"
	"github.com/carelane-ai/intake/pkg/terminology"
	"github.com/gorilla/mux"
)

type IntakeApp struct {
	service  *dialogue.Service
	consumer *kafka.Consumer
}

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	records := store.NewPostgresStore(db)
	if err := records.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate record tables")
	}

	redisClient := database.GetRedis()
	locker := store.NewRedisLocker(redisClient, cfg.RecordLockTTL, cfg.RecordLockWait)
	sessions := dialogue.NewRedisSessionStore(redisClient, cfg.SessionTTL)

	triage, err := reconcile.LoadTriageRules(cfg.TriageRulesPath)
	if err != nil {
		logger.Log.WithError(err).Warn("falling back to default triage rules")
	}
	catalog, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		logger.Log.WithError(err).Warn("falling back to default terminology catalog")
	}

	var producer *kafka.Producer
	if cfg.RecordUpdatesEnabled {
		producer = kafka.NewProducer(cfg.RecordUpdatesTopic)
		defer producer.Close()
	}

	svc := dialogue.NewService(
		extraction.NewOpenAIAdapter(cfg),
		resolver.New(records),
		reconcile.NewEngine(triage),
		records,
		locker,
		sessions,
		catalog,
		producer,
		records,
	)

	app := &IntakeApp{service: svc}
	app.consumer = kafka.NewConsumer(cfg.UtteranceTopic, "intake-service")
	defer app.consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := app.consumer.Consume(ctx, app.handleEvent); err != nil && !errors.Is(err, context.Canceled) {
			logger.Log.WithError(err).Fatal("consumer error")
		}
	}()

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.CORS)
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/turns", app.handleTurn).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/reconcile", app.handleReconcile).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Intake Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Intake Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Intake Service stopped")
}

func (a *IntakeApp) handleEvent(ctx context.Context, event models.Event) error {
	req, err := parseTurnRequest(event.Data)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Error("malformed utterance event")
		// Malformed events are not retryable.
		return nil
	}
	_, err = a.service.HandleTurn(ctx, *req)
	return err
}

func (a *IntakeApp) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	resp, err := a.service.HandleTurn(r.Context(), req)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleReconcile accepts a pre-extracted proposal batch, bypassing the
// conversational layer.
func (a *IntakeApp) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Proposals) == 0 {
		http.Error(w, "proposals required", http.StatusBadRequest)
		return
	}

	resp, err := a.service.HandleTurn(r.Context(), req)
	if err != nil {
		writeTurnError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrLockHeld):
		// Retryable: the caller must retry the whole turn.
		http.Error(w, "record busy, retry the turn", http.StatusConflict)
	case errors.Is(err, store.ErrUnavailable):
		http.Error(w, "record store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseTurnRequest(data map[string]interface{}) (*models.TurnRequest, error) {
	payload, ok := data["turn"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("turn payload missing")
	}
	bytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var req models.TurnRequest
	if err := json.Unmarshal(bytes, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
