// Read-only API over reconciled patient records. The dashboard never writes
// back through this path; records mutate only via the intake service.
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
	"github.com/carelane-ai/intake/pkg/common/logger"
	"github.com/carelane-ai/intake/pkg/common/middleware"
	"github.com/carelane-ai/intake/pkg/store"
	"github.com/gorilla/mux"
)

type DashboardApp struct {
	records  *store.PostgresStore
	pageSize int
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

	app := &DashboardApp{records: records, pageSize: cfg.DashboardPageSize}

	router := mux.NewRouter()
	router.Use(middleware.Recovery, middleware.Logging, middleware.CORS)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/patients", app.handleList).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}", app.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/patients/{id}/changelog", app.handleChangelog).Methods(http.MethodGet)

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
		}).Info("Dashboard Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Dashboard Service...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Dashboard Service stopped")
}

func (a *DashboardApp) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := a.records.ListAll(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (a *DashboardApp) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	record, err := a.records.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (a *DashboardApp) handleChangelog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entries, err := a.records.ListChangelog(r.Context(), id, a.pageSize)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrUnavailable):
		http.Error(w, "record store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
