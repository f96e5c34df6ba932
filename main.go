package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"possync/internal/config"
	"possync/internal/conflict"
	"possync/internal/engine"
	"possync/internal/idempotency"
	"possync/internal/log"
	"possync/internal/metrics"
	"possync/internal/offline"
	"possync/internal/report"
	"possync/internal/retry"
	"possync/internal/server"
	"possync/internal/store"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer db.Close()

	queue := store.NewQueueStore(db, cfg, logger)
	policy := retry.NewPolicy(queue, cfg, logger)
	guard := idempotency.NewGuard(db, logger)
	conflicts := conflict.NewStore(db, logger)
	tracker := offline.NewTracker(db, queue, logger)

	reports, err := report.NewWriter(cfg.ReportDir, cfg.ReportMaxSize)
	if err != nil {
		logger.Fatal("Failed to open report log", zap.Error(err))
	}
	defer reports.Close()

	syncMetrics := metrics.NewSyncMetrics(queue, logger)
	conn := engine.NewConnSignal(false)
	eng := engine.New(cfg, logger, queue, policy, guard, conflicts, tracker, syncMetrics, reports, conn)
	registerAppliers(eng, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go eng.Run(ctx)
	go syncMetrics.Run(ctx)
	go probeConnectivity(ctx, cfg, conn, logger)

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, queue, policy, conflicts, tracker, eng, syncMetrics, reports)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		logger.Info("Status server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// registerAppliers wires the generic HTTP transport to the remote system of
// record: one endpoint per item type, conflicts come back as 409 with the
// remote entity state in the body.
func registerAppliers(eng *engine.Engine, cfg *config.Config) {
	client := &http.Client{Timeout: cfg.RemoteTimeout}
	types := []store.ItemType{
		store.TypeOrder, store.TypeOrderUpdate, store.TypePayment, store.TypeVoid,
		store.TypeRefund, store.TypeSessionClose, store.TypeProduct, store.TypeStockMovement,
		store.TypeCustomer, store.TypeCategory, store.TypeSettings, store.TypeAuditLog,
	}
	for _, t := range types {
		eng.RegisterApplier(t, httpApplier(client, cfg.RemoteURL, t))
	}
}

func httpApplier(client *http.Client, baseURL string, t store.ItemType) engine.ApplyFunc {
	url := fmt.Sprintf("%s/sync/%s", baseURL, t)
	return func(ctx context.Context, item store.Item) (engine.ApplyResult, error) {
		body, err := json.Marshal(map[string]any{
			"id":           item.ID,
			"entity_id":    item.EntityID,
			"operation":    item.Operation,
			"base_version": item.BaseVersion,
			"payload":      item.Payload,
		})
		if err != nil {
			return engine.ApplyResult{}, fmt.Errorf("marshal apply request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return engine.ApplyResult{}, fmt.Errorf("build apply request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return engine.ApplyResult{}, fmt.Errorf("apply %s: %w", t, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusConflict:
			var remote conflict.RemoteState
			if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
				remote = conflict.RemoteState{EntityID: item.EntityID}
			}
			return engine.ApplyResult{}, &engine.ConflictError{Remote: remote}
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			var out struct {
				ID      string `json:"id"`
				Version int64  `json:"version"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
				return engine.ApplyResult{}, fmt.Errorf("decode apply response: %w", err)
			}
			return engine.ApplyResult{ServerID: out.ID, Version: out.Version}, nil
		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return engine.ApplyResult{}, fmt.Errorf("apply %s: remote returned %d: %s", t, resp.StatusCode, msg)
		}
	}
}

// probeConnectivity drives the connectivity signal by pinging the remote. The
// engine never probes on its own; it only consumes the boolean.
func probeConnectivity(ctx context.Context, cfg *config.Config, conn *engine.ConnSignal, logger *log.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.RemoteURL+"/health", nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		online := err == nil && resp.StatusCode < 500
		if resp != nil {
			resp.Body.Close()
		}
		conn.SetOnline(online)
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Connectivity probe shutting down")
			return
		case <-ticker.C:
			probe()
		}
	}
}
