package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"possync/internal/config"
	"possync/internal/conflict"
	"possync/internal/engine"
	"possync/internal/log"
	"possync/internal/metrics"
	"possync/internal/offline"
	"possync/internal/report"
	"possync/internal/retry"
	"possync/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// SetupRouter mounts the read-only status API and the JWT-guarded admin
// endpoints. Everything here is a thin view over persisted state; the engine
// owns all behavior.
func SetupRouter(r *chi.Mux, cfg *config.Config, queue *store.QueueStore, policy *retry.Policy,
	conflicts *conflict.Store, tracker *offline.Tracker, eng *engine.Engine, m *metrics.SyncMetrics,
	reports *report.Writer) {

	logger := log.NewLogger()
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := queue.Counts(r.Context()); err != nil {
			logger.Error("Store health check failed", zap.Error(err))
			http.Error(w, "Store unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("OK"))
	})

	r.Handle("/metrics", m.Handler())

	r.Get("/sync/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, eng.Status())
	})

	r.Get("/sync/reports", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		recent, err := reports.Recent(limit)
		if err != nil {
			logger.Error("Failed to read sync reports", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, recent)
	})

	r.Get("/queue/counts", func(w http.ResponseWriter, r *http.Request) {
		counts, err := queue.Counts(r.Context())
		if err != nil {
			logger.Error("Failed to get queue counts", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, counts)
	})

	r.Get("/queue/items", func(w http.ResponseWriter, r *http.Request) {
		var statuses []store.Status
		if s := r.URL.Query().Get("status"); s != "" {
			st := store.Status(s)
			if !st.Valid() {
				http.Error(w, fmt.Sprintf("unknown status %q", s), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, st)
		}
		items, err := queue.List(r.Context(), statuses...)
		if err != nil {
			logger.Error("Failed to list queue items", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, itemViews(items))
	})

	r.Get("/queue/exhausted", func(w http.ResponseWriter, r *http.Request) {
		items, err := queue.ListExhausted(r.Context(), cfg.MaxSyncAttempts)
		if err != nil {
			logger.Error("Failed to list exhausted items", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, itemViews(items))
	})

	r.Get("/offline/periods", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		periods, err := tracker.Periods(r.Context(), limit)
		if err != nil {
			logger.Error("Failed to list offline periods", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, periods)
	})

	r.Get("/offline/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := tracker.AggregateStats(r.Context())
		if err != nil {
			logger.Error("Failed to aggregate offline stats", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, stats)
	})

	r.Get("/conflicts", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recs, err := conflicts.List(r.Context(), limit)
		if err != nil {
			logger.Error("Failed to list conflicts", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		pending, err := conflicts.PendingCount(r.Context())
		if err != nil {
			logger.Error("Failed to count pending conflicts", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, logger, map[string]any{"pending": pending, "conflicts": recs})
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.APISecret, logger))

		r.Post("/sync/run", func(w http.ResponseWriter, r *http.Request) {
			summary, err := eng.SyncNow(r.Context())
			if err != nil {
				logger.Error("Manual sync failed", zap.Error(err))
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, logger, summary)
		})

		r.Post("/queue/items", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Type        string          `json:"type"`
				EntityID    string          `json:"entity_id"`
				Operation   string          `json:"operation"`
				Payload     json.RawMessage `json:"payload"`
				Priority    *int            `json:"priority,omitempty"`
				BaseVersion int64           `json:"base_version,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			id, err := queue.Enqueue(r.Context(), store.ItemType(req.Type), req.EntityID, req.Operation,
				req.Payload, &store.EnqueueOptions{Priority: req.Priority, BaseVersion: req.BaseVersion})
			if err != nil {
				status := http.StatusBadRequest
				if errors.Is(err, store.ErrQueueFull) {
					status = http.StatusInsufficientStorage
				}
				logger.Error("Failed to enqueue item", zap.Error(err), zap.String("type", req.Type))
				http.Error(w, err.Error(), status)
				return
			}
			m.EnqueueTotal.WithLabelValues(req.Type).Inc()
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, logger, map[string]string{"id": id})
		})

		r.Post("/queue/{id}/reset", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			resetAttempts := r.URL.Query().Get("reset_attempts") == "true"
			if err := policy.ResetToPending(r.Context(), id, resetAttempts); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, store.ErrNotFound) {
					status = http.StatusNotFound
				} else if errors.Is(err, store.ErrInvalidTransition) {
					status = http.StatusConflict
				}
				logger.Error("Failed to reset item", zap.Error(err), zap.String("id", id))
				http.Error(w, err.Error(), status)
				return
			}
			w.Write([]byte("OK"))
		})

		r.Post("/conflicts/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			var req struct {
				Requeue bool `json:"requeue"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := eng.ResolveConflict(r.Context(), id, req.Requeue); err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, conflict.ErrNotFound) {
					status = http.StatusNotFound
				}
				logger.Error("Failed to resolve conflict", zap.Error(err), zap.String("id", id))
				http.Error(w, err.Error(), status)
				return
			}
			w.Write([]byte("OK"))
		})
	})
}

// itemView hides nothing but shapes the payload for JSON.
type itemView struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	EntityID      string          `json:"entity_id,omitempty"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	BaseVersion   int64           `json:"base_version,omitempty"`
	Status        string          `json:"status"`
	Priority      *int            `json:"priority,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

func itemViews(items []store.Item) []itemView {
	views := make([]itemView, len(items))
	for i, item := range items {
		views[i] = itemView{
			ID:            item.ID,
			Type:          string(item.Type),
			EntityID:      item.EntityID,
			Operation:     item.Operation,
			Payload:       item.Payload,
			BaseVersion:   item.BaseVersion,
			Status:        string(item.Status),
			Priority:      item.Priority,
			Attempts:      item.Attempts,
			LastError:     item.LastError,
			CreatedAt:     item.CreatedAt,
			LastAttemptAt: item.LastAttemptAt,
		}
	}
	return views
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// authMiddleware guards mutating endpoints with an HMAC JWT. When no secret is
// configured the device runs open; config.Load already warned about it.
func authMiddleware(secret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
