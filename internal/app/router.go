package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/prodledger/prodledger/internal/platform/httpx"
	"github.com/prodledger/prodledger/internal/shared"
)

// RouteMounter is implemented by every module handler.
type RouteMounter interface {
	MountRoutes(r chi.Router)
}

// RouterDeps aggregates everything the HTTP surface needs.
type RouterDeps struct {
	Logger   *slog.Logger
	Config   *Config
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Audit    *shared.AuditLogger
	Handlers []RouteMounter
}

// NewRouter assembles the HTTP router.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{Logger: deps.Logger, Config: deps.Config}) {
		r.Use(mw)
	}

	r.Get("/healthz", handleHealth(deps))

	r.Route("/api/v1", func(r chi.Router) {
		for _, h := range deps.Handlers {
			h.MountRoutes(r)
		}
		r.Get("/audit", handleAuditList(deps.Logger, deps.Audit))
	})

	return r
}

func handleHealth(deps RouterDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if deps.Pool != nil {
			if err := deps.Pool.Ping(ctx); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unhealthy", "database unreachable")
				return
			}
		}
		if deps.Redis != nil {
			if err := deps.Redis.Ping(ctx).Err(); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unhealthy", "cache unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleAuditList(logger *slog.Logger, audit *shared.AuditLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity := r.URL.Query().Get("entity")
		entityID := r.URL.Query().Get("entity_id")
		if entity == "" || entityID == "" {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "entity and entity_id are required")
			return
		}
		logs, err := audit.List(r.Context(), entity, entityID)
		if err != nil {
			logger.Error("list audit logs", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}
