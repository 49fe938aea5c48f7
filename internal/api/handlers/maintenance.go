// maintenance.go — сервисные endpoints: ручной запуск жнеца и
// статистика хранилища. Защищаются JWT при заданном DC_JWKS_URL.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/arturkryukov/dropcode/internal/api/errors"
	"github.com/arturkryukov/dropcode/internal/service"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
)

// MaintenanceHandler — обработчик сервисных endpoints.
type MaintenanceHandler struct {
	reaper *service.ReaperService
	store  metastore.Store
	logger *slog.Logger
}

// NewMaintenanceHandler создаёт обработчик сервисных endpoints.
func NewMaintenanceHandler(
	reaper *service.ReaperService,
	store metastore.Store,
	logger *slog.Logger,
) *MaintenanceHandler {
	return &MaintenanceHandler{
		reaper: reaper,
		store:  store,
		logger: logger.With(slog.String("component", "maintenance_handler")),
	}
}

// Reap обрабатывает POST /api/v1/maintenance/reap.
// Запускает внеочередной цикл жнеца и возвращает его результат.
func (h *MaintenanceHandler) Reap(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Запрошен внеочередной запуск жнеца")

	result := h.reaper.RunOnce(r.Context())

	resp := map[string]any{
		"reaped":      result.ReapedCount,
		"purged":      result.PurgedCount,
		"errors":      result.Errors,
		"duration_ms": result.Duration.Milliseconds(),
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// Stats обрабатывает GET /api/v1/maintenance/stats.
// Возвращает число доступных записей.
func (h *MaintenanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	eligible, err := h.store.CountEligible(r.Context(), now)
	if err != nil {
		h.logger.Error("Ошибка подсчёта записей", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка подсчёта записей")
		return
	}

	resp := map[string]any{
		"eligible_records": eligible,
		"timestamp":        now.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
