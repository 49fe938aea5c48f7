// handler.go — APIHandler собирает доменные обработчики и монтирует
// маршруты на chi-роутер.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouteOptions — middleware и обработчики, подключаемые к отдельным
// группам маршрутов при сборке роутера.
type RouteOptions struct {
	// LookupLimit — per-IP лимитер публичных маршрутов поиска
	// и выдачи (nil — без ограничения)
	LookupLimit func(http.Handler) http.Handler
	// Maintenance — цепочка аутентификации сервисных маршрутов
	// в порядке применения (пустая — без аутентификации)
	Maintenance []func(http.Handler) http.Handler
	// Metrics — обработчик GET /metrics (nil — маршрут не монтируется)
	Metrics http.Handler
}

// APIHandler — единый набор HTTP-обработчиков DropCode.
type APIHandler struct {
	shares      *SharesHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	shares *SharesHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		shares:      shares,
		maintenance: maintenance,
		health:      health,
	}
}

// Routes монтирует все маршруты на переданный роутер.
// Глобальные middleware (логирование, метрики) вешает вызывающий код,
// здесь подключаются только маршрут-специфичные.
func (h *APIHandler) Routes(r chi.Router, opts RouteOptions) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/shares", h.shares.CreateShare)
		r.Delete("/shares/{code}", h.shares.DeleteShare)

		// Поиск и выдача — под лимитером: код шары подбирается
		// перебором, если не ограничить частоту запросов
		r.Group(func(r chi.Router) {
			if opts.LookupLimit != nil {
				r.Use(opts.LookupLimit)
			}
			r.Get("/shares/{code}", h.shares.GetShare)
			r.Get("/shares/{code}/archive", h.shares.DownloadArchive)
			r.Get("/files/{file_id}/download", h.shares.DownloadFile)
		})

		r.Route("/maintenance", func(r chi.Router) {
			for _, mw := range opts.Maintenance {
				r.Use(mw)
			}
			r.Post("/reap", h.maintenance.Reap)
			r.Get("/stats", h.maintenance.Stats)
		})
	})
}
