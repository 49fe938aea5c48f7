// reaper.go — жнец истёкших шар.
//
// Жнец выполняет три задачи:
//  1. Атомарно помечает сгоревшими записи с истёкшим TTL (ReapExpired)
//     и удаляет их блобы
//  2. Окончательно удаляет сгоревшие записи после истечения TTL
//     (PurgeBurned)
//  3. Убирает опустевшие каталоги шар
//
// Запускается как горутина с периодическим тикером (DC_REAPER_INTERVAL).
// Жнец — вторая линия обороны: истёкшие записи невидимы для чтения
// с момента истечения независимо от того, успел ли жнец их убрать.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/dropcode/internal/storage/blobstore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
)

// Prometheus метрики жнеца.
var (
	// reaperRunsTotal — количество запусков жнеца.
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dc_reaper_runs_total",
		Help: "Общее количество запусков жнеца",
	})

	// reaperReapedTotal — количество записей, помеченных сгоревшими.
	reaperReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dc_reaper_reaped_total",
		Help: "Общее количество истёкших записей, убранных жнецом",
	})

	// reaperPurgedTotal — количество окончательно удалённых записей.
	reaperPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dc_reaper_purged_total",
		Help: "Общее количество записей, удалённых окончательно",
	})

	// reaperDurationSeconds — длительность запуска жнеца.
	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dc_reaper_duration_seconds",
		Help:    "Длительность запуска жнеца в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReapResult — результат одного запуска жнеца.
type ReapResult struct {
	// ReapedCount — записей помечено сгоревшими
	ReapedCount int
	// PurgedCount — записей удалено окончательно
	PurgedCount int
	// Errors — ошибок при удалении блобов
	Errors int
	// Duration — длительность запуска
	Duration time.Duration
}

// ReaperService — фоновый жнец истёкших шар.
type ReaperService struct {
	store    metastore.Store
	blobs    *blobstore.BlobStore
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewReaperService создаёт жнеца.
func NewReaperService(
	store metastore.Store,
	blobs *blobstore.BlobStore,
	interval time.Duration,
	logger *slog.Logger,
) *ReaperService {
	return &ReaperService{
		store:    store,
		blobs:    blobs,
		interval: interval,
		logger:   logger.With(slog.String("component", "reaper")),
	}
}

// Start запускает фоновую горутину жнеца с периодическим тикером.
// Вызывается один раз при старте приложения.
func (r *ReaperService) Start(ctx context.Context) {
	reapCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go r.run(reapCtx)

	r.logger.Info("Жнец запущен",
		slog.String("interval", r.interval.String()),
	)
}

// Stop останавливает фоновый процесс жнеца.
func (r *ReaperService) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.logger.Info("Жнец остановлен")
}

// run — основной цикл фоновой горутины.
func (r *ReaperService) run(ctx context.Context) {
	// Первый запуск — сразу после старта
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл жнеца.
// Потокобезопасен: mutex защищает от параллельного запуска
// (тикер + ручной запуск через maintenance endpoint).
func (r *ReaperService) RunOnce(ctx context.Context) *ReapResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	result := &ReapResult{}
	now := start.UTC()

	r.logger.Debug("Запуск жнеца начат")

	// Фаза 1: атомарная пометка истёкших записей + удаление блобов
	reaped, err := r.store.ReapExpired(ctx, now)
	if err != nil {
		r.logger.Error("Ошибка уборки истёкших записей", slog.String("error", err.Error()))
		result.Errors++
	}
	result.ReapedCount = len(reaped)

	codes := make(map[string]bool)
	for _, rec := range reaped {
		codes[rec.Code] = true
		if err := r.blobs.Delete(rec.StoragePath); err != nil {
			r.logger.Error("Жнец: ошибка удаления блоба",
				slog.String("file_id", rec.ID),
				slog.String("storage_path", rec.StoragePath),
				slog.String("error", err.Error()),
			)
			result.Errors++
		}
	}

	// Фаза 2: окончательное удаление сгоревших записей с истёкшим TTL
	purged, err := r.store.PurgeBurned(ctx, now)
	if err != nil {
		r.logger.Error("Ошибка окончательного удаления записей", slog.String("error", err.Error()))
		result.Errors++
	}
	result.PurgedCount = purged

	// Фаза 3: уборка опустевших каталогов шар
	for c := range codes {
		if err := r.blobs.RemoveCodeDirIfEmpty(c); err != nil {
			r.logger.Warn("Жнец: ошибка уборки каталога шары",
				slog.String("code", c),
				slog.String("error", err.Error()),
			)
		}
	}

	result.Duration = time.Since(start)

	// Обновляем Prometheus метрики
	reaperRunsTotal.Inc()
	reaperReapedTotal.Add(float64(result.ReapedCount))
	reaperPurgedTotal.Add(float64(result.PurgedCount))
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	r.logger.Info("Жнец завершён",
		slog.Int("reaped", result.ReapedCount),
		slog.Int("purged", result.PurgedCount),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}
