// Точка входа DropCode — сервиса эфемерного обмена файлами по коду.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/arturkryukov/dropcode/internal/api/handlers"
	"github.com/arturkryukov/dropcode/internal/api/middleware"
	"github.com/arturkryukov/dropcode/internal/config"
	"github.com/arturkryukov/dropcode/internal/database"
	"github.com/arturkryukov/dropcode/internal/server"
	"github.com/arturkryukov/dropcode/internal/service"
	"github.com/arturkryukov/dropcode/internal/storage/blobstore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore/memstore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore/postgres"
	"github.com/arturkryukov/dropcode/internal/storage/wal"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("DropCode запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("store_backend", cfg.StoreBackend),
		slog.String("share_ttl", cfg.ShareTTL.String()),
	)

	// --- Инициализация компонентов ---

	// 1. WAL-движок
	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		logger.Error("Ошибка инициализации WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Хранилище блобов
	blobs, err := blobstore.New(cfg.DataDir, cfg.MaxFileSize)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища блобов", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()

	// 3. Хранилище метаданных
	var store metastore.Store
	// sqlDB — адаптер pgxpool для topologymetrics, nil при memory-бэкенде
	var sqlDB *sql.DB

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка применения миграций", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		store = postgres.New(pool)
		sqlDB = stdlib.OpenDBFromPool(pool)

	case config.BackendMemory:
		ms := memstore.New(cfg.DataDir, logger)
		// Восстановление индекса из attr.json сайдкаров после рестарта
		if err := ms.BuildFromScan(); err != nil {
			logger.Error("Ошибка восстановления индекса метаданных", slog.String("error", err.Error()))
			os.Exit(1)
		}
		store = ms
	}
	defer store.Close()

	// 4. Сервис шар
	shareSvc := service.NewShareService(cfg, walEngine, blobs, store, logger)

	// WAL recovery: откатываем незавершённые батчи до приёма трафика,
	// частично загруженный батч не должен стать видимым
	if err := shareSvc.RecoverWAL(ctx); err != nil {
		logger.Error("Ошибка восстановления WAL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Фоновые процессы

	// 5.1 Жнец истёкших шар
	reaperSvc := service.NewReaperService(store, blobs, cfg.ReaperInterval, logger)
	reaperSvc.Start(ctx)

	// 5.2 topologymetrics — мониторинг зависимостей.
	// При memory-бэкенде без JWKS внешних зависимостей нет.
	var dephealthSvc *service.DephealthService
	if sqlDB != nil || cfg.JWKSUrl != "" {
		dephealthSvc, err = service.NewDephealthService(service.DephealthParams{
			ServiceID:     cfg.DephealthName,
			Group:         cfg.DephealthGroup,
			DB:            sqlDB,
			PGConnURL:     cfg.DatabaseDSN(),
			JWKSUrl:       cfg.JWKSUrl,
			CheckInterval: cfg.DephealthCheckInterval,
		}, logger)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
			dephealthSvc = nil
		} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
			dephealthSvc = nil
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 6. Handlers
	sharesHandler := handlers.NewSharesHandler(shareSvc, logger)
	maintenanceHandler := handlers.NewMaintenanceHandler(reaperSvc, store, logger)
	healthHandler := handlers.NewHealthHandler(cfg.DataDir, cfg.WALDir, store)

	apiHandler := handlers.NewAPIHandler(sharesHandler, maintenanceHandler, healthHandler)

	// 7. Middleware маршрутов

	// 7.1 Per-IP лимитер поиска и выдачи: код шары короткий,
	// без лимитера его можно подобрать перебором
	lookupLimiter := middleware.NewRateLimiter(cfg.LookupRate, cfg.LookupBurst, logger)

	// 7.2 JWT для сервисных эндпоинтов
	var maintenanceChain []func(http.Handler) http.Handler
	if cfg.JWKSUrl != "" {
		jwtAuth, jwtErr := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: time.Hour,
			JWTLeeway:       30 * time.Second,
		}, logger)
		if jwtErr != nil {
			// JWT недоступен — запускаем без аутентификации (для разработки)
			logger.Warn("JWT JWKS недоступен, запуск без аутентификации",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("error", jwtErr.Error()),
			)
		} else {
			defer jwtAuth.Close()
			maintenanceChain = []func(http.Handler) http.Handler{
				jwtAuth.Middleware(),
				middleware.RequireScope("maintenance:run"),
			}
			logger.Info("JWT аутентификация настроена",
				slog.String("jwks_url", cfg.JWKSUrl),
			)
		}
	} else {
		logger.Warn("DC_JWKS_URL не задан, сервисные эндпоинты без аутентификации")
	}

	// 8. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, handlers.RouteOptions{
		LookupLimit: lookupLimiter.Middleware(),
		Maintenance: maintenanceChain,
	})

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	reaperSvc.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("DropCode остановлен")
}
