package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/arturkryukov/dropcode/internal/config"
	"github.com/arturkryukov/dropcode/internal/database"
	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool с функцией очистки.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("dropcode_test"),
		tcpostgres.WithUsername("dropcode"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("DC_DATA_DIR", t.TempDir())
	os.Setenv("DC_WAL_DIR", t.TempDir())
	os.Setenv("DC_STORE_BACKEND", "postgres")
	os.Setenv("DC_DB_HOST", host)
	os.Setenv("DC_DB_PORT", port.Port())
	os.Setenv("DC_DB_NAME", "dropcode_test")
	os.Setenv("DC_DB_USER", "dropcode")
	os.Setenv("DC_DB_PASSWORD", "test-password")
	os.Setenv("DC_DB_SSL_MODE", "disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func testRecord(code string, seq int, burn bool, ttl time.Duration) *model.FileRecord {
	now := time.Now().UTC()
	return &model.FileRecord{
		ID:                uuid.New().String(),
		Code:              code,
		OriginalName:      "file.txt",
		Size:              10,
		MimeType:          "text/plain",
		StoragePath:       code + "/" + uuid.New().String()[:8] + "_file.txt",
		Checksum:          "deadbeef",
		BurnAfterDownload: burn,
		UploadedAt:        now,
		ExpiresAt:         now.Add(ttl),
	}
}

// TestInsertAndFind проверяет вставку батча и выборку по коду.
func TestInsertAndFind(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []*model.FileRecord{
		testRecord("ABC234", 1, false, time.Hour),
		testRecord("ABC234", 2, false, time.Hour),
	}
	if err := s.InsertBatch(ctx, recs); err != nil {
		t.Fatalf("ошибка вставки батча: %v", err)
	}

	got, err := s.FindEligibleByCode(ctx, "ABC234", now)
	if err != nil {
		t.Fatalf("ошибка выборки: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ожидалось 2 записи, получено %d", len(got))
	}

	rec, err := s.GetByID(ctx, recs[0].ID)
	if err != nil {
		t.Fatalf("ошибка GetByID: %v", err)
	}
	if rec.Code != "ABC234" || rec.Checksum != "deadbeef" {
		t.Errorf("запись не совпадает: %+v", rec)
	}

	if _, err := s.GetByID(ctx, uuid.New().String()); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("хотели ErrNotFound, получили %v", err)
	}
}

// TestInsertBatch_AllOrNothing проверяет атомарность батча:
// дубликат пути хранения откатывает всю вставку.
func TestInsertBatch_AllOrNothing(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	good := testRecord("DDD555", 1, false, time.Hour)
	dup := testRecord("DDD555", 2, false, time.Hour)
	dup.StoragePath = good.StoragePath // нарушение уникальности

	if err := s.InsertBatch(ctx, []*model.FileRecord{good, dup}); err == nil {
		t.Fatal("ожидалась ошибка вставки из-за дубликата пути")
	}

	got, err := s.FindEligibleByCode(ctx, "DDD555", now)
	if err != nil {
		t.Fatalf("ошибка выборки: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("частичный батч не должен быть виден, найдено %d записей", len(got))
	}
}

// TestInsertBatch_CodeConflict проверяет, что занятый код отклоняется
// и батчи конкурирующих загрузок не сливаются под одним кодом.
func TestInsertBatch_CodeConflict(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	first := testRecord("MMM444", 1, false, time.Hour)
	if err := s.InsertBatch(ctx, []*model.FileRecord{first}); err != nil {
		t.Fatalf("ошибка вставки первого батча: %v", err)
	}

	second := testRecord("MMM444", 1, true, time.Hour)
	if err := s.InsertBatch(ctx, []*model.FileRecord{second}); !errors.Is(err, metastore.ErrCodeConflict) {
		t.Fatalf("вставка занятого кода = %v, хотели ErrCodeConflict", err)
	}

	got, err := s.FindEligibleByCode(ctx, "MMM444", now)
	if err != nil {
		t.Fatalf("ошибка выборки: %v", err)
	}
	if len(got) != 1 || got[0].ID != first.ID {
		t.Errorf("записей под кодом: хотели 1 (первый батч), получено %d", len(got))
	}

	// Код, занятый только истёкшими записями, свободен
	expired := testRecord("NNN555", 1, false, -time.Minute)
	if err := s.InsertBatch(ctx, []*model.FileRecord{expired}); err != nil {
		t.Fatalf("ошибка вставки истёкшей записи: %v", err)
	}
	reuse := testRecord("NNN555", 1, false, time.Hour)
	if err := s.InsertBatch(ctx, []*model.FileRecord{reuse}); err != nil {
		t.Errorf("переиспользование истёкшего кода вернуло ошибку: %v", err)
	}
}

// TestClaimBurn_ExactlyOnce проверяет, что условный UPDATE
// отдаёт победу ровно одному из конкурирующих вызовов.
func TestClaimBurn_ExactlyOnce(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord("EEE666", 1, true, time.Hour)
	if err := s.InsertBatch(ctx, []*model.FileRecord{rec}); err != nil {
		t.Fatalf("ошибка вставки: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimBurn(ctx, rec.ID, now)
			if err != nil {
				t.Errorf("ошибка ClaimBurn: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("победителей: хотели ровно 1, получили %d", winners)
	}
}

// TestDownloadCounters проверяет условные инкременты счётчика выдач.
func TestDownloadCounters(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := testRecord("FFF777", 1, false, time.Hour)
	if err := s.InsertBatch(ctx, []*model.FileRecord{rec}); err != nil {
		t.Fatalf("ошибка вставки: %v", err)
	}

	ok, err := s.FinishDownload(ctx, rec.ID, now)
	if err != nil || !ok {
		t.Fatalf("FinishDownload: ok=%v, err=%v", ok, err)
	}

	// Истёкший момент времени — инкремент не срабатывает
	ok, err = s.FinishDownload(ctx, rec.ID, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ошибка FinishDownload: %v", err)
	}
	if ok {
		t.Error("инкремент не должен срабатывать после истечения TTL")
	}

	got, err := s.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ошибка выборки: %v", err)
	}
	if got.DownloadCount != 1 {
		t.Errorf("счётчик выдач: хотели 1, получили %d", got.DownloadCount)
	}
}

// TestBurnReapPurge проверяет жизненный цикл: сгорание шары,
// уборка истёкших, окончательное удаление.
func TestBurnReapPurge(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	live := testRecord("GGG888", 1, false, time.Hour)
	expired := testRecord("HHH999", 1, false, -time.Minute)
	if err := s.InsertBatch(ctx, []*model.FileRecord{live, expired}); err != nil {
		t.Fatalf("ошибка вставки: %v", err)
	}

	// Сгорание шары целиком
	burned, err := s.BurnCode(ctx, "GGG888", now)
	if err != nil {
		t.Fatalf("ошибка BurnCode: %v", err)
	}
	if len(burned) != 1 {
		t.Errorf("сожжено: хотели 1, получили %d", len(burned))
	}

	// Уборка истёкших
	reaped, err := s.ReapExpired(ctx, now)
	if err != nil {
		t.Fatalf("ошибка ReapExpired: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != expired.ID {
		t.Errorf("уборка должна затронуть только истёкшую запись: %d", len(reaped))
	}

	// Окончательное удаление: только записи с истёкшим TTL
	purged, err := s.PurgeBurned(ctx, now)
	if err != nil {
		t.Fatalf("ошибка PurgeBurned: %v", err)
	}
	if purged != 1 {
		t.Errorf("удалено: хотели 1, получили %d", purged)
	}

	// Сгоревшая запись с живым TTL осталась
	if _, err := s.GetByID(ctx, live.ID); err != nil {
		t.Errorf("сгоревшая запись с живым TTL должна остаться: %v", err)
	}
	if _, err := s.GetByID(ctx, expired.ID); !errors.Is(err, metastore.ErrNotFound) {
		t.Error("истёкшая запись должна быть удалена окончательно")
	}
}

// TestCodeActive проверяет определение занятости кода.
func TestCodeActive(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := testRecord("JJJ222", 1, false, -time.Minute)
	if err := s.InsertBatch(ctx, []*model.FileRecord{expired}); err != nil {
		t.Fatalf("ошибка вставки: %v", err)
	}

	busy, err := s.CodeActive(ctx, "JJJ222", now)
	if err != nil {
		t.Fatalf("ошибка проверки: %v", err)
	}
	if busy {
		t.Error("истёкшая запись не должна удерживать код")
	}
}

// TestDeleteByCode проверяет жёсткое удаление записей шары.
func TestDeleteByCode(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()

	rec := testRecord("KKK333", 1, false, time.Hour)
	if err := s.InsertBatch(ctx, []*model.FileRecord{rec}); err != nil {
		t.Fatalf("ошибка вставки: %v", err)
	}

	if err := s.DeleteByCode(ctx, "KKK333"); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := s.GetByID(ctx, rec.ID); !errors.Is(err, metastore.ErrNotFound) {
		t.Error("запись должна быть удалена")
	}

	// Удаление несуществующей шары — не ошибка
	if err := s.DeleteByCode(ctx, "ZZZZZZ"); err != nil {
		t.Errorf("удаление несуществующей шары не должно быть ошибкой: %v", err)
	}
}
