package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arturkryukov/dropcode/internal/config"
	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/storage/blobstore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore/memstore"
	"github.com/arturkryukov/dropcode/internal/storage/wal"
)

// testEnv — окружение сервисных тестов: сервис + доступ к слоям.
type testEnv struct {
	svc   *ShareService
	store *memstore.Memstore
	blobs *blobstore.BlobStore
	wal   *wal.WAL
	cfg   *config.Config
}

// newTestEnv собирает сервис на memory-бэкенде поверх временных каталогов.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := &config.Config{
		DataDir:       t.TempDir(),
		WALDir:        t.TempDir(),
		StoreBackend:  config.BackendMemory,
		ShareTTL:      time.Hour,
		MaxFileSize:   1 << 20, // 1 MB достаточно для тестов
		MaxBatchFiles: 5,
	}

	walEngine, err := wal.New(cfg.WALDir, logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}

	blobs, err := blobstore.New(cfg.DataDir, cfg.MaxFileSize)
	if err != nil {
		t.Fatalf("Ошибка создания blobstore: %v", err)
	}

	store := memstore.New(cfg.DataDir, logger)

	return &testEnv{
		svc:   NewShareService(cfg, walEngine, blobs, store, logger),
		store: store,
		blobs: blobs,
		wal:   walEngine,
		cfg:   cfg,
	}
}

// uploadFiles загружает батч текстовых файлов и возвращает результат.
func (e *testEnv) uploadFiles(t *testing.T, burn bool, contents ...string) *UploadResult {
	t.Helper()

	items := make([]UploadItem, 0, len(contents))
	for i, c := range contents {
		items = append(items, UploadItem{
			Reader:       bytes.NewReader([]byte(c)),
			OriginalName: fmt.Sprintf("file%d.txt", i+1),
			ContentType:  "text/plain",
		})
	}

	result, err := e.svc.Upload(context.Background(), UploadParams{
		Files:             items,
		BurnAfterDownload: burn,
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки батча: %v", err)
	}
	return result
}

// readStream вычитывает стрим до конца и фиксирует выдачу.
func readStream(t *testing.T, stream *DownloadStream) []byte {
	t.Helper()

	data, err := io.ReadAll(stream)
	if err != nil {
		stream.Abort(context.Background())
		t.Fatalf("Ошибка чтения стрима: %v", err)
	}
	stream.Complete(context.Background())
	return data
}

func TestUploadLookup_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	contents := []string{"первый файл", "second file", "third"}
	result := env.uploadFiles(t, false, contents...)

	if len(result.Code) != 6 {
		t.Errorf("Длина кода = %d, хотели 6 (код %q)", len(result.Code), result.Code)
	}
	if len(result.Records) != 3 {
		t.Fatalf("Записей в результате = %d, хотели 3", len(result.Records))
	}

	records, err := env.svc.Lookup(ctx, result.Code)
	if err != nil {
		t.Fatalf("Ошибка поиска шары: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Записей в шаре = %d, хотели 3", len(records))
	}

	// Порядок загрузки сохраняется, содержимое — байт в байт
	for i, rec := range records {
		want := fmt.Sprintf("file%d.txt", i+1)
		if rec.OriginalName != want {
			t.Errorf("Имя файла[%d] = %q, хотели %q", i, rec.OriginalName, want)
		}

		stream, err := env.svc.Download(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Ошибка открытия выдачи %s: %v", rec.ID, err)
		}
		data := readStream(t, stream)

		if string(data) != contents[i] {
			t.Errorf("Содержимое файла[%d] = %q, хотели %q", i, data, contents[i])
		}
		wantSum := fmt.Sprintf("%x", sha256.Sum256([]byte(contents[i])))
		if rec.Checksum != wantSum {
			t.Errorf("Checksum файла[%d] = %q, хотели %q", i, rec.Checksum, wantSum)
		}
	}
}

func TestUpload_EmptyBatch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Upload(context.Background(), UploadParams{})
	if !errors.Is(err, ErrNoFilesProvided) {
		t.Errorf("Ошибка пустого батча = %v, хотели ErrNoFilesProvided", err)
	}
}

func TestUpload_TooManyFiles(t *testing.T) {
	env := newTestEnv(t)

	items := make([]UploadItem, env.cfg.MaxBatchFiles+1)
	for i := range items {
		items[i] = UploadItem{
			Reader:       bytes.NewReader([]byte("x")),
			OriginalName: fmt.Sprintf("f%d.txt", i),
		}
	}

	_, err := env.svc.Upload(context.Background(), UploadParams{Files: items})
	if !errors.Is(err, ErrTooManyFiles) {
		t.Errorf("Ошибка переполненного батча = %v, хотели ErrTooManyFiles", err)
	}
}

func TestUpload_FileTooLargeRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	big := bytes.Repeat([]byte("a"), int(env.cfg.MaxFileSize)+1)
	_, err := env.svc.Upload(ctx, UploadParams{
		Files: []UploadItem{
			{Reader: bytes.NewReader([]byte("маленький")), OriginalName: "ok.txt"},
			{Reader: bytes.NewReader(big), OriginalName: "big.bin"},
		},
	})
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("Ошибка загрузки = %v, хотели ErrFileTooLarge", err)
	}

	// Батч откатывается целиком: ни метаданных, ни блобов, ни pending WAL
	count, err := env.store.CountEligible(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Ошибка подсчёта записей: %v", err)
	}
	if count != 0 {
		t.Errorf("Доступных записей после отката = %d, хотели 0", count)
	}

	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("Ошибка чтения WAL: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending WAL-транзакций после отката = %d, хотели 0", len(pending))
	}
}

// errReader имитирует обрыв клиентского соединения посреди загрузки.
type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("соединение разорвано")
}

func TestUpload_ReaderFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Upload(ctx, UploadParams{
		Files: []UploadItem{
			{Reader: bytes.NewReader([]byte("целый файл")), OriginalName: "ok.txt"},
			{Reader: errReader{}, OriginalName: "broken.txt"},
		},
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Ошибка загрузки = %v, хотели ErrUploadFailed", err)
	}

	count, err := env.store.CountEligible(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Ошибка подсчёта записей: %v", err)
	}
	if count != 0 {
		t.Errorf("Доступных записей после отката = %d, хотели 0", count)
	}
}

func TestUpload_EmptyFileRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Upload(ctx, UploadParams{
		Files: []UploadItem{
			{Reader: bytes.NewReader([]byte("непустой")), OriginalName: "ok.txt"},
			{Reader: bytes.NewReader(nil), OriginalName: "empty.txt"},
		},
	})
	if !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("Ошибка загрузки = %v, хотели ErrEmptyFile", err)
	}

	count, err := env.store.CountEligible(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("Ошибка подсчёта записей: %v", err)
	}
	if count != 0 {
		t.Errorf("Доступных записей после отката = %d, хотели 0", count)
	}

	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("Ошибка чтения WAL: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending WAL-транзакций после отката = %d, хотели 0", len(pending))
	}
}

// conflictStore отклоняет первые N вставок как коллизию кода,
// запоминая код каждой попытки.
type conflictStore struct {
	*memstore.Memstore
	rejects int
	codes   []string
}

func (c *conflictStore) InsertBatch(ctx context.Context, records []*model.FileRecord) error {
	c.codes = append(c.codes, records[0].Code)
	if c.rejects > 0 {
		c.rejects--
		return metastore.ErrCodeConflict
	}
	return c.Memstore.InsertBatch(ctx, records)
}

func TestUpload_RetriesOnCodeConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cs := &conflictStore{Memstore: env.store, rejects: 1}
	svc := NewShareService(env.cfg, env.wal, env.blobs, cs, logger)

	content := "данные под перенесённым кодом"
	result, err := svc.Upload(ctx, UploadParams{
		Files: []UploadItem{
			{Reader: bytes.NewReader([]byte(content)), OriginalName: "moved.txt", ContentType: "text/plain"},
		},
	})
	if err != nil {
		t.Fatalf("Ошибка загрузки при коллизии кода: %v", err)
	}

	if len(cs.codes) != 2 {
		t.Fatalf("Попыток вставки = %d, хотели 2", len(cs.codes))
	}
	if cs.codes[0] == cs.codes[1] {
		t.Error("Повтор вставки должен идти под свежим кодом")
	}
	if result.Code != cs.codes[1] {
		t.Errorf("Код результата = %q, хотели код повторной вставки %q", result.Code, cs.codes[1])
	}

	// Записи и блобы переехали под итоговый код, старый каталог исчез
	for _, rec := range result.Records {
		if rec.Code != result.Code {
			t.Errorf("Код записи = %q, хотели %q", rec.Code, result.Code)
		}
		if !env.blobs.Exists(rec.StoragePath) {
			t.Errorf("Блоб %s не существует под итоговым кодом", rec.StoragePath)
		}
	}
	if _, err := os.Stat(filepath.Join(env.blobs.DataDir(), cs.codes[0])); !os.IsNotExist(err) {
		t.Error("Каталог отклонённого кода должен исчезнуть")
	}

	// Шара полностью рабочая: поиск и выдача по итоговому коду
	records, err := svc.Lookup(ctx, result.Code)
	if err != nil {
		t.Fatalf("Ошибка поиска шары после повтора: %v", err)
	}
	stream, err := svc.Download(ctx, records[0].ID)
	if err != nil {
		t.Fatalf("Ошибка открытия выдачи: %v", err)
	}
	if data := readStream(t, stream); string(data) != content {
		t.Errorf("Содержимое файла = %q, хотели %q", data, content)
	}

	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("Ошибка чтения WAL: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending WAL-транзакций после загрузки = %d, хотели 0", len(pending))
	}
}

func TestUpload_CodeConflictExhaustsRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cs := &conflictStore{Memstore: env.store, rejects: maxCodeConflictRetries + 1}
	svc := NewShareService(env.cfg, env.wal, env.blobs, cs, logger)

	_, err := svc.Upload(ctx, UploadParams{
		Files: []UploadItem{
			{Reader: bytes.NewReader([]byte("не судьба")), OriginalName: "unlucky.txt"},
		},
	})
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Ошибка загрузки = %v, хотели ErrUploadFailed", err)
	}

	// Все следы батча убраны по каждому из опробованных кодов
	for _, c := range cs.codes {
		if _, err := os.Stat(filepath.Join(env.blobs.DataDir(), c)); !os.IsNotExist(err) {
			t.Errorf("Каталог кода %s существует после отката", c)
		}
	}
	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("Ошибка чтения WAL: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending WAL-транзакций после отката = %d, хотели 0", len(pending))
	}
}

func TestLookup_InvalidFormat(t *testing.T) {
	env := newTestEnv(t)

	for _, raw := range []string{"", "ABC", "ABCDEFG", "ABC-12", "ABCDE0"} {
		_, err := env.svc.Lookup(context.Background(), raw)
		if !errors.Is(err, ErrInvalidCodeFormat) {
			t.Errorf("Lookup(%q) = %v, хотели ErrInvalidCodeFormat", raw, err)
		}
	}
}

func TestLookup_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Lookup(context.Background(), "AAAAAA")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup несуществующего кода = %v, хотели ErrNotFound", err)
	}
}

func TestLookup_NormalizesCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result := env.uploadFiles(t, false, "данные")

	// Код принимается без учёта регистра и пробелов по краям
	records, err := env.svc.Lookup(ctx, "  "+lower(result.Code)+"  ")
	if err != nil {
		t.Fatalf("Ошибка поиска нормализуемого кода: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Записей = %d, хотели 1", len(records))
	}
}

// lower — локальный helper, чтобы не тянуть strings ради одного вызова.
func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func TestLookup_ExpiredShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Отрицательный TTL: шара истекает в момент создания
	env.cfg.ShareTTL = -time.Minute
	result := env.uploadFiles(t, false, "просрочено")

	// Истёкшая шара неотличима от несуществующей
	_, err := env.svc.Lookup(ctx, result.Code)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup истёкшей шары = %v, хотели ErrNotFound", err)
	}

	// Истёкший файл недоступен и для прямой выдачи
	_, err = env.svc.Download(ctx, result.Records[0].ID)
	if !errors.Is(err, ErrGoneOrExpired) {
		t.Errorf("Download истёкшего файла = %v, хотели ErrGoneOrExpired", err)
	}
}

func TestDelete_RemovesShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result := env.uploadFiles(t, false, "раз", "два")

	if err := env.svc.Delete(ctx, result.Code); err != nil {
		t.Fatalf("Ошибка удаления шары: %v", err)
	}

	_, err := env.svc.Lookup(ctx, result.Code)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup удалённой шары = %v, хотели ErrNotFound", err)
	}

	// Записи сгорают, а не исчезают: держатель идентификатора файла
	// видит «истекло или сгорело», а не 404
	for _, rec := range result.Records {
		if env.blobs.Exists(rec.StoragePath) {
			t.Errorf("Блоб %s существует после удаления шары", rec.StoragePath)
		}
		if _, err := env.svc.Download(ctx, rec.ID); !errors.Is(err, ErrGoneOrExpired) {
			t.Errorf("Download удалённого файла = %v, хотели ErrGoneOrExpired", err)
		}
	}

	// Повторное удаление идемпотентно
	if err := env.svc.Delete(ctx, result.Code); err != nil {
		t.Errorf("Повторное удаление шары вернуло ошибку: %v", err)
	}
}

func TestRecoverWAL_RemovesCrashedBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Имитация падения между записью блобов и коммитом WAL:
	// транзакция начата, блоб сохранён, коммита не было
	if _, err := env.wal.StartTransaction(wal.OpBatchCreate, "QQQQQQ"); err != nil {
		t.Fatalf("Ошибка создания WAL-транзакции: %v", err)
	}
	if _, err := env.blobs.Save("QQQQQQ", 1, "orphan.txt", bytes.NewReader([]byte("сирота"))); err != nil {
		t.Fatalf("Ошибка сохранения блоба: %v", err)
	}

	if err := env.svc.RecoverWAL(ctx); err != nil {
		t.Fatalf("Ошибка восстановления WAL: %v", err)
	}

	// Все следы прерванного батча убраны
	if _, err := env.svc.Lookup(ctx, "QQQQQQ"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup прерванного батча = %v, хотели ErrNotFound", err)
	}

	pending, err := env.wal.RecoverPending()
	if err != nil {
		t.Fatalf("Ошибка чтения WAL: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending WAL-транзакций после восстановления = %d, хотели 0", len(pending))
	}
}

func TestRecoverWAL_KeepsCommittedBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result := env.uploadFiles(t, false, "пережил рестарт")

	if err := env.svc.RecoverWAL(ctx); err != nil {
		t.Fatalf("Ошибка восстановления WAL: %v", err)
	}

	records, err := env.svc.Lookup(ctx, result.Code)
	if err != nil {
		t.Fatalf("Закоммиченная шара пропала после восстановления: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Записей = %d, хотели 1", len(records))
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		header   string
		filename string
		want     string
	}{
		{"text/plain; charset=utf-8", "a.bin", "text/plain"},
		{"application/octet-stream", "doc.pdf", "application/pdf"},
		{"", "image.png", "image/png"},
		{"", "noext", "application/octet-stream"},
	}

	for _, tt := range tests {
		got := detectContentType(tt.header, tt.filename)
		if got != tt.want {
			t.Errorf("detectContentType(%q, %q) = %q, хотели %q", tt.header, tt.filename, got, tt.want)
		}
	}
}
