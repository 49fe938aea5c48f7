// Пакет service — бизнес-логика DropCode.
// share.go — сервис шар: загрузка батчей, поиск по коду, удаление,
// восстановление WAL после рестарта.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/dropcode/internal/code"
	"github.com/arturkryukov/dropcode/internal/config"
	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/storage/blobstore"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
	"github.com/arturkryukov/dropcode/internal/storage/wal"
)

// maxCodeConflictRetries — предел повторов вставки батча при
// коллизии кода с конкурирующей загрузкой.
const maxCodeConflictRetries = 3

// Ошибки сервисного слоя. Ожидаемые состояния — значения,
// обработчики транслируют их в HTTP-коды.
var (
	// ErrInvalidCodeFormat — строка не является кодом шары
	ErrInvalidCodeFormat = code.ErrInvalidFormat
	// ErrCodeSpaceExhausted — не удалось подобрать свободный код
	ErrCodeSpaceExhausted = code.ErrSpaceExhausted
	// ErrNotFound — шара или файл не существует либо недоступны.
	// Lookup намеренно не отличает несуществующий код от истёкшего
	// или сгоревшего: ответ не раскрывает, была ли шара.
	ErrNotFound = errors.New("share not found")
	// ErrGoneOrExpired — файл истёк или сгорел между поиском и
	// выдачей. Возвращается только выдачей конкретной записи.
	ErrGoneOrExpired = errors.New("file gone or expired")
	// ErrNoFilesProvided — батч загрузки пуст
	ErrNoFilesProvided = errors.New("no files provided")
	// ErrTooManyFiles — батч превышает лимит числа файлов
	ErrTooManyFiles = errors.New("too many files in batch")
	// ErrEmptyFile — в батче встретился файл без содержимого
	ErrEmptyFile = errors.New("empty file")
	// ErrFileTooLarge — файл превышает лимит размера
	ErrFileTooLarge = blobstore.ErrTooLarge
	// ErrUploadFailed — батч не сохранён, все следы убраны
	ErrUploadFailed = errors.New("upload failed")
	// ErrStorageInconsistency — метаданные есть, блоба нет
	ErrStorageInconsistency = errors.New("storage inconsistency")
)

// Prometheus метрики операций с шарами.
var (
	// shareOpsTotal — количество операций по типу и результату.
	shareOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dc_share_operations_total",
		Help: "Общее количество операций с шарами",
	}, []string{"operation", "status"})

	// activeDownloads — число выдач, выполняющихся в данный момент.
	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dc_active_downloads",
		Help: "Число активных выдач файлов",
	})
)

// UploadItem — один файл в батче загрузки.
type UploadItem struct {
	// Reader — поток данных файла
	Reader io.Reader
	// OriginalName — оригинальное имя файла
	OriginalName string
	// ContentType — MIME-тип из заголовка multipart part
	ContentType string
}

// UploadParams — параметры загрузки батча.
type UploadParams struct {
	// Files — файлы батча в порядке получения
	Files []UploadItem
	// BurnAfterDownload — режим сгорания после первой выдачи.
	// Применяется ко всем файлам батча.
	BurnAfterDownload bool
}

// UploadResult — результат загрузки батча.
type UploadResult struct {
	// Code — код доступа к шаре
	Code string
	// ExpiresAt — момент истечения TTL
	ExpiresAt time.Time
	// Records — созданные записи в порядке загрузки
	Records []*model.FileRecord
}

// ShareService — сервис шар.
type ShareService struct {
	cfg       *config.Config
	walEngine *wal.WAL
	blobs     *blobstore.BlobStore
	store     metastore.Store
	codes     *code.Generator
	logger    *slog.Logger
}

// NewShareService создаёт сервис шар.
func NewShareService(
	cfg *config.Config,
	walEngine *wal.WAL,
	blobs *blobstore.BlobStore,
	store metastore.Store,
	logger *slog.Logger,
) *ShareService {
	s := &ShareService{
		cfg:       cfg,
		walEngine: walEngine,
		blobs:     blobs,
		store:     store,
		logger:    logger.With(slog.String("component", "share_service")),
	}
	s.codes = code.NewGenerator(func(ctx context.Context, c string) (bool, error) {
		return store.CodeActive(ctx, c, time.Now().UTC())
	})
	return s
}

// Upload сохраняет батч файлов под новым кодом.
//
// Поток:
//  1. Валидация батча (не пустой, в пределах лимита)
//  2. Генерация кода (с проверкой коллизий)
//  3. WAL StartTransaction (batch_create)
//  4. Сохранение блобов (streaming + SHA-256 + лимит размера)
//  5. InsertBatch метаданных
//  6. WAL Commit
//
// Любая ошибка на шагах 4-5 откатывает весь батч: блобы, метаданные,
// WAL Rollback. Частично загруженный батч никогда не виден клиентам.
func (s *ShareService) Upload(ctx context.Context, params UploadParams) (*UploadResult, error) {
	// 1. Валидация батча
	if len(params.Files) == 0 {
		return nil, ErrNoFilesProvided
	}
	if len(params.Files) > s.cfg.MaxBatchFiles {
		return nil, fmt.Errorf("%w: %d файлов при лимите %d", ErrTooManyFiles, len(params.Files), s.cfg.MaxBatchFiles)
	}

	// 2. Генерация кода
	shareCode, err := s.codes.Generate(ctx)
	if err != nil {
		if errors.Is(err, ErrCodeSpaceExhausted) {
			s.logger.Error("Пространство кодов исчерпано")
			shareOpsTotal.WithLabelValues("upload", "exhausted").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	// 3. WAL StartTransaction
	walEntry, err := s.walEngine.StartTransaction(wal.OpBatchCreate, shareCode)
	if err != nil {
		s.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	// Откат: убираем все следы батча
	rollback := func() {
		if err := s.blobs.RemoveCode(shareCode); err != nil {
			s.logger.Error("Ошибка удаления блобов при откате",
				slog.String("code", shareCode),
				slog.String("error", err.Error()),
			)
		}
		if err := s.store.DeleteByCode(context.WithoutCancel(ctx), shareCode); err != nil {
			s.logger.Error("Ошибка удаления метаданных при откате",
				slog.String("code", shareCode),
				slog.String("error", err.Error()),
			)
		}
		if rbErr := s.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			s.logger.Error("Ошибка отката WAL",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}
		shareOpsTotal.WithLabelValues("upload", "error").Inc()
	}

	// 4. Сохраняем блобы
	now := time.Now().UTC()
	expiresAt := now.Add(s.cfg.ShareTTL)
	records := make([]*model.FileRecord, 0, len(params.Files))

	for i, item := range params.Files {
		saved, err := s.blobs.Save(shareCode, i+1, item.OriginalName, item.Reader)
		if err != nil {
			rollback()
			if errors.Is(err, blobstore.ErrTooLarge) {
				return nil, fmt.Errorf("%w: %s", ErrFileTooLarge, item.OriginalName)
			}
			s.logger.Error("Ошибка сохранения блоба",
				slog.String("code", shareCode),
				slog.String("filename", item.OriginalName),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}

		// Пустой файл бесполезен получателю и не считается загрузкой
		if saved.Size == 0 {
			rollback()
			return nil, fmt.Errorf("%w: %s", ErrEmptyFile, item.OriginalName)
		}

		records = append(records, &model.FileRecord{
			ID:                uuid.New().String(),
			Code:              shareCode,
			OriginalName:      item.OriginalName,
			Size:              saved.Size,
			MimeType:          detectContentType(item.ContentType, item.OriginalName),
			StoragePath:       saved.StoragePath,
			Checksum:          saved.Checksum,
			BurnAfterDownload: params.BurnAfterDownload,
			UploadedAt:        now,
			ExpiresAt:         expiresAt,
		})
	}

	// 5. Вставляем метаданные батча. Код мог стать активным между
	// генерацией и вставкой (конкурирующая загрузка): при конфликте
	// блобы переезжают под свежий код и вставка повторяется. Батчи
	// разных загрузок никогда не сливаются под одним кодом.
	for attempt := 0; ; attempt++ {
		err := s.store.InsertBatch(ctx, records)
		if err == nil {
			break
		}
		if !errors.Is(err, metastore.ErrCodeConflict) || attempt >= maxCodeConflictRetries {
			rollback()
			s.logger.Error("Ошибка вставки метаданных батча",
				slog.String("code", shareCode),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}

		newCode, genErr := s.codes.Generate(ctx)
		if genErr != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, genErr)
		}

		// WAL-запись нового кода создаётся ДО переноса каталога:
		// блобы батча в любой момент под защитой хотя бы одной записи
		newEntry, walErr := s.walEngine.StartTransaction(wal.OpBatchCreate, newCode)
		if walErr != nil {
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, walErr)
		}

		if mvErr := s.blobs.MoveCode(shareCode, newCode); mvErr != nil {
			if rbErr := s.walEngine.Rollback(newEntry.TransactionID); rbErr != nil {
				s.logger.Error("Ошибка отката WAL нового кода",
					slog.String("tx_id", newEntry.TransactionID),
					slog.String("error", rbErr.Error()),
				)
			}
			rollback()
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, mvErr)
		}

		// Каталога старого кода больше нет — его WAL-запись закрывается
		if rbErr := s.walEngine.Rollback(walEntry.TransactionID); rbErr != nil {
			s.logger.Error("Ошибка отката WAL старого кода",
				slog.String("tx_id", walEntry.TransactionID),
				slog.String("error", rbErr.Error()),
			)
		}

		s.logger.Warn("Коллизия кода при вставке батча, блобы перенесены",
			slog.String("old_code", shareCode),
			slog.String("new_code", newCode),
		)

		for _, rec := range records {
			rec.Code = newCode
			rec.StoragePath = newCode + rec.StoragePath[len(shareCode):]
		}
		shareCode = newCode
		walEntry = newEntry
	}

	// 6. WAL Commit
	if err := s.walEngine.Commit(walEntry.TransactionID); err != nil {
		s.logger.Error("Ошибка коммита WAL (данные сохранены)",
			slog.String("tx_id", walEntry.TransactionID),
			slog.String("code", shareCode),
			slog.String("error", err.Error()),
		)
		// Данные записаны, коммит WAL — best effort
	}

	shareOpsTotal.WithLabelValues("upload", "success").Inc()

	s.logger.Info("Шара создана",
		slog.String("code", shareCode),
		slog.Int("files", len(records)),
		slog.Bool("burn_after_download", params.BurnAfterDownload),
		slog.Time("expires_at", expiresAt),
	)

	return &UploadResult{
		Code:      shareCode,
		ExpiresAt: expiresAt,
		Records:   records,
	}, nil
}

// Lookup возвращает доступные записи шары по коду.
// Возвращает ErrInvalidCodeFormat или ErrNotFound.
//
// Несуществующий код и код, все записи которого сгорели или истекли,
// неразличимы для клиента: ответ не раскрывает, существовала ли шара.
func (s *ShareService) Lookup(ctx context.Context, rawCode string) ([]*model.FileRecord, error) {
	shareCode := code.Normalize(rawCode)
	if err := code.Validate(shareCode); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	records, err := s.store.FindEligibleByCode(ctx, shareCode, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки шары: %w", err)
	}
	if len(records) == 0 {
		shareOpsTotal.WithLabelValues("lookup", "miss").Inc()
		return nil, ErrNotFound
	}

	shareOpsTotal.WithLabelValues("lookup", "success").Inc()
	return records, nil
}

// Delete сжигает шару целиком: все доступные записи атомарно
// помечаются сгоревшими, их блобы удаляются. Сгоревшие записи
// остаются до purge-фазы жнеца: держатель идентификатора файла
// увидит «истекло или сгорело», а не 404. Идемпотентна: удаление
// несуществующей или уже сгоревшей шары не является ошибкой.
func (s *ShareService) Delete(ctx context.Context, rawCode string) error {
	shareCode := code.Normalize(rawCode)
	if err := code.Validate(shareCode); err != nil {
		return err
	}

	walEntry, err := s.walEngine.StartTransaction(wal.OpShareDelete, shareCode)
	if err != nil {
		s.logger.Error("Ошибка создания WAL-транзакции", slog.String("error", err.Error()))
		return fmt.Errorf("ошибка удаления шары: %w", err)
	}

	now := time.Now().UTC()
	burned, err := s.store.BurnCode(ctx, shareCode, now)
	if err != nil {
		s.logger.Error("Ошибка сгорания записей шары",
			slog.String("code", shareCode),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ошибка удаления шары: %w", err)
	}

	blobErrs := 0
	for _, rec := range burned {
		if err := s.blobs.Delete(rec.StoragePath); err != nil {
			s.logger.Error("Ошибка удаления блоба при удалении шары",
				slog.String("file_id", rec.ID),
				slog.String("storage_path", rec.StoragePath),
				slog.String("error", err.Error()),
			)
			blobErrs++
		}
	}
	if blobErrs > 0 {
		// WAL-запись остаётся pending, восстановление доведёт уборку
		return fmt.Errorf("ошибка удаления шары: не удалено блобов: %d", blobErrs)
	}

	if err := s.blobs.RemoveCodeDirIfEmpty(shareCode); err != nil {
		s.logger.Warn("Ошибка уборки каталога шары",
			slog.String("code", shareCode),
			slog.String("error", err.Error()),
		)
	}

	if err := s.walEngine.Commit(walEntry.TransactionID); err != nil {
		s.logger.Error("Ошибка коммита WAL (шара удалена)",
			slog.String("tx_id", walEntry.TransactionID),
			slog.String("code", shareCode),
			slog.String("error", err.Error()),
		)
	}

	shareOpsTotal.WithLabelValues("delete", "success").Inc()

	s.logger.Info("Шара удалена",
		slog.String("code", shareCode),
		slog.Int("burned", len(burned)),
	)
	return nil
}

// RecoverWAL обрабатывает незавершённые WAL-транзакции при старте.
// Для обеих операций (batch_create, share_delete) восстановление
// одинаково: все следы шары удаляются. Прерванный батч никогда
// не был виден клиентам; прерванное удаление доводится до конца.
// Вызывается ДО начала приёма трафика.
func (s *ShareService) RecoverWAL(ctx context.Context) error {
	pending, err := s.walEngine.RecoverPending()
	if err != nil {
		return fmt.Errorf("ошибка чтения WAL: %w", err)
	}

	for _, entry := range pending {
		s.logger.Warn("Откат прерванной операции",
			slog.String("tx_id", entry.TransactionID),
			slog.String("operation", string(entry.Operation)),
			slog.String("code", entry.Code),
		)

		if err := s.blobs.RemoveCode(entry.Code); err != nil {
			return fmt.Errorf("ошибка удаления блобов шары %s: %w", entry.Code, err)
		}
		if err := s.store.DeleteByCode(ctx, entry.Code); err != nil {
			return fmt.Errorf("ошибка удаления метаданных шары %s: %w", entry.Code, err)
		}
		if err := s.walEngine.Rollback(entry.TransactionID); err != nil {
			return fmt.Errorf("ошибка отката WAL-транзакции %s: %w", entry.TransactionID, err)
		}
	}

	// Убираем завершённые записи, накопившиеся до рестарта
	if _, err := s.walEngine.CleanCommitted(); err != nil {
		s.logger.Warn("Ошибка очистки WAL", slog.String("error", err.Error()))
	}

	if len(pending) > 0 {
		s.logger.Info("WAL-восстановление завершено", slog.Int("rolled_back", len(pending)))
	}
	return nil
}

// detectContentType определяет MIME-тип файла: заголовок части
// multipart, иначе расширение имени, иначе application/octet-stream.
func detectContentType(contentType, filename string) string {
	if contentType != "" {
		// Убираем параметры (charset и т.д.)
		if i := strings.Index(contentType, ";"); i != -1 {
			contentType = strings.TrimSpace(contentType[:i])
		}
		if contentType != "" && contentType != "application/octet-stream" {
			return contentType
		}
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		if i := strings.Index(byExt, ";"); i != -1 {
			byExt = strings.TrimSpace(byExt[:i])
		}
		return byExt
	}
	return "application/octet-stream"
}
