// download.go — выдача содержимого файлов с burn-семантикой.
//
// Для burn-файлов сгорание фиксируется атомарно ДО начала передачи
// байтов (ClaimBurn): из конкурирующих скачиваний ровно одно получает
// содержимое, остальные видят «истекло или сгорело». Если передача
// сорвалась, claim возвращается (ReleaseBurn) и файл снова доступен.
// Счётчик выдач и удаление блоба фиксируются только после полной
// передачи содержимого.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
)

// DownloadStream — открытая выдача одного файла.
// Вызывающий код обязан завершить выдачу ровно одним из вызовов:
// Complete (содержимое передано полностью) или Abort (передача сорвана).
type DownloadStream struct {
	// Record — метаданные выдаваемого файла
	Record *model.FileRecord

	reader  io.ReadCloser
	svc     *ShareService
	claimed bool // burn-файл, сгорание зафиксировано этим стримом
	done    bool
}

// Read отдаёт содержимое файла.
func (d *DownloadStream) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

// Download открывает выдачу файла по идентификатору записи.
//
// Поток:
//  1. Выборка записи, проверка доступности
//  2. Для burn-файлов — атомарный ClaimBurn (ровно один победитель)
//  3. Открытие блоба; при отсутствии — возврат claim и ошибка
//     целостности хранилища
func (s *ShareService) Download(ctx context.Context, fileID string) (*DownloadStream, error) {
	now := time.Now().UTC()

	// 1. Запись и её доступность
	rec, err := s.store.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка выборки записи: %w", err)
	}
	if !rec.Eligible(now) {
		shareOpsTotal.WithLabelValues("download", "gone").Inc()
		return nil, ErrGoneOrExpired
	}

	claimed := false
	if rec.BurnAfterDownload {
		// 2. Атомарная фиксация сгорания до передачи байтов
		ok, err := s.store.ClaimBurn(ctx, fileID, now)
		if err != nil {
			return nil, fmt.Errorf("ошибка фиксации сгорания: %w", err)
		}
		if !ok {
			// Конкурирующее скачивание уже победило
			shareOpsTotal.WithLabelValues("download", "gone").Inc()
			return nil, ErrGoneOrExpired
		}
		claimed = true
	}

	// 3. Открываем блоб
	f, err := s.blobs.Open(rec.StoragePath)
	if err != nil {
		if claimed {
			if relErr := s.store.ReleaseBurn(context.WithoutCancel(ctx), fileID); relErr != nil {
				s.logger.Error("Ошибка возврата claim после сбоя открытия блоба",
					slog.String("file_id", fileID),
					slog.String("error", relErr.Error()),
				)
			}
		}
		s.logger.Error("Блоб отсутствует при живой записи",
			slog.String("file_id", fileID),
			slog.String("storage_path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s", ErrStorageInconsistency, rec.StoragePath)
	}

	activeDownloads.Inc()

	return &DownloadStream{
		Record:  rec,
		reader:  f,
		svc:     s,
		claimed: claimed,
	}, nil
}

// Complete фиксирует полную передачу содержимого: инкремент счётчика
// выдач, для burn-файлов — удаление блоба. Сгоревшая запись остаётся
// в хранилище до истечения TTL (жнец удалит её окончательно).
func (d *DownloadStream) Complete(ctx context.Context) {
	if d.done {
		return
	}
	d.done = true
	activeDownloads.Dec()
	d.reader.Close()

	s := d.svc
	rec := d.Record
	ctx = context.WithoutCancel(ctx)

	if d.claimed {
		if err := s.store.RecordBurnedDownload(ctx, rec.ID); err != nil {
			s.logger.Error("Ошибка фиксации выдачи burn-файла",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		// Блоб сгоревшего файла больше не нужен
		if err := s.blobs.Delete(rec.StoragePath); err != nil {
			s.logger.Error("Ошибка удаления блоба сгоревшего файла",
				slog.String("file_id", rec.ID),
				slog.String("storage_path", rec.StoragePath),
				slog.String("error", err.Error()),
			)
		}
		if err := s.blobs.RemoveCodeDirIfEmpty(rec.Code); err != nil {
			s.logger.Warn("Ошибка уборки каталога шары",
				slog.String("code", rec.Code),
				slog.String("error", err.Error()),
			)
		}
		shareOpsTotal.WithLabelValues("download", "burned").Inc()
		s.logger.Info("Burn-файл выдан и сожжён",
			slog.String("file_id", rec.ID),
			slog.String("code", rec.Code),
		)
		return
	}

	// Обычный файл: условный инкремент — запись могла истечь во
	// время передачи, тогда счётчик уже не важен
	if _, err := s.store.FinishDownload(ctx, rec.ID, time.Now().UTC()); err != nil {
		s.logger.Error("Ошибка фиксации выдачи",
			slog.String("file_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	shareOpsTotal.WithLabelValues("download", "success").Inc()
}

// Abort фиксирует срыв передачи: для burn-файлов claim возвращается,
// файл остаётся доступным для следующей попытки.
func (d *DownloadStream) Abort(ctx context.Context) {
	if d.done {
		return
	}
	d.done = true
	activeDownloads.Dec()
	d.reader.Close()

	s := d.svc
	rec := d.Record

	if d.claimed {
		if err := s.store.ReleaseBurn(context.WithoutCancel(ctx), rec.ID); err != nil {
			s.logger.Error("Ошибка возврата claim после срыва передачи",
				slog.String("file_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	shareOpsTotal.WithLabelValues("download", "aborted").Inc()
	s.logger.Warn("Передача файла сорвана",
		slog.String("file_id", rec.ID),
		slog.String("code", rec.Code),
		slog.Bool("burn_released", d.claimed),
	)
}
