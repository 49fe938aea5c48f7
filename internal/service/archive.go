// archive.go — выдача всех файлов шары одним ZIP-архивом.
//
// Архив пишется в поток без буферизации на диске. Burn-семантика
// применяется пофайлово с той же дисциплиной claim/release, что и
// одиночная выдача: файл попадает в архив только после победы
// в ClaimBurn, полностью переданные файлы фиксируются, текущий
// недописанный — возвращается.
package service

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// WriteArchive пишет ZIP со всеми доступными файлами шары в w.
// Возвращает ошибку до первого записанного байта (ErrInvalidCodeFormat,
// ErrNotFound) либо ошибку записи посреди потока — в этом случае
// ответ уже не спасти, обработчик лишь логирует.
func (s *ShareService) WriteArchive(ctx context.Context, rawCode string, w io.Writer) error {
	records, err := s.Lookup(ctx, rawCode)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	written := 0

	for _, rec := range records {
		stream, err := s.Download(ctx, rec.ID)
		if err != nil {
			// Запись могла сгореть или истечь между Lookup и Download —
			// пропускаем её, архив собирается из оставшихся
			if errors.Is(err, ErrGoneOrExpired) || errors.Is(err, ErrNotFound) {
				s.logger.Debug("Файл выпал из архива",
					slog.String("file_id", rec.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			zw.Close()
			return err
		}

		entry, err := zw.Create(rec.OriginalName)
		if err != nil {
			stream.Abort(ctx)
			zw.Close()
			return fmt.Errorf("ошибка создания записи архива: %w", err)
		}

		if _, err := io.Copy(entry, stream); err != nil {
			stream.Abort(ctx)
			zw.Close()
			return fmt.Errorf("ошибка записи файла в архив: %w", err)
		}

		// Файл полностью ушёл в поток — фиксируем выдачу
		stream.Complete(ctx)
		written++
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("ошибка завершения архива: %w", err)
	}

	shareOpsTotal.WithLabelValues("archive", "success").Inc()
	s.logger.Info("Архив шары выдан",
		slog.String("code", records[0].Code),
		slog.Int("files", written),
	)
	return nil
}
