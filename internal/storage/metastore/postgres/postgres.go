// Пакет postgres — реализация хранилища метаданных поверх PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM. Гонко-чувствительные
// мутации выполняются одиночными условными UPDATE: атомарность
// обеспечивает сама СУБД, результат определяется по RowsAffected.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
)

// столбцы file_records в порядке selectColumns
const selectColumns = `id, code, original_name, size, mime_type, storage_path,
	checksum, burn_after_download, uploaded_at, expires_at, is_burned, download_count`

// Store — PostgreSQL-хранилище метаданных шар.
type Store struct {
	pool *pgxpool.Pool
}

// проверка соответствия интерфейсу
var _ metastore.Store = (*Store)(nil)

// New создаёт хранилище поверх готового пула соединений.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool возвращает пул соединений. Используется мониторингом
// зависимостей (dephealth).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// scanRecord читает одну строку file_records.
func scanRecord(row pgx.Row) (*model.FileRecord, error) {
	rec := &model.FileRecord{}
	err := row.Scan(
		&rec.ID, &rec.Code, &rec.OriginalName, &rec.Size, &rec.MimeType,
		&rec.StoragePath, &rec.Checksum, &rec.BurnAfterDownload,
		&rec.UploadedAt, &rec.ExpiresAt, &rec.IsBurned, &rec.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertBatch вставляет все записи батча в одной транзакции.
//
// Проверка занятости кода и вставка выполняются в одной транзакции
// под advisory-блокировкой кода: конкурирующая вставка того же кода
// ждёт её освобождения и увидит уже закоммиченные записи. Занятый
// код отклоняется с ErrCodeConflict.
func (s *Store) InsertBatch(ctx context.Context, records []*model.FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	code := records[0].Code
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, code,
	); err != nil {
		return fmt.Errorf("ошибка блокировки кода: %w", err)
	}

	var active bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM file_records
			WHERE code = $1 AND is_burned = FALSE AND expires_at > NOW()
		)`, code,
	).Scan(&active); err != nil {
		return fmt.Errorf("ошибка проверки занятости кода: %w", err)
	}
	if active {
		return metastore.ErrCodeConflict
	}

	query := `
		INSERT INTO file_records (id, code, original_name, size, mime_type,
			storage_path, checksum, burn_after_download, uploaded_at,
			expires_at, is_burned, download_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	for _, rec := range records {
		if _, err := tx.Exec(ctx, query,
			rec.ID, rec.Code, rec.OriginalName, rec.Size, rec.MimeType,
			rec.StoragePath, rec.Checksum, rec.BurnAfterDownload,
			rec.UploadedAt, rec.ExpiresAt, rec.IsBurned, rec.DownloadCount,
		); err != nil {
			return fmt.Errorf("ошибка вставки записи %s: %w", rec.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetByID возвращает запись по идентификатору.
func (s *Store) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM file_records WHERE id = $1`, selectColumns)

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, metastore.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return rec, nil
}

// FindEligibleByCode возвращает доступные записи шары
// в порядке загрузки (по пути хранения).
func (s *Store) FindEligibleByCode(ctx context.Context, code string, now time.Time) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM file_records
		WHERE code = $1 AND is_burned = FALSE AND expires_at > $2
		ORDER BY storage_path`, selectColumns)

	rows, err := s.pool.Query(ctx, query, code, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки записей шары: %w", err)
	}
	defer rows.Close()

	var result []*model.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// CodeActive сообщает, удерживает ли код хотя бы одна доступная запись.
func (s *Store) CodeActive(ctx context.Context, code string, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM file_records
			WHERE code = $1 AND is_burned = FALSE AND expires_at > $2
		)`

	var active bool
	if err := s.pool.QueryRow(ctx, query, code, now).Scan(&active); err != nil {
		return false, fmt.Errorf("ошибка проверки занятости кода: %w", err)
	}
	return active, nil
}

// ClaimBurn атомарно переводит доступную запись в сгоревшее состояние.
// Условный UPDATE: из конкурирующих вызовов строку обновит ровно один.
func (s *Store) ClaimBurn(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE file_records
		SET is_burned = TRUE
		WHERE id = $1 AND is_burned = FALSE AND expires_at > $2`

	tag, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("ошибка сгорания записи: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseBurn снимает флаг сгорания — срыв выдачи после ClaimBurn.
func (s *Store) ReleaseBurn(ctx context.Context, id string) error {
	query := `UPDATE file_records SET is_burned = FALSE WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка возврата записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return metastore.ErrNotFound
	}
	return nil
}

// FinishDownload инкрементирует счётчик выдач доступной записи.
func (s *Store) FinishDownload(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE file_records
		SET download_count = download_count + 1
		WHERE id = $1 AND is_burned = FALSE AND expires_at > $2`

	tag, err := s.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("ошибка фиксации выдачи: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordBurnedDownload инкрементирует счётчик выдач сгоревшей записи.
func (s *Store) RecordBurnedDownload(ctx context.Context, id string) error {
	query := `
		UPDATE file_records
		SET download_count = download_count + 1
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка фиксации выдачи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return metastore.ErrNotFound
	}
	return nil
}

// BurnCode помечает сгоревшими все доступные записи шары
// и возвращает их для удаления блобов.
func (s *Store) BurnCode(ctx context.Context, code string, now time.Time) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET is_burned = TRUE
		WHERE code = $1 AND is_burned = FALSE AND expires_at > $2
		RETURNING %s`, selectColumns)

	rows, err := s.pool.Query(ctx, query, code, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка сгорания шары: %w", err)
	}
	defer rows.Close()

	var burned []*model.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		burned = append(burned, rec)
	}
	return burned, rows.Err()
}

// ReapExpired помечает сгоревшими все записи с истёкшим TTL
// и возвращает их для удаления блобов.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*model.FileRecord, error) {
	query := fmt.Sprintf(`
		UPDATE file_records
		SET is_burned = TRUE
		WHERE is_burned = FALSE AND expires_at <= $1
		RETURNING %s`, selectColumns)

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка уборки истёкших записей: %w", err)
	}
	defer rows.Close()

	var reaped []*model.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		reaped = append(reaped, rec)
	}
	return reaped, rows.Err()
}

// PurgeBurned окончательно удаляет сгоревшие записи с истёкшим TTL.
// Сгоревшие burn-файлы дожидаются истечения TTL.
func (s *Store) PurgeBurned(ctx context.Context, before time.Time) (int, error) {
	query := `
		DELETE FROM file_records
		WHERE is_burned = TRUE AND expires_at <= $1`

	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("ошибка окончательного удаления записей: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteByCode жёстко удаляет все записи шары независимо от состояния.
func (s *Store) DeleteByCode(ctx context.Context, code string) error {
	query := `DELETE FROM file_records WHERE code = $1`

	if _, err := s.pool.Exec(ctx, query, code); err != nil {
		return fmt.Errorf("ошибка удаления записей шары: %w", err)
	}
	return nil
}

// CountEligible возвращает число доступных записей.
func (s *Store) CountEligible(ctx context.Context, now time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM file_records
		WHERE is_burned = FALSE AND expires_at > $1`

	var count int64
	if err := s.pool.QueryRow(ctx, query, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей: %w", err)
	}
	return count, nil
}

// Ping проверяет доступность PostgreSQL.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close закрывает пул соединений.
func (s *Store) Close() {
	s.pool.Close()
}
