// Пакет metastore — интерфейс хранилища метаданных шар.
// Две реализации: memstore (in-memory индекс + attr.json сайдкары)
// и postgres (pgx, условные UPDATE). Выбор бэкенда — DC_STORE_BACKEND.
package metastore

import (
	"context"
	"errors"
	"time"

	"github.com/arturkryukov/dropcode/internal/domain/model"
)

// ErrNotFound — запись не найдена в хранилище.
var ErrNotFound = errors.New("record not found")

// ErrCodeConflict — код батча уже занят другой активной шарой.
// Возвращается InsertBatch: проверка занятости в генераторе кодов
// и вставка разнесены во времени, код мог стать активным между ними.
var ErrCodeConflict = errors.New("code already active")

// Store — хранилище метаданных файловых записей.
//
// Все мутации, чувствительные к гонкам (сгорание, подсчёт выдач,
// уборка истёкших), выполняются как одиночные атомарные условные
// обновления и сообщают, сработало ли обновление. Ровно один из
// конкурирующих вызовов ClaimBurn для одной записи получает true.
type Store interface {
	// InsertBatch атомарно добавляет все записи батча.
	// При ошибке ни одна запись не видна. Если код батча уже удерживает
	// другая активная шара, возвращает ErrCodeConflict: проверка
	// занятости и вставка выполняются как единый атомарный шаг,
	// конкурирующие батчи не сливаются под одним кодом.
	InsertBatch(ctx context.Context, records []*model.FileRecord) error

	// GetByID возвращает запись по идентификатору.
	// Запись возвращается независимо от eligibility — решение
	// о выдаче принимает сервисный слой.
	GetByID(ctx context.Context, id string) (*model.FileRecord, error)

	// FindEligibleByCode возвращает доступные записи шары
	// (не сгоревшие, не истёкшие на момент now) в порядке загрузки.
	// Пустой результат — шары нет или все записи недоступны.
	FindEligibleByCode(ctx context.Context, code string, now time.Time) ([]*model.FileRecord, error)

	// CodeActive сообщает, занят ли код хотя бы одной доступной
	// записью. Используется генератором кодов.
	CodeActive(ctx context.Context, code string, now time.Time) (bool, error)

	// ClaimBurn атомарно переводит burn-запись в сгоревшее состояние,
	// если она ещё доступна на момент now. Возвращает true ровно
	// одному из конкурирующих вызовов.
	ClaimBurn(ctx context.Context, id string, now time.Time) (bool, error)

	// ReleaseBurn снимает флаг сгорания с записи. Вызывается при
	// срыве выдачи после успешного ClaimBurn, чтобы непрочитанный
	// файл остался доступным.
	ReleaseBurn(ctx context.Context, id string) error

	// FinishDownload атомарно инкрементирует счётчик выдач записи,
	// если она доступна на момент now. Для обычных (не burn) файлов.
	FinishDownload(ctx context.Context, id string, now time.Time) (bool, error)

	// RecordBurnedDownload инкрементирует счётчик выдач сгоревшей
	// записи. Вызывается после полной выдачи burn-файла победителем
	// ClaimBurn.
	RecordBurnedDownload(ctx context.Context, id string) error

	// BurnCode помечает сгоревшими все доступные записи шары.
	// Возвращает затронутые записи (для удаления блобов).
	// Пустой результат — нечего было жечь.
	BurnCode(ctx context.Context, code string, now time.Time) ([]*model.FileRecord, error)

	// ReapExpired помечает сгоревшими все записи с истёкшим TTL.
	// Возвращает затронутые записи (для удаления блобов).
	ReapExpired(ctx context.Context, now time.Time) ([]*model.FileRecord, error)

	// PurgeBurned окончательно удаляет сгоревшие записи,
	// сгоревшие раньше before. Возвращает число удалённых.
	PurgeBurned(ctx context.Context, before time.Time) (int, error)

	// DeleteByCode жёстко удаляет все записи шары независимо от
	// состояния. Используется при откате батча и WAL-восстановлении.
	DeleteByCode(ctx context.Context, code string) error

	// CountEligible возвращает число доступных записей.
	// Используется статистикой обслуживания.
	CountEligible(ctx context.Context, now time.Time) (int64, error)

	// Ping проверяет доступность хранилища.
	Ping(ctx context.Context) error

	// Close освобождает ресурсы хранилища.
	Close()
}
