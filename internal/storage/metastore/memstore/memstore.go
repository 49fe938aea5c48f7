// Пакет memstore — in-memory реализация хранилища метаданных.
//
// Индекс строится при старте из attr.json сайдкаров (BuildFromScan)
// и обновляется синхронно при мутациях. Сайдкары — единственный
// персистентный источник истины: каждая мутация сначала применяется
// к индексу под мьютексом, затем атомарно записывается на диск.
//
// Атомарность условных обновлений обеспечивает эксклюзивный мьютекс:
// проверка условия и мутация выполняются как единый критический
// участок, поэтому из конкурирующих ClaimBurn побеждает ровно один.
//
// Потребление памяти: ~500 байт/запись, 100K записей ≈ 50 МБ.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/storage/attr"
	"github.com/arturkryukov/dropcode/internal/storage/metastore"
)

// Memstore — потокобезопасное in-memory хранилище метаданных
// с персистентностью через attr.json сайдкары.
type Memstore struct {
	mu      sync.RWMutex
	records map[string]*model.FileRecord // id → record
	dataDir string
	logger  *slog.Logger
}

// проверка соответствия интерфейсу
var _ metastore.Store = (*Memstore)(nil)

// New создаёт пустое хранилище. Для заполнения вызовите BuildFromScan.
func New(dataDir string, logger *slog.Logger) *Memstore {
	return &Memstore{
		records: make(map[string]*model.FileRecord),
		dataDir: dataDir,
		logger:  logger.With(slog.String("component", "memstore")),
	}
}

// BuildFromScan строит индекс из attr.json сайдкаров в каталоге
// данных. Вызывается при старте сервера, заменяет текущее
// содержимое индекса.
func (m *Memstore) BuildFromScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := attr.ScanTree(m.dataDir)
	if err != nil {
		return fmt.Errorf("ошибка сканирования каталога данных: %w", err)
	}

	m.records = make(map[string]*model.FileRecord, len(records))
	for _, rec := range records {
		m.records[rec.ID] = rec
	}

	m.logger.Info("Индекс метаданных построен",
		slog.Int("records", len(m.records)),
		slog.String("data_dir", m.dataDir),
	)

	return nil
}

// attrPath возвращает путь сайдкара для записи.
func (m *Memstore) attrPath(rec *model.FileRecord) string {
	return attr.AttrFilePath(filepath.Join(m.dataDir, rec.StoragePath))
}

// persist записывает запись в сайдкар. Вызывается под мьютексом.
func (m *Memstore) persist(rec *model.FileRecord) error {
	if err := attr.Write(m.attrPath(rec), rec); err != nil {
		return fmt.Errorf("ошибка записи attr.json для %s: %w", rec.ID, err)
	}
	return nil
}

// InsertBatch добавляет все записи батча. При ошибке записи сайдкара
// уже добавленные записи батча убираются из индекса, сайдкары
// удаляются — частичный батч не остаётся видимым.
//
// Проверка занятости кода и вставка — единый критический участок:
// если код успел стать активным после генерации, батч отклоняется
// с ErrCodeConflict и не сливается с чужим.
func (m *Memstore) InsertBatch(ctx context.Context, records []*model.FileRecord) error {
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	for _, rec := range m.records {
		if rec.Code == records[0].Code && rec.Eligible(now) {
			return metastore.ErrCodeConflict
		}
	}

	inserted := make([]*model.FileRecord, 0, len(records))
	for _, rec := range records {
		c := rec.Clone()
		if err := m.persist(c); err != nil {
			// Откат уже добавленных записей батча
			for _, done := range inserted {
				delete(m.records, done.ID)
				attr.Delete(m.attrPath(done))
			}
			return err
		}
		m.records[c.ID] = c
		inserted = append(inserted, c)
	}
	return nil
}

// GetByID возвращает копию записи по идентификатору.
func (m *Memstore) GetByID(ctx context.Context, id string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, metastore.ErrNotFound
	}
	return rec.Clone(), nil
}

// FindEligibleByCode возвращает доступные записи шары
// в порядке загрузки (по пути хранения: порядковый номер в имени).
func (m *Memstore) FindEligibleByCode(ctx context.Context, code string, now time.Time) ([]*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.FileRecord
	for _, rec := range m.records {
		if rec.Code == code && rec.Eligible(now) {
			result = append(result, rec.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StoragePath < result[j].StoragePath
	})
	return result, nil
}

// CodeActive сообщает, удерживает ли код хотя бы одна доступная запись.
func (m *Memstore) CodeActive(ctx context.Context, code string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.Code == code && rec.Eligible(now) {
			return true, nil
		}
	}
	return false, nil
}

// ClaimBurn атомарно переводит доступную запись в сгоревшее состояние.
// Проверка и мутация — единый критический участок, поэтому из
// конкурирующих вызовов побеждает ровно один.
func (m *Memstore) ClaimBurn(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false, metastore.ErrNotFound
	}
	if !rec.Eligible(now) {
		return false, nil
	}

	rec.IsBurned = true
	if err := m.persist(rec); err != nil {
		rec.IsBurned = false
		return false, err
	}
	return true, nil
}

// ReleaseBurn снимает флаг сгорания — срыв выдачи после ClaimBurn.
func (m *Memstore) ReleaseBurn(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return metastore.ErrNotFound
	}
	if !rec.IsBurned {
		return nil
	}

	rec.IsBurned = false
	if err := m.persist(rec); err != nil {
		rec.IsBurned = true
		return err
	}
	return nil
}

// FinishDownload инкрементирует счётчик выдач доступной записи.
func (m *Memstore) FinishDownload(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return false, metastore.ErrNotFound
	}
	if !rec.Eligible(now) {
		return false, nil
	}

	rec.DownloadCount++
	if err := m.persist(rec); err != nil {
		rec.DownloadCount--
		return false, err
	}
	return true, nil
}

// RecordBurnedDownload инкрементирует счётчик выдач сгоревшей записи.
func (m *Memstore) RecordBurnedDownload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return metastore.ErrNotFound
	}

	rec.DownloadCount++
	if err := m.persist(rec); err != nil {
		rec.DownloadCount--
		return err
	}
	return nil
}

// BurnCode помечает сгоревшими все доступные записи шары.
func (m *Memstore) BurnCode(ctx context.Context, code string, now time.Time) ([]*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var burned []*model.FileRecord
	for _, rec := range m.records {
		if rec.Code != code || !rec.Eligible(now) {
			continue
		}
		rec.IsBurned = true
		if err := m.persist(rec); err != nil {
			return burned, err
		}
		burned = append(burned, rec.Clone())
	}
	return burned, nil
}

// ReapExpired помечает сгоревшими все записи с истёкшим TTL.
func (m *Memstore) ReapExpired(ctx context.Context, now time.Time) ([]*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []*model.FileRecord
	for _, rec := range m.records {
		if rec.IsBurned || rec.ExpiresAt.After(now) {
			continue
		}
		rec.IsBurned = true
		if err := m.persist(rec); err != nil {
			return reaped, err
		}
		reaped = append(reaped, rec.Clone())
	}
	return reaped, nil
}

// PurgeBurned окончательно удаляет сгоревшие записи с истёкшим TTL.
// Сгоревшие burn-файлы дожидаются истечения TTL: до этого момента
// их записи хранятся как след для счётчиков и диагностики.
func (m *Memstore) PurgeBurned(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, rec := range m.records {
		if !rec.IsBurned || rec.ExpiresAt.After(before) {
			continue
		}
		if err := attr.Delete(m.attrPath(rec)); err != nil {
			return purged, err
		}
		delete(m.records, id)
		purged++
	}
	return purged, nil
}

// DeleteByCode жёстко удаляет все записи шары независимо от состояния.
func (m *Memstore) DeleteByCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.records {
		if rec.Code != code {
			continue
		}
		if err := attr.Delete(m.attrPath(rec)); err != nil {
			return err
		}
		delete(m.records, id)
	}
	return nil
}

// CountEligible возвращает число доступных записей.
func (m *Memstore) CountEligible(ctx context.Context, now time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, rec := range m.records {
		if rec.Eligible(now) {
			count++
		}
	}
	return count, nil
}

// Ping всегда успешен: хранилище в памяти процесса.
func (m *Memstore) Ping(ctx context.Context) error {
	return nil
}

// Close освобождает ресурсы. Для memstore — no-op.
func (m *Memstore) Close() {}
