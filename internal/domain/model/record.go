// Пакет model содержит доменные структуры сервиса DropCode.
package model

import (
	"time"
)

// FileRecord — метаданные одного файла внутри шары (share).
// Запись создаётся при загрузке батча и живёт до истечения TTL,
// сжигания (burn) или явного удаления шары.
type FileRecord struct {
	// ID — уникальный идентификатор записи (UUID v4)
	ID string `json:"id"`

	// Code — код шары, к которой принадлежит файл.
	// 6 символов из алфавита пакета code.
	Code string `json:"code"`

	// OriginalName — имя файла, как его загрузил клиент
	OriginalName string `json:"original_name"`

	// Size — размер файла в байтах
	Size int64 `json:"size"`

	// MimeType — MIME-тип содержимого. Определяется по заголовку
	// части multipart либо по расширению; пустой заменяется
	// на application/octet-stream.
	MimeType string `json:"mime_type"`

	// StoragePath — относительный путь блоба внутри каталога данных:
	// <code>/<nn>_<имя>_<суффикс><расширение>
	StoragePath string `json:"storage_path"`

	// Checksum — SHA-256 содержимого (hex), вычисляется при записи блоба
	Checksum string `json:"checksum"`

	// BurnAfterDownload — файл уничтожается после первой полной выдачи
	BurnAfterDownload bool `json:"burn_after_download"`

	// UploadedAt — время создания записи (UTC)
	UploadedAt time.Time `json:"uploaded_at"`

	// ExpiresAt — время истечения TTL (UTC). После этого момента
	// запись недоступна, даже если ещё не убрана жнецом.
	ExpiresAt time.Time `json:"expires_at"`

	// IsBurned — терминальный флаг. Выставляется ровно один раз:
	// при сгорании burn-файла, при удалении шары или жнецом.
	IsBurned bool `json:"is_burned"`

	// DownloadCount — число полных выдач содержимого
	DownloadCount int64 `json:"download_count"`
}

// Eligible сообщает, доступна ли запись для выдачи в момент now.
// Сгоревшие и истёкшие записи неотличимы для клиента.
func (r *FileRecord) Eligible(now time.Time) bool {
	return !r.IsBurned && r.ExpiresAt.After(now)
}

// Clone возвращает независимую копию записи. Используется
// in-memory хранилищем, чтобы не отдавать наружу указатели
// на данные под мьютексом.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	return &c
}
