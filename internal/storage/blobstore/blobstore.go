// Пакет blobstore — операции с физическими файлами шар на диске.
// Файлы группируются по коду шары: DC_DATA_DIR/<code>/<имя блоба>.
// Запись streaming с подсчётом SHA-256 на лету и ограничением размера.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrTooLarge — данные превысили лимит размера файла.
var ErrTooLarge = errors.New("file too large")

// BlobStore — управление физическими файлами шар на диске.
type BlobStore struct {
	// dataDir — корневая директория хранения (DC_DATA_DIR)
	dataDir string

	// maxFileSize — максимальный размер одного файла в байтах.
	// 0 — без ограничения.
	maxFileSize int64
}

// SaveResult — результат сохранения блоба на диск.
type SaveResult struct {
	// StoragePath — относительный путь блоба в dataDir: <code>/<имя>
	StoragePath string
	// FullPath — абсолютный путь блоба на диске
	FullPath string
	// Size — размер записанных данных в байтах
	Size int64
	// Checksum — SHA-256 хэш содержимого (hex)
	Checksum string
}

// New создаёт новый BlobStore. Создаёт директорию данных,
// если она не существует.
func New(dataDir string, maxFileSize int64) (*BlobStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &BlobStore{dataDir: dataDir, maxFileSize: maxFileSize}, nil
}

// Save записывает данные из reader в каталог шары code с подсчётом
// SHA-256 на лету. seq — порядковый номер файла в батче, используется
// в имени блоба для различения одноимённых файлов.
//
// Паттерн: temp файл → запись + SHA-256 → fsync → atomic rename.
// При ошибке или превышении лимита temp файл удаляется.
func (bs *BlobStore) Save(codeVal string, seq int, originalName string, reader io.Reader) (*SaveResult, error) {
	codeDir := filepath.Join(bs.dataDir, codeVal)
	if err := os.MkdirAll(codeDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию шары %s: %w", codeVal, err)
	}

	blobName := generateBlobName(seq, originalName)
	storagePath := filepath.Join(codeVal, blobName)
	fullPath := filepath.Join(bs.dataDir, storagePath)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	// Streaming запись с одновременным подсчётом SHA-256
	hasher := sha256.New()
	src := reader
	if bs.maxFileSize > 0 {
		// +1 байт, чтобы отличить ровно лимит от превышения
		src = io.LimitReader(reader, bs.maxFileSize+1)
	}
	tee := io.TeeReader(src, hasher)

	size, err := io.Copy(f, tee)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка записи данных: %w", err)
	}

	if bs.maxFileSize > 0 && size > bs.maxFileSize {
		f.Close()
		os.Remove(tmpPath)
		return nil, ErrTooLarge
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return &SaveResult{
		StoragePath: storagePath,
		FullPath:    fullPath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open открывает блоб для чтения. storagePath — относительный путь
// в dataDir. Вызывающий код обязан закрыть ReadCloser.
func (bs *BlobStore) Open(storagePath string) (*os.File, error) {
	fullPath := filepath.Join(bs.dataDir, storagePath)

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("блоб не найден: %s", storagePath)
		}
		return nil, fmt.Errorf("ошибка открытия блоба %s: %w", storagePath, err)
	}
	return f, nil
}

// FullPath возвращает абсолютный путь блоба на диске.
func (bs *BlobStore) FullPath(storagePath string) string {
	return filepath.Join(bs.dataDir, storagePath)
}

// Delete удаляет блоб с диска. Возвращает nil, если блоб
// уже не существует.
func (bs *BlobStore) Delete(storagePath string) error {
	fullPath := filepath.Join(bs.dataDir, storagePath)

	err := os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления блоба %s: %w", storagePath, err)
	}
	return nil
}

// Exists проверяет существование блоба на диске.
func (bs *BlobStore) Exists(storagePath string) bool {
	_, err := os.Stat(filepath.Join(bs.dataDir, storagePath))
	return err == nil
}

// RemoveCode удаляет каталог шары целиком вместе с содержимым.
// Используется при откате батча и при уборке сгоревших шар.
func (bs *BlobStore) RemoveCode(codeVal string) error {
	if codeVal == "" || strings.ContainsAny(codeVal, "/\\.") {
		return fmt.Errorf("недопустимый код для удаления каталога: %q", codeVal)
	}
	if err := os.RemoveAll(filepath.Join(bs.dataDir, codeVal)); err != nil {
		return fmt.Errorf("ошибка удаления каталога шары %s: %w", codeVal, err)
	}
	return nil
}

// MoveCode переименовывает каталог шары: блобы батча переезжают
// под новый код одним rename, без копирования содержимого.
// Используется при повторе вставки после коллизии кодов.
func (bs *BlobStore) MoveCode(oldCode, newCode string) error {
	for _, c := range []string{oldCode, newCode} {
		if c == "" || strings.ContainsAny(c, "/\\.") {
			return fmt.Errorf("недопустимый код для переноса каталога: %q", c)
		}
	}
	oldDir := filepath.Join(bs.dataDir, oldCode)
	newDir := filepath.Join(bs.dataDir, newCode)
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("ошибка переноса каталога шары %s -> %s: %w", oldCode, newCode, err)
	}
	return nil
}

// RemoveCodeDirIfEmpty удаляет каталог шары, если в нём не осталось
// файлов. Непустой каталог не трогает.
func (bs *BlobStore) RemoveCodeDirIfEmpty(codeVal string) error {
	dir := filepath.Join(bs.dataDir, codeVal)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ошибка чтения каталога шары %s: %w", codeVal, err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления пустого каталога %s: %w", codeVal, err)
	}
	return nil
}

// DataDir возвращает путь к директории данных.
func (bs *BlobStore) DataDir() string {
	return bs.dataDir
}

// generateBlobName генерирует имя блоба внутри каталога шары.
// Формат: {nn}_{имя}_{uuid8}{ext}. Порядковый номер и короткий UUID
// исключают коллизии одноимённых файлов в одном батче.
// Пример: 01_report_a1b2c3d4.pdf
func generateBlobName(seq int, originalName string) string {
	ext := filepath.Ext(originalName)
	name := sanitize(strings.TrimSuffix(originalName, ext))

	// Ограничиваем длину имени для предотвращения проблем с FS
	if len(name) > 50 {
		name = name[:50]
	}

	uid := uuid.New().String()[:8]
	return fmt.Sprintf("%02d_%s_%s%s", seq, name, uid, ext)
}

// sanitize убирает небезопасные символы из имени файла.
// Оставляет буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}
