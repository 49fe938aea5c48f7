package attr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arturkryukov/dropcode/internal/domain/model"
)

func testRecord(code, storagePath string) *model.FileRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &model.FileRecord{
		ID:            "550e8400-e29b-41d4-a716-446655440000",
		Code:          code,
		OriginalName:  "report.pdf",
		Size:          1024,
		MimeType:      "application/pdf",
		StoragePath:   storagePath,
		Checksum:      "abc123",
		UploadedAt:    now,
		ExpiresAt:     now.Add(time.Hour),
		DownloadCount: 0,
	}
}

// TestAttrFilePath проверяет формирование пути attr.json.
func TestAttrFilePath(t *testing.T) {
	path := AttrFilePath("/data/ABC234/01_photo_a1b2c3d4.jpg")
	want := "/data/ABC234/01_photo_a1b2c3d4.jpg.attr.json"
	if path != want {
		t.Errorf("ожидалось %s, получено %s", want, path)
	}

	if BlobPathFromAttr(path) != "/data/ABC234/01_photo_a1b2c3d4.jpg" {
		t.Errorf("обратное преобразование не совпадает: %s", BlobPathFromAttr(path))
	}
}

// TestIsAttrFile проверяет распознавание файлов метаданных.
func TestIsAttrFile(t *testing.T) {
	if !IsAttrFile("x.jpg.attr.json") {
		t.Error("x.jpg.attr.json должен распознаваться как attr-файл")
	}
	if IsAttrFile("x.jpg") {
		t.Error("x.jpg не является attr-файлом")
	}
}

// TestWriteRead проверяет запись и чтение записи.
func TestWriteRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ABC234", "01_report_a1b2c3d4.pdf.attr.json")

	rec := testRecord("ABC234", "ABC234/01_report_a1b2c3d4.pdf")
	rec.BurnAfterDownload = true

	if err := Write(path, rec); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}

	if got.ID != rec.ID {
		t.Errorf("ID: ожидалось %s, получено %s", rec.ID, got.ID)
	}
	if got.Code != rec.Code {
		t.Errorf("Code: ожидалось %s, получено %s", rec.Code, got.Code)
	}
	if !got.BurnAfterDownload {
		t.Error("BurnAfterDownload должен сохраняться")
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("ExpiresAt: ожидалось %v, получено %v", rec.ExpiresAt, got.ExpiresAt)
	}
}

// TestWrite_NoTmpFile проверяет отсутствие temp файла после записи.
func TestWrite_NoTmpFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin.attr.json")

	if err := Write(path, testRecord("ABC234", "ABC234/f.bin")); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен существовать")
	}
}

// TestRead_NotFound проверяет ошибку чтения несуществующего файла.
func TestRead_NotFound(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "no.attr.json")); err == nil {
		t.Error("ожидалась ошибка для несуществующего файла")
	}
}

// TestRead_InvalidJSON проверяет ошибку на битом JSON.
func TestRead_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.attr.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o640); err != nil {
		t.Fatalf("ошибка подготовки файла: %v", err)
	}

	if _, err := Read(path); err == nil {
		t.Error("ожидалась ошибка для невалидного JSON")
	}
}

// TestDelete проверяет удаление attr.json.
func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.attr.json")
	if err := Write(path, testRecord("ABC234", "ABC234/f")); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	if err := Delete(path); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("файл должен быть удалён")
	}

	// Повторное удаление — не ошибка
	if err := Delete(path); err != nil {
		t.Errorf("удаление несуществующего файла не должно быть ошибкой: %v", err)
	}
}

// TestScanTree проверяет рекурсивный сбор записей по каталогам шар.
func TestScanTree(t *testing.T) {
	dir := t.TempDir()

	recs := []*model.FileRecord{
		testRecord("ABC234", "ABC234/01_a.txt"),
		testRecord("ABC234", "ABC234/02_b.txt"),
		testRecord("XYZ789", "XYZ789/01_c.txt"),
	}
	for _, rec := range recs {
		path := filepath.Join(dir, rec.StoragePath+AttrSuffix)
		if err := Write(path, rec); err != nil {
			t.Fatalf("ошибка записи %s: %v", rec.StoragePath, err)
		}
	}

	// Битый attr.json и посторонний файл должны игнорироваться
	if err := os.WriteFile(filepath.Join(dir, "ABC234", "junk.attr.json"), []byte("{"), 0o640); err != nil {
		t.Fatalf("ошибка подготовки: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ABC234", "data.bin"), []byte("x"), 0o640); err != nil {
		t.Fatalf("ошибка подготовки: %v", err)
	}

	got, err := ScanTree(dir)
	if err != nil {
		t.Fatalf("ошибка сканирования: %v", err)
	}
	if len(got) != len(recs) {
		t.Fatalf("число записей: ожидалось %d, получено %d", len(recs), len(got))
	}

	byPath := make(map[string]bool)
	for _, rec := range got {
		byPath[rec.StoragePath] = true
	}
	for _, rec := range recs {
		if !byPath[rec.StoragePath] {
			t.Errorf("запись %s не найдена при сканировании", rec.StoragePath)
		}
	}
}
