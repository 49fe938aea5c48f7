// shares.go — HTTP handlers операций с шарами: загрузка батча,
// поиск по коду, выдача файлов, архив, удаление.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/dropcode/internal/api/errors"
	"github.com/arturkryukov/dropcode/internal/domain/model"
	"github.com/arturkryukov/dropcode/internal/service"
)

// multipartMemoryLimit — объём multipart-формы, удерживаемый в памяти;
// части крупнее спуливаются во временные файлы.
const multipartMemoryLimit = 32 << 20

// fileResponse — метаданные одного файла в ответах API.
type fileResponse struct {
	ID                string    `json:"id"`
	OriginalName      string    `json:"original_name"`
	Size              int64     `json:"size"`
	MimeType          string    `json:"mime_type"`
	Checksum          string    `json:"checksum"`
	BurnAfterDownload bool      `json:"burn_after_download"`
	UploadedAt        time.Time `json:"uploaded_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	DownloadCount     int64     `json:"download_count"`
}

// shareResponse — ответ на создание и поиск шары.
type shareResponse struct {
	Code      string         `json:"code"`
	ExpiresAt time.Time      `json:"expires_at"`
	Files     []fileResponse `json:"files"`
}

// recordToResponse преобразует доменную запись в API-формат.
func recordToResponse(rec *model.FileRecord) fileResponse {
	return fileResponse{
		ID:                rec.ID,
		OriginalName:      rec.OriginalName,
		Size:              rec.Size,
		MimeType:          rec.MimeType,
		Checksum:          rec.Checksum,
		BurnAfterDownload: rec.BurnAfterDownload,
		UploadedAt:        rec.UploadedAt,
		ExpiresAt:         rec.ExpiresAt,
		DownloadCount:     rec.DownloadCount,
	}
}

// SharesHandler — обработчик endpoints шар и выдачи файлов.
type SharesHandler struct {
	svc    *service.ShareService
	logger *slog.Logger
}

// NewSharesHandler создаёт обработчик endpoints шар.
func NewSharesHandler(svc *service.ShareService, logger *slog.Logger) *SharesHandler {
	return &SharesHandler{
		svc:    svc,
		logger: logger.With(slog.String("component", "shares_handler")),
	}
}

// writeServiceError транслирует ошибки сервисного слоя в HTTP-ответы.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCodeFormat):
		apierrors.InvalidCodeFormat(w, "Код шары: 6 символов, буквы и цифры без 0/O/1/I/L")
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Шара или файл не найдены")
	case errors.Is(err, service.ErrGoneOrExpired):
		apierrors.GoneOrExpired(w, "Файл истёк или уже выдан")
	case errors.Is(err, service.ErrNoFilesProvided):
		apierrors.NoFilesProvided(w, "Батч загрузки пуст: нужен хотя бы один файл")
	case errors.Is(err, service.ErrTooManyFiles):
		apierrors.ValidationError(w, "Слишком много файлов в батче")
	case errors.Is(err, service.ErrEmptyFile):
		apierrors.ValidationError(w, "Пустые файлы не принимаются")
	case errors.Is(err, service.ErrFileTooLarge):
		apierrors.FileTooLarge(w, "Файл превышает максимально допустимый размер")
	case errors.Is(err, service.ErrCodeSpaceExhausted):
		apierrors.CodeSpaceExhausted(w, "Не удалось выделить код, повторите загрузку")
	case errors.Is(err, service.ErrUploadFailed):
		apierrors.UploadFailed(w, "Загрузка не сохранена, батч откачен")
	default:
		apierrors.InternalError(w, "Внутренняя ошибка сервиса")
	}
}

// CreateShare обрабатывает POST /api/v1/shares.
// Multipart form: files (один или несколько), burn (опционально, bool).
func (h *SharesHandler) CreateShare(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		apierrors.NoFilesProvided(w, "Поле 'files' обязательно: хотя бы один файл")
		return
	}

	burn := false
	if v := r.FormValue("burn"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("Поле 'burn' не является булевым: %q", v))
			return
		}
		burn = parsed
	}

	items := make([]service.UploadItem, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			apierrors.ValidationError(w, fmt.Sprintf("Ошибка чтения файла %q: %s", fh.Filename, err.Error()))
			return
		}
		defer f.Close()

		items = append(items, service.UploadItem{
			Reader:       f,
			OriginalName: fh.Filename,
			ContentType:  fh.Header.Get("Content-Type"),
		})
	}

	result, err := h.svc.Upload(r.Context(), service.UploadParams{
		Files:             items,
		BurnAfterDownload: burn,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	files := make([]fileResponse, 0, len(result.Records))
	for _, rec := range result.Records {
		files = append(files, recordToResponse(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(shareResponse{
		Code:      result.Code,
		ExpiresAt: result.ExpiresAt,
		Files:     files,
	})
}

// GetShare обрабатывает GET /api/v1/shares/{code}.
// Возвращает только доступные записи шары.
func (h *SharesHandler) GetShare(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.Lookup(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	files := make([]fileResponse, 0, len(records))
	for _, rec := range records {
		files = append(files, recordToResponse(rec))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(shareResponse{
		Code:      records[0].Code,
		ExpiresAt: records[0].ExpiresAt,
		Files:     files,
	})
}

// DeleteShare обрабатывает DELETE /api/v1/shares/{code}.
// Идемпотентно: удаление несуществующей шары — 204.
func (h *SharesHandler) DeleteShare(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile обрабатывает GET /api/v1/files/{file_id}/download.
// Стримит содержимое файла; для burn-файлов сгорание фиксируется
// до передачи байтов, полная передача подтверждает выдачу.
func (h *SharesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	stream, err := h.svc.Download(r.Context(), fileID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	rec := stream.Record
	w.Header().Set("Content-Type", rec.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": rec.OriginalName}))
	w.Header().Set("X-Checksum-SHA256", rec.Checksum)

	if _, err := io.Copy(w, stream); err != nil {
		// Клиент оборвал соединение или диск подвёл: передача не
		// состоялась, burn-файл остаётся доступным
		stream.Abort(r.Context())
		h.logger.Warn("Передача файла прервана",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
		return
	}

	stream.Complete(r.Context())
}

// archiveWriter откладывает установку заголовков до первого байта
// архива: ошибки до начала потока ещё могут стать JSON-ответом.
type archiveWriter struct {
	w     http.ResponseWriter
	code  string
	wrote bool
}

func (a *archiveWriter) Write(p []byte) (int, error) {
	if !a.wrote {
		a.wrote = true
		a.w.Header().Set("Content-Type", "application/zip")
		a.w.Header().Set("Content-Disposition",
			mime.FormatMediaType("attachment", map[string]string{"filename": a.code + ".zip"}))
	}
	return a.w.Write(p)
}

// DownloadArchive обрабатывает GET /api/v1/shares/{code}/archive.
// Стримит ZIP со всеми доступными файлами шары.
func (h *SharesHandler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	codeVal := chi.URLParam(r, "code")

	aw := &archiveWriter{w: w, code: codeVal}
	if err := h.svc.WriteArchive(r.Context(), codeVal, aw); err != nil {
		if !aw.wrote {
			writeServiceError(w, err)
			return
		}
		// Поток уже начат: ответ не исправить, клиент получит
		// оборванный архив
		h.logger.Error("Передача архива прервана",
			slog.String("code", codeVal),
			slog.String("error", err.Error()),
		)
	}
}
