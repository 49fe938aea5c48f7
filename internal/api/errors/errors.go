// Пакет errors — конструкторы стандартных ошибок HTTP API DropCode.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок API.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidCodeFormat  = "INVALID_CODE_FORMAT"
	CodeNotFound           = "NOT_FOUND"
	CodeGoneOrExpired      = "GONE_OR_EXPIRED"
	CodeNoFilesProvided    = "NO_FILES_PROVIDED"
	CodeFileTooLarge       = "FILE_TOO_LARGE"
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeCodeSpaceExhausted = "CODE_SPACE_EXHAUSTED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// InvalidCodeFormat — 400 строка не является кодом шары.
func InvalidCodeFormat(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidCodeFormat, message)
}

// NoFilesProvided — 400 батч загрузки пуст.
func NoFilesProvided(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeNoFilesProvided, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// GoneOrExpired — 410 шара истекла или сгорела.
// Клиент не может отличить сгоревший файл от истёкшего.
func GoneOrExpired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusGone, CodeGoneOrExpired, message)
}

// FileTooLarge — 413 файл превышает лимит.
func FileTooLarge(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, message)
}

// UploadFailed — 500 батч не сохранён (и полностью откачен).
func UploadFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeUploadFailed, message)
}

// CodeSpaceExhausted — 503 не удалось подобрать свободный код.
func CodeSpaceExhausted(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeCodeSpaceExhausted, message)
}

// RateLimited — 429 превышен лимит запросов.
func RateLimited(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
