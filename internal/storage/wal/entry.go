// Пакет wal — файловый Write-Ahead Log для обеспечения
// атомарности батчевых операций над шарами.
// Каждая транзакция — отдельный файл {tx_id}.wal.json в DC_WAL_DIR.
package wal

import (
	"time"
)

// OperationType — тип операции, записываемой в WAL.
type OperationType string

const (
	// OpBatchCreate — загрузка батча файлов в новую шару
	OpBatchCreate OperationType = "batch_create"
	// OpShareDelete — удаление шары со всеми файлами
	OpShareDelete OperationType = "share_delete"
)

// TransactionStatus — статус транзакции WAL.
type TransactionStatus string

const (
	// StatusPending — транзакция начата, операция в процессе
	StatusPending TransactionStatus = "pending"
	// StatusCommitted — транзакция успешно завершена
	StatusCommitted TransactionStatus = "committed"
	// StatusRolledBack — транзакция отменена (ошибка или ручной rollback)
	StatusRolledBack TransactionStatus = "rolled_back"
)

// Entry — запись WAL. Хранится как JSON-файл {tx_id}.wal.json.
// Pending-запись, найденная при старте, означает прерванную операцию:
// все блобы и метаданные шары с данным кодом удаляются. После этого
// шара либо никогда не существовала для клиентов (batch_create),
// либо удаление доведено до конца (share_delete).
type Entry struct {
	// TransactionID — уникальный идентификатор транзакции (UUID v4)
	TransactionID string `json:"transaction_id"`

	// Operation — тип операции
	Operation OperationType `json:"operation"`

	// Status — текущий статус транзакции
	Status TransactionStatus `json:"status"`

	// Code — код шары, над которой выполняется операция
	Code string `json:"code"`

	// StartedAt — время начала транзакции (UTC)
	StartedAt time.Time `json:"started_at"`

	// CompletedAt — время завершения транзакции (UTC).
	// nil для pending транзакций.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// walFileName возвращает имя файла WAL для данной транзакции.
func walFileName(txID string) string {
	return txID + ".wal.json"
}
