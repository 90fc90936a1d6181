package domain

// Transaction record types (shard-local).
const (
	TxTypeTopUp                 = "TOPUP"
	TxTypeWithdrawal            = "WITHDRAWAL"
	TxTypeTransferIn            = "TRANSFER_IN"
	TxTypeTransferOut           = "TRANSFER_OUT"
	TxTypeSagaPendingCredit     = "SAGA_PENDING_CREDIT"
	TxTypeSagaFailedCompensated = "SAGA_FAILED_COMPENSATED"
)

// Transaction record statuses.
const (
	TxStatusPending               = "PENDING"
	TxStatusCompleted             = "COMPLETED"
	TxStatusFailed                = "FAILED"
	TxStatusCancelled             = "CANCELLED"
	TxStatusSagaPendingCredit     = "SAGA_PENDING_CREDIT"
	TxStatusSagaFailedCompensated = "SAGA_FAILED_COMPENSATED"
)

// Global reconciliation log entry types (master store).
const (
	GlobalTypeTopUp            = "TOPUP"
	GlobalTypeWithdrawal       = "WITHDRAWAL"
	GlobalTypeTransfer         = "TRANSFER"
	GlobalTypeSagaCompensation = "SAGA_COMPENSATION"

	GlobalStatusCompleted = "COMPLETED"
	GlobalStatusFailed    = "FAILED"
)

// Saga states. Only DEBITED and the terminal states are persisted; the
// others exist for the in-flight state machine and logs.
const (
	SagaInitiated          = "INITIATED"
	SagaDebited            = "DEBITED"
	SagaCredited           = "CREDITED"
	SagaCreditFailed       = "CREDIT_FAILED"
	SagaCompensating       = "COMPENSATING"
	SagaFinalized          = "FINALIZED"
	SagaCompensated        = "COMPENSATED"
	SagaCompensationFailed = "COMPENSATION_FAILED"
)

// Transfer dispatch modes.
const (
	TransferModeIntraShard = "INTRA_SHARD"
	TransferModeCrossShard = "CROSS_SHARD"
)
