package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is a catalog identity in the master store.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	RegionID     int32     `json:"region_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type Region struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

// Account is the per-user balance row on the user's home shard. UserID is the
// catalog id; there is no separate account id.
type Account struct {
	UserID    uuid.UUID       `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsActive  bool            `json:"is_active"`
	LastSeen  *time.Time      `json:"last_seen,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is one shard-local ledger record.
type Transaction struct {
	ID                   uuid.UUID       `json:"id"`
	Seq                  int64           `json:"-"`
	Type                 string          `json:"type"`
	AccountID            uuid.UUID       `json:"account_id"`
	CounterpartyID       *uuid.UUID      `json:"counterparty_id,omitempty"`
	CounterpartyRegionID *int32          `json:"counterparty_region_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	BalanceBefore        decimal.Decimal `json:"balance_before"`
	BalanceAfter         decimal.Decimal `json:"balance_after"`
	Status               string          `json:"status"`
	Note                 string          `json:"note"`
	GlobalLogID          *int64          `json:"global_log_id,omitempty"`
	IdempotencyKey       *string         `json:"-"`
	SagaID               *uuid.UUID      `json:"saga_id,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// SagaTransfer is the durable state of a cross-shard transfer, stored on the
// source shard.
type SagaTransfer struct {
	ID                 uuid.UUID       `json:"id"`
	DebitTransactionID uuid.UUID       `json:"debit_transaction_id"`
	SenderID           uuid.UUID       `json:"sender_id"`
	ReceiverID         uuid.UUID       `json:"receiver_id"`
	SenderUsername     string          `json:"sender_username"`
	ReceiverUsername   string          `json:"receiver_username"`
	SourceRegionID     int32           `json:"source_region_id"`
	DestRegionID       int32           `json:"dest_region_id"`
	Amount             decimal.Decimal `json:"amount"`
	State              string          `json:"state"`
	LastError          string          `json:"last_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// GlobalLogEntry is one row of the master reconciliation log. All references
// are soft.
type GlobalLogEntry struct {
	ID                    int64           `json:"id"`
	RegionalTransactionID *uuid.UUID      `json:"regional_transaction_id,omitempty"`
	Type                  string          `json:"type"`
	SenderID              *uuid.UUID      `json:"sender_id,omitempty"`
	ReceiverID            *uuid.UUID      `json:"receiver_id,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	RegionalTime          *time.Time      `json:"regional_time,omitempty"`
	SourceRegionID        *int32          `json:"source_region_id,omitempty"`
	DestRegionID          *int32          `json:"dest_region_id,omitempty"`
	Status                string          `json:"status"`
	Note                  string          `json:"note"`
	CreatedAt             time.Time       `json:"created_at"`
}
