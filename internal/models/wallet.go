package models

import (
	"time"
)

// Transaction kinds
const (
	TransactionCredit   = "credit"
	TransactionDebit    = "debit"
	TransactionTransfer = "transfer"
)

// Wallet holds a player's currency balance. Balance is in the smallest
// currency unit and always equals the net of the logged transactions.
type Wallet struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is a single immutable entry in a wallet's log. Entries are
// append-only; they are never updated or deleted.
type Transaction struct {
	ID           int64     `json:"id" db:"id"`
	WalletUserID string    `json:"wallet_user_id" db:"wallet_user_id"`
	FromUserID   *string   `json:"from_user_id,omitempty" db:"from_user_id"`
	ToUserID     string    `json:"to_user_id" db:"to_user_id"`
	Amount       int64     `json:"amount" db:"amount"`
	Kind         string    `json:"kind" db:"kind"`
	ItemID       *string   `json:"item_id,omitempty" db:"item_id"`
	Description  string    `json:"description" db:"description"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// WalletView is the wallet projection returned by the query surface:
// the balance plus the most recent transaction log entries.
type WalletView struct {
	Wallet
	Transactions []Transaction `json:"transactions"`
}
