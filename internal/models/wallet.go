package models

import "time"

type WalletRole string

const (
	RoleDriver    WalletRole = "driver"
	RolePassenger WalletRole = "passenger"
	RoleAdmin     WalletRole = "admin"
)

type Wallet struct {
	UserID    string     `json:"userId"`
	Role      WalletRole `json:"role"`
	Balance   float64    `json:"balance"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

func (s TxStatus) Terminal() bool { return s == TxSuccess || s == TxFailed }

// Transaction is an immutable balance adjustment. Only its status moves, and
// only out of pending.
type Transaction struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Role      WalletRole        `json:"role"`
	Amount    float64           `json:"amount"`
	Type      TxType            `json:"type"`
	Status    TxStatus          `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Signed returns the balance delta the transaction applies on success.
func (t Transaction) Signed() float64 {
	if t.Type == TxDebit {
		return -t.Amount
	}
	return t.Amount
}
