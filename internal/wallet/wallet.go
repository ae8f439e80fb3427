// Package wallet is the balance ledger. Balances only move when a
// transaction settles as success, and a transaction settles at most once.
package wallet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
)

type Store interface {
	Balance(ctx context.Context, userID string, role models.WalletRole) (float64, error)
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	// SettleTransaction moves a pending transaction to status and, for
	// success, applies its signed amount with an atomic increment. It
	// returns false without side effects when the transaction is already
	// terminal.
	SettleTransaction(ctx context.Context, id string, status models.TxStatus, at time.Time) (bool, error)
}

type Ledger struct {
	store     Store
	processor payments.Processor
	currency  string
	logger    *slog.Logger
	now       func() time.Time
}

func NewLedger(store Store, processor payments.Processor, currency string, logger *slog.Logger) *Ledger {
	if currency == "" {
		currency = "usd"
	}
	return &Ledger{store: store, processor: processor, currency: currency, logger: logging.OrDiscard(logger), now: time.Now}
}

func (l *Ledger) Balance(ctx context.Context, userID string, role models.WalletRole) (float64, error) {
	return l.store.Balance(ctx, userID, role)
}

func (l *Ledger) Transaction(ctx context.Context, id string) (*models.Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

func (l *Ledger) newTx(userID string, role models.WalletRole, amount float64, typ models.TxType, meta map[string]string) (*models.Transaction, error) {
	if userID == "" {
		return nil, errs.New(errs.Validation, "wallet user id is required")
	}
	if amount <= 0 {
		return nil, errs.New(errs.Validation, "amount must be > 0")
	}
	now := l.now()
	return &models.Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Amount:    amount,
		Type:      typ,
		Status:    models.TxPending,
		Metadata:  meta,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// apply records and immediately settles an internal adjustment.
func (l *Ledger) apply(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if _, err := l.store.SettleTransaction(ctx, tx.ID, models.TxSuccess, l.now()); err != nil {
		return nil, err
	}
	tx.Status = models.TxSuccess
	return tx, nil
}

// Debit subtracts amount. Settlement debits may take a driver balance
// below zero; the finance rule keeps such drivers out of dispatch.
func (l *Ledger) Debit(ctx context.Context, userID string, role models.WalletRole, amount float64, meta map[string]string) (*models.Transaction, error) {
	tx, err := l.newTx(userID, role, amount, models.TxDebit, meta)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx)
}

func (l *Ledger) Credit(ctx context.Context, userID string, role models.WalletRole, amount float64, meta map[string]string) (*models.Transaction, error) {
	tx, err := l.newTx(userID, role, amount, models.TxCredit, meta)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, tx)
}

// TopUp opens a pending credit and asks the processor to charge for it.
func (l *Ledger) TopUp(ctx context.Context, userID string, role models.WalletRole, amount float64) (*models.Transaction, error) {
	tx, err := l.newTx(userID, role, amount, models.TxCredit, map[string]string{"kind": "topup"})
	if err != nil {
		return nil, err
	}
	return l.initiate(ctx, tx)
}

// Payout opens a pending debit after checking the balance covers it.
func (l *Ledger) Payout(ctx context.Context, userID string, role models.WalletRole, amount float64) (*models.Transaction, error) {
	tx, err := l.newTx(userID, role, amount, models.TxDebit, map[string]string{"kind": "payout"})
	if err != nil {
		return nil, err
	}
	bal, err := l.store.Balance(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	if bal < amount {
		return nil, errs.New(errs.InsufficientFunds, "balance %.2f does not cover %.2f", bal, amount)
	}
	return l.initiate(ctx, tx)
}

// initiate stores the pending transaction, then charges for credits and
// pays out for debits using the transaction id as reference.
func (l *Ledger) initiate(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if l.processor == nil {
		return nil, errs.New(errs.UpstreamService, "no payment processor configured")
	}
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	var gatewayID string
	var err error
	if tx.Type == models.TxCredit {
		gatewayID, err = l.processor.InitiateCharge(ctx, tx.ID, tx.Amount, l.currency)
	} else {
		gatewayID, err = l.processor.InitiatePayout(ctx, tx.ID, tx.Amount, l.currency)
	}
	if err != nil {
		if _, serr := l.store.SettleTransaction(ctx, tx.ID, models.TxFailed, l.now()); serr != nil {
			l.logger.Error("mark transaction failed", "tx_id", tx.ID, "error", serr)
		}
		return nil, errs.Wrap(errs.UpstreamService, err, "payment processor")
	}
	l.logger.Info("payment initiated", "tx_id", tx.ID, "gateway_id", gatewayID, "type", tx.Type, "amount", tx.Amount)
	return tx, nil
}

// MapGatewayStatus folds gateway vocabularies onto ledger statuses.
func MapGatewayStatus(s string) models.TxStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETED", "SUCCESS", "SUCCEEDED", "APPROVED", "PAID":
		return models.TxSuccess
	case "FAILED", "CANCELLED", "CANCELED", "DECLINED":
		return models.TxFailed
	default:
		return models.TxPending
	}
}

type WebhookResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Applied     bool                `json:"applied"`
}

// HandleWebhook settles the referenced transaction. Duplicate deliveries
// and non-terminal statuses are acknowledged without touching the wallet.
func (l *Ledger) HandleWebhook(ctx context.Context, ev payments.WebhookEvent) (WebhookResult, error) {
	if ev.Reference == "" {
		return WebhookResult{}, errs.New(errs.Validation, "webhook reference is required")
	}
	status := MapGatewayStatus(ev.Status)
	if status == models.TxPending {
		observability.WebhooksTotal.WithLabelValues("pending").Inc()
		tx, err := l.store.GetTransaction(ctx, ev.Reference)
		return WebhookResult{Transaction: tx}, err
	}
	applied, err := l.store.SettleTransaction(ctx, ev.Reference, status, l.now())
	if err != nil {
		observability.WebhooksTotal.WithLabelValues("error").Inc()
		return WebhookResult{}, err
	}
	tx, err := l.store.GetTransaction(ctx, ev.Reference)
	if err != nil {
		return WebhookResult{}, err
	}
	if applied {
		observability.WebhooksTotal.WithLabelValues(string(status)).Inc()
		l.logger.Info("webhook settled", "tx_id", tx.ID, "status", status, "gateway_id", ev.GatewayID)
	} else {
		observability.WebhooksTotal.WithLabelValues("duplicate").Inc()
		l.logger.Info("webhook ignored, transaction already terminal", "tx_id", tx.ID, "status", tx.Status)
	}
	return WebhookResult{Transaction: tx, Applied: applied}, nil
}
