package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// PGStore keeps wallets and transactions in Postgres. Settlement locks the
// transaction row and increments the balance inside one transaction.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect wallet db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping wallet db: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) Balance(ctx context.Context, userID string, role models.WalletRole) (float64, error) {
	var bal float64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM wallets WHERE user_id=$1 AND role=$2`, userID, string(role)).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (s *PGStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	meta, err := json.Marshal(tx.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO wallet_transactions(id, user_id, role, amount, type, status, metadata, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tx.ID, tx.UserID, string(tx.Role), tx.Amount, string(tx.Type), string(tx.Status), meta, tx.CreatedAt, tx.UpdatedAt)
	return err
}

func (s *PGStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var (
		tx                models.Transaction
		role, typ, status string
		meta              []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, role, amount, type, status, metadata, created_at, updated_at
		FROM wallet_transactions WHERE id=$1`, id).Scan(
		&tx.ID, &tx.UserID, &role, &tx.Amount, &typ, &status, &meta, &tx.CreatedAt, &tx.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "transaction %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	tx.Role = models.WalletRole(role)
	tx.Type = models.TxType(typ)
	tx.Status = models.TxStatus(status)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &tx.Metadata)
	}
	return &tx, nil
}

func (s *PGStore) SettleTransaction(ctx context.Context, id string, status models.TxStatus, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		cur, userID, role, typ string
		amount                 float64
	)
	err = tx.QueryRow(ctx, `SELECT status, user_id, role, type, amount FROM wallet_transactions
		WHERE id=$1 FOR UPDATE`, id).Scan(&cur, &userID, &role, &typ, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, errs.New(errs.NotFound, "transaction %s not found", id)
	}
	if err != nil {
		return false, err
	}
	if models.TxStatus(cur).Terminal() {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE wallet_transactions SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), at); err != nil {
		return false, fmt.Errorf("failed to update transaction: %w", err)
	}
	if status == models.TxSuccess {
		delta := models.Transaction{Amount: amount, Type: models.TxType(typ)}.Signed()
		if _, err := tx.Exec(ctx, `INSERT INTO wallets(user_id, role, balance, updated_at) VALUES($1,$2,$3,$4)
			ON CONFLICT (user_id, role) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
			userID, role, delta, at); err != nil {
			return false, fmt.Errorf("failed to increment wallet: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return true, nil
}
