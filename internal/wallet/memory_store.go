package wallet

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type walletKey struct {
	user string
	role models.WalletRole
}

type MemoryStore struct {
	mu       sync.Mutex
	balances map[walletKey]float64
	txs      map[string]*models.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[walletKey]float64), txs: make(map[string]*models.Transaction)}
}

func (m *MemoryStore) Balance(_ context.Context, userID string, role models.WalletRole) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[walletKey{userID, role}], nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.ID]; ok {
		return errs.New(errs.ConcurrencyConflict, "transaction %s already exists", tx.ID)
	}
	c := *tx
	m.txs[tx.ID] = &c
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "transaction %s not found", id)
	}
	c := *tx
	return &c, nil
}

func (m *MemoryStore) SettleTransaction(_ context.Context, id string, status models.TxStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return false, errs.New(errs.NotFound, "transaction %s not found", id)
	}
	if tx.Status.Terminal() {
		return false, nil
	}
	tx.Status = status
	tx.UpdatedAt = at
	if status == models.TxSuccess {
		m.balances[walletKey{tx.UserID, tx.Role}] += tx.Signed()
	}
	return true, nil
}
