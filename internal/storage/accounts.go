package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wavechat/msg-delivery-service/internal/domain/model"
)

// ErrAccountNotFound is the logical miss: surfaced to callers as a
// 4xx, never retried.
var ErrAccountNotFound = errors.New("account not found")

// AccountsManager is the account/device collaborator the pipeline
// depends on. CRUD itself is out of scope; the pipeline only resolves
// recipients and clears dead push tokens.
type AccountsManager interface {
	GetByUUID(ctx context.Context, account uuid.UUID) (*model.Account, error)
	ClearPushToken(ctx context.Context, account uuid.UUID, device uint32) error
}

// MemoryAccounts is an in-process AccountsManager with an LRU read
// path, used by server assembly until the account service is wired
// and by tests.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*model.Account
	hot      *lru.Cache[uuid.UUID, *model.Account]
}

func NewMemoryAccounts() *MemoryAccounts {
	hot, _ := lru.New[uuid.UUID, *model.Account](10_000)
	return &MemoryAccounts{
		accounts: make(map[uuid.UUID]*model.Account),
		hot:      hot,
	}
}

func (s *MemoryAccounts) Put(account *model.Account) {
	s.mu.Lock()
	s.accounts[account.UUID] = account
	s.mu.Unlock()
	s.hot.Remove(account.UUID)
}

func (s *MemoryAccounts) GetByUUID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	if cached, ok := s.hot.Get(id); ok {
		return cached, nil
	}

	s.mu.RLock()
	account, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}

	s.hot.Add(id, account)
	return account, nil
}

func (s *MemoryAccounts) ClearPushToken(_ context.Context, id uuid.UUID, device uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	for i := range account.Devices {
		if account.Devices[i].ID == device {
			account.Devices[i].ApnID = ""
			account.Devices[i].GcmID = ""
		}
	}
	s.hot.Remove(id)
	return nil
}
