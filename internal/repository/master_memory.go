package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ayo6706/sharded-wallet/internal/models"
	"github.com/google/uuid"
)

// MemoryMaster is an in-process MasterStore.
type MemoryMaster struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]models.User
	regions     map[int32]models.Region
	globalLogs  []models.GlobalLogEntry
	idempotency map[string]IdempotencyKey
}

func NewMemoryMaster() *MemoryMaster {
	return &MemoryMaster{
		users:       make(map[uuid.UUID]models.User),
		regions:     make(map[int32]models.Region),
		idempotency: make(map[string]IdempotencyKey),
	}
}

var _ MasterStore = (*MemoryMaster)(nil)

func (m *MemoryMaster) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	for _, existing := range m.users {
		switch {
		case existing.ID == u.ID:
			return fmt.Errorf("%w: users_pkey", ErrDuplicate)
		case existing.Username == u.Username:
			return fmt.Errorf("%w: users_username_key", ErrDuplicate)
		case u.Email != "" && existing.Email == u.Email:
			return fmt.Errorf("%w: users_email_key", ErrDuplicate)
		case u.Phone != "" && existing.Phone == u.Phone:
			return fmt.Errorf("%w: users_phone_key", ErrDuplicate)
		}
	}
	u.CreatedAt = time.Now().UTC()
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryMaster) DeleteUser(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *MemoryMaster) GetUserByID(_ context.Context, id uuid.UUID) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (m *MemoryMaster) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return models.User{}, ErrNotFound
}

func (m *MemoryMaster) CreateRegion(_ context.Context, r models.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[r.ID]; !ok {
		m.regions[r.ID] = r
	}
	return nil
}

func (m *MemoryMaster) GetRegion(_ context.Context, id int32) (models.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	if !ok {
		return models.Region{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryMaster) ListRegions(_ context.Context) ([]models.Region, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	regions := make([]models.Region, 0, len(m.regions))
	for _, r := range m.regions {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].ID < regions[j].ID })
	return regions, nil
}

func (m *MemoryMaster) CreateGlobalLog(ctx context.Context, e *models.GlobalLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.globalLogs) + 1)
	e.CreatedAt = time.Now().UTC()
	m.globalLogs = append(m.globalLogs, *e)
	return nil
}

func (m *MemoryMaster) ListGlobalLogs(_ context.Context, limit int32) ([]models.GlobalLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]models.GlobalLogEntry, 0, len(m.globalLogs))
	for i := len(m.globalLogs) - 1; i >= 0; i-- {
		entries = append(entries, m.globalLogs[i])
	}
	return page(entries, 0, int(limit)), nil
}

func (m *MemoryMaster) GetIdempotencyKey(_ context.Context, key string) (IdempotencyKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.idempotency[key]
	if !ok {
		return IdempotencyKey{}, ErrNotFound
	}
	return k, nil
}

func (m *MemoryMaster) ReserveIdempotencyKey(_ context.Context, arg ReserveIdempotencyKeyParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idempotency[arg.IdempotencyKey]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	m.idempotency[arg.IdempotencyKey] = IdempotencyKey{
		IdempotencyKey: arg.IdempotencyKey,
		RequestHash:    arg.RequestHash,
		Method:         arg.Method,
		Path:           arg.Path,
		InProgress:     true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return true, nil
}

func (m *MemoryMaster) FinalizeIdempotencyKey(_ context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.idempotency[arg.IdempotencyKey]
	if !ok || k.RequestHash != arg.RequestHash {
		return IdempotencyKey{}, ErrNotFound
	}
	k.ResponseStatus = arg.ResponseStatus
	k.ResponseBody = append([]byte(nil), arg.ResponseBody...)
	k.ContentType = arg.ContentType
	k.InProgress = false
	k.UpdatedAt = time.Now().UTC()
	m.idempotency[arg.IdempotencyKey] = k
	return k, nil
}

func (m *MemoryMaster) ReleaseIdempotencyKey(_ context.Context, key, requestHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.idempotency[key]; ok && k.InProgress && k.RequestHash == requestHash {
		delete(m.idempotency, key)
	}
	return nil
}

func (m *MemoryMaster) Ping(ctx context.Context) error {
	return ctx.Err()
}
