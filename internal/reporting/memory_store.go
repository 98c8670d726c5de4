package reporting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory report store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*Report // by transaction id
}

// NewMemoryStore creates an in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]*Report)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reports[r.TransactionID]; exists {
		return ErrAlreadyReported
	}
	cp := *r
	m.reports[r.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reports[transactionID]
	if !ok {
		return nil, ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByPayer(_ context.Context, payerID string, limit int) ([]*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Report
	for _, r := range m.reports {
		if r.PayerID == payerID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MemoryDirectory is an in-memory user directory.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryDirectory creates an in-memory directory seeded with users.
func NewMemoryDirectory(users ...*User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*User)}
	for _, u := range users {
		_ = d.Upsert(context.Background(), u)
	}
	return d
}

var _ Directory = (*MemoryDirectory)(nil)

func (d *MemoryDirectory) Lookup(_ context.Context, payerID string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if u, ok := d.users[payerID]; ok {
		cp := *u
		return &cp, nil
	}
	for _, u := range d.users {
		if u.Phone == payerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (d *MemoryDirectory) Upsert(_ context.Context, u *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *u
	if existing, ok := d.users[u.PayerID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	d.users[u.PayerID] = &cp
	return nil
}
