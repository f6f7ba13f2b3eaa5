package account

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Ledger for tests and local runs.
type MemoryStore struct {
	mu          sync.Mutex
	workspaces  map[string]Workspace
	users       map[string]User
	billing     map[string]Billing
	keys        map[string]Key
	keyUsed     map[string]time.Time
	disabled    map[[2]string]bool
	credentials map[[2]string]string
	records     []UsageRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:  make(map[string]Workspace),
		users:       make(map[string]User),
		billing:     make(map[string]Billing),
		keys:        make(map[string]Key),
		keyUsed:     make(map[string]time.Time),
		disabled:    make(map[[2]string]bool),
		credentials: make(map[[2]string]string),
	}
}

func (m *MemoryStore) LookupKey(_ context.Context, secret, model, provider string) (*KeyBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range m.keys {
		if k.Secret != secret || k.TimeDeleted != nil {
			continue
		}
		if _, ok := m.workspaces[k.WorkspaceID]; !ok {
			return nil, ErrNotFound
		}
		b, ok := m.billing[k.WorkspaceID]
		if !ok {
			return nil, ErrNotFound
		}
		u, ok := m.users[k.UserID]
		if !ok || u.WorkspaceID != k.WorkspaceID {
			return nil, ErrNotFound
		}
		bundle := &KeyBundle{
			KeyID:               k.ID,
			WorkspaceID:         k.WorkspaceID,
			UserID:              k.UserID,
			Billing:             b,
			User:                u,
			ProviderCredentials: m.credentials[[2]string{k.WorkspaceID, provider}],
		}
		if m.disabled[[2]string{k.WorkspaceID, model}] {
			bundle.ModelAccess = ModelDisabled
		}
		return bundle, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) SettleUsage(_ context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := s.Record.TimeCreated
	m.records = append(m.records, s.Record)
	if !s.Charge {
		return nil
	}
	cost := s.Record.Cost

	if b, ok := m.billing[s.Record.WorkspaceID]; ok {
		b.Balance = max(b.Balance-cost, 0)
		b.MonthlyUsage = accrue(b.MonthlyUsage, b.TimeMonthlyUsageUpdated, cost, now)
		b.TimeMonthlyUsageUpdated = &now
		m.billing[b.WorkspaceID] = b
	}
	if u, ok := m.users[s.UserID]; ok && u.WorkspaceID == s.Record.WorkspaceID {
		u.MonthlyUsage = accrue(u.MonthlyUsage, u.TimeMonthlyUsageUpdated, cost, now)
		u.TimeMonthlyUsageUpdated = &now
		m.users[u.ID] = u
	}
	return nil
}

func (m *MemoryStore) TouchKey(_ context.Context, keyID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[keyID]; ok {
		m.keyUsed[keyID] = now
	}
	return nil
}

func (m *MemoryStore) AcquireReloadLock(_ context.Context, workspaceID string, defaultThreshold int64, now, lockUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.billing[workspaceID]
	if !ok || !b.Reload {
		return false, nil
	}
	threshold := defaultThreshold
	if b.ReloadTrigger != nil {
		threshold = *b.ReloadTrigger
	}
	if b.Balance >= threshold {
		return false, nil
	}
	if b.TimeReloadLockedTill != nil && !b.TimeReloadLockedTill.Before(now) {
		return false, nil
	}
	b.TimeReloadLockedTill = &lockUntil
	m.billing[workspaceID] = b
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Seed(_ context.Context, f Fixture) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range f.Workspaces {
		if _, ok := m.workspaces[w.ID]; !ok {
			m.workspaces[w.ID] = w
		}
	}
	for _, u := range f.Users {
		if _, ok := m.users[u.ID]; !ok {
			m.users[u.ID] = u
		}
	}
	for _, b := range f.Billing {
		if _, ok := m.billing[b.WorkspaceID]; !ok {
			m.billing[b.WorkspaceID] = b
		}
	}
	for _, k := range f.Keys {
		if _, ok := m.keys[k.ID]; !ok {
			m.keys[k.ID] = k
		}
	}
	for _, d := range f.Disablement {
		m.disabled[[2]string{d.WorkspaceID, d.Model}] = true
	}
	for _, c := range f.Credentials {
		key := [2]string{c.WorkspaceID, c.Provider}
		if _, ok := m.credentials[key]; !ok {
			m.credentials[key] = c.Credentials
		}
	}
	return nil
}

func (m *MemoryStore) GetBilling(_ context.Context, workspaceID string) (*Billing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.billing[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) KeyLastUsed(_ context.Context, keyID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[keyID]; !ok {
		return nil, ErrNotFound
	}
	if t, ok := m.keyUsed[keyID]; ok {
		return &t, nil
	}
	return nil, nil
}

func (m *MemoryStore) UsageRecords(_ context.Context, workspaceID string) ([]UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UsageRecord
	for _, r := range m.records {
		if r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeCreated.Before(out[j].TimeCreated) })
	return out, nil
}
