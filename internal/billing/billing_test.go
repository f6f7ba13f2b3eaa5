package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zengateway/internal/account"
	"zengateway/internal/auth"
	"zengateway/internal/catalog"
	"zengateway/internal/core"
	"zengateway/internal/format"
	"zengateway/internal/money"
	"zengateway/internal/routing"
)

func ptr[T any](v T) *T { return &v }

func usd(t *testing.T, s string) catalog.Rate {
	t.Helper()
	v, err := money.ParseUSD(s)
	require.NoError(t, err)
	return catalog.Rate(v)
}

func TestCalculateCost(t *testing.T) {
	// $1 input / $2 output per million tokens.
	model := &catalog.Model{ID: "gpt-x", Cost: catalog.Price{Input: usd(t, "1"), Output: usd(t, "2")}}
	assert.Equal(t, int64(200_000), CalculateCost(model, format.Usage{InputTokens: 1000, OutputTokens: 500}))

	t.Run("reasoning billed at output rate", func(t *testing.T) {
		a := CalculateCost(model, format.Usage{OutputTokens: 700})
		b := CalculateCost(model, format.Usage{OutputTokens: 200, ReasoningTokens: 500})
		assert.Equal(t, a, b)
	})

	t.Run("every category", func(t *testing.T) {
		m := &catalog.Model{Cost: catalog.Price{
			Input: usd(t, "3"), Output: usd(t, "15"), CacheRead: usd(t, "0.3"),
			CacheWrite5m: usd(t, "3.75"), CacheWrite1h: usd(t, "6"),
		}}
		got := CalculateCost(m, format.Usage{
			InputTokens: 1_000_000, OutputTokens: 1_000_000, ReasoningTokens: 1_000_000,
			CacheReadTokens: 1_000_000, CacheWrite5mTokens: 1_000_000, CacheWrite1hTokens: 1_000_000,
		})
		// 3 + 15 + 15 + 0.3 + 3.75 + 6 = 43.05 USD
		assert.Equal(t, int64(4_305_000_000), got)
	})

	t.Run("rounds half up once on the sum", func(t *testing.T) {
		m := &catalog.Model{Cost: catalog.Price{Input: 1, Output: 1}}
		assert.Equal(t, int64(0), CalculateCost(m, format.Usage{InputTokens: 250_000, OutputTokens: 249_999}))
		assert.Equal(t, int64(1), CalculateCost(m, format.Usage{InputTokens: 250_000, OutputTokens: 250_000}))
	})

	t.Run("zero rates", func(t *testing.T) {
		assert.Zero(t, CalculateCost(&catalog.Model{}, format.Usage{InputTokens: 10_000, OutputTokens: 10_000}))
	})
}

func TestCalculateCost_LongContextTier(t *testing.T) {
	model := &catalog.Model{
		Cost:     catalog.Price{Input: usd(t, "3"), Output: usd(t, "15")},
		Cost200K: &catalog.Price{Input: usd(t, "6"), Output: usd(t, "22.5")},
	}

	at := format.Usage{InputTokens: 150_000, CacheReadTokens: 50_000}
	assert.Equal(t, model.Cost, PriceFor(model, at), "200,000 exactly uses the base table")

	over := format.Usage{InputTokens: 150_000, CacheReadTokens: 49_000, CacheWrite5mTokens: 1_000, CacheWrite1hTokens: 1}
	assert.Equal(t, *model.Cost200K, PriceFor(model, over), "200,001 switches tables")

	noTier := &catalog.Model{Cost: model.Cost}
	assert.Equal(t, noTier.Cost, PriceFor(noTier, over))

	assert.Equal(t, int64(60_000_000), CalculateCost(model, format.Usage{InputTokens: 200_000}))
	assert.Equal(t, int64(120_000_600), CalculateCost(model, format.Usage{InputTokens: 200_001}))
}

func TestCalculateCost_Monotonic(t *testing.T) {
	model := &catalog.Model{
		Cost:     catalog.Price{Input: 7, Output: 13, CacheRead: 3, CacheWrite5m: 11, CacheWrite1h: 17},
		Cost200K: &catalog.Price{Input: 14, Output: 26, CacheRead: 6, CacheWrite5m: 22, CacheWrite1h: 34},
	}
	bump := []func(*format.Usage){
		func(u *format.Usage) { u.InputTokens += 37_123 },
		func(u *format.Usage) { u.OutputTokens += 37_123 },
		func(u *format.Usage) { u.ReasoningTokens += 37_123 },
		func(u *format.Usage) { u.CacheReadTokens += 37_123 },
		func(u *format.Usage) { u.CacheWrite5mTokens += 37_123 },
		func(u *format.Usage) { u.CacheWrite1hTokens += 37_123 },
	}
	for i, f := range bump {
		u := format.Usage{}
		prev := CalculateCost(model, u)
		for step := 0; step < 12; step++ {
			f(&u)
			cur := CalculateCost(model, u)
			assert.GreaterOrEqual(t, cur, prev, "category %d step %d", i, step)
			prev = cur
		}
	}
}

func paidInfo() *auth.Info {
	return &auth.Info{
		APIKeyID:    "key_1",
		WorkspaceID: "wrk_1",
		UserID:      "usr_1",
		Billing:     account.Billing{WorkspaceID: "wrk_1", Balance: 500_000, PaymentMethodID: "pm_1"},
		User:        account.User{ID: "usr_1", WorkspaceID: "wrk_1"},
	}
}

func TestGuard(t *testing.T) {
	now := time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)
	thisMonth := now.AddDate(0, 0, -3)
	lastMonth := now.AddDate(0, -1, 0)
	model := &catalog.Model{ID: "m"}

	tests := []struct {
		name     string
		info     func() *auth.Info
		model    *catalog.Model
		wantKind core.ErrorKind
	}{
		{name: "anonymous", info: func() *auth.Info { return nil }},
		{name: "paid with balance", info: paidInfo},
		{name: "no payment method", wantKind: core.KindCredits, info: func() *auth.Info {
			i := paidInfo()
			i.Billing.PaymentMethodID = ""
			return i
		}},
		{name: "zero balance", wantKind: core.KindCredits, info: func() *auth.Info {
			i := paidInfo()
			i.Billing.Balance = 0
			return i
		}},
		{name: "payment method checked before balance", wantKind: core.KindCredits, info: func() *auth.Info {
			i := paidInfo()
			i.Billing.PaymentMethodID = ""
			i.Billing.Balance = 0
			return i
		}},
		{name: "zero balance but byok", info: func() *auth.Info {
			i := paidInfo()
			i.Billing.Balance = 0
			i.ProviderCredentials = "sk-own"
			return i
		}},
		{name: "zero balance but free workspace", info: func() *auth.Info {
			i := paidInfo()
			i.Billing.Balance = 0
			i.IsFree = true
			return i
		}},
		{name: "zero balance on anonymous-capable model", model: &catalog.Model{ID: "free", AllowAnonymous: true}, info: func() *auth.Info {
			i := paidInfo()
			i.Billing.Balance = 0
			return i
		}},
		{name: "workspace cap reached this month", wantKind: core.KindMonthlyLimit, info: func() *auth.Info {
			i := paidInfo()
			i.Billing.MonthlyLimit = ptr[int64](1_000)
			i.Billing.MonthlyUsage = 1_000
			i.Billing.TimeMonthlyUsageUpdated = ptr(thisMonth)
			return i
		}},
		{name: "workspace cap from last month is stale", info: func() *auth.Info {
			i := paidInfo()
			i.Billing.MonthlyLimit = ptr[int64](1_000)
			i.Billing.MonthlyUsage = 5_000
			i.Billing.TimeMonthlyUsageUpdated = ptr(lastMonth)
			return i
		}},
		{name: "workspace under cap", info: func() *auth.Info {
			i := paidInfo()
			i.Billing.MonthlyLimit = ptr[int64](1_000)
			i.Billing.MonthlyUsage = 999
			i.Billing.TimeMonthlyUsageUpdated = ptr(thisMonth)
			return i
		}},
		{name: "user cap reached this month", wantKind: core.KindUserLimit, info: func() *auth.Info {
			i := paidInfo()
			i.User.MonthlyLimit = ptr[int64](100)
			i.User.MonthlyUsage = 150
			i.User.TimeMonthlyUsageUpdated = ptr(thisMonth)
			return i
		}},
		{name: "user at last month's cap rolls over", info: func() *auth.Info {
			i := paidInfo()
			i.User.MonthlyLimit = ptr[int64](100)
			i.User.MonthlyUsage = 100
			i.User.TimeMonthlyUsageUpdated = ptr(lastMonth)
			return i
		}},
		{name: "workspace cap checked before user cap", wantKind: core.KindMonthlyLimit, info: func() *auth.Info {
			i := paidInfo()
			i.Billing.MonthlyLimit = ptr[int64](1)
			i.Billing.MonthlyUsage = 1
			i.Billing.TimeMonthlyUsageUpdated = ptr(thisMonth)
			i.User.MonthlyLimit = ptr[int64](1)
			i.User.MonthlyUsage = 1
			i.User.TimeMonthlyUsageUpdated = ptr(thisMonth)
			return i
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.model
			if m == nil {
				m = model
			}
			err := Guard{}.Check(tt.info(), m, now)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			gwErr, ok := core.AsGatewayError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.wantKind, gwErr.Kind)
		})
	}
}

func TestGuard_LimitMessageInUSD(t *testing.T) {
	now := time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)
	i := paidInfo()
	i.Billing.MonthlyLimit = ptr[int64](2_550_000_000)
	i.Billing.MonthlyUsage = 2_550_000_000
	i.Billing.TimeMonthlyUsageUpdated = ptr(now)
	err := Guard{}.Check(i, &catalog.Model{ID: "m"}, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "$25.5")
}

func newSettleFixture(t *testing.T) (*account.MemoryStore, *Settler) {
	t.Helper()
	store := account.NewMemoryStore()
	require.NoError(t, store.Seed(context.Background(), account.Fixture{
		Workspaces: []account.Workspace{{ID: "wrk_1"}},
		Users:      []account.User{{ID: "usr_1", WorkspaceID: "wrk_1"}},
		Billing:    []account.Billing{{WorkspaceID: "wrk_1", Balance: 500_000, PaymentMethodID: "pm_1"}},
		Keys:       []account.Key{{ID: "key_1", WorkspaceID: "wrk_1", UserID: "usr_1", Secret: "sk"}},
	}))
	s := NewSettler(store)
	s.now = func() time.Time { return time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC) }
	return store, s
}

func TestSettler(t *testing.T) {
	ctx := context.Background()
	model := &catalog.Model{ID: "gpt-x", Cost: catalog.Price{Input: usd(t, "1"), Output: usd(t, "2")}}
	sel := &routing.Selection{ProviderID: "openai"}
	u := format.Usage{InputTokens: 1000, OutputTokens: 500}

	t.Run("paid", func(t *testing.T) {
		store, s := newSettleFixture(t)
		cost, err := s.Settle(ctx, paidInfo(), sel, model, u)
		require.NoError(t, err)
		assert.Equal(t, int64(200_000), cost)

		b, _ := store.GetBilling(ctx, "wrk_1")
		assert.Equal(t, int64(300_000), b.Balance)
		assert.Equal(t, int64(200_000), b.MonthlyUsage)
		usr, _ := store.GetUser(ctx, "usr_1")
		assert.Equal(t, int64(200_000), usr.MonthlyUsage)

		records, _ := store.UsageRecords(ctx, "wrk_1")
		require.Len(t, records, 1)
		assert.Equal(t, "gpt-x", records[0].Model)
		assert.Equal(t, "openai", records[0].Provider)
		assert.Equal(t, "key_1", records[0].KeyID)
		assert.Equal(t, int64(1000), records[0].InputTokens)
		assert.Len(t, records[0].ID, 36)

		used, _ := store.KeyLastUsed(ctx, "key_1")
		assert.NotNil(t, used)
	})

	t.Run("byok records zero cost", func(t *testing.T) {
		store, s := newSettleFixture(t)
		info := paidInfo()
		info.ProviderCredentials = "sk-own"
		cost, err := s.Settle(ctx, info, sel, model, u)
		require.NoError(t, err)
		assert.Zero(t, cost)

		b, _ := store.GetBilling(ctx, "wrk_1")
		assert.Equal(t, int64(500_000), b.Balance)
		assert.Zero(t, b.MonthlyUsage)
		records, _ := store.UsageRecords(ctx, "wrk_1")
		require.Len(t, records, 1)
		assert.Zero(t, records[0].Cost)
	})

	t.Run("free workspace records zero cost", func(t *testing.T) {
		store, s := newSettleFixture(t)
		info := paidInfo()
		info.IsFree = true
		_, err := s.Settle(ctx, info, sel, model, u)
		require.NoError(t, err)
		b, _ := store.GetBilling(ctx, "wrk_1")
		assert.Equal(t, int64(500_000), b.Balance)
	})

	t.Run("anonymous writes nothing", func(t *testing.T) {
		store, s := newSettleFixture(t)
		cost, err := s.Settle(ctx, nil, sel, model, u)
		require.NoError(t, err)
		assert.Zero(t, cost)
		records, _ := store.UsageRecords(ctx, "wrk_1")
		assert.Empty(t, records)
	})
}

type failingLedger struct{ touched bool }

func (f *failingLedger) SettleUsage(context.Context, account.Settlement) error {
	return errors.New("disk full")
}

func (f *failingLedger) TouchKey(context.Context, string, time.Time) error {
	f.touched = true
	return nil
}

func TestSettler_LedgerFailure(t *testing.T) {
	l := &failingLedger{}
	_, err := NewSettler(l).Settle(context.Background(), paidInfo(), &routing.Selection{}, &catalog.Model{ID: "m"}, format.Usage{})
	require.Error(t, err)
	assert.False(t, l.touched, "key is stamped only after a successful settlement")
}

type recordingReloader struct {
	mu    sync.Mutex
	calls []int64
}

func (r *recordingReloader) Reload(_ context.Context, _ string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, amount)
	return nil
}

func reloadFixture(t *testing.T, balance int64, reload bool) *account.MemoryStore {
	t.Helper()
	store := account.NewMemoryStore()
	require.NoError(t, store.Seed(context.Background(), account.Fixture{
		Workspaces: []account.Workspace{{ID: "wrk_1"}},
		Billing:    []account.Billing{{WorkspaceID: "wrk_1", Balance: balance, PaymentMethodID: "pm_1", Reload: reload}},
	}))
	return store
}

func TestReloadTrigger(t *testing.T) {
	ctx := context.Background()
	opts := ReloadOptions{Threshold: 500_000_000, Amount: 2_000_000_000}

	t.Run("below threshold reloads once", func(t *testing.T) {
		rec := &recordingReloader{}
		trig := NewReloadTrigger(reloadFixture(t, 100, true), rec, opts)
		info := paidInfo()
		info.Billing.Reload = true

		ok, err := trig.Maybe(ctx, info)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = trig.Maybe(ctx, info)
		require.NoError(t, err)
		assert.False(t, ok, "lock is held for a minute")
		assert.Equal(t, []int64{2_000_000_000}, rec.calls)
	})

	t.Run("workspace amount overrides default", func(t *testing.T) {
		rec := &recordingReloader{}
		trig := NewReloadTrigger(reloadFixture(t, 100, true), rec, opts)
		info := paidInfo()
		info.Billing.Reload = true
		info.Billing.ReloadAmount = ptr[int64](1_000)
		_, err := trig.Maybe(ctx, info)
		require.NoError(t, err)
		assert.Equal(t, []int64{1_000}, rec.calls)
	})

	t.Run("skips unbilled callers and disabled reload", func(t *testing.T) {
		rec := &recordingReloader{}
		trig := NewReloadTrigger(reloadFixture(t, 100, true), rec, opts)

		byok := paidInfo()
		byok.Billing.Reload = true
		byok.ProviderCredentials = "sk"
		for _, info := range []*auth.Info{nil, byok, paidInfo()} {
			ok, err := trig.Maybe(ctx, info)
			require.NoError(t, err)
			assert.False(t, ok)
		}
		assert.Empty(t, rec.calls)
	})

	t.Run("above threshold does nothing", func(t *testing.T) {
		rec := &recordingReloader{}
		trig := NewReloadTrigger(reloadFixture(t, 600_000_000, true), rec, opts)
		info := paidInfo()
		info.Billing.Reload = true
		ok, err := trig.Maybe(ctx, info)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent requests reload once", func(t *testing.T) {
		rec := &recordingReloader{}
		trig := NewReloadTrigger(reloadFixture(t, 100, true), rec, opts)
		info := paidInfo()
		info.Billing.Reload = true

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := trig.Maybe(ctx, info)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		assert.Len(t, rec.calls, 1)
	})
}

func TestRedisQueueReloader(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedisQueueReloader("redis://"+mr.Addr(), "")
	require.NoError(t, err)
	defer r.Close()
	r.now = func() time.Time { return time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, r.Reload(context.Background(), "wrk_1", 2_000_000_000))

	items, err := mr.List(DefaultReloadQueueKey)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var job ReloadJob
	require.NoError(t, json.Unmarshal([]byte(items[0]), &job))
	assert.Equal(t, "wrk_1", job.WorkspaceID)
	assert.Equal(t, int64(2_000_000_000), job.Amount)
	assert.NotEmpty(t, job.ID)
	assert.True(t, job.RequestedAt.Equal(time.Date(2026, time.October, 16, 12, 0, 0, 0, time.UTC)))
}

func TestNewRedisQueueReloader_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := NewRedisQueueReloader("redis://"+addr, "q")
	require.Error(t, err)
}
