package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/kitebot/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTrade(orderID string, created time.Time) *domain.Trade {
	return &domain.Trade{
		UserID:     1,
		StrategyID: 7,
		OrderID:    orderID,
		Symbol:     "INFY",
		OrderType:  domain.OrderTypeMarket,
		Side:       domain.SideBuy,
		Quantity:   10,
		Price:      1500,
		CreatedAt:  created,
	}
}

func TestSQLiteStore_Users(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetUser(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	u := &domain.User{ID: 1, Email: "a@b.c", AccessToken: "tok", Limits: domain.RiskLimits{MaxPositionSize: 50000}}
	require.NoError(t, store.SaveUser(ctx, u))

	u.AccessToken = "tok2"
	require.NoError(t, store.SaveUser(ctx, u))

	got, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "tok2", got.AccessToken)
	assert.Equal(t, 50000.0, got.Limits.MaxPositionSize)
}

func TestSQLiteStore_StrategyCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := &domain.Strategy{
		UserID: 1,
		Name:   "infy-cross",
		Params: domain.StrategyParams{Symbol: "INFY", Exchange: "NSE", ShortPeriod: 5, LongPeriod: 20, PositionSizeHint: 20000},
		Limits: domain.RiskLimits{MaxPositionSize: 50000, MaxDailyLoss: 1000},
	}
	require.NoError(t, store.CreateStrategy(ctx, st))
	require.NotZero(t, st.ID)

	got, err := store.GetStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Params, got.Params)
	assert.Equal(t, st.Limits, got.Limits)
	assert.False(t, got.IsActive)

	got.IsActive = true
	got.Description = "5/20"
	require.NoError(t, store.UpdateStrategy(ctx, got))

	active, err := store.ListActiveStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "5/20", active[0].Description)

	other := &domain.Strategy{UserID: 2, Name: "other", Params: domain.StrategyParams{Symbol: "TCS"}, Limits: domain.RiskLimits{MaxPositionSize: 1}}
	require.NoError(t, store.CreateStrategy(ctx, other))
	mine, err := store.ListStrategies(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	require.NoError(t, store.DeleteStrategy(ctx, st.ID))
	_, err = store.GetStrategy(ctx, st.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.DeleteStrategy(ctx, st.ID), domain.ErrNotFound)
	assert.ErrorIs(t, store.UpdateStrategy(ctx, st), domain.ErrNotFound)
}

func TestSQLiteStore_CreateTradeDefaultsPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := newTrade("ord-1", time.Time{})
	require.NoError(t, store.CreateTrade(ctx, tr))

	got, err := store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, int64(7), got.StrategyID)
	assert.Equal(t, 10, got.Quantity)
	assert.Equal(t, domain.SideBuy, got.Side)

	var perr *domain.PersistenceError
	err = store.CreateTrade(ctx, newTrade("ord-1", time.Time{}))
	assert.ErrorAs(t, err, &perr, "order id is unique")
}

func TestSQLiteStore_UpdateTradeStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := newTrade("ord-1", time.Time{})
	require.NoError(t, store.CreateTrade(ctx, tr))

	require.NoError(t, store.UpdateTradeStatus(ctx, tr.ID, domain.StatusComplete))

	err := store.UpdateTradeStatus(ctx, tr.ID, domain.StatusCancelled)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := store.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, got.Status, "terminal status is never overwritten")

	assert.ErrorIs(t, store.UpdateTradeStatus(ctx, 999, domain.StatusComplete), domain.ErrNotFound)
	assert.ErrorIs(t, store.UpdateTradeStatus(ctx, tr.ID, domain.StatusPending), domain.ErrInvalidTransition)
}

func TestSQLiteStore_ListTradesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateTrade(ctx, newTrade(id, base.Add(time.Duration(i)*time.Minute))))
	}
	tcs := newTrade("d", base.Add(3*time.Minute))
	tcs.Symbol = "TCS"
	require.NoError(t, store.CreateTrade(ctx, tcs))
	require.NoError(t, store.UpdateTradeStatus(ctx, tcs.ID, domain.StatusComplete))

	all, err := store.ListTrades(ctx, 1, domain.TradeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].OrderID, "newest first")

	infy, err := store.ListTrades(ctx, 1, domain.TradeFilter{Symbol: "INFY", Limit: 2})
	require.NoError(t, err)
	require.Len(t, infy, 2)
	assert.Equal(t, "c", infy[0].OrderID)

	complete, err := store.ListTrades(ctx, 1, domain.TradeFilter{Status: domain.StatusComplete})
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, "TCS", complete[0].Symbol)

	since, err := store.ListTrades(ctx, 1, domain.TradeFilter{Since: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	none, err := store.ListTrades(ctx, 2, domain.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStore_RealizedPnLSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	old := newTrade("old", day.Add(-time.Hour))
	old.PnL = -500
	loss := newTrade("loss", day.Add(10*time.Hour))
	loss.Side, loss.PnL = domain.SideSell, -300
	win := newTrade("win", day.Add(11*time.Hour))
	win.Side, win.PnL = domain.SideSell, 100
	rejected := newTrade("rej", day.Add(12*time.Hour))
	rejected.Side, rejected.PnL = domain.SideSell, -1000

	for _, tr := range []*domain.Trade{old, loss, win, rejected} {
		require.NoError(t, store.CreateTrade(ctx, tr))
	}
	require.NoError(t, store.UpdateTradeStatus(ctx, rejected.ID, domain.StatusRejected))

	pnl, err := store.RealizedPnLSince(ctx, 1, day)
	require.NoError(t, err)
	assert.InDelta(t, -200.0, pnl, 1e-9)

	pnl, err = store.RealizedPnLSince(ctx, 9, day)
	require.NoError(t, err)
	assert.Zero(t, pnl)
}
