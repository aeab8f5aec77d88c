package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/kitebot/internal/domain"
)

// MockBroker is a scripted domain.Broker that records every call.
type MockBroker struct {
	mu sync.Mutex

	Candles      []domain.Candle
	CandleErrs   []error // consumed one per call before Candles is returned
	Quote        domain.Quote
	QuoteErr     error
	Positions    []domain.BrokerPosition
	PlaceErr     error
	CancelErr    error
	PlaceHook    func(ctx context.Context)
	nextOrderID  int
	Orders       []domain.OrderRequest
	Cancelled    []string
	CandleCalls  int
	QuoteCalls   int
	PositionCall int

	Book      []domain.BrokerOrder // GetOrders
	BookErr   error
	BookCalls int
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	m.mu.Lock()
	hook := m.PlaceHook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	m.Orders = append(m.Orders, req)
	m.nextOrderID++
	return fmt.Sprintf("ord-%d", m.nextOrderID), nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, orderID)
	return nil
}

func (m *MockBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PositionCall++
	return m.Positions, nil
}

func (m *MockBroker) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteCalls++
	if m.QuoteErr != nil {
		return nil, m.QuoteErr
	}
	q := m.Quote
	q.Symbol = symbol
	return &q, nil
}

func (m *MockBroker) GetHistoricalCandles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CandleCalls++
	if len(m.CandleErrs) > 0 {
		err := m.CandleErrs[0]
		m.CandleErrs = m.CandleErrs[1:]
		return nil, err
	}
	return m.Candles, nil
}

func (m *MockBroker) GetOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BookCalls++
	if m.BookErr != nil {
		return nil, m.BookErr
	}
	return m.Book, nil
}

func (m *MockBroker) GetMargins(ctx context.Context) (*domain.Margins, error) {
	return &domain.Margins{}, nil
}

func (m *MockBroker) orders() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OrderRequest, len(m.Orders))
	copy(out, m.Orders)
	return out
}

func (m *MockBroker) candleCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CandleCalls
}

func (m *MockBroker) quoteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.QuoteCalls
}

// MockTradeRepo is an in-memory domain.TradeRepository.
type MockTradeRepo struct {
	mu        sync.Mutex
	Trades    []*domain.Trade
	CreateErr error
	DayPnL    float64
}

func (m *MockTradeRepo) CreateTrade(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	cp := *trade
	cp.ID = int64(len(m.Trades) + 1)
	trade.ID = cp.ID
	m.Trades = append(m.Trades, &cp)
	return nil
}

func (m *MockTradeRepo) GetTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Trades {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockTradeRepo) UpdateTradeStatus(ctx context.Context, id int64, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.Trades {
		if t.ID == id {
			if !t.Status.CanTransition(status) {
				return domain.ErrInvalidTransition
			}
			t.Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockTradeRepo) ListTrades(ctx context.Context, userID int64, filter domain.TradeFilter) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, t := range m.Trades {
		if t.UserID != userID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Symbol != "" && t.Symbol != filter.Symbol {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockTradeRepo) RealizedPnLSince(ctx context.Context, userID int64, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DayPnL, nil
}

func (m *MockTradeRepo) all() []domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Trade, len(m.Trades))
	for i, t := range m.Trades {
		out[i] = *t
	}
	return out
}

// MockStrategyRepo is an in-memory domain.StrategyRepository.
type MockStrategyRepo struct {
	mu         sync.Mutex
	Strategies map[int64]*domain.Strategy
	nextID     int64
}

func NewMockStrategyRepo() *MockStrategyRepo {
	return &MockStrategyRepo{Strategies: make(map[int64]*domain.Strategy)}
}

func (m *MockStrategyRepo) CreateStrategy(ctx context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.Strategies[s.ID] = &cp
	return nil
}

func (m *MockStrategyRepo) GetStrategy(ctx context.Context, id int64) (*domain.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Strategies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockStrategyRepo) UpdateStrategy(ctx context.Context, s *domain.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Strategies[s.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *s
	m.Strategies[s.ID] = &cp
	return nil
}

func (m *MockStrategyRepo) DeleteStrategy(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Strategies[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.Strategies, id)
	return nil
}

func (m *MockStrategyRepo) ListStrategies(ctx context.Context, userID int64) ([]*domain.Strategy, error) {
	return m.list(func(s *domain.Strategy) bool { return s.UserID == userID }), nil
}

func (m *MockStrategyRepo) ListActiveStrategies(ctx context.Context) ([]*domain.Strategy, error) {
	return m.list(func(s *domain.Strategy) bool { return s.IsActive }), nil
}

func (m *MockStrategyRepo) list(keep func(*domain.Strategy) bool) []*domain.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Strategy
	for _, s := range m.Strategies {
		if keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MockSessions hands out one broker per user; users without one have no
// session.
type MockSessions struct {
	Brokers map[int64]domain.Broker
}

func (m *MockSessions) Session(ctx context.Context, userID int64) (domain.Broker, error) {
	b, ok := m.Brokers[userID]
	if !ok {
		return nil, domain.ErrNoSession
	}
	return b, nil
}

// MockUserRepo is an in-memory domain.UserRepository.
type MockUserRepo struct {
	Users map[int64]*domain.User
}

func (m *MockUserRepo) SaveUser(ctx context.Context, u *domain.User) error {
	m.Users[u.ID] = u
	return nil
}

func (m *MockUserRepo) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	u, ok := m.Users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

// candles builds a 5 minute series from closes.
func candles(closes ...float64) []domain.Candle {
	start := time.Date(2024, 1, 2, 9, 15, 0, 0, time.UTC)
	out := make([]domain.Candle, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{Time: start.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

// buySeries falls steadily then jumps, so SMA(2) crosses above SMA(4) on
// the last bar while RSI(14) sits near 23.5.
func buySeries() []domain.Candle {
	var closes []float64
	for i := 0; i < 15; i++ {
		closes = append(closes, 100-float64(i))
	}
	return candles(append(closes, 90)...)
}

// sellSeries mirrors buySeries: SMA(2) crosses below SMA(4), RSI near 76.5.
func sellSeries() []domain.Candle {
	var closes []float64
	for i := 0; i < 15; i++ {
		closes = append(closes, 86+float64(i))
	}
	return candles(append(closes, 96)...)
}

func testParams() domain.StrategyParams {
	return domain.StrategyParams{Symbol: "INFY", Exchange: "NSE", ShortPeriod: 2, LongPeriod: 4, PositionSizeHint: 100000}
}

// stubEngine returns the scripted signals one per call, then hold.
type stubEngine struct {
	mu      sync.Mutex
	signals []domain.Signal
	calls   int
}

func (e *stubEngine) Evaluate(candles []domain.Candle, params domain.StrategyParams) domain.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.signals) == 0 {
		return domain.SignalHold
	}
	s := e.signals[0]
	e.signals = e.signals[1:]
	return s
}

func (e *stubEngine) evaluations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
