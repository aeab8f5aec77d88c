package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/kitebot/internal/domain"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ domain.TradeRepository    = (*SQLiteStore)(nil)
	_ domain.StrategyRepository = (*SQLiteStore)(nil)
	_ domain.UserRepository     = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, &domain.PersistenceError{Op: "open", Err: err}
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, &domain.PersistenceError{Op: "init schema", Err: err}
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			email TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			max_position_size REAL NOT NULL,
			max_daily_loss REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			params TEXT NOT NULL,
			max_position_size REAL NOT NULL,
			max_daily_loss REAL NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			strategy_id INTEGER,
			order_id TEXT NOT NULL UNIQUE,
			trading_symbol TEXT NOT NULL,
			order_type TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL NOT NULL,
			status TEXT NOT NULL,
			pnl REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_created ON trades(user_id, created_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

// UserRepository Implementation

func (s *SQLiteStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	query := `INSERT INTO users (id, email, access_token, max_position_size, max_daily_loss, created_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  email=excluded.email,
			  access_token=excluded.access_token,
			  max_position_size=excluded.max_position_size,
			  max_daily_loss=excluded.max_daily_loss`
	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Email, u.AccessToken, u.Limits.MaxPositionSize, u.Limits.MaxDailyLoss, u.CreatedAt.UTC())
	return wrap("save user", err)
}

func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT id, email, access_token, max_position_size, max_daily_loss, created_at FROM users WHERE id = ?`
	var u domain.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.AccessToken, &u.Limits.MaxPositionSize, &u.Limits.MaxDailyLoss, &u.CreatedAt)
	if err != nil {
		return nil, wrap("get user", err)
	}
	return &u, nil
}

// StrategyRepository Implementation

const strategyColumns = `id, user_id, name, description, params, max_position_size, max_daily_loss, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStrategy(row rowScanner) (*domain.Strategy, error) {
	var st domain.Strategy
	var params string
	err := row.Scan(&st.ID, &st.UserID, &st.Name, &st.Description, &params,
		&st.Limits.MaxPositionSize, &st.Limits.MaxDailyLoss, &st.IsActive, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &st.Params); err != nil {
		return nil, fmt.Errorf("strategy %d params: %w", st.ID, err)
	}
	return &st, nil
}

func (s *SQLiteStore) CreateStrategy(ctx context.Context, st *domain.Strategy) error {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return wrap("create strategy", err)
	}
	now := s.now()
	query := `INSERT INTO strategies (user_id, name, description, params, max_position_size, max_daily_loss, is_active, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		st.UserID, st.Name, st.Description, string(params),
		st.Limits.MaxPositionSize, st.Limits.MaxDailyLoss, st.IsActive, now, now)
	if err != nil {
		return wrap("create strategy", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("create strategy", err)
	}
	st.ID = id
	st.CreatedAt = now
	st.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, id int64) (*domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if err != nil {
		return nil, wrap("get strategy", err)
	}
	return st, nil
}

func (s *SQLiteStore) UpdateStrategy(ctx context.Context, st *domain.Strategy) error {
	params, err := json.Marshal(st.Params)
	if err != nil {
		return wrap("update strategy", err)
	}
	now := s.now()
	query := `UPDATE strategies SET name = ?, description = ?, params = ?, max_position_size = ?, max_daily_loss = ?, is_active = ?, updated_at = ?
			  WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		st.Name, st.Description, string(params), st.Limits.MaxPositionSize, st.Limits.MaxDailyLoss, st.IsActive, now, st.ID)
	if err != nil {
		return wrap("update strategy", err)
	}
	if err := affectedOne(res); err != nil {
		return wrap("update strategy", err)
	}
	st.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteStrategy(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM strategies WHERE id = ?", id)
	if err != nil {
		return wrap("delete strategy", err)
	}
	return wrap("delete strategy", affectedOne(res))
}

func (s *SQLiteStore) ListStrategies(ctx context.Context, userID int64) ([]*domain.Strategy, error) {
	return s.listStrategies(ctx, "list strategies",
		`SELECT `+strategyColumns+` FROM strategies WHERE user_id = ? ORDER BY id`, userID)
}

func (s *SQLiteStore) ListActiveStrategies(ctx context.Context) ([]*domain.Strategy, error) {
	return s.listStrategies(ctx, "list active strategies",
		`SELECT `+strategyColumns+` FROM strategies WHERE is_active = 1 ORDER BY id`)
}

func (s *SQLiteStore) listStrategies(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []*domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, st)
	}
	return out, wrap(op, rows.Err())
}

// TradeRepository Implementation

const tradeColumns = `id, user_id, strategy_id, order_id, trading_symbol, order_type, side, quantity, price, status, pnl, created_at, updated_at`

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var strategyID sql.NullInt64
	err := row.Scan(&t.ID, &t.UserID, &strategyID, &t.OrderID, &t.Symbol, &t.OrderType, &t.Side,
		&t.Quantity, &t.Price, &t.Status, &t.PnL, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.StrategyID = strategyID.Int64
	return &t, nil
}

func (s *SQLiteStore) CreateTrade(ctx context.Context, t *domain.Trade) error {
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.UpdatedAt = t.CreatedAt

	var strategyID sql.NullInt64
	if t.StrategyID != 0 {
		strategyID = sql.NullInt64{Int64: t.StrategyID, Valid: true}
	}
	query := `INSERT INTO trades (user_id, strategy_id, order_id, trading_symbol, order_type, side, quantity, price, status, pnl, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		t.UserID, strategyID, t.OrderID, t.Symbol, string(t.OrderType), string(t.Side), t.Quantity, t.Price,
		string(t.Status), t.PnL, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		return wrap("create trade", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("create trade", err)
	}
	t.ID = id
	return nil
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		return nil, wrap("get trade", err)
	}
	return t, nil
}

// UpdateTradeStatus only moves trades out of PENDING. Terminal rows are
// left untouched and reported as ErrInvalidTransition.
func (s *SQLiteStore) UpdateTradeStatus(ctx context.Context, id int64, status domain.OrderStatus) error {
	if !domain.StatusPending.CanTransition(status) {
		return fmt.Errorf("update trade status to %s: %w", status, domain.ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE trades SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), s.now(), id, string(domain.StatusPending))
	if err != nil {
		return wrap("update trade status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update trade status", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM trades WHERE id = ?`, id).Scan(&current)
	if err != nil {
		return wrap("update trade status", err)
	}
	return fmt.Errorf("update trade status %s -> %s: %w", current, status, domain.ErrInvalidTransition)
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID int64, filter domain.TradeFilter) ([]*domain.Trade, error) {
	var where []string
	args := []interface{}{userID}
	where = append(where, "user_id = ?")
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Symbol != "" {
		where = append(where, "trading_symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.StrategyID != 0 {
		where = append(where, "strategy_id = ?")
		args = append(args, filter.StrategyID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + tradeColumns + ` FROM trades WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list trades", err)
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, wrap("list trades", err)
		}
		trades = append(trades, t)
	}
	return trades, wrap("list trades", rows.Err())
}

// RealizedPnLSince sums the P&L booked on live trades (pending or
// complete) created at or after since.
func (s *SQLiteStore) RealizedPnLSince(ctx context.Context, userID int64, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(pnl) FROM trades WHERE user_id = ? AND created_at >= ? AND status IN (?, ?)`,
		userID, since.UTC(), string(domain.StatusPending), string(domain.StatusComplete)).Scan(&total)
	if err != nil {
		return 0, wrap("realized pnl", err)
	}
	return total.Float64, nil
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
