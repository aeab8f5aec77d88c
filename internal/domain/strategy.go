package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultExchange         = "NSE"
	DefaultShortPeriod      = 50
	DefaultLongPeriod       = 200
	DefaultPositionSizeHint = 100000.0
)

// StrategyParams is the typed form of a strategy's parameter mapping.
// Zero values mean "use the default"; negative values are rejected.
type StrategyParams struct {
	Symbol           string  `json:"symbol"`
	Exchange         string  `json:"exchange,omitempty"`
	ShortPeriod      int     `json:"sma_short_period,omitempty"`
	LongPeriod       int     `json:"sma_long_period,omitempty"`
	PositionSizeHint float64 `json:"position_size,omitempty"`
}

// WithDefaults returns a copy with every unset optional field filled in.
// A qualified symbol such as "NSE:INFY" is split into Exchange and Symbol.
func (p StrategyParams) WithDefaults() StrategyParams {
	if exchange, symbol, ok := strings.Cut(p.Symbol, ":"); ok {
		p.Symbol = symbol
		if p.Exchange == "" {
			p.Exchange = exchange
		}
	}
	if p.Exchange == "" {
		p.Exchange = DefaultExchange
	}
	if p.ShortPeriod == 0 {
		p.ShortPeriod = DefaultShortPeriod
	}
	if p.LongPeriod == 0 {
		p.LongPeriod = DefaultLongPeriod
	}
	if p.PositionSizeHint == 0 {
		p.PositionSizeHint = DefaultPositionSizeHint
	}
	return p
}

func (p StrategyParams) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidParams)
	}
	if exchange, symbol, ok := strings.Cut(p.Symbol, ":"); ok {
		if exchange == "" || symbol == "" || strings.Contains(symbol, ":") {
			return fmt.Errorf("%w: malformed symbol %q, want EXCHANGE:SYMBOL", ErrInvalidParams, p.Symbol)
		}
		if p.Exchange != "" && p.Exchange != exchange {
			return fmt.Errorf("%w: symbol %q conflicts with exchange %q", ErrInvalidParams, p.Symbol, p.Exchange)
		}
	}
	if p.ShortPeriod < 0 || p.LongPeriod < 0 {
		return fmt.Errorf("%w: sma periods must be positive", ErrInvalidParams)
	}
	if p.PositionSizeHint < 0 {
		return fmt.Errorf("%w: position_size must be positive", ErrInvalidParams)
	}
	return nil
}

// RiskLimits bound what a strategy may do on behalf of its owner.
// MaxDailyLoss of 0 disables the daily loss guard.
type RiskLimits struct {
	MaxPositionSize float64 `json:"max_position_size"`
	MaxDailyLoss    float64 `json:"max_daily_loss"`
}

func (l RiskLimits) Validate() error {
	if l.MaxPositionSize <= 0 {
		return fmt.Errorf("%w: max_position_size must be greater than zero", ErrInvalidParams)
	}
	if l.MaxDailyLoss < 0 {
		return fmt.Errorf("%w: max_daily_loss must not be negative", ErrInvalidParams)
	}
	return nil
}

// CappedBy returns the tighter of l and the owner's account-wide limits.
// Zero owner fields impose no cap.
func (l RiskLimits) CappedBy(owner RiskLimits) RiskLimits {
	if owner.MaxPositionSize > 0 && owner.MaxPositionSize < l.MaxPositionSize {
		l.MaxPositionSize = owner.MaxPositionSize
	}
	if owner.MaxDailyLoss > 0 && (l.MaxDailyLoss == 0 || owner.MaxDailyLoss < l.MaxDailyLoss) {
		l.MaxDailyLoss = owner.MaxDailyLoss
	}
	return l
}

// Strategy is a user's configured trading rule.
type Strategy struct {
	ID          int64
	UserID      int64
	Name        string
	Description string
	Params      StrategyParams
	Limits      RiskLimits
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the strategy before it is stored. Params are normalised
// with defaults first, so a stored strategy never needs defaulting on read.
func (s *Strategy) Validate() error {
	if s.UserID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidParams)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidParams)
	}
	if err := s.Params.Validate(); err != nil {
		return err
	}
	s.Params = s.Params.WithDefaults()
	return s.Limits.Validate()
}
