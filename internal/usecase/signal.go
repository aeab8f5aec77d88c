package usecase

import (
	"fmt"
	"math"

	"github.com/vitos/kitebot/internal/domain"
)

const (
	RSIPeriod     = 14
	RSIOversold   = 30.0
	RSIOverbought = 70.0
)

// SignalEngine turns a time-ascending candle series into a decision.
// Implementations never fail: anything they cannot compute is a hold.
type SignalEngine interface {
	Evaluate(candles []domain.Candle, params domain.StrategyParams) domain.Signal
}

// SMACrossoverRSI buys on an upward short/long SMA crossover while RSI is
// oversold, and sells on a downward crossover while RSI is overbought.
type SMACrossoverRSI struct{}

func NewSMACrossoverRSI() *SMACrossoverRSI {
	return &SMACrossoverRSI{}
}

func (e *SMACrossoverRSI) Evaluate(candles []domain.Candle, params domain.StrategyParams) (signal domain.Signal) {
	defer func() {
		if recover() != nil {
			signal = domain.SignalHold
		}
	}()

	signal, err := e.evaluate(candles, params.WithDefaults())
	if err != nil {
		return domain.SignalHold
	}
	return signal
}

func (e *SMACrossoverRSI) evaluate(candles []domain.Candle, p domain.StrategyParams) (domain.Signal, error) {
	if p.ShortPeriod <= 0 || p.LongPeriod <= 0 {
		return domain.SignalHold, fmt.Errorf("%w: non-positive period", domain.ErrSignalComputation)
	}
	need := maxInt(p.ShortPeriod, p.LongPeriod, RSIPeriod) + 1
	if len(candles) < need {
		return domain.SignalHold, nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		if math.IsNaN(c.Close) || math.IsInf(c.Close, 0) {
			return domain.SignalHold, fmt.Errorf("%w: bad close at %d", domain.ErrSignalComputation, i)
		}
		closes[i] = c.Close
	}

	last := len(closes) - 1
	prevShort, lastShort := SMA(closes[:last], p.ShortPeriod), SMA(closes, p.ShortPeriod)
	prevLong, lastLong := SMA(closes[:last], p.LongPeriod), SMA(closes, p.LongPeriod)
	rsi := RSI(closes, RSIPeriod)

	for _, v := range []float64{prevShort, lastShort, prevLong, lastLong, rsi} {
		if math.IsNaN(v) {
			return domain.SignalHold, fmt.Errorf("%w: indicator is NaN", domain.ErrSignalComputation)
		}
	}

	switch {
	case prevShort <= prevLong && lastShort > lastLong && rsi < RSIOversold:
		return domain.SignalBuy, nil
	case prevShort >= prevLong && lastShort < lastLong && rsi > RSIOverbought:
		return domain.SignalSell, nil
	}
	return domain.SignalHold, nil
}

// SMA is the mean of the last period values. NaN if there are fewer.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// RSI over the last period one-step deltas. Gains and losses are clamped
// at zero and averaged; zero average loss gives 100.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := len(values) - period; i < len(values); i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	gain /= float64(period)
	loss /= float64(period)

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

func maxInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
