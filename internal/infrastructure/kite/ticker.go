package kite

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

const (
	modeQuote = "quote"

	segmentCDS = 3
	segmentBCD = 6
)

type TickHandler func(domain.Tick)

type SubscriptionID string

type subscriber struct {
	id      SubscriptionID
	handler TickHandler
}

// Ticker streams quotes over the Kite websocket. It reconnects until its
// context ends and re-subscribes every known token on each connect before
// any tick is read. Handlers run on the reader goroutine.
type Ticker struct {
	url    string
	dialer *websocket.Dialer
	logger *zap.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[uint32][]subscriber
}

// Ticker creates a streaming channel for one user's access token.
func (g *Gateway) Ticker(accessToken string) *Ticker {
	q := url.Values{}
	q.Set("api_key", g.cfg.APIKey)
	q.Set("access_token", accessToken)
	return NewTicker(g.cfg.WSEndpoint+"?"+q.Encode(), g.logger)
}

func NewTicker(wsURL string, logger *zap.Logger) *Ticker {
	return &Ticker{
		url:        wsURL,
		dialer:     websocket.DefaultDialer,
		logger:     logger,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		handlers:   make(map[uint32][]subscriber),
	}
}

// Subscribe registers handler for every token. Tokens new to the ticker
// are subscribed on the live connection, if any.
func (t *Ticker) Subscribe(tokens []uint32, handler TickHandler) (SubscriptionID, error) {
	id := SubscriptionID(uuid.NewString())

	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []uint32
	for _, token := range tokens {
		if _, ok := t.handlers[token]; !ok {
			fresh = append(fresh, token)
		}
		t.handlers[token] = append(t.handlers[token], subscriber{id: id, handler: handler})
	}

	if t.conn == nil || len(fresh) == 0 {
		return id, nil
	}
	return id, t.sendSubscribe(fresh)
}

// Unsubscribe removes the subscription from the given tokens. A token
// without handlers left is dropped and unsubscribed upstream.
func (t *Ticker) Unsubscribe(tokens []uint32, id SubscriptionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []uint32
	for _, token := range tokens {
		subs, ok := t.handlers[token]
		if !ok {
			continue
		}
		kept := subs[:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(t.handlers, token)
			dropped = append(dropped, token)
		} else {
			t.handlers[token] = kept
		}
	}

	if t.conn == nil || len(dropped) == 0 {
		return nil
	}
	return t.conn.WriteJSON(map[string]interface{}{"a": "unsubscribe", "v": dropped})
}

// Tokens returns the currently subscribed tokens in ascending order.
func (t *Ticker) Tokens() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokensLocked()
}

func (t *Ticker) tokensLocked() []uint32 {
	tokens := make([]uint32, 0, len(t.handlers))
	for token := range t.handlers {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (t *Ticker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// sendSubscribe must be called with mu held.
func (t *Ticker) sendSubscribe(tokens []uint32) error {
	if err := t.conn.WriteJSON(map[string]interface{}{"a": "subscribe", "v": tokens}); err != nil {
		return err
	}
	return t.conn.WriteJSON(map[string]interface{}{"a": "mode", "v": []interface{}{modeQuote, tokens}})
}

// Run keeps the stream alive until ctx ends.
func (t *Ticker) Run(ctx context.Context) error {
	backoff := t.MinBackoff
	for {
		connected, err := t.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = t.MinBackoff
		}

		t.logger.Warn("Ticker disconnected, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > t.MaxBackoff {
			backoff = t.MaxBackoff
		}
	}
}

func (t *Ticker) session(ctx context.Context) (bool, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	t.conn = conn
	if tokens := t.tokensLocked(); len(tokens) > 0 {
		if err := t.sendSubscribe(tokens); err != nil {
			t.conn = nil
			t.mu.Unlock()
			conn.Close()
			return true, fmt.Errorf("resubscribe: %w", err)
		}
		t.logger.Info("Ticker connected", zap.Int("tokens", len(tokens)))
	} else {
		t.logger.Info("Ticker connected")
	}
	t.mu.Unlock()

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		if msgType != websocket.BinaryMessage {
			// Text frames carry order updates and errors, not ticks.
			t.logger.Debug("Ticker text message", zap.ByteString("message", message))
			continue
		}
		for _, tick := range parseBinary(message) {
			t.dispatch(tick)
		}
	}
}

func (t *Ticker) dispatch(tick domain.Tick) {
	t.mu.Lock()
	subs := make([]subscriber, len(t.handlers[tick.InstrumentToken]))
	copy(subs, t.handlers[tick.InstrumentToken])
	t.mu.Unlock()

	for _, s := range subs {
		t.invoke(s, tick)
	}
}

func (t *Ticker) invoke(s subscriber, tick domain.Tick) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Tick handler panicked",
				zap.Any("panic", r),
				zap.Uint32("token", tick.InstrumentToken))
		}
	}()
	s.handler(tick)
}

// parseBinary splits a binary frame into ticks. Heartbeats (single byte
// frames) yield nothing.
func parseBinary(message []byte) []domain.Tick {
	if len(message) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(message[0:2]))
	ticks := make([]domain.Tick, 0, count)

	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(message) {
			break
		}
		size := int(binary.BigEndian.Uint16(message[offset : offset+2]))
		offset += 2
		if offset+size > len(message) {
			break
		}
		if tick, ok := parsePacket(message[offset : offset+size]); ok {
			ticks = append(ticks, tick)
		}
		offset += size
	}
	return ticks
}

func parsePacket(p []byte) (domain.Tick, bool) {
	if len(p) < 8 {
		return domain.Tick{}, false
	}
	u32 := func(at int) uint32 { return binary.BigEndian.Uint32(p[at : at+4]) }

	token := u32(0)
	divisor := 100.0
	switch token & 0xff {
	case segmentCDS:
		divisor = 10000000.0
	case segmentBCD:
		divisor = 10000.0
	}
	price := func(at int) float64 { return float64(int32(u32(at))) / divisor }

	tick := domain.Tick{InstrumentToken: token, LastPrice: price(4)}

	switch {
	case len(p) == 28 || len(p) == 32:
		// Index packets.
		tick.High = price(8)
		tick.Low = price(12)
		tick.Open = price(16)
		tick.Close = price(20)
		if len(p) == 32 {
			tick.Time = time.Unix(int64(u32(28)), 0)
		}
	case len(p) >= 44:
		tick.LastQuantity = int64(u32(8))
		tick.AveragePrice = price(12)
		tick.Volume = int64(u32(16))
		tick.BuyQuantity = int64(u32(20))
		tick.SellQuantity = int64(u32(24))
		tick.Open = price(28)
		tick.High = price(32)
		tick.Low = price(36)
		tick.Close = price(40)
		if len(p) >= 64 {
			tick.Time = time.Unix(int64(u32(60)), 0)
		}
	}
	return tick, true
}
