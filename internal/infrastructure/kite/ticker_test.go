package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/kitebot/internal/domain"
	"go.uber.org/zap"
)

type frame struct {
	A string          `json:"a"`
	V json.RawMessage `json:"v"`
}

// quotePacket builds a one-packet binary frame in quote mode.
func quotePacket(token uint32, ltpPaise int32) []byte {
	packet := make([]byte, 44)
	binary.BigEndian.PutUint32(packet[0:4], token)
	binary.BigEndian.PutUint32(packet[4:8], uint32(ltpPaise))
	binary.BigEndian.PutUint32(packet[16:20], 5000)          // volume
	binary.BigEndian.PutUint32(packet[28:32], uint32(10000)) // open
	binary.BigEndian.PutUint32(packet[40:44], uint32(9900))  // close

	msg := make([]byte, 4, 4+len(packet))
	binary.BigEndian.PutUint16(msg[0:2], 1)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(packet)))
	return append(msg, packet...)
}

// tickServer accepts websocket connections. Each connection records the
// frames it receives until one "mode" frame arrives, then sends a tick and,
// if dropFirst, closes the first connection.
type tickServer struct {
	t         *testing.T
	token     uint32
	dropFirst bool

	mu     sync.Mutex
	conns  int
	frames [][]frame
}

func (s *tickServer) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.frames = append(s.frames, nil)
	s.mu.Unlock()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames[n-1] = append(s.frames[n-1], f)
		s.mu.Unlock()

		if f.A != "mode" {
			continue
		}
		price := int32(150000 + n)                                                    // 1500.0n
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0}); err != nil { // heartbeat
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, quotePacket(s.token, price)); err != nil {
			return
		}
		if s.dropFirst && n == 1 {
			return
		}
	}
}

func (s *tickServer) framesOf(conn int) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn >= len(s.frames) {
		return nil
	}
	out := make([]frame, len(s.frames[conn]))
	copy(out, s.frames[conn])
	return out
}

func startTicker(t *testing.T, srv *tickServer) (*Ticker, context.CancelFunc, chan error) {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(hs.Close)

	ticker := NewTicker("ws"+strings.TrimPrefix(hs.URL, "http"), zap.NewNop())
	ticker.MinBackoff = 10 * time.Millisecond
	ticker.MaxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ticker.Run(ctx) }()
	return ticker, cancel, done
}

func TestTicker_DeliversTicksToSubscribers(t *testing.T) {
	srv := &tickServer{t: t, token: 408065}
	ticks := make(chan domain.Tick, 4)

	ticker, cancel, done := startTicker(t, srv)
	defer cancel()

	require.Eventually(t, ticker.Connected, time.Second, 5*time.Millisecond)
	_, err := ticker.Subscribe([]uint32{408065}, func(tk domain.Tick) { ticks <- tk })
	require.NoError(t, err)

	select {
	case tk := <-ticks:
		assert.Equal(t, uint32(408065), tk.InstrumentToken)
		assert.InDelta(t, 1500.01, tk.LastPrice, 1e-9)
		assert.Equal(t, int64(5000), tk.Volume)
		assert.InDelta(t, 100.0, tk.Open, 1e-9)
		assert.InDelta(t, 99.0, tk.Close, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no tick delivered")
	}

	frames := srv.framesOf(0)
	require.Len(t, frames, 2)
	assert.Equal(t, "subscribe", frames[0].A)
	assert.JSONEq(t, `[408065]`, string(frames[0].V))
	assert.Equal(t, "mode", frames[1].A)
	assert.JSONEq(t, `["quote",[408065]]`, string(frames[1].V))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestTicker_ResubscribesOnReconnect(t *testing.T) {
	srv := &tickServer{t: t, token: 256265, dropFirst: true}

	var mu sync.Mutex
	var prices []float64

	ticker, cancel, _ := startTicker(t, srv)
	defer cancel()

	require.Eventually(t, ticker.Connected, time.Second, 5*time.Millisecond)
	_, err := ticker.Subscribe([]uint32{256265}, func(tk domain.Tick) {
		mu.Lock()
		prices = append(prices, tk.LastPrice)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(prices) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// The second connection subscribed the remembered token before any
	// tick was sent on it.
	frames := srv.framesOf(1)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "subscribe", frames[0].A)
	assert.JSONEq(t, `[256265]`, string(frames[0].V))

	mu.Lock()
	assert.InDelta(t, 1500.01, prices[0], 1e-9)
	assert.InDelta(t, 1500.02, prices[1], 1e-9)
	mu.Unlock()
}

func TestTicker_UnsubscribeLastHandlerRemovesToken(t *testing.T) {
	ticker := NewTicker("ws://unused", zap.NewNop())

	first, err := ticker.Subscribe([]uint32{1, 2}, func(domain.Tick) {})
	require.NoError(t, err)
	second, err := ticker.Subscribe([]uint32{2}, func(domain.Tick) {})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []uint32{1, 2}, ticker.Tokens())

	require.NoError(t, ticker.Unsubscribe([]uint32{1, 2}, first))
	assert.Equal(t, []uint32{2}, ticker.Tokens())

	require.NoError(t, ticker.Unsubscribe([]uint32{2}, second))
	assert.Empty(t, ticker.Tokens())
}

func TestTicker_HandlerPanicIsContained(t *testing.T) {
	ticker := NewTicker("ws://unused", zap.NewNop())

	called := false
	_, _ = ticker.Subscribe([]uint32{7}, func(domain.Tick) { panic("bad handler") })
	_, _ = ticker.Subscribe([]uint32{7}, func(domain.Tick) { called = true })

	assert.NotPanics(t, func() { ticker.dispatch(domain.Tick{InstrumentToken: 7}) })
	assert.True(t, called)
}

func TestParseBinary(t *testing.T) {
	assert.Empty(t, parseBinary([]byte{0}))

	ltp := make([]byte, 8)
	binary.BigEndian.PutUint32(ltp[0:4], 408065)
	binary.BigEndian.PutUint32(ltp[4:8], 123456)

	msg := quotePacket(256265, 200000)
	// Append an LTP packet and bump the count.
	binary.BigEndian.PutUint16(msg[0:2], 2)
	size := make([]byte, 2)
	binary.BigEndian.PutUint16(size, 8)
	msg = append(append(msg, size...), ltp...)

	ticks := parseBinary(msg)
	require.Len(t, ticks, 2)
	assert.InDelta(t, 2000.0, ticks[0].LastPrice, 1e-9)
	assert.Equal(t, uint32(408065), ticks[1].InstrumentToken)
	assert.InDelta(t, 1234.56, ticks[1].LastPrice, 1e-9)
}
