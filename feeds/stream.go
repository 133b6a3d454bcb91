package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/aethelgard/aethelgard/types"
)

// maxBufferCandles bounds the per-pair candle buffer.
const maxBufferCandles = 500

// streamMessage is the wire shape pushed by the upstream feed. Kline
// messages update the per-pair buffer; tick messages refresh the spot price.
type streamMessage struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Time      int64  `json:"time"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Price     string `json:"price"`
	Closed    bool   `json:"closed"`
}

// StreamProvider keeps rolling OHLC buffers fed by a websocket stream and
// serves FetchOHLC/FetchPrice from memory.
type StreamProvider struct {
	url     string
	symbols []string

	conn    *websocket.Conn
	buffers map[types.ScanKey][]types.Candle
	prices  map[string]decimal.Decimal

	mu      sync.RWMutex
	connMu  sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewStreamProvider builds a provider that subscribes to the given symbols
// once connected.
func NewStreamProvider(url string, symbols []string) *StreamProvider {
	return &StreamProvider{
		url:     url,
		symbols: symbols,
		buffers: make(map[types.ScanKey][]types.Candle),
		prices:  make(map[string]decimal.Decimal),
		stopCh:  make(chan struct{}),
	}
}

// Name implements Provider.
func (p *StreamProvider) Name() string { return "stream" }

// Start connects and begins streaming. Reconnects run until Stop.
func (p *StreamProvider) Start() error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	go p.runWebSocket()

	log.Info().Str("url", p.url).Msg("📈 Stream provider started")
	return nil
}

// Stop closes the connection and halts reconnects.
func (p *StreamProvider) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	close(p.stopCh)

	p.connMu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.connMu.Unlock()
}

func (p *StreamProvider) isRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *StreamProvider) runWebSocket() {
	for p.isRunning() {
		if err := p.connect(); err != nil {
			log.Error().Err(err).Msg("stream connection failed")
			select {
			case <-time.After(5 * time.Second):
			case <-p.stopCh:
				return
			}
			continue
		}

		p.readMessages()

		if p.isRunning() {
			log.Warn().Msg("stream disconnected, reconnecting...")
			select {
			case <-time.After(1 * time.Second):
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *StreamProvider) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(p.url, nil)
	if err != nil {
		return fmt.Errorf("stream dial failed: %w", err)
	}

	sub := map[string]interface{}{"op": "subscribe", "symbols": p.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("stream subscribe failed: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	log.Info().Str("url", p.url).Int("symbols", len(p.symbols)).Msg("🔌 Stream connected")
	return nil
}

func (p *StreamProvider) readMessages() {
	p.connMu.Lock()
	conn := p.conn
	p.connMu.Unlock()
	if conn == nil {
		return
	}

	for p.isRunning() {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if p.isRunning() {
				log.Error().Err(err).Msg("stream read error")
			}
			return
		}
		p.handleMessage(raw)
	}
}

func (p *StreamProvider) handleMessage(raw []byte) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "kline":
		p.handleKline(msg)
	case "tick":
		if price, err := decimal.NewFromString(msg.Price); err == nil && !price.IsZero() {
			p.mu.Lock()
			p.prices[msg.Symbol] = price
			p.mu.Unlock()
		}
	}
}

func (p *StreamProvider) handleKline(msg streamMessage) {
	tf, err := types.ParseTimeframe(msg.Timeframe)
	if err != nil {
		return
	}
	candle, err := parseCandle(msg)
	if err != nil {
		return
	}

	key := types.ScanKey{Symbol: msg.Symbol, Timeframe: tf}

	p.mu.Lock()
	defer p.mu.Unlock()

	buf := p.buffers[key]
	// An update for the still-open bar replaces the tail instead of
	// appending a duplicate.
	if n := len(buf); n > 0 && buf[n-1].Time.Equal(candle.Time) {
		buf[n-1] = candle
	} else {
		buf = append(buf, candle)
		if len(buf) > maxBufferCandles {
			buf = buf[len(buf)-maxBufferCandles:]
		}
	}
	p.buffers[key] = buf
	p.prices[msg.Symbol] = candle.Close
}

func parseCandle(msg streamMessage) (types.Candle, error) {
	open, err := decimal.NewFromString(msg.Open)
	if err != nil {
		return types.Candle{}, err
	}
	high, err := decimal.NewFromString(msg.High)
	if err != nil {
		return types.Candle{}, err
	}
	low, err := decimal.NewFromString(msg.Low)
	if err != nil {
		return types.Candle{}, err
	}
	close, err := decimal.NewFromString(msg.Close)
	if err != nil {
		return types.Candle{}, err
	}
	volume, _ := decimal.NewFromString(msg.Volume)

	return types.Candle{
		Time:   time.UnixMilli(msg.Time).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
	}, nil
}

// FetchOHLC serves the rolling buffer. ErrNoData when the stream has not
// accumulated enough bars yet, so the manager can fall through.
func (p *StreamProvider) FetchOHLC(_ context.Context, symbol string, tf types.Timeframe, count int) (types.OHLC, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	buf := p.buffers[types.ScanKey{Symbol: symbol, Timeframe: tf}]
	if len(buf) == 0 {
		return types.OHLC{}, fmt.Errorf("%w: %s/%s stream buffer empty", ErrNoData, symbol, tf)
	}

	start := 0
	if len(buf) > count {
		start = len(buf) - count
	}
	candles := make([]types.Candle, len(buf)-start)
	copy(candles, buf[start:])

	return types.OHLC{Symbol: symbol, Timeframe: tf, Candles: candles}, nil
}

// FetchPrice serves the latest streamed price.
func (p *StreamProvider) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	price, ok := p.prices[symbol]
	if !ok || price.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s price not streamed", ErrNoData, symbol)
	}
	return price, nil
}

// BufferedBars reports buffer depth for one pair, for readiness checks.
func (p *StreamProvider) BufferedBars(symbol string, tf types.Timeframe) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.buffers[types.ScanKey{Symbol: symbol, Timeframe: tf}])
}
