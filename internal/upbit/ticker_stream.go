package upbit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TickerStream keeps the latest trade price per market from the Upbit
// websocket ticker feed. It satisfies market.PriceCache.
type TickerStream struct {
	mu sync.RWMutex

	url       string
	markets   []string
	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}

	prices     map[string]tickerPrice
	reconnects int

	logger zerolog.Logger
}

type tickerPrice struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// tickerMessage is the default-format ticker payload
type tickerMessage struct {
	Type       string          `json:"type"`
	Code       string          `json:"code"`
	TradePrice decimal.Decimal `json:"trade_price"`
	Timestamp  int64           `json:"timestamp"`
}

// NewTickerStream creates a stream for the given markets
func NewTickerStream(url string, markets []string, logger zerolog.Logger) *TickerStream {
	if url == "" {
		url = "wss://api.upbit.com/websocket/v1"
	}
	return &TickerStream{
		url:      url,
		markets:  append([]string(nil), markets...),
		prices:   make(map[string]tickerPrice),
		stopChan: make(chan struct{}),
		logger:   logger.With().Str("component", "ticker-stream").Logger(),
	}
}

// Start connects in the background and keeps reconnecting until Stop
func (s *TickerStream) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect()
	s.logger.Info().Strs("markets", s.markets).Msg("Ticker stream started")
}

// Stop closes the connection and ends the reconnect loop
func (s *TickerStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)

	if s.conn != nil {
		s.conn.Close()
	}
	s.logger.Info().Msg("Ticker stream stopped")
}

// IsRunning reports whether the stream is active
func (s *TickerStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LatestPrice returns the last streamed price if it is newer than maxAge
func (s *TickerStream) LatestPrice(market string, maxAge time.Duration) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[market]
	if !ok || !p.price.IsPositive() {
		return decimal.Zero, false
	}
	if maxAge > 0 && time.Since(p.updatedAt) > maxAge {
		return decimal.Zero, false
	}
	return p.price, true
}

func (s *TickerStream) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *TickerStream) connect() {
	for {
		if !s.running() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.mu.Lock()
			s.reconnects++
			attempts := s.reconnects
			s.mu.Unlock()
			s.logger.Warn().Err(err).Int("attempt", attempts).Msg("Ticker connection failed, retrying in 5s")
			if !s.sleep(5 * time.Second) {
				return
			}
			continue
		}

		if err := conn.WriteJSON(s.subscription()); err != nil {
			s.logger.Warn().Err(err).Msg("Ticker subscribe failed")
			conn.Close()
			if !s.sleep(5 * time.Second) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.reconnects = 0
		s.mu.Unlock()
		s.logger.Info().Msg("Ticker stream connected")

		s.readLoop(conn)

		if !s.running() {
			return
		}
		s.logger.Warn().Msg("Ticker connection lost, reconnecting in 3s")
		if !s.sleep(3 * time.Second) {
			return
		}
	}
}

func (s *TickerStream) sleep(d time.Duration) bool {
	select {
	case <-s.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *TickerStream) subscription() []map[string]interface{} {
	return []map[string]interface{}{
		{"ticket": uuid.New().String()},
		{"type": "ticker", "codes": s.markets},
	}
}

func (s *TickerStream) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Msg("Ticker connection closed normally")
			} else if s.running() {
				s.logger.Warn().Err(err).Msg("Ticker read error")
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *TickerStream) handleMessage(message []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("Unparseable ticker message")
		return
	}
	if msg.Type != "ticker" || msg.Code == "" {
		return
	}

	s.mu.Lock()
	s.prices[msg.Code] = tickerPrice{price: msg.TradePrice, updatedAt: time.Now()}
	s.mu.Unlock()
}
