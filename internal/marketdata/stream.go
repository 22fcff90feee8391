package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Tick is one streamed quote update.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Timestamp int64   `json:"timestamp"` // unix seconds
}

// TickHandler consumes streamed ticks. It must not block; slow consumers
// stall the read loop and trip the server-side idle timeout.
type TickHandler func(Tick)

// Stream maintains a websocket subscription to the quote feed and invokes
// the handler per tick. Reconnection is the caller's job via the recovery
// breaker; Stream reports the disconnect and returns.
type Stream struct {
	url     string
	handler TickHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewStream(url string, handler TickHandler) *Stream {
	return &Stream{url: url, handler: handler}
}

// Connect dials the feed and subscribes to the given symbols.
func (s *Stream) Connect(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("stream already connected")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial quote feed: %w", err)
	}

	sub := map[string]any{"op": "subscribe", "symbols": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe quote feed: %w", err)
	}

	s.conn = conn
	s.connected = true
	log.Info().Str("url", s.url).Int("symbols", len(symbols)).Msg("quote feed connected")
	return nil
}

// Run reads ticks until the connection drops or ctx is cancelled. Always
// returns a non-nil error describing why the loop ended.
func (s *Stream) Run(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("stream not connected")
	}

	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("quote feed read: %w", err)
		}

		var tick Tick
		if err := json.Unmarshal(data, &tick); err != nil {
			log.Warn().Err(err).Msg("malformed tick dropped")
			continue
		}
		if s.handler != nil {
			s.handler(tick)
		}
	}
}

// Close tears the connection down. Safe to call twice.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}
