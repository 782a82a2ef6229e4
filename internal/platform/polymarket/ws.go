package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/domain"
)

const (
	wsWriteWait         = 10 * time.Second
	wsPongWait          = 60 * time.Second
	wsPingPeriod        = (wsPongWait * 9) / 10
	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// Feed consumes the market WebSocket and writes each quote into the price
// cache, where the position monitors read it. It reconnects with exponential
// backoff and re-subscribes to every watched token.
type Feed struct {
	wsURL  string
	cache  domain.PriceCache
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]struct{}
	conn   *websocket.Conn
}

// NewFeed creates a market-data feed writing into cache.
//
// wsURL is the market channel endpoint, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewFeed(wsURL string, cache domain.PriceCache, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:  wsURL,
		cache:  cache,
		logger: logger.With(slog.String("component", "polymarket_feed")),
		tokens: make(map[string]struct{}),
	}
}

// Watch adds tokens to the subscription set. Safe to call before or after
// Run; a live connection is re-subscribed immediately.
func (f *Feed) Watch(tokenIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	added := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, ok := f.tokens[id]; ok {
			continue
		}
		f.tokens[id] = struct{}{}
		added = append(added, id)
	}
	if len(added) == 0 || f.conn == nil {
		return nil
	}
	if err := f.sendLocked(wsCommand{Type: "market", AssetIDs: added}); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// Run connects and consumes messages until ctx is cancelled, reconnecting on
// failure. It always returns ctx.Err().
func (f *Feed) Run(ctx context.Context) error {
	delay := wsReconnectDelay
	for {
		if err := f.connect(ctx); err != nil {
			f.logger.Warn("feed connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
		} else {
			delay = wsReconnectDelay
			f.consume(ctx)
		}

		select {
		case <-ctx.Done():
			f.close()
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	ids := make([]string, 0, len(f.tokens))
	for id := range f.tokens {
		ids = append(ids, id)
	}
	var subErr error
	if len(ids) > 0 {
		subErr = f.sendLocked(wsCommand{Type: "market", AssetIDs: ids})
	}
	f.mu.Unlock()

	if subErr != nil {
		f.close()
		return fmt.Errorf("polymarket/ws: subscribe on connect: %w", subErr)
	}
	f.logger.Info("feed connected", slog.Int("tokens", len(ids)))
	return nil
}

// consume reads messages until the connection drops or ctx is cancelled.
func (f *Feed) consume(ctx context.Context) {
	defer f.close()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go f.pingLoop(pingDone)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			f.logger.Warn("feed read failed", slog.String("error", err.Error()))
			return
		}
		f.handleMessage(ctx, message)
	}
}

func (f *Feed) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.mu.Unlock()
					return
				}
			}
			f.mu.Unlock()
			if conn == nil {
				return
			}
		}
	}
}

// handleMessage routes one raw frame. Trade prices are cached directly; book
// snapshots contribute a top-of-book midpoint. Unparseable frames are
// dropped.
func (f *Feed) handleMessage(ctx context.Context, raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.EventType {
	case "last_trade_price":
		var msg lastTradeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return
		}
		f.store(ctx, msg.AssetID, price, msg.Timestamp)

	case "book":
		var msg bookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		mid, ok := bookMidpoint(msg)
		if !ok {
			return
		}
		f.store(ctx, msg.AssetID, mid, msg.Timestamp)
	}
}

func (f *Feed) store(ctx context.Context, tokenID string, price decimal.Decimal, tsMillis string) {
	ts := time.Now()
	if ms, err := strconv.ParseInt(tsMillis, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	if err := f.cache.SetPrice(ctx, tokenID, price, ts); err != nil {
		f.logger.Warn("cache price failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
}

// bookMidpoint returns the mid of the best bid and ask. Levels arrive sorted
// away from the touch, so the last element is the best price.
func bookMidpoint(msg bookMessage) (decimal.Decimal, bool) {
	if len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return decimal.Zero, false
	}
	bid, err := decimal.NewFromString(msg.Bids[len(msg.Bids)-1].Price)
	if err != nil {
		return decimal.Zero, false
	}
	ask, err := decimal.NewFromString(msg.Asks[len(msg.Asks)-1].Price)
	if err != nil {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

func (f *Feed) sendLocked(cmd wsCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *Feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		_ = f.conn.Close()
		f.conn = nil
	}
}
