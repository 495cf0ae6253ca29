package pricefeed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultStaleAfter   = 15 * time.Second
	defaultPingInterval = 30 * time.Second
)

type StreamConfig struct {
	URL          string
	APIKey       string
	APISecret    string
	Symbols      []string
	StaleAfter   time.Duration
	PingInterval time.Duration
}

type streamMessage struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	Price     decimal.Decimal `json:"p"`
	Timestamp time.Time       `json:"t"`
	Message   string          `json:"msg"`
}

// StreamFeed keeps the latest trade price per symbol from a websocket
// stream. Quotes older than StaleAfter are served by the fallback feed.
type StreamFeed struct {
	cfg      StreamConfig
	fallback entity.PriceFeed

	mu     sync.RWMutex
	quotes map[string]entity.Quote
	now    func() time.Time
}

func NewStreamFeed(cfg StreamConfig, fallback entity.PriceFeed) *StreamFeed {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	return &StreamFeed{
		cfg:      cfg,
		fallback: fallback,
		quotes:   make(map[string]entity.Quote),
		now:      time.Now,
	}
}

func (f *StreamFeed) GetQuote(ctx context.Context, symbol string) (entity.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	f.mu.RLock()
	quote, ok := f.quotes[symbol]
	f.mu.RUnlock()

	if ok && f.now().Sub(quote.Timestamp) <= f.cfg.StaleAfter {
		return quote, nil
	}

	if f.fallback == nil {
		return entity.Quote{}, fmt.Errorf("%w: %s: no fresh stream price", entity.ErrQuoteUnavailable, symbol)
	}

	return f.fallback.GetQuote(ctx, symbol)
}

// Run keeps the stream connected until ctx is done.
func (f *StreamFeed) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := f.connect(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := b.Duration()
		logrus.WithError(err).WithField("retryIn", wait.String()).Warn("price stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (f *StreamFeed) connect(ctx context.Context) error {
	logrus.Infof("connecting to %s", f.cfg.URL)

	c, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.WriteMessage(messageType, data)
	}

	if f.cfg.APIKey != "" {
		auth, _ := json.Marshal(map[string]any{"action": "auth", "key": f.cfg.APIKey, "secret": f.cfg.APISecret})
		if err := write(websocket.TextMessage, auth); err != nil {
			return err
		}
	}

	sub, _ := json.Marshal(map[string]any{"action": "subscribe", "trades": f.cfg.Symbols})
	if err := write(websocket.TextMessage, sub); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					logrus.Error(err)
					return
				}
			case <-connCtx.Done():
				// unblocks ReadMessage
				_ = c.Close()
				return
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if connCtx.Err() != nil {
				return nil
			}
			return err
		}

		if err := f.handleMessage(message); err != nil {
			logrus.WithError(err).Warn("failed to handle price stream message")
		}
	}
}

func (f *StreamFeed) handleMessage(message []byte) error {
	var batch []streamMessage
	if err := json.Unmarshal(message, &batch); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, msg := range batch {
		switch msg.Type {
		case "t":
			if msg.Symbol == "" || !msg.Price.IsPositive() {
				continue
			}
			symbol := strings.ToUpper(msg.Symbol)
			ts := msg.Timestamp
			if ts.IsZero() {
				ts = f.now()
			}
			if prev, ok := f.quotes[symbol]; ok && prev.Timestamp.After(ts) {
				continue
			}
			f.quotes[symbol] = entity.Quote{Symbol: symbol, Price: msg.Price, Timestamp: ts}
		case "error":
			return fmt.Errorf("price stream error: %s", msg.Message)
		}
	}

	return nil
}
