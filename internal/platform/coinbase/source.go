// Package coinbase implements the Coinbase Exchange venue feed: a level-2
// REST snapshot plus the level2 WebSocket channel, and a ticker-based USD
// rate source.
package coinbase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/liquiditylab/aggbook/internal/domain"
)

const (
	writeWait = 10 * time.Second

	// readWait bounds silence on the socket. The level2 channel is busy
	// enough that protocol-level pings cover the quiet stretches.
	readWait = 30 * time.Second

	pingPeriod = 20 * time.Second
)

// Source implements domain.BookSource for one Coinbase product.
type Source struct {
	restURL    string
	wsURL      string
	productID  string
	httpClient *http.Client
}

// NewSource creates a Coinbase book source.
//
// restURL is the exchange API root, e.g. "https://api.exchange.coinbase.com";
// wsURL is the market data feed, e.g. "wss://ws-feed.exchange.coinbase.com";
// productID is the venue-native product, e.g. "BTC-USD".
func NewSource(restURL, wsURL, productID string) *Source {
	return &Source{
		restURL:   restURL,
		wsURL:     wsURL,
		productID: productID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Venue returns domain.VenueCoinbase.
func (s *Source) Venue() domain.Venue {
	return domain.VenueCoinbase
}

// restBook is the /products/{id}/book?level=2 response. Level rows are
// [price, size, numOrders] where numOrders is a bare number.
type restBook struct {
	Sequence int64             `json:"sequence"`
	Bids     [][]json.Number   `json:"bids"`
	Asks     [][]json.Number   `json:"asks"`
}

// Snapshot fetches the level-2 aggregated book. The endpoint returns the
// top 50 levels per side; depth only trims further.
func (s *Source) Snapshot(ctx context.Context, depth int) (domain.BookSnapshot, error) {
	reqURL := fmt.Sprintf("%s/products/%s/book?level=2", s.restURL, s.productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: snapshot request: %w", err)
	}
	req.Header.Set("User-Agent", "aggbook/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: snapshot %s: %w", s.productID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: snapshot %s: status %d: %s", s.productID, resp.StatusCode, body)
	}

	var book restBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: snapshot %s: decode: %w", s.productID, err)
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueCoinbase,
		Symbol:    s.productID,
		Sequence:  book.Sequence,
		Timestamp: time.Now(),
	}
	if snap.Bids, err = parseNumberLevels(book.Bids, depth); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: snapshot bids: %w", err)
	}
	if snap.Asks, err = parseNumberLevels(book.Asks, depth); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("coinbase: snapshot asks: %w", err)
	}
	return snap, nil
}

// wsMessage covers the level2 channel: a "snapshot" with full bids/asks,
// then "l2update" messages whose changes are [side, price, size] triplets
// where size is the new total at that price (zero deletes the level).
type wsMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Message   string     `json:"message,omitempty"`
	Bids      [][]string `json:"bids,omitempty"`
	Asks      [][]string `json:"asks,omitempty"`
	Changes   [][]string `json:"changes,omitempty"`
	Time      time.Time  `json:"time,omitempty"`
}

// Stream subscribes to the level2 channel and relays its messages. The
// channel opens with an in-band snapshot; l2update sizes are absolute so
// no sequence chain needs checking.
func (s *Source) Stream(ctx context.Context, out chan<- domain.FeedMessage) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("coinbase: stream %s: connect: %w", s.productID, err)
	}
	defer conn.Close()

	sub := map[string]any{
		"type":        "subscribe",
		"product_ids": []string{s.productID},
		"channels":    []string{"level2"},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("coinbase: stream %s: subscribe: %w", s.productID, err)
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("coinbase: stream %s: read: %v: %w", s.productID, err, domain.ErrWSDisconnect)
		}

		switch msg.Type {
		case "error":
			return fmt.Errorf("coinbase: stream %s: %s: %w", s.productID, msg.Message, domain.ErrWSDisconnect)

		case "snapshot":
			snap := domain.BookSnapshot{
				Venue:     domain.VenueCoinbase,
				Symbol:    s.productID,
				Timestamp: time.Now(),
			}
			if snap.Bids, err = parseStringLevels(msg.Bids); err != nil {
				return fmt.Errorf("coinbase: stream snapshot bids: %w", err)
			}
			if snap.Asks, err = parseStringLevels(msg.Asks); err != nil {
				return fmt.Errorf("coinbase: stream snapshot asks: %w", err)
			}
			if err := send(ctx, out, domain.FeedMessage{Snapshot: &snap}); err != nil {
				return err
			}

		case "l2update":
			diff := domain.BookDiff{
				Venue:     domain.VenueCoinbase,
				Symbol:    s.productID,
				Timestamp: msg.Time,
			}
			if diff.Timestamp.IsZero() {
				diff.Timestamp = time.Now()
			}
			for _, change := range msg.Changes {
				if len(change) != 3 {
					return fmt.Errorf("coinbase: stream %s: l2update change has %d fields", s.productID, len(change))
				}
				level, err := parseLevel(change[1], change[2])
				if err != nil {
					return fmt.Errorf("coinbase: stream %s: l2update: %w", s.productID, err)
				}
				switch change[0] {
				case "buy":
					diff.Bids = append(diff.Bids, level)
				case "sell":
					diff.Asks = append(diff.Asks, level)
				default:
					return fmt.Errorf("coinbase: stream %s: l2update side %q", s.productID, change[0])
				}
			}
			if err := send(ctx, out, domain.FeedMessage{Diff: &diff}); err != nil {
				return err
			}
		}
	}
}

func send(ctx context.Context, out chan<- domain.FeedMessage, msg domain.FeedMessage) error {
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseLevel(price, size string) (domain.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.PriceLevel{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(size)
	if err != nil {
		return domain.PriceLevel{}, fmt.Errorf("parse size %q: %w", size, err)
	}
	return domain.PriceLevel{Price: p.InexactFloat64(), Size: q.InexactFloat64()}, nil
}

func parseStringLevels(rows [][]string) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row has %d fields", len(row))
		}
		level, err := parseLevel(row[0], row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func parseNumberLevels(rows [][]json.Number, depth int) ([]domain.PriceLevel, error) {
	if depth > 0 && len(rows) > depth {
		rows = rows[:depth]
	}
	levels := make([]domain.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row has %d fields", len(row))
		}
		level, err := parseLevel(row[0].String(), row[1].String())
		if err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Compile-time interface check.
var _ domain.BookSource = (*Source)(nil)
