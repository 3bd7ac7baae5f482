// Package okx implements the OKX venue feed: a REST order book snapshot
// plus the public "books" WebSocket channel with seqId continuity checks.
package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/liquiditylab/aggbook/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is the read deadline; OKX answers an application-level
	// "ping" with "pong", so any traffic inside this window keeps the
	// connection alive.
	readWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than readWait.
	pingPeriod = 20 * time.Second

	// maxSnapshotSize is the deepest book the REST endpoint serves.
	maxSnapshotSize = 400
)

// Source implements domain.BookSource for one OKX instrument.
type Source struct {
	restURL    string
	wsURL      string
	instID     string
	httpClient *http.Client
}

// NewSource creates an OKX book source.
//
// restURL is the API root, e.g. "https://www.okx.com"; wsURL is the public
// WebSocket endpoint, e.g. "wss://ws.okx.com:8443/ws/v5/public"; instID is
// the venue-native instrument, e.g. "BTC-USDT".
func NewSource(restURL, wsURL, instID string) *Source {
	return &Source{
		restURL: restURL,
		wsURL:   wsURL,
		instID:  instID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Venue returns domain.VenueOKX.
func (s *Source) Venue() domain.Venue {
	return domain.VenueOKX
}

// restBook is the REST /api/v5/market/books response shape. Levels are
// [price, size, liquidatedOrders, orderCount] string arrays.
type restBook struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
		TS   string     `json:"ts"`
	} `json:"data"`
}

// Snapshot fetches the REST order book.
func (s *Source) Snapshot(ctx context.Context, depth int) (domain.BookSnapshot, error) {
	if depth <= 0 || depth > maxSnapshotSize {
		depth = maxSnapshotSize
	}
	params := url.Values{}
	params.Set("instId", s.instID)
	params.Set("sz", strconv.Itoa(depth))

	reqURL := s.restURL + "/api/v5/market/books?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot %s: %w", s.instID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot %s: status %d: %s", s.instID, resp.StatusCode, body)
	}

	var book restBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot %s: decode: %w", s.instID, err)
	}
	if book.Code != "0" || len(book.Data) == 0 {
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot %s: code %s: %s", s.instID, book.Code, book.Msg)
	}

	d := book.Data[0]
	snap := domain.BookSnapshot{
		Venue:  domain.VenueOKX,
		Symbol: s.instID,
	}
	if ms, err := strconv.ParseInt(d.TS, 10, 64); err == nil {
		snap.Timestamp = time.UnixMilli(ms)
	} else {
		snap.Timestamp = time.Now()
	}
	if snap.Bids, err = parseLevels(d.Bids); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot bids: %w", err)
	}
	if snap.Asks, err = parseLevels(d.Asks); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("okx: snapshot asks: %w", err)
	}
	return snap, nil
}

// wsEnvelope is the common shape of books-channel pushes and event acks.
type wsEnvelope struct {
	Event string `json:"event,omitempty"`
	Msg   string `json:"msg,omitempty"`
	Arg   struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Action string `json:"action,omitempty"` // "snapshot" or "update"
	Data   []struct {
		Asks      [][]string `json:"asks"`
		Bids      [][]string `json:"bids"`
		TS        string     `json:"ts"`
		SeqID     int64      `json:"seqId"`
		PrevSeqID int64      `json:"prevSeqId"`
	} `json:"data"`
}

// Stream subscribes to the books channel and relays its messages. The
// channel opens with an in-band snapshot, then updates chained by
// seqId/prevSeqId; a broken chain surfaces as domain.ErrSequenceGap.
func (s *Source) Stream(ctx context.Context, out chan<- domain.FeedMessage) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("okx: stream %s: connect: %w", s.instID, err)
	}
	defer conn.Close()

	sub := map[string]any{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "books", "instId": s.instID},
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("okx: stream %s: subscribe: %w", s.instID, err)
	}

	// Close the connection when ctx ends so the blocked read returns, and
	// keep the application-level ping flowing.
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
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	var lastSeq int64 = -1
	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("okx: stream %s: read: %v: %w", s.instID, err, domain.ErrWSDisconnect)
		}
		if string(raw) == "pong" {
			continue
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("okx: stream %s: decode: %w", s.instID, err)
		}
		if env.Event == "error" {
			return fmt.Errorf("okx: stream %s: %s: %w", s.instID, env.Msg, domain.ErrWSDisconnect)
		}
		if env.Event != "" || len(env.Data) == 0 {
			continue // subscribe ack or keep-alive
		}

		d := env.Data[0]
		switch env.Action {
		case "snapshot":
			snap := domain.BookSnapshot{
				Venue:     domain.VenueOKX,
				Symbol:    s.instID,
				Sequence:  d.SeqID,
				Timestamp: parseMillis(d.TS),
			}
			if snap.Bids, err = parseLevels(d.Bids); err != nil {
				return fmt.Errorf("okx: stream snapshot bids: %w", err)
			}
			if snap.Asks, err = parseLevels(d.Asks); err != nil {
				return fmt.Errorf("okx: stream snapshot asks: %w", err)
			}
			lastSeq = d.SeqID
			if err := send(ctx, out, domain.FeedMessage{Snapshot: &snap}); err != nil {
				return err
			}

		case "update":
			if lastSeq >= 0 && d.PrevSeqID != lastSeq {
				return fmt.Errorf("okx: stream %s: have seq %d, update chains from %d: %w",
					s.instID, lastSeq, d.PrevSeqID, domain.ErrSequenceGap)
			}
			diff := domain.BookDiff{
				Venue:     domain.VenueOKX,
				Symbol:    s.instID,
				FirstSeq:  d.PrevSeqID,
				LastSeq:   d.SeqID,
				Timestamp: parseMillis(d.TS),
			}
			if diff.Bids, err = parseLevels(d.Bids); err != nil {
				return fmt.Errorf("okx: stream update bids: %w", err)
			}
			if diff.Asks, err = parseLevels(d.Asks); err != nil {
				return fmt.Errorf("okx: stream update asks: %w", err)
			}
			lastSeq = d.SeqID
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

// parseLevels parses [price, size, ...] string arrays. Sizes of "0" pass
// through as zero, which downstream treats as a delete.
func parseLevels(rows [][]string) ([]domain.PriceLevel, error) {
	levels := make([]domain.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("level row has %d fields", len(row))
		}
		p, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", row[0], err)
		}
		q, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("parse size %q: %w", row[1], err)
		}
		levels = append(levels, domain.PriceLevel{Price: p.InexactFloat64(), Size: q.InexactFloat64()})
	}
	return levels, nil
}

func parseMillis(ts string) time.Time {
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Now()
}

// Compile-time interface check.
var _ domain.BookSource = (*Source)(nil)
