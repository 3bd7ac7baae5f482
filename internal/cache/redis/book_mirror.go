package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/book_update.lua
var bookUpdateLua string

// BookMirror implements domain.BookMirror using Redis sorted sets and hashes,
// one book per venue plus one aggregate book per symbol. The mirror is a
// read-side cache for out-of-process consumers; books rebuild from venue
// snapshots, never from here.
//
// Key schema, per venue:
//
//	book:{venue}:bids      - sorted set of bid prices (score = price)
//	book:{venue}:asks      - sorted set of ask prices (score = price)
//	book:{venue}:bid:size  - hash mapping price -> size for bids
//	book:{venue}:ask:size  - hash mapping price -> size for asks
//	book:{venue}:bbo       - hash with fields "bid" and "ask" (best prices)
//	book:{venue}:meta      - hash with "ts" and "seq" fields
//
// The aggregate uses the same layout under agg:{symbol}:* plus
// agg:{symbol}:bid:src and agg:{symbol}:ask:src hashes mapping price to a
// JSON venue->size attribution object.
type BookMirror struct {
	rdb        *redis.Client
	bookUpdate *redis.Script
}

// NewBookMirror creates a BookMirror backed by the given Client.
func NewBookMirror(c *Client) *BookMirror {
	return &BookMirror{
		rdb:        c.Underlying(),
		bookUpdate: redis.NewScript(bookUpdateLua),
	}
}

func bookBidsKey(venue domain.Venue) string    { return "book:" + string(venue) + ":bids" }
func bookAsksKey(venue domain.Venue) string    { return "book:" + string(venue) + ":asks" }
func bookBidSizeKey(venue domain.Venue) string { return "book:" + string(venue) + ":bid:size" }
func bookAskSizeKey(venue domain.Venue) string { return "book:" + string(venue) + ":ask:size" }
func bookBBOKey(venue domain.Venue) string     { return "book:" + string(venue) + ":bbo" }
func bookMetaKey(venue domain.Venue) string    { return "book:" + string(venue) + ":meta" }

func aggKey(symbol, suffix string) string { return "agg:" + symbol + ":" + suffix }

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// SetSnapshot atomically replaces the mirrored book for snap's venue. It
// clears existing data and repopulates the sorted sets, size hashes, the BBO
// hash, and the metadata hash in one transaction.
func (bm *BookMirror) SetSnapshot(ctx context.Context, venue domain.Venue, snap domain.BookSnapshot) error {
	bidsKey := bookBidsKey(venue)
	asksKey := bookAsksKey(venue)
	bidSizeKey := bookBidSizeKey(venue)
	askSizeKey := bookAskSizeKey(venue)
	bboKey := bookBBOKey(venue)
	metaKey := bookMetaKey(venue)

	pipe := bm.rdb.TxPipeline()

	pipe.Del(ctx, bidsKey, asksKey, bidSizeKey, askSizeKey, bboKey, metaKey)

	for _, lvl := range snap.Bids {
		priceStr := fmtFloat(lvl.Price)
		pipe.ZAdd(ctx, bidsKey, redis.Z{Score: lvl.Price, Member: priceStr})
		pipe.HSet(ctx, bidSizeKey, priceStr, fmtFloat(lvl.Size))
	}
	for _, lvl := range snap.Asks {
		priceStr := fmtFloat(lvl.Price)
		pipe.ZAdd(ctx, asksKey, redis.Z{Score: lvl.Price, Member: priceStr})
		pipe.HSet(ctx, askSizeKey, priceStr, fmtFloat(lvl.Size))
	}

	if len(snap.Bids) > 0 {
		pipe.HSet(ctx, bboKey, "bid", fmtFloat(snap.Bids[0].Price))
	}
	if len(snap.Asks) > 0 {
		pipe.HSet(ctx, bboKey, "ask", fmtFloat(snap.Asks[0].Price))
	}

	pipe.HSet(ctx, metaKey, map[string]interface{}{
		"ts":     strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
		"seq":    strconv.FormatInt(snap.Sequence, 10),
		"symbol": snap.Symbol,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book snapshot %s: %w", venue, err)
	}
	return nil
}

// GetSnapshot reconstructs the mirrored book for a venue. It returns
// domain.ErrNotFound if no book data exists.
func (bm *BookMirror) GetSnapshot(ctx context.Context, venue domain.Venue) (domain.BookSnapshot, error) {
	pipe := bm.rdb.Pipeline()

	// Bids sorted descending (highest first), asks ascending.
	bidsCmd := pipe.ZRevRangeWithScores(ctx, bookBidsKey(venue), 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, bookAsksKey(venue), 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, bookBidSizeKey(venue))
	askSizeCmd := pipe.HGetAll(ctx, bookAskSizeKey(venue))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(venue))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book snapshot %s: %w", venue, err)
	}

	metaVals, _ := metaCmd.Result()
	if len(metaVals) == 0 {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}

	snap := domain.BookSnapshot{
		Venue:  venue,
		Symbol: metaVals["symbol"],
	}
	if tsStr, ok := metaVals["ts"]; ok {
		if tsNano, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			snap.Timestamp = time.Unix(0, tsNano)
		}
	}
	if seqStr, ok := metaVals["seq"]; ok {
		snap.Sequence, _ = strconv.ParseInt(seqStr, 10, 64)
	}

	bidSizes, _ := bidSizeCmd.Result()
	bidsZ, _ := bidsCmd.Result()
	snap.Bids = buildLevels(bidsZ, bidSizes)

	askSizes, _ := askSizeCmd.Result()
	asksZ, _ := asksCmd.Result()
	snap.Asks = buildLevels(asksZ, askSizes)

	return snap, nil
}

func buildLevels(zs []redis.Z, sizes map[string]string) []domain.PriceLevel {
	levels := make([]domain.PriceLevel, 0, len(zs))
	for _, z := range zs {
		priceStr, ok := z.Member.(string)
		if !ok {
			continue
		}
		size := 0.0
		if sizeStr, exists := sizes[priceStr]; exists {
			size, _ = strconv.ParseFloat(sizeStr, 64)
		}
		levels = append(levels, domain.PriceLevel{Price: z.Score, Size: size})
	}
	return levels
}

// UpdateLevel applies one absolute level update to a venue's mirrored book
// using an atomic Lua script. Size > 0 sets the level; size <= 0 removes it.
// The script recomputes the side's best price after the update.
func (bm *BookMirror) UpdateLevel(ctx context.Context, venue domain.Venue, side domain.Side, price, size float64) error {
	var zKey, hKey, sideArg string
	switch side {
	case domain.SideBid:
		zKey = bookBidsKey(venue)
		hKey = bookBidSizeKey(venue)
		sideArg = "bids"
	case domain.SideAsk:
		zKey = bookAsksKey(venue)
		hKey = bookAskSizeKey(venue)
		sideArg = "asks"
	default:
		return fmt.Errorf("redis: update level: unknown side %q", side)
	}

	priceStr := fmtFloat(price)
	keys := []string{zKey, hKey, bookBBOKey(venue)}
	args := []interface{}{priceStr, fmtFloat(size), sideArg}

	if err := bm.bookUpdate.Run(ctx, bm.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis: update level %s %s@%s: %w", venue, sideArg, priceStr, err)
	}
	return nil
}

// GetBBO retrieves a venue's mirrored best bid and ask.
// It returns domain.ErrNotFound if no BBO data exists.
func (bm *BookMirror) GetBBO(ctx context.Context, venue domain.Venue) (domain.BBO, error) {
	vals, err := bm.rdb.HGetAll(ctx, bookBBOKey(venue)).Result()
	if err != nil {
		return domain.BBO{}, fmt.Errorf("redis: get bbo %s: %w", venue, err)
	}
	if len(vals) == 0 {
		return domain.BBO{}, domain.ErrNotFound
	}

	var bbo domain.BBO
	if bidStr, ok := vals["bid"]; ok {
		bbo.BidPrice, _ = strconv.ParseFloat(bidStr, 64)
		if bbo.BidPrice > 0 {
			bbo.BidSize, _ = bm.levelSize(ctx, bookBidSizeKey(venue), bidStr)
		}
	}
	if askStr, ok := vals["ask"]; ok {
		bbo.AskPrice, _ = strconv.ParseFloat(askStr, 64)
		if bbo.AskPrice > 0 {
			bbo.AskSize, _ = bm.levelSize(ctx, bookAskSizeKey(venue), askStr)
		}
	}
	return bbo, nil
}

func (bm *BookMirror) levelSize(ctx context.Context, hKey, priceStr string) (float64, error) {
	sizeStr, err := bm.rdb.HGet(ctx, hKey, priceStr).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(sizeStr, 64)
}

// SetAggregate atomically replaces the mirrored aggregate book for symbol,
// including the per-level venue attribution hashes.
func (bm *BookMirror) SetAggregate(ctx context.Context, symbol string, bids, asks []domain.DepthLevel) error {
	bidsKey := aggKey(symbol, "bids")
	asksKey := aggKey(symbol, "asks")
	bidSizeKey := aggKey(symbol, "bid:size")
	askSizeKey := aggKey(symbol, "ask:size")
	bidSrcKey := aggKey(symbol, "bid:src")
	askSrcKey := aggKey(symbol, "ask:src")
	bboKey := aggKey(symbol, "bbo")
	metaKey := aggKey(symbol, "meta")

	pipe := bm.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, bidSizeKey, askSizeKey, bidSrcKey, askSrcKey, bboKey, metaKey)

	writeSide := func(zKey, hKey, srcKey string, levels []domain.DepthLevel) error {
		for _, lvl := range levels {
			priceStr := fmtFloat(lvl.Price)
			pipe.ZAdd(ctx, zKey, redis.Z{Score: lvl.Price, Member: priceStr})
			pipe.HSet(ctx, hKey, priceStr, fmtFloat(lvl.Size))
			src, err := json.Marshal(lvl.Sources)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, srcKey, priceStr, src)
		}
		return nil
	}
	if err := writeSide(bidsKey, bidSizeKey, bidSrcKey, bids); err != nil {
		return fmt.Errorf("redis: set aggregate %s: %w", symbol, err)
	}
	if err := writeSide(asksKey, askSizeKey, askSrcKey, asks); err != nil {
		return fmt.Errorf("redis: set aggregate %s: %w", symbol, err)
	}

	if len(bids) > 0 {
		pipe.HSet(ctx, bboKey, "bid", fmtFloat(bids[0].Price))
	}
	if len(asks) > 0 {
		pipe.HSet(ctx, bboKey, "ask", fmtFloat(asks[0].Price))
	}
	pipe.HSet(ctx, metaKey, "ts", strconv.FormatInt(time.Now().UnixNano(), 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set aggregate %s: %w", symbol, err)
	}
	return nil
}

// ClearVenue removes every mirrored key for a venue. Used before a venue is
// re-seeded from a fresh snapshot.
func (bm *BookMirror) ClearVenue(ctx context.Context, venue domain.Venue) error {
	keys := []string{
		bookBidsKey(venue), bookAsksKey(venue),
		bookBidSizeKey(venue), bookAskSizeKey(venue),
		bookBBOKey(venue), bookMetaKey(venue),
	}
	if err := bm.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: clear venue %s: %w", venue, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BookMirror = (*BookMirror)(nil)
