package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WSClient streams market-channel book data for a fixed set of tokens. One
// client serves one subscription; the book tracker creates a fresh client per
// (re)connect with the current token set.
//
// The market channel delivers a full book snapshot on subscribe and
// price_change deltas afterwards. The client maintains a per-token book and
// emits a full domain.BookUpdate for every message, so consumers only ever
// see snapshots.
type WSClient struct {
	wsURL string

	// books holds the working copy of each token's book, keyed by asset ID.
	books map[string]*tokenBook
}

type tokenBook struct {
	bids map[float64]float64 // price -> size
	asks map[float64]float64
}

// NewWSClient creates a WebSocket client for the market channel.
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		books: make(map[string]*tokenBook),
	}
}

// Stream connects, subscribes to the given tokens, and invokes handler for
// every book state change until ctx is cancelled or the connection fails.
func (w *WSClient) Stream(ctx context.Context, tokenIDs []string, handler func(domain.BookUpdate)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	defer conn.Close()

	sub := wsSubscribe{AssetIDs: tokenIDs, Type: "market"}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Keep-alive pings.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polymarket/ws: %w: %v", domain.ErrWSDisconnect, err)
		}
		for _, update := range w.parseFrame(raw) {
			handler(update)
		}
	}
}

// parseFrame decodes one WebSocket frame, which carries either a single
// message object or an array of them, and returns the resulting snapshots.
func (w *WSClient) parseFrame(raw []byte) []domain.BookUpdate {
	var msgs []wsMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		var single wsMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil
		}
		msgs = []wsMessage{single}
	}

	var updates []domain.BookUpdate
	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			updates = append(updates, w.applySnapshot(msg))
		case "price_change":
			updates = append(updates, w.applyChanges(msg)...)
		}
	}
	return updates
}

// applySnapshot replaces the token's working book with the full snapshot.
func (w *WSClient) applySnapshot(msg wsMessage) domain.BookUpdate {
	book := &tokenBook{
		bids: make(map[float64]float64, len(msg.Bids)),
		asks: make(map[float64]float64, len(msg.Asks)),
	}
	for _, lvl := range msg.Bids {
		if p, s := parseFloat(lvl.Price), parseFloat(lvl.Size); p > 0 && s > 0 {
			book.bids[p] = s
		}
	}
	for _, lvl := range msg.Asks {
		if p, s := parseFloat(lvl.Price), parseFloat(lvl.Size); p > 0 && s > 0 {
			book.asks[p] = s
		}
	}
	w.books[msg.AssetID] = book
	return w.snapshot(msg.AssetID, msg.Timestamp)
}

// applyChanges applies incremental level updates and emits one snapshot per
// touched token.
func (w *WSClient) applyChanges(msg wsMessage) []domain.BookUpdate {
	touched := make(map[string]bool)
	for _, ch := range msg.Changes {
		assetID := ch.AssetID
		if assetID == "" {
			assetID = msg.AssetID
		}
		book, ok := w.books[assetID]
		if !ok {
			// Delta before any snapshot; start an empty book.
			book = &tokenBook{bids: make(map[float64]float64), asks: make(map[float64]float64)}
			w.books[assetID] = book
		}

		price := parseFloat(ch.Price)
		size := parseFloat(ch.Size)
		if price <= 0 {
			continue
		}
		side := book.asks
		if strings.EqualFold(ch.Side, "BUY") {
			side = book.bids
		}
		if size <= 0 {
			delete(side, price)
		} else {
			side[price] = size
		}
		touched[assetID] = true
	}

	updates := make([]domain.BookUpdate, 0, len(touched))
	for assetID := range touched {
		updates = append(updates, w.snapshot(assetID, msg.Timestamp))
	}
	return updates
}

// snapshot renders a token's working book as a sorted BookUpdate.
func (w *WSClient) snapshot(assetID, timestamp string) domain.BookUpdate {
	book := w.books[assetID]
	update := domain.BookUpdate{
		TokenID:   assetID,
		Timestamp: parseMillis(timestamp),
	}
	if book == nil {
		return update
	}

	update.Bids = make(domain.BookSide, 0, len(book.bids))
	for p, s := range book.bids {
		update.Bids = append(update.Bids, domain.PriceLevel{Price: p, Size: s})
	}
	sort.Slice(update.Bids, func(i, j int) bool { return update.Bids[i].Price > update.Bids[j].Price })

	update.Asks = make(domain.BookSide, 0, len(book.asks))
	for p, s := range book.asks {
		update.Asks = append(update.Asks, domain.PriceLevel{Price: p, Size: s})
	}
	sort.Slice(update.Asks, func(i, j int) bool { return update.Asks[i].Price < update.Asks[j].Price })

	return update
}
