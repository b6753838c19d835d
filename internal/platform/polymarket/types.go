// Package polymarket adapts the Polymarket CLOB, Gamma, and WebSocket APIs
// to the domain Exchange interface. All wire JSON is converted to domain
// types at this boundary; untyped payloads never leak inward.
package polymarket

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// apiPriceLevel is a single level as the APIs encode it (stringly typed).
type apiPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// apiBook is the CLOB /book response.
type apiBook struct {
	AssetID   string          `json:"asset_id"`
	Timestamp string          `json:"timestamp"` // epoch millis
	Bids      []apiPriceLevel `json:"bids"`
	Asks      []apiPriceLevel `json:"asks"`
}

// toDomain converts the wire book to a domain Book with bids descending and
// asks ascending.
func (b apiBook) toDomain() domain.Book {
	book := domain.Book{
		Bids:      toLevels(b.Bids),
		Asks:      toLevels(b.Asks),
		Timestamp: parseMillis(b.Timestamp),
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })
	return book
}

func toLevels(in []apiPriceLevel) domain.BookSide {
	out := make(domain.BookSide, 0, len(in))
	for _, lvl := range in {
		price := parseFloat(lvl.Price)
		size := parseFloat(lvl.Size)
		if price <= 0 || size <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

// apiOrderResult is the CLOB POST /order response.
type apiOrderResult struct {
	Success       bool   `json:"success"`
	ErrorMsg      string `json:"errorMsg"`
	OrderID       string `json:"orderID"`
	Status        string `json:"status"` // "matched", "live", "delayed", "unmatched"
	TakingAmount  string `json:"takingAmount"`
	MakingAmount  string `json:"makingAmount"`
	TransactionsH []any  `json:"transactionsHashes"`
}

// toOutcome maps the wire result to an OrderOutcome. For a BUY the taking
// amount is shares received and the making amount USD paid; for a SELL the
// roles invert.
func (r apiOrderResult) toOutcome(order domain.Order) domain.OrderOutcome {
	if !r.Success {
		return domain.Failed(r.ErrorMsg)
	}

	switch strings.ToUpper(r.Status) {
	case "MATCHED", "FILLED":
		taking := parseFloat(r.TakingAmount)
		making := parseFloat(r.MakingAmount)
		var shares, usd float64
		if order.Side == domain.OrderSideBuy {
			shares, usd = taking, making
		} else {
			shares, usd = making, taking
		}
		if shares <= 0 {
			shares = order.Size
		}
		if usd <= 0 {
			usd = shares * order.Price
		}
		return domain.Matched(shares, usd)
	case "LIVE", "DELAYED":
		return domain.Live(r.OrderID)
	default:
		reason := r.ErrorMsg
		if reason == "" {
			reason = "order " + strings.ToLower(r.Status)
		}
		return domain.Failed(reason)
	}
}

// apiBalance is the CLOB balance-allowance response (USDC uses 6 decimals).
type apiBalance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

func (b apiBalance) toDomain() domain.Balance {
	return domain.Balance{
		Balance:   parseFloat(b.Balance) / 1e6,
		Allowance: parseFloat(b.Allowance) / 1e6,
	}
}

// apiMarket is the Gamma /markets response entry.
type apiMarket struct {
	ConditionID  string `json:"conditionId"`
	Slug         string `json:"slug"`
	Question     string `json:"question"`
	EndDate      string `json:"endDate"`
	ClobTokenIDs string `json:"clobTokenIds"` // JSON-encoded string array
	Closed       bool   `json:"closed"`
	Active       bool   `json:"active"`
}

// toDomain converts the Gamma market to a domain Market. The first CLOB
// token is the Up/Yes outcome, the second Down/No.
func (m apiMarket) toDomain(asset string) (domain.Market, bool) {
	var tokens []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err != nil || len(tokens) < 2 {
		return domain.Market{}, false
	}

	end, err := time.Parse(time.RFC3339, m.EndDate)
	if err != nil {
		return domain.Market{}, false
	}
	end = end.UTC()

	return domain.Market{
		ConditionID: m.ConditionID,
		Slug:        m.Slug,
		Asset:       asset,
		Question:    m.Question,
		YesTokenID:  tokens[0],
		NoTokenID:   tokens[1],
		StartTime:   end.Add(-15 * time.Minute),
		EndTime:     end,
	}, true
}

// wsMessage is one entry of a WebSocket market-channel frame.
type wsMessage struct {
	EventType string          `json:"event_type"` // "book", "price_change", ...
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Timestamp string          `json:"timestamp"` // epoch millis
	Bids      []apiPriceLevel `json:"bids"`
	Asks      []apiPriceLevel `json:"asks"`
	Changes   []wsPriceChange `json:"changes"`
}

// wsPriceChange is one incremental level update within a price_change frame.
type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" removes the level
	Side    string `json:"side"` // "BUY" (bid) or "SELL" (ask)
}

// wsSubscribe is the subscription command for the market channel.
type wsSubscribe struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
