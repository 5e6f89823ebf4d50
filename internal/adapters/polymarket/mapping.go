package polymarket

import (
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = domain.OrderBook{
			TokenID: r.AssetID,
			Bids:    mapBookEntries(r.Bids, false),
			Asks:    mapBookEntries(r.Asks, true),
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})
	return entries
}

// mapEvent convierte un evento del canal market a ticks. Los eventos que no
// traen precio no producen nada.
func mapEvent(ev wsEvent, now time.Time) []ports.MarketTick {
	switch ev.EventType {
	case "book":
		ob := domain.OrderBook{
			TokenID: ev.AssetID,
			Bids:    mapBookEntries(ev.Bids, false),
			Asks:    mapBookEntries(ev.Asks, true),
		}
		q := domain.QuoteFromBook(ob)
		q.At = now
		if q.Last == 0 {
			return nil
		}
		return []ports.MarketTick{{TokenID: ev.AssetID, Quote: q}}

	case "price_change":
		ticks := make([]ports.MarketTick, 0, len(ev.PriceChanges))
		for _, pc := range ev.PriceChanges {
			q := domain.Quote{
				Symbol: pc.AssetID,
				Bid:    domain.ParsePrice(pc.BestBid),
				Ask:    domain.ParsePrice(pc.BestAsk),
				At:     now,
			}
			q.Last = q.Mid()
			if q.Last == 0 {
				q.Last = domain.ParsePrice(pc.Price)
			}
			if q.Last == 0 {
				continue
			}
			ticks = append(ticks, ports.MarketTick{TokenID: pc.AssetID, Quote: q})
		}
		return ticks

	case "last_trade_price":
		price := domain.ParsePrice(ev.Price)
		if price == 0 {
			return nil
		}
		return []ports.MarketTick{{TokenID: ev.AssetID, Quote: domain.Quote{Symbol: ev.AssetID, Last: price, At: now}}}
	}
	return nil
}

// parseUSDC convierte un string en micro-USDC ("1000000") a USDC.
func parseUSDC(s string) float64 {
	if s == "" {
		return 0
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0
	}
	f, _ := new(big.Float).SetInt(n).Float64()
	return f / 1_000_000
}
