package domain

import "time"

// Quote es el snapshot de precio de un símbolo en un venue.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	At     time.Time
}

// Mid devuelve el punto medio bid/ask, o Last si falta alguno de los dos lados.
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// QuoteFromBook construye un Quote a partir del mejor nivel del orderbook.
func QuoteFromBook(ob OrderBook) Quote {
	q := Quote{Symbol: ob.TokenID, Bid: ob.BestBid(), Ask: ob.BestAsk(), At: time.Now().UTC()}
	q.Last = q.Mid()
	return q
}

// VenuePosition es una posición tal como la reporta el exchange.
type VenuePosition struct {
	Symbol    string
	Contracts float64
	Side      string
}

// Open devuelve true si la posición del venue tiene tamaño distinto de cero.
func (vp VenuePosition) Open() bool {
	return vp.Contracts > 0 || vp.Contracts < 0
}

// CloseOrder es la orden de cierre (market, reduce-only) que el engine manda a un venue.
type CloseOrder struct {
	PositionID string
	Symbol     string
	Side       string // buy | sell
	Quantity   float64
	Price      float64 // precio de referencia para el control de slippage
	ReduceOnly bool
}

// Fill es el resultado de una orden de cierre ejecutada.
type Fill struct {
	OrderID string
	Price   float64
	Filled  float64
}

// CloseSide devuelve el lado de la orden que cierra una pierna abierta con side.
func CloseSide(side string) string {
	switch side {
	case SideShort:
		return "buy"
	default:
		return "sell"
	}
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa los primeros caracteres del marketID como fallback.
func TruncateQuestion(question, marketID string, maxLen int) string {
	q := question
	if q == "" {
		if len(marketID) > 20 {
			q = marketID[:20] + "..."
		} else {
			q = marketID
		}
	}
	if len(q) > maxLen {
		q = q[:maxLen-3] + "..."
	}
	return q
}

// MergeResult es el resultado de convertir sets YES+NO en colateral on-chain.
type MergeResult struct {
	ConditionID string
	TxHash      string
	Sets        float64
	USDC        float64 // colateral recibido, 1 USDC por set
	GasCostPOL  float64
	Confirmed   bool // false si el receipt no llegó a tiempo
	At          time.Time
}
