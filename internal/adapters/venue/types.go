package venue

// DTOs del venue gateway. La conversión a domain se hace en los métodos.

type positionDTO struct {
	Symbol    string  `json:"symbol"`
	Contracts float64 `json:"contracts"`
	Side      string  `json:"side"`
}

type tickerDTO struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	Time   int64   `json:"timestamp"` // ms
}

type fundingDTO struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"funding_rate"`
}

type orderRequest struct {
	ClientID   string  `json:"client_order_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price,omitempty"`
	ReduceOnly bool    `json:"reduce_only"`
}

type orderResponse struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Average float64 `json:"average"`
	Price   float64 `json:"price"`
	Filled  float64 `json:"filled"`
}

// streamMessage es el sobre de los mensajes del websocket del gateway.
type streamMessage struct {
	Channel   string        `json:"channel"` // ticker | positions
	Ticker    *tickerDTO    `json:"ticker,omitempty"`
	Positions []positionDTO `json:"positions,omitempty"`
}
