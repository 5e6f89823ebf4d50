package domain

// MarketContext is what the re-estimation service needs to re-price a
// prediction market.
type MarketContext struct {
	MarketID     string  `json:"market_id"`
	Question     string  `json:"question"`
	Category     string  `json:"category"`
	HeldSide     string  `json:"held_side"`
	CurrentPrice float64 `json:"current_price"` // held token price
	EntryProb    float64 `json:"entry_probability"`
	Thesis       string  `json:"thesis"`
}

// Estimate is the re-estimation service verdict. Probability is P(YES).
type Estimate struct {
	Probability     float64 `json:"probability"`
	RecommendedSide string  `json:"recommended_side"` // YES | NO | SKIP
	Confidence      string  `json:"confidence"`
	Edge            float64 `json:"edge"`
}

// HeldProbability converts a P(YES) into the probability of the held side.
func HeldProbability(side string, pYes float64) float64 {
	if side == SideNo {
		return 1 - pYes
	}
	return pYes
}
