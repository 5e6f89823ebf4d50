package storage

import (
	"encoding/json"
	"fmt"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

// EncodePayload serializa el payload de la estrategia a JSON. La columna
// strategy de la fila actúa como tag para decodificar.
func EncodePayload(pos domain.Position) (string, error) {
	var v any
	switch pos.Strategy {
	case domain.StrategyFunding:
		v = pos.Funding
	case domain.StrategySpread:
		v = pos.Spread
	case domain.StrategyPrediction:
		v = pos.Prediction
	case domain.StrategyPMArb:
		v = pos.Arb
	case domain.StrategyMicroArb:
		v = pos.MicroArb
	default:
		return "", fmt.Errorf("storage.EncodePayload: %w: strategy %q", domain.ErrInvalidPosition, pos.Strategy)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage.EncodePayload: %w", err)
	}
	return string(b), nil
}

// DecodePayload rellena el payload de pos a partir de su strategy.
func DecodePayload(pos *domain.Position, raw string) error {
	var err error
	switch pos.Strategy {
	case domain.StrategyFunding:
		pos.Funding = &domain.FundingPayload{}
		err = json.Unmarshal([]byte(raw), pos.Funding)
	case domain.StrategySpread:
		pos.Spread = &domain.SpreadPayload{}
		err = json.Unmarshal([]byte(raw), pos.Spread)
	case domain.StrategyPrediction:
		pos.Prediction = &domain.PredictionPayload{}
		err = json.Unmarshal([]byte(raw), pos.Prediction)
	case domain.StrategyPMArb:
		pos.Arb = &domain.ArbPayload{}
		err = json.Unmarshal([]byte(raw), pos.Arb)
	case domain.StrategyMicroArb:
		pos.MicroArb = &domain.MicroArbPayload{}
		err = json.Unmarshal([]byte(raw), pos.MicroArb)
	default:
		return fmt.Errorf("storage.DecodePayload: unknown strategy %q", pos.Strategy)
	}
	if err != nil {
		return fmt.Errorf("storage.DecodePayload %s: %w", pos.ID, err)
	}
	return nil
}

// EncodeOrderIDs guarda la lista de órdenes de entrada como JSON.
func EncodeOrderIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// DecodeOrderIDs es la inversa de EncodeOrderIDs.
func DecodeOrderIDs(raw string) []string {
	var ids []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
