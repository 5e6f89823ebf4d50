package polymarket

// exchange.go: Polymarket como venue del ciclo de vida.
//
// Las posiciones de predicción son tokens ERC-1155 en la wallet: "tiene
// posición" es balance on-chain > polvo, y cerrar es vender los tokens con
// una orden FOK firmada contra el mejor bid.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	gomodel "github.com/polymarket/go-order-utils/pkg/model"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyagent/internal/domain"
	"github.com/alejandrodnm/polyagent/internal/ports"
)

const (
	venueName = "polymarket"

	// Balances por debajo de esto son restos de redondeo, no una posición.
	dustShares = 0.01

	defaultMaxSlippage = 0.02
	minPrice           = 0.01
)

// BalanceReader reads on-chain outcome-token balances, in shares.
type BalanceReader interface {
	TokenBalance(ctx context.Context, tokenID string) (float64, error)
}

// Venue implements ports.ExchangeAdapter for Polymarket outcome tokens.
type Venue struct {
	auth        *AuthClient
	balances    BalanceReader
	maxSlippage float64
}

var _ ports.ExchangeAdapter = (*Venue)(nil)

// NewVenue crea el venue. balances puede ser nil; en ese caso
// HasOpenPosition devuelve domain.ErrNotSupported y la reconciliación queda
// en manos del precio.
func NewVenue(auth *AuthClient, balances BalanceReader, maxSlippage float64) *Venue {
	if maxSlippage <= 0 {
		maxSlippage = defaultMaxSlippage
	}
	return &Venue{auth: auth, balances: balances, maxSlippage: maxSlippage}
}

func (v *Venue) Name() string { return venueName }

// HasOpenPosition reports whether the wallet still holds tokenID.
func (v *Venue) HasOpenPosition(ctx context.Context, tokenID string) (bool, error) {
	if v.balances == nil {
		return false, fmt.Errorf("polymarket.HasOpenPosition: %w", domain.ErrNotSupported)
	}
	bal, err := v.balances.TokenBalance(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("polymarket.HasOpenPosition %s: %w", tokenID, err)
	}
	return bal > dustShares, nil
}

func (v *Venue) Quote(ctx context.Context, tokenID string) (domain.Quote, error) {
	return v.auth.Quote(ctx, tokenID)
}

// FundingRate no aplica a tokens de resultado.
func (v *Venue) FundingRate(_ context.Context, symbol string) (float64, error) {
	return 0, fmt.Errorf("polymarket.FundingRate %s: %w", symbol, domain.ErrNotSupported)
}

// ClosePosition vende order.Quantity tokens con una orden FOK. El límite es
// el precio de referencia menos maxSlippage, así la orden no barre el book.
func (v *Venue) ClosePosition(ctx context.Context, order domain.CloseOrder) (domain.Fill, error) {
	if order.Side != "sell" {
		return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition: side %q: %w", order.Side, domain.ErrNotSupported)
	}
	if err := v.auth.EnsureCreds(ctx); err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition: creds: %w", err)
	}

	ref := order.Price
	if ref <= 0 {
		q, err := v.auth.Quote(ctx, order.Symbol)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition: %w", err)
		}
		ref = q.Bid
	}
	limit := sellLimit(ref, v.maxSlippage)

	negRisk, err := v.auth.IsNegRisk(ctx, order.Symbol)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition: %w", err)
	}

	signed, err := v.auth.buildSignedOrder(order.Symbol, gomodel.SELL, limit, order.Quantity, negRisk)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       order.Symbol,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          "SELL",
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     v.auth.apiKey(),
		OrderType: "FOK",
	}

	var resp clobOrderResponse
	if err := v.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition %s: %w", order.Symbol, err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return domain.Fill{}, fmt.Errorf("polymarket.ClosePosition %s: clob rejected: %s", order.Symbol, resp.ErrorMsg)
	}

	fill := fillFromResponse(resp, limit, order.Quantity)
	slog.Info("polymarket sell filled",
		"position", order.PositionID, "token", order.Symbol,
		"order", fill.OrderID, "price", fill.Price, "shares", fill.Filled)
	return fill, nil
}

// CancelOrder cancela una orden por id del CLOB.
func (v *Venue) CancelOrder(ctx context.Context, _ string, orderID string) error {
	if err := v.auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("polymarket.CancelOrder: creds: %w", err)
	}
	if err := v.auth.doL2(ctx, http.MethodDelete, "/order/"+orderID, nil, nil); err != nil {
		return fmt.Errorf("polymarket.CancelOrder %s: %w", orderID, err)
	}
	return nil
}

// sellLimit redondea hacia abajo al tick de 0.01, nunca por debajo de minPrice.
func sellLimit(ref, slippage float64) float64 {
	p := decimal.NewFromFloat(ref).Mul(decimal.NewFromFloat(1 - slippage)).RoundFloor(2)
	if p.LessThan(decimal.NewFromFloat(minPrice)) {
		return minPrice
	}
	return p.InexactFloat64()
}

// fillFromResponse deriva el precio medio de la venta: USDC recibido sobre
// tokens entregados. Sin cantidades en la respuesta usa el límite.
func fillFromResponse(resp clobOrderResponse, limit, qty float64) domain.Fill {
	shares := parseUSDC(resp.MakingAmount)
	usdc := parseUSDC(resp.TakingAmount)
	fill := domain.Fill{OrderID: resp.OrderID, Price: limit, Filled: qty}
	if shares > 0 && usdc > 0 {
		fill.Filled = shares
		fill.Price = decimal.NewFromFloat(usdc).Div(decimal.NewFromFloat(shares)).Round(4).InexactFloat64()
	}
	return fill
}
