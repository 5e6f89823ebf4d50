// Package onchain talks to the Polygon conditional-token contracts that back
// Polymarket outcome tokens: balance reads for position reconciliation and
// mergePositions to turn complete YES+NO sets back into USDC.e.
package onchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyagent/internal/domain"
)

const (
	polygonChainID = int64(137)

	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// outcome tokens and USDC.e both use 6 decimals
	tokenUnit = 1_000_000

	mergeGasLimit  = uint64(200_000)
	gasPriceTTL    = 5 * time.Minute
	receiptTimeout = 60 * time.Second
	receiptPoll    = 3 * time.Second
)

var ctfABI = mustABI(`[
	{"name":"mergePositions","type":"function","outputs":[],"inputs":[
		{"name":"collateralToken","type":"address"},
		{"name":"parentCollectionId","type":"bytes32"},
		{"name":"conditionId","type":"bytes32"},
		{"name":"partition","type":"uint256[]"},
		{"name":"amount","type":"uint256"}]},
	{"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("onchain: abi: " + err.Error())
	}
	return parsed
}

// chain is the subset of ethclient.Client the settler uses.
type chain interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.PendingStateReader
	ethereum.TransactionSender
	ethereum.TransactionReader
}

// Settler reads conditional-token balances and merges complete sets.
type Settler struct {
	rpc     chain
	key     []byte
	address common.Address

	mu        sync.Mutex // serializa nonces y la caché de gas
	gasWei    *big.Int
	gasAt     time.Time
	waitAfter time.Duration
}

// NewSettler dials the Polygon RPC. privateKeyHex may carry a 0x prefix.
func NewSettler(rpcURL, privateKeyHex string) (*Settler, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.NewSettler: decode key: %w", err)
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewSettler: invalid key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewSettler: dial %s: %w", rpcURL, err)
	}
	return &Settler{
		rpc:       client,
		key:       keyBytes,
		address:   crypto.PubkeyToAddress(key.PublicKey),
		waitAfter: receiptTimeout,
	}, nil
}

// Address is the wallet that holds the outcome tokens.
func (s *Settler) Address() string { return s.address.Hex() }

// TokenBalance returns the wallet's balance of an outcome token in shares.
func (s *Settler) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	id, err := parseTokenID(tokenID)
	if err != nil {
		return 0, fmt.Errorf("onchain.TokenBalance: %w", err)
	}
	data, err := ctfABI.Pack("balanceOf", s.address, id)
	if err != nil {
		return 0, fmt.Errorf("onchain.TokenBalance: pack: %w", err)
	}

	ctf := common.HexToAddress(ctfAddress)
	out, err := s.rpc.CallContract(ctx, ethereum.CallMsg{To: &ctf, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("onchain.TokenBalance: call: %w", err)
	}
	vals, err := ctfABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("onchain.TokenBalance: unpack: %w", err)
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("onchain.TokenBalance: unexpected type %T", vals[0])
	}
	return fromUnits(raw), nil
}

// MergeSets burns sets YES+NO pairs of conditionID and receives sets USDC.e.
// Neg-risk markets are rejected: their merge goes through the adapter
// contract with a market-specific collection id.
func (s *Settler) MergeSets(ctx context.Context, conditionID string, sets float64, negRisk bool) (domain.MergeResult, error) {
	res := domain.MergeResult{ConditionID: conditionID, Sets: sets, At: time.Now().UTC()}
	if negRisk {
		return res, fmt.Errorf("onchain.MergeSets %s: neg-risk market: %w", conditionID, domain.ErrNotSupported)
	}
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return res, fmt.Errorf("onchain.MergeSets: condition id: %w", err)
	}
	amount := toUnits(sets)
	if amount.Sign() <= 0 {
		return res, fmt.Errorf("onchain.MergeSets: nothing to merge (%.6f sets)", sets)
	}

	data, err := ctfABI.Pack("mergePositions",
		common.HexToAddress(usdcEAddress),
		[32]byte{},
		cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		amount,
	)
	if err != nil {
		return res, fmt.Errorf("onchain.MergeSets: pack: %w", err)
	}

	tx, gasPrice, err := s.send(ctx, common.HexToAddress(ctfAddress), data)
	if err != nil {
		return res, fmt.Errorf("onchain.MergeSets %s: %w", conditionID, err)
	}
	res.TxHash = tx.Hash().Hex()
	slog.Info("merge sent", "condition", conditionID, "sets", sets, "tx", res.TxHash)

	waitCtx, cancel := context.WithTimeout(ctx, s.waitAfter)
	defer cancel()
	receipt, err := s.waitReceipt(waitCtx, tx.Hash())
	if err != nil {
		// El tx ya está en el mempool; el siguiente pase verá los balances reales.
		slog.Warn("merge receipt not confirmed", "tx", res.TxHash, "err", err)
		res.USDC = sets
		return res, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return res, fmt.Errorf("onchain.MergeSets %s: tx reverted %s", conditionID, res.TxHash)
	}

	res.Confirmed = true
	res.USDC = sets
	cost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), gasPrice)
	res.GasCostPOL, _ = new(big.Float).Quo(new(big.Float).SetInt(cost), big.NewFloat(1e18)).Float64()
	slog.Info("merge confirmed", "condition", conditionID, "tx", res.TxHash, "gas_pol", res.GasCostPOL)
	return res, nil
}

// send signs and broadcasts a contract call. The mutex keeps two concurrent
// merges from reusing the same pending nonce.
func (s *Settler) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := crypto.ToECDSA(s.key)
	if err != nil {
		return nil, nil, fmt.Errorf("key: %w", err)
	}
	nonce, err := s.rpc.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice := s.gasPriceLocked(ctx)

	gas, err := s.rpc.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		slog.Warn("gas estimate failed, using default", "err", err, "limit", mergeGasLimit)
		gas = mergeGasLimit
	}
	gas = gas * 12 / 10

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.rpc.SendTransaction(ctx, signed); err != nil {
		return nil, nil, fmt.Errorf("send: %w", err)
	}
	return signed, gasPrice, nil
}

// gasPriceLocked returns the suggested gas price plus 10%, cached for gasPriceTTL.
func (s *Settler) gasPriceLocked(ctx context.Context) *big.Int {
	if s.gasWei != nil && time.Since(s.gasAt) < gasPriceTTL {
		return s.gasWei
	}
	price, err := s.rpc.SuggestGasPrice(ctx)
	if err != nil {
		if s.gasWei != nil {
			return s.gasWei
		}
		return big.NewInt(30_000_000_000)
	}
	price = new(big.Int).Div(new(big.Int).Mul(price, big.NewInt(11)), big.NewInt(10))
	s.gasWei, s.gasAt = price, time.Now()
	return price
}

func (s *Settler) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := s.rpc.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // todavía no minado
			}
			return receipt, nil
		}
	}
}

// parseTokenID accepts decimal (CLOB format) or 0x-hex token ids.
func parseTokenID(tokenID string) (*big.Int, error) {
	id := new(big.Int)
	if _, ok := id.SetString(tokenID, 10); ok {
		return id, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(tokenID, "0x"))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}
	return id.SetBytes(raw), nil
}

func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return out, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// toUnits converts shares to 6-decimal base units, rounding down so a merge
// never asks for more than the wallet holds.
func toUnits(shares float64) *big.Int {
	return decimal.NewFromFloat(shares).Shift(6).Floor().BigInt()
}

func fromUnits(raw *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(tokenUnit)).Float64()
	return f
}
