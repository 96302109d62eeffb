// Package exchange defines the typed seams to external collaborators: market
// data feeds, swap/bridge aggregators and per-DEX position adapters. The core
// engine only sees these interfaces; concrete implementations live outside
// the decision path and are mockable in tests.
package exchange

import (
	"context"
	"time"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// MarketData supplies candles and pool snapshots.
type MarketData interface {
	// FetchCandles returns minute-aligned candles with strictly increasing
	// timestamps, oldest first.
	FetchCandles(ctx context.Context, source, symbol string, sinceMs int64, limit int) ([]domain.Candle, error)

	// FetchPool returns the current snapshot for one pool.
	FetchPool(ctx context.Context, network string, pool domain.PoolRef) (domain.PoolSnapshot, error)
}

// Quote is a verified aggregator route. Calldata is opaque to the core.
type Quote struct {
	To              string         `json:"to"`
	Data            []byte         `json:"data"`
	Value           *domain.BigInt `json:"value,omitempty"`
	ToAmount        *domain.BigInt `json:"toAmount"`
	ToAmountMin     *domain.BigInt `json:"toAmountMin"`
	ApprovalAddress string         `json:"approvalAddress,omitempty"`
	Type            string         `json:"type"` // "swap" or "bridge"
}

// QuoteRequest names the legs of a swap or bridge.
type QuoteRequest struct {
	FromChain int64
	ToChain   int64
	FromToken string
	ToToken   string
	Amount    *domain.BigInt
	Payer     string
	Receiver  string
	Slippage  float64
}

// SwapExecutor quotes, verifies and settles swaps and bridges.
type SwapExecutor interface {
	// Quote returns a route, or (nil, nil) when no route exists.
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)

	// VerifyCalldata checks the route's receiver and destination before any
	// value moves.
	VerifyCalldata(ctx context.Context, chainID int64, data []byte, expectedReceiver string, expectedDstChain int64) (bool, error)

	// WaitArrival polls the destination balance until it exceeds
	// balanceBefore or the timeout elapses, returning the new balance.
	WaitArrival(ctx context.Context, chainID int64, token, account string, balanceBefore *domain.BigInt, timeout time.Duration) (*domain.BigInt, error)
}

// MintResult reports a mint attempt. Position is nil when the tx reverted.
type MintResult struct {
	Position *domain.Position `json:"position,omitempty"`
	TxHash   string           `json:"txHash"`
	GasUsed  *domain.BigInt   `json:"gasUsed"`
	GasPrice *domain.BigInt   `json:"gasPrice"`
}

// BurnResult reports a burn attempt with the amounts returned to the payer.
type BurnResult struct {
	Success  bool           `json:"success"`
	Amount0  *domain.BigInt `json:"amount0"`
	Amount1  *domain.BigInt `json:"amount1"`
	TxHash   string         `json:"txHash"`
	GasUsed  *domain.BigInt `json:"gasUsed"`
	GasPrice *domain.BigInt `json:"gasPrice"`
}

// PositionAdapter hides one DEX family (V3-style, Algebra, Aerodrome,
// V4-singleton, LB) behind a uniform mint/burn surface.
type PositionAdapter interface {
	Mint(ctx context.Context, pool domain.PoolRef, tickLower, tickUpper int, amount0, amount1 *domain.BigInt, payer string) (MintResult, error)
	Burn(ctx context.Context, pos domain.Position, payer string) (BurnResult, error)
	ReadTickSpacing(ctx context.Context, pool domain.PoolRef) (int, error)
	ReadFee(ctx context.Context, pool domain.PoolRef) (float64, error)
}
