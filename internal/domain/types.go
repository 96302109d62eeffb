package domain

import (
	"fmt"
	"time"
)

// Candle is one OHLCV bar. Timestamps are unix milliseconds, minute-aligned,
// and series are strictly increasing.
type Candle struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Time returns the candle timestamp as time.Time.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Ts)
}

// PoolRef identifies a pool by chain and address. Positions reference pools
// by value only; the pool registry resolves the rest at read time.
type PoolRef struct {
	ChainID int64  `json:"chainId"`
	Address string `json:"address"`
}

func (p PoolRef) String() string {
	return fmt.Sprintf("%d:%s", p.ChainID, p.Address)
}

// PoolSnapshot is a point-in-time view of a pool, fetched once per cycle.
type PoolSnapshot struct {
	Pool           PoolRef   `json:"pool"`
	DEX            string    `json:"dex"`
	Ts             time.Time `json:"ts"`
	Volume24h      float64   `json:"volume24h"`
	TVL            float64   `json:"tvl"`
	FeeFraction    float64   `json:"feeFraction"`
	Price          float64   `json:"price"`
	PriceChange1h  float64   `json:"priceChange1h"`
	PriceChange24h float64   `json:"priceChange24h"`
	TickSpacing    int       `json:"tickSpacing"`
}

// IntervalVolume estimates the volume attributable to a single cycle.
// When the rolling 24h window is unusable it falls back to volume24h/96,
// i.e. one 15-minute slice of the day.
func (s PoolSnapshot) IntervalVolume() float64 {
	if s.Volume24h <= 0 {
		return 0
	}
	return s.Volume24h / 96
}

// Forces is the (V, M, T) triple inferred from candles, each in [0, 100].
// 50 is neutral for momentum and trend.
type Forces struct {
	V float64 `json:"v"`
	M float64 `json:"m"`
	T float64 `json:"t"`
}

// RangeParams are the five tunables the optimizer searches over.
type RangeParams struct {
	BaseMin       float64 `json:"baseMin"`
	BaseMax       float64 `json:"baseMax"`
	VForceExp     float64 `json:"vforceExp"`
	VForceDivider float64 `json:"vforceDivider"`
	RSThreshold   float64 `json:"rsThreshold"`
}

// Vector flattens params for the optimizer. FromVector is its inverse.
func (p RangeParams) Vector() [5]float64 {
	return [5]float64{p.BaseMin, p.BaseMax, p.VForceExp, p.VForceDivider, p.RSThreshold}
}

// ParamsFromVector rebuilds RangeParams from an optimizer vector.
func ParamsFromVector(v [5]float64) RangeParams {
	return RangeParams{BaseMin: v[0], BaseMax: v[1], VForceExp: v[2], VForceDivider: v[3], RSThreshold: v[4]}
}

// RangeType classifies the directional tilt of a range.
type RangeType string

const (
	RangeBullish RangeType = "bullish"
	RangeBearish RangeType = "bearish"
	RangeNeutral RangeType = "neutral"
)

// Range is a computed price band around a base price.
type Range struct {
	PriceMin   float64   `json:"priceMin"`
	PriceMax   float64   `json:"priceMax"`
	BasePrice  float64   `json:"basePrice"`
	Breadth    float64   `json:"breadth"`
	Confidence float64   `json:"confidence"`
	TrendBias  float64   `json:"trendBias"`
	Type       RangeType `json:"type"`
}

// Width returns priceMax - priceMin.
func (r Range) Width() float64 {
	return r.PriceMax - r.PriceMin
}

// Center returns the midpoint of the range.
func (r Range) Center() float64 {
	return (r.PriceMin + r.PriceMax) / 2
}

// Contains reports whether price falls inside the range.
func (r Range) Contains(price float64) bool {
	return price >= r.PriceMin && price <= r.PriceMax
}

// AllocationEntry assigns a fraction of portfolio capital to one pool.
type AllocationEntry struct {
	Pool        PoolRef `json:"pool"`
	Fraction    float64 `json:"fraction"`
	ExpectedAPR float64 `json:"expectedApr"`
}

// AllocMin is the smallest fraction worth holding; anything below is dropped
// and the remainder renormalized.
const AllocMin = 0.001

// AllocSumTolerance bounds the deviation of a full allocation set from 1.0.
const AllocSumTolerance = 1e-6

// ValidateAllocations checks the sum-to-one invariant and the per-entry floor.
func ValidateAllocations(entries []AllocationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	sum := 0.0
	for _, e := range entries {
		if e.Fraction < AllocMin {
			return fmt.Errorf("allocation for %s below floor: %g", e.Pool, e.Fraction)
		}
		sum += e.Fraction
	}
	if sum < 1-AllocSumTolerance || sum > 1+AllocSumTolerance {
		return fmt.Errorf("allocation sum %g outside tolerance", sum)
	}
	return nil
}

// DecisionType discriminates the outcome of a cycle.
type DecisionType string

const (
	DecisionHold DecisionType = "HOLD"
	DecisionRS   DecisionType = "RS"
	DecisionPRA  DecisionType = "PRA"
)

// RangeShift records one pool moving from an old range to a new one.
type RangeShift struct {
	Pool     PoolRef `json:"pool"`
	OldRange Range   `json:"oldRange"`
	NewRange Range   `json:"newRange"`
}

// Decision is the discriminated result of one cycle. Reason is set on HOLD
// to explain why nothing was done (stale_data, suppressed, gas gate, ...).
type Decision struct {
	Type         DecisionType      `json:"type"`
	Reason       string            `json:"reason,omitempty"`
	Shifts       []RangeShift      `json:"shifts,omitempty"`
	Allocations  []AllocationEntry `json:"allocations,omitempty"`
	PortfolioAPR float64           `json:"portfolioApr,omitempty"`
}

// Hold builds a HOLD decision with the given reason.
func Hold(reason string) Decision {
	return Decision{Type: DecisionHold, Reason: reason}
}

// Position is an immutable record of one on-chain position. It is created by
// a mint and destroyed by a burn, never mutated in place.
type Position struct {
	ID            string    `json:"id"`
	Pool          PoolRef   `json:"pool"`
	DEX           string    `json:"dex"`
	TokenID       string    `json:"tokenId"`
	TickLower     int       `json:"tickLower"`
	TickUpper     int       `json:"tickUpper"`
	Liquidity     *BigInt   `json:"liquidity"`
	Amount0       *BigInt   `json:"amount0"`
	Amount1       *BigInt   `json:"amount1"`
	Range         Range     `json:"range"`
	EntryPrice    float64   `json:"entryPrice"`
	EntryTime     time.Time `json:"entryTime"`
	EntryAPR      float64   `json:"entryApr"`
	EntryValueUSD float64   `json:"entryValueUsd"`
}

// Validate enforces the persisted-position invariants.
func (p Position) Validate() error {
	if p.TickLower >= p.TickUpper {
		return fmt.Errorf("position %s: tickLower %d >= tickUpper %d", p.ID, p.TickLower, p.TickUpper)
	}
	if p.Liquidity != nil && p.Liquidity.Sign() < 0 {
		return fmt.Errorf("position %s: negative liquidity", p.ID)
	}
	if p.EntryValueUSD < 0 {
		return fmt.Errorf("position %s: negative entry value", p.ID)
	}
	return nil
}

// WorkerStatus is the published lifecycle state of a worker.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "starting"
	StatusRunning  WorkerStatus = "running"
	StatusIdle     WorkerStatus = "idle"
	StatusError    WorkerStatus = "error"
)

// KillSwitchState is published so operators see why tuning is disabled.
type KillSwitchState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Until  time.Time `json:"until,omitempty"`
}

// RegimeState gates the optimizer and widens action thresholds.
type RegimeState struct {
	Suppressed      bool    `json:"suppressed"`
	SuppressedUntil int64   `json:"suppressedUntilEpoch,omitempty"`
	WidenFactor     float64 `json:"widenFactor"`
	Reason          string  `json:"reason,omitempty"`
}

// WorkerState is the TTL'd snapshot a worker publishes on every heartbeat.
type WorkerState struct {
	PairID       string            `json:"pairId"`
	Epoch        int64             `json:"epoch"`
	Status       WorkerStatus      `json:"status"`
	Reason       string            `json:"reason,omitempty"`
	LastDecision DecisionType      `json:"lastDecision,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	CycleAt      time.Time         `json:"cycleAt,omitempty"`
	CurrentAPR   float64           `json:"currentApr"`
	OptimalAPR   float64           `json:"optimalApr"`
	Forces       Forces            `json:"forces"`
	Params       RangeParams       `json:"params"`
	Fitness      float64           `json:"fitness"`
	Regime       RegimeState       `json:"regime"`
	KillSwitch   KillSwitchState   `json:"killSwitch"`
	Allocations  []AllocationEntry `json:"allocations,omitempty"`
}

// OptimizerWarmStart is the best vector and fitness from the previous epoch,
// persisted per pair without TTL. Loaders clamp the vector to bounds.
type OptimizerWarmStart struct {
	Vec     RangeParams `json:"vec"`
	Fitness float64     `json:"fitness"`
}

// EpochSnapshot is the per-cycle summary appended to the cold log.
type EpochSnapshot struct {
	PairID          string       `json:"pairId"`
	Epoch           int64        `json:"epoch"`
	Ts              time.Time    `json:"ts"`
	Decision        DecisionType `json:"decision"`
	PortfolioUSD    float64      `json:"portfolioUsd"`
	FeesUSD         float64      `json:"feesUsd"`
	GasUSD          float64      `json:"gasUsd"`
	ImpermanentUSD  float64      `json:"impermanentLossUsd"`
	NetPnLUSD       float64      `json:"netPnlUsd"`
	RangeEfficiency float64      `json:"rangeEfficiency"`
	CurrentAPR      float64      `json:"currentApr"`
	OptimalAPR      float64      `json:"optimalApr"`
	PositionCount   int          `json:"positionCount"`
}

// PoolAnalysis is the per-pool breakdown appended alongside each
// EpochSnapshot: target range, yield readings and the assigned allocation.
type PoolAnalysis struct {
	PairID     string    `json:"pairId"`
	Epoch      int64     `json:"epoch"`
	Ts         time.Time `json:"ts"`
	Pool       PoolRef   `json:"pool"`
	DEX        string    `json:"dex"`
	Price      float64   `json:"price"`
	PoolAPR    float64   `json:"poolApr"`
	TVL        float64   `json:"tvl"`
	Volume24h  float64   `json:"volume24h"`
	Target     Range     `json:"target"`
	Allocation float64   `json:"allocation"`
	InRange    bool      `json:"inRange"`
}

// TxLog records one on-chain operation for the cold log.
type TxLog struct {
	PairID              string    `json:"pairId"`
	Ts                  time.Time `json:"ts"`
	DecisionType        string    `json:"decisionType"`
	OpType              string    `json:"opType"` // burn, mint, swap
	Status              string    `json:"status"` // success, reverted
	TxHash              string    `json:"txHash"`
	GasUsed             uint64    `json:"gasUsed"`
	GasPrice            *BigInt   `json:"gasPrice"`
	TargetAllocationPct float64   `json:"targetAllocationPct"`
	ActualAllocationPct float64   `json:"actualAllocationPct"`
	AllocationErrorPct  float64   `json:"allocationErrorPct"`
}
