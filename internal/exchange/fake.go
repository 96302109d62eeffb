package exchange

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quaylabs/rangekeeper/internal/domain"
)

// Fakes for the collaborator seams. Deterministic, in-memory, safe for
// concurrent cycle tests.

// FakeMarketData serves canned candles and snapshots.
type FakeMarketData struct {
	mu        sync.Mutex
	Candles   []domain.Candle
	Snapshots map[domain.PoolRef]domain.PoolSnapshot
	FailPools map[domain.PoolRef]error
	CandleErr error
}

// NewFakeMarketData returns an empty feed.
func NewFakeMarketData() *FakeMarketData {
	return &FakeMarketData{
		Snapshots: make(map[domain.PoolRef]domain.PoolSnapshot),
		FailPools: make(map[domain.PoolRef]error),
	}
}

// SetPool installs a snapshot for a pool.
func (f *FakeMarketData) SetPool(snap domain.PoolSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots[snap.Pool] = snap
}

// FailPool makes FetchPool return err for the pool.
func (f *FakeMarketData) FailPool(pool domain.PoolRef, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailPools[pool] = err
}

func (f *FakeMarketData) FetchCandles(_ context.Context, _, _ string, sinceMs int64, limit int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CandleErr != nil {
		return nil, f.CandleErr
	}
	out := make([]domain.Candle, 0, limit)
	for _, c := range f.Candles {
		if c.Ts < sinceMs {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *FakeMarketData) FetchPool(_ context.Context, _ string, pool domain.PoolRef) (domain.PoolSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailPools[pool]; ok {
		return domain.PoolSnapshot{}, err
	}
	snap, ok := f.Snapshots[pool]
	if !ok {
		return domain.PoolSnapshot{}, domain.Classifyf(domain.FailStaleData, "no snapshot for pool %s", pool.Address)
	}
	return snap, nil
}

// FakeSwapExecutor returns 1:1 routes and instant arrivals.
type FakeSwapExecutor struct {
	mu       sync.Mutex
	QuoteErr error
	Requests []QuoteRequest
}

func (f *FakeSwapExecutor) Quote(_ context.Context, req QuoteRequest) (*Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QuoteErr != nil {
		return nil, f.QuoteErr
	}
	f.Requests = append(f.Requests, req)
	kind := "swap"
	if req.FromChain != req.ToChain {
		kind = "bridge"
	}
	return &Quote{
		To:          "0xrouter",
		Data:        []byte{0x01},
		ToAmount:    req.Amount,
		ToAmountMin: req.Amount,
		Type:        kind,
	}, nil
}

func (f *FakeSwapExecutor) VerifyCalldata(context.Context, int64, []byte, string, int64) (bool, error) {
	return true, nil
}

func (f *FakeSwapExecutor) WaitArrival(_ context.Context, _ int64, _, _ string, before *domain.BigInt, _ time.Duration) (*domain.BigInt, error) {
	// Arrival is instant: the balance grows by one unit past the floor.
	next := &domain.BigInt{}
	next.Add(&before.Int, big.NewInt(1))
	return next, nil
}

// QuoteCount reports how many routes were requested.
func (f *FakeSwapExecutor) QuoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}

// FakeAdapter mints and burns in memory. MintRevertsLeft makes the next N
// mints revert to exercise the retry policy.
type FakeAdapter struct {
	mu              sync.Mutex
	seq             int
	MintRevertsLeft int
	BurnRevertsLeft int
	GasUsed         int64
	Mints           []domain.Position
	Burns           []domain.Position
}

// NewFakeAdapter returns an adapter with a flat 100k gas cost per tx.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{GasUsed: 100_000}
}

func (f *FakeAdapter) Mint(_ context.Context, pool domain.PoolRef, tickLower, tickUpper int, amount0, amount1 *domain.BigInt, _ string) (MintResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	res := MintResult{
		TxHash:   fmt.Sprintf("0xmint%04d", f.seq),
		GasUsed:  domain.NewBigInt(f.GasUsed),
		GasPrice: domain.NewBigInt(1),
	}
	if f.MintRevertsLeft > 0 {
		f.MintRevertsLeft--
		return res, domain.Classifyf(domain.FailTxReverted, "mint reverted (tx %s)", res.TxHash)
	}
	liq := &domain.BigInt{}
	liq.Add(&amount0.Int, &amount1.Int)
	pos := domain.Position{
		ID:        fmt.Sprintf("pos-%04d", f.seq),
		Pool:      pool,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Liquidity: liq,
		Amount0:   amount0,
		Amount1:   amount1,
		EntryTime: time.Now(),
	}
	f.Mints = append(f.Mints, pos)
	res.Position = &pos
	return res, nil
}

func (f *FakeAdapter) Burn(_ context.Context, pos domain.Position, _ string) (BurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	res := BurnResult{
		TxHash:   fmt.Sprintf("0xburn%04d", f.seq),
		GasUsed:  domain.NewBigInt(f.GasUsed),
		GasPrice: domain.NewBigInt(1),
	}
	if f.BurnRevertsLeft > 0 {
		f.BurnRevertsLeft--
		return res, domain.Classifyf(domain.FailTxReverted, "burn reverted (tx %s)", res.TxHash)
	}
	res.Success = true
	liq := big.NewInt(0)
	if pos.Liquidity != nil {
		liq = &pos.Liquidity.Int
	}
	half := &domain.BigInt{}
	half.Rsh(liq, 1)
	rest := &domain.BigInt{}
	rest.Sub(liq, &half.Int)
	res.Amount0 = half
	res.Amount1 = rest
	f.Burns = append(f.Burns, pos)
	return res, nil
}

func (f *FakeAdapter) ReadTickSpacing(context.Context, domain.PoolRef) (int, error) { return 60, nil }

func (f *FakeAdapter) ReadFee(context.Context, domain.PoolRef) (float64, error) { return 0.0005, nil }
