package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quaylabs/rangekeeper/internal/domain"
	"github.com/quaylabs/rangekeeper/internal/exchange"
	"github.com/quaylabs/rangekeeper/internal/metrics"
	"github.com/quaylabs/rangekeeper/internal/telemetry"
)

// execute runs the decided action through the adapters. Failures never
// propagate past here: they downgrade the decision and are visible in the tx
// log and the cycle report.
func (e *Engine) execute(ctx context.Context, now time.Time, rep *cycleReport,
	positions []domain.Position, snaps map[domain.PoolRef]domain.PoolSnapshot,
	targets map[domain.PoolRef]domain.Range) {

	switch rep.decision.Type {
	case domain.DecisionPRA:
		e.executePRA(ctx, now, rep, positions, snaps, targets)
	case domain.DecisionRS:
		e.executeRS(ctx, now, rep, positions, snaps)
	}
}

// executePRA implements the full-rebalance contract: burn everything, move
// value across chains where needed, then swap and mint per allocation.
// Mint/burn calls on independent chains run concurrently; txs on one chain
// stay serial for nonce discipline.
func (e *Engine) executePRA(ctx context.Context, now time.Time, rep *cycleReport,
	positions []domain.Position, snaps map[domain.PoolRef]domain.PoolSnapshot,
	targets map[domain.PoolRef]domain.Range) {

	captured := make(map[int64]float64) // chainID -> USD recovered by burns
	failedPools := make(map[domain.PoolRef]bool)

	for _, pos := range positions {
		adapter, err := e.adapters.Lookup(pos.DEX)
		if err != nil {
			e.logger.Error().Err(err).Str("pool", pos.Pool.String()).Msg("burn skipped")
			failedPools[pos.Pool] = true
			continue
		}
		res, err := e.burnWithRetry(ctx, adapter, pos)
		e.logTx(now, rep, domain.DecisionPRA, "burn", res.TxHash, err == nil, 0, 0)
		if err != nil {
			// Position stays persisted; its pool is excluded this cycle.
			failedPools[pos.Pool] = true
			continue
		}
		captured[pos.Pool.ChainID] += pos.EntryValueUSD
		if err := e.store.DeletePosition(ctx, e.cfg.PairID, pos.ID); err != nil {
			e.logger.Error().Err(err).Str("position", pos.ID).Msg("burned position not deleted from hot state")
		}
	}

	allocs := rep.decision.Allocations
	if len(failedPools) > 0 {
		kept := allocs[:0:0]
		for _, a := range allocs {
			if !failedPools[a.Pool] {
				kept = append(kept, a)
			}
		}
		allocs = kept
		rep.decision.Reason = "partial_burn_failure"
	}
	if len(allocs) == 0 {
		rep.decision = domain.Hold("burn_failure")
		return
	}

	// Bridge surpluses toward deficit chains. With no prior positions the
	// capital has not been placed yet, so nothing needs to move.
	skipChains := make(map[int64]bool)
	if len(positions) > 0 {
		skipChains = e.bridgeDeficits(ctx, now, rep, allocs, captured)
	}

	byChain := make(map[int64][]domain.AllocationEntry)
	for _, a := range allocs {
		if skipChains[a.Pool.ChainID] {
			continue
		}
		byChain[a.Pool.ChainID] = append(byChain[a.Pool.ChainID], a)
	}

	var g errgroup.Group
	for _, chainAllocs := range byChain {
		chainAllocs := chainAllocs
		g.Go(func() error {
			for _, a := range chainAllocs {
				e.placeAllocation(ctx, now, rep, a, snaps[a.Pool], targets[a.Pool])
			}
			return nil
		})
	}
	_ = g.Wait() // per-chain loops handle their own failures
}

// executeRS burns, swaps and re-mints each shifted position independently;
// one pool's failure never blocks the others.
func (e *Engine) executeRS(ctx context.Context, now time.Time, rep *cycleReport,
	positions []domain.Position, snaps map[domain.PoolRef]domain.PoolSnapshot) {

	byPool := make(map[domain.PoolRef]domain.Position, len(positions))
	for _, p := range positions {
		byPool[p.Pool] = p
	}

	var done []domain.RangeShift
	for _, shift := range rep.decision.Shifts {
		pos, ok := byPool[shift.Pool]
		if !ok {
			continue
		}
		adapter, err := e.adapters.Lookup(pos.DEX)
		if err != nil {
			e.logger.Error().Err(err).Str("pool", shift.Pool.String()).Msg("range shift skipped")
			continue
		}

		res, err := e.burnWithRetry(ctx, adapter, pos)
		e.logTx(now, rep, domain.DecisionRS, "burn", res.TxHash, err == nil, 0, 0)
		if err != nil {
			continue // position stays persisted, pool holds this cycle
		}
		if err := e.store.DeletePosition(ctx, e.cfg.PairID, pos.ID); err != nil {
			e.logger.Error().Err(err).Str("position", pos.ID).Msg("burned position not deleted from hot state")
		}

		alloc := domain.AllocationEntry{Pool: shift.Pool, Fraction: 1, ExpectedAPR: pos.EntryAPR}
		if rep.portfolioUSD > 0 {
			alloc.Fraction = pos.EntryValueUSD / rep.portfolioUSD
		}
		if e.placeAllocation(ctx, now, rep, alloc, snaps[shift.Pool], shift.NewRange) {
			e.kills.RecordRS(now)
			done = append(done, shift)
		}
	}

	if len(done) == 0 {
		rep.decision = domain.Hold("burn_failure")
		return
	}
	rep.decision.Shifts = done
}

// placeAllocation swaps toward the required token ratio when the range sits
// lopsided around the current price, then mints. Returns true when the mint
// landed.
func (e *Engine) placeAllocation(ctx context.Context, now time.Time, rep *cycleReport,
	alloc domain.AllocationEntry, snap domain.PoolSnapshot, target domain.Range) bool {

	adapter, err := e.adapters.Lookup(snap.DEX)
	if err != nil {
		e.logger.Error().Err(err).Str("pool", alloc.Pool.String()).Msg("mint skipped")
		return false
	}

	valueUSD := alloc.Fraction * rep.portfolioUSD
	w := tokenWeight(snap.Price, target)

	if imbalance := w - 0.5; imbalance > e.cfg.SwapImbalance || imbalance < -e.cfg.SwapImbalance {
		ok := e.swapRatio(ctx, now, rep, alloc, snap, valueUSD, w)
		if !ok {
			return false
		}
	}

	spacing := snap.TickSpacing
	if spacing <= 0 {
		spacing, err = adapter.ReadTickSpacing(ctx, alloc.Pool)
		if err != nil || spacing <= 0 {
			spacing = 1
		}
	}
	tickLower, tickUpper := domain.RangeToTicks(target, spacing)

	// Amounts travel as micro-USD notionals; the adapter converts to token
	// units against its own price source.
	amount0 := usdAmount(valueUSD * (1 - w))
	amount1 := usdAmount(valueUSD * w)

	res, err := adapter.Mint(ctx, alloc.Pool, tickLower, tickUpper, amount0, amount1, e.cfg.Payer)
	e.logTx(now, rep, rep.decision.Type, "mint", res.TxHash, err == nil, alloc.Fraction, alloc.Fraction)
	if err != nil || res.Position == nil {
		// Mint reverts are not retried; the capital stays idle until the
		// next cycle re-decides.
		e.logger.Warn().Err(err).Str("pool", alloc.Pool.String()).Msg("mint reverted")
		return false
	}

	pos := *res.Position
	pos.DEX = snap.DEX
	pos.Range = target
	pos.EntryPrice = snap.Price
	pos.EntryAPR = alloc.ExpectedAPR
	pos.EntryValueUSD = valueUSD
	if pos.EntryTime.IsZero() {
		pos.EntryTime = now
	}
	if err := e.store.SavePosition(ctx, e.cfg.PairID, pos); err != nil {
		e.logger.Error().Err(err).Str("position", pos.ID).Msg("minted position not persisted")
	}
	e.lastAction[alloc.Pool] = e.epoch
	return true
}

// swapRatio routes one on-chain swap to rebalance the token split before a
// mint. Returns false when quoting or verification fails.
func (e *Engine) swapRatio(ctx context.Context, now time.Time, rep *cycleReport,
	alloc domain.AllocationEntry, snap domain.PoolSnapshot, valueUSD, w float64) bool {

	moveUSD := valueUSD * absf(w-0.5)
	quote, err := e.swaps.Quote(ctx, exchange.QuoteRequest{
		FromChain: alloc.Pool.ChainID,
		ToChain:   alloc.Pool.ChainID,
		Amount:    usdAmount(moveUSD),
		Payer:     e.cfg.Payer,
		Receiver:  e.cfg.Payer,
		Slippage:  e.cfg.Slippage,
	})
	if err != nil || quote == nil {
		e.logger.Warn().Err(err).Str("pool", alloc.Pool.String()).Msg("no swap route")
		return false
	}
	ok, err := e.swaps.VerifyCalldata(ctx, alloc.Pool.ChainID, quote.Data, e.cfg.Payer, alloc.Pool.ChainID)
	if err != nil || !ok {
		e.logger.Error().Err(err).Str("pool", alloc.Pool.String()).Msg("swap calldata rejected")
		return false
	}
	e.logTx(now, rep, rep.decision.Type, "swap", quote.To, true, alloc.Fraction, alloc.Fraction)
	return true
}

// bridgeDeficits compares per-chain captured value against per-chain targets
// and bridges when more than BridgeMinFraction of the portfolio must move.
// Chains whose bridge failed are returned so their allocations are skipped.
func (e *Engine) bridgeDeficits(ctx context.Context, now time.Time, rep *cycleReport,
	allocs []domain.AllocationEntry, captured map[int64]float64) map[int64]bool {

	target := make(map[int64]float64)
	for _, a := range allocs {
		target[a.Pool.ChainID] += a.Fraction * rep.portfolioUSD
	}

	surplus := int64(0)
	best := 0.0
	for chain, have := range captured {
		if extra := have - target[chain]; extra > best {
			best, surplus = extra, chain
		}
	}

	skip := make(map[int64]bool)
	for chain, want := range target {
		deficit := want - captured[chain]
		if deficit <= e.cfg.BridgeMinFraction*rep.portfolioUSD {
			continue
		}
		if surplus == 0 || surplus == chain {
			continue
		}
		if err := e.bridge(ctx, now, rep, surplus, chain, deficit); err != nil {
			e.logger.Error().Err(err).Int64("to_chain", chain).
				Str("kind", string(domain.KindOf(err))).Msg("bridge failed, skipping chain")
			skip[chain] = true
		}
	}
	return skip
}

func (e *Engine) bridge(ctx context.Context, now time.Time, rep *cycleReport, from, to int64, amountUSD float64) error {
	quote, err := e.swaps.Quote(ctx, exchange.QuoteRequest{
		FromChain: from,
		ToChain:   to,
		Amount:    usdAmount(amountUSD),
		Payer:     e.cfg.Payer,
		Receiver:  e.cfg.Payer,
		Slippage:  e.cfg.Slippage,
	})
	if err != nil {
		return err
	}
	if quote == nil {
		return domain.Classifyf(domain.FailBridgeTimeout, "no bridge route %d->%d", from, to)
	}
	ok, err := e.swaps.VerifyCalldata(ctx, from, quote.Data, e.cfg.Payer, to)
	if err != nil || !ok {
		return domain.Classifyf(domain.FailSimulation, "bridge calldata rejected: %v", err)
	}
	e.logTx(now, rep, rep.decision.Type, "swap", quote.To, true, 0, 0)

	if _, err := e.swaps.WaitArrival(ctx, to, "", e.cfg.Payer, domain.NewBigInt(0), e.cfg.BridgeTimeout.Std()); err != nil {
		return domain.Classify(domain.FailBridgeTimeout, err)
	}
	return nil
}

// burnWithRetry retries reverted burns with exponential backoff, honoring
// cancellation between attempts.
func (e *Engine) burnWithRetry(ctx context.Context, adapter exchange.PositionAdapter, pos domain.Position) (exchange.BurnResult, error) {
	backoff := e.cfg.BurnBackoff.Std()
	var res exchange.BurnResult
	var err error
	for attempt := 1; attempt <= e.cfg.BurnRetries; attempt++ {
		res, err = adapter.Burn(ctx, pos, e.cfg.Payer)
		if err == nil && res.Success {
			return res, nil
		}
		if err == nil {
			err = domain.Classifyf(domain.FailTxReverted, "burn of %s not successful", pos.ID)
		}
		if attempt == e.cfg.BurnRetries {
			break
		}
		select {
		case <-ctx.Done():
			return res, domain.Classify(domain.FailTransientNetwork, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return res, fmt.Errorf("burn of %s failed after %d attempts: %w", pos.ID, e.cfg.BurnRetries, err)
}

// logTx appends one TxLog record and books its gas.
func (e *Engine) logTx(at time.Time, rep *cycleReport, decision domain.DecisionType,
	op, txHash string, success bool, targetPct, actualPct float64) {

	status := "success"
	if !success {
		status = "reverted"
	}
	metrics.TxTotal.WithLabelValues(e.cfg.PairID, op, status).Inc()

	rep.gasUSD += e.cfg.GasPerTxUSD
	e.kills.RecordGas(at, e.cfg.GasPerTxUSD)

	entry := domain.TxLog{
		PairID:              e.cfg.PairID,
		Ts:                  at,
		DecisionType:        string(decision),
		OpType:              op,
		Status:              status,
		TxHash:              txHash,
		TargetAllocationPct: targetPct,
		ActualAllocationPct: actualPct,
		AllocationErrorPct:  absf(targetPct - actualPct),
	}
	if rec, ok := telemetry.NewRecord(StreamTxLog, at, entry); ok {
		e.sink.Ingest(rec)
	}
}

// tokenWeight is the share of value that belongs in token1 given where the
// price sits inside the target range.
func tokenWeight(price float64, r domain.Range) float64 {
	if r.Width() <= 0 {
		return 0.5
	}
	w := (price - r.PriceMin) / r.Width()
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

func usdAmount(usd float64) *domain.BigInt {
	if usd < 0 {
		usd = 0
	}
	return domain.NewBigInt(int64(usd * 1e6))
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
