package engine

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// RiskManager runs the pre-entry risk checks and computes position size. It
// reads the book but never mutates it.
type RiskManager struct {
	book    *Book
	risk    config.RiskConfig
	trading config.TradingConfig
	logger  *slog.Logger
}

// NewRiskManager creates a RiskManager with the given limits.
func NewRiskManager(book *Book, risk config.RiskConfig, trading config.TradingConfig, logger *slog.Logger) *RiskManager {
	return &RiskManager{
		book:    book,
		risk:    risk,
		trading: trading,
		logger:  logger.With(slog.String("component", "risk")),
	}
}

// Check validates a signal against the configured limits and returns a
// descriptive error for the first failed check.
//
// Checks performed:
//  1. Maximum number of open positions
//  2. Per-market concentration (correlation constraint)
//  3. Total notional exposure
//  4. Daily realized-loss limit
func (r *RiskManager) Check(sig domain.EntrySignal) error {
	if open := r.book.Count(); open >= r.risk.MaxPositions {
		return fmt.Errorf("risk: max positions reached (%d/%d)", open, r.risk.MaxPositions)
	}

	if inMarket := r.book.CountByMarket(sig.MarketID); inMarket >= r.risk.MaxPerMarket {
		return fmt.Errorf("risk: market %s already holds %d position(s)", sig.MarketID, inMarket)
	}

	exposure := r.book.Exposure()
	maxExposure := decimal.NewFromFloat(r.risk.MaxExposure)
	if exposure.GreaterThanOrEqual(maxExposure) {
		return fmt.Errorf("risk: exposure %s at or above limit %s", exposure, maxExposure)
	}

	realized := r.book.RealizedToday()
	lossLimit := decimal.NewFromFloat(r.risk.DailyLossLimit).Neg()
	if realized.LessThanOrEqual(lossLimit) {
		return fmt.Errorf("risk: daily realized loss %s breaches limit %s", realized, lossLimit)
	}

	return nil
}

// Size computes the contract count for a signal using a fractional-Kelly
// rule bounded by the configured minimum and maximum.
//
// For a binary contract bought at price p with estimated win probability
// p + edge, the net odds are b = (1-p)/p and the full-Kelly bankroll
// fraction is f* = (b*w - l)/b with w = p + edge, l = 1 - w. The stake is
// kelly_fraction * f* of the bankroll, converted to contracts at price p.
// A positive sizing hint from the detector caps the result.
func (r *RiskManager) Size(sig domain.EntrySignal) int64 {
	price := sig.LimitPrice
	if !price.IsPositive() || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return 0
	}

	one := decimal.NewFromInt(1)
	winProb := price.Add(sig.Edge)
	if winProb.GreaterThan(one) {
		winProb = one
	}
	loseProb := one.Sub(winProb)
	odds := one.Sub(price).Div(price)
	if !odds.IsPositive() {
		return 0
	}

	fullKelly := odds.Mul(winProb).Sub(loseProb).Div(odds)
	if !fullKelly.IsPositive() {
		return 0
	}

	stake := fullKelly.
		Mul(decimal.NewFromFloat(r.trading.KellyFraction)).
		Mul(decimal.NewFromFloat(r.trading.Bankroll))
	contracts := stake.Div(price).IntPart()

	if sig.SizingHint > 0 && contracts > sig.SizingHint {
		contracts = sig.SizingHint
	}
	if contracts > r.trading.MaxPositionSize {
		contracts = r.trading.MaxPositionSize
	}
	if contracts < r.trading.MinPositionSize {
		r.logger.Debug("sized below minimum",
			slog.Int64("contracts", contracts),
			slog.Int64("min", r.trading.MinPositionSize),
		)
		return 0
	}
	return contracts
}
