package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

func newRiskFixture(t *testing.T, risk config.RiskConfig) (*RiskManager, *Book) {
	t.Helper()
	book := NewBook(newMemPositionStore(), testLogger())
	return NewRiskManager(book, risk, fastTradingConfig(), testLogger()), book
}

func riskSignal(marketID string) domain.EntrySignal {
	return domain.EntrySignal{
		ID:         "sig-1",
		MarketID:   marketID,
		TokenID:    "tok-1",
		Side:       domain.SideYes,
		LimitPrice: dec("0.50"),
		Edge:       dec("0.05"),
	}
}

func TestRiskSizeFractionalKelly(t *testing.T) {
	rm, _ := newRiskFixture(t, defaultRiskConfig())

	// Price 0.50, edge 0.05: full Kelly 0.10, quarter Kelly on a 1000
	// bankroll stakes 25, which buys 50 contracts.
	assert.Equal(t, int64(50), rm.Size(riskSignal("mkt-1")))

	t.Run("hint caps", func(t *testing.T) {
		sig := riskSignal("mkt-1")
		sig.SizingHint = 30
		assert.Equal(t, int64(30), rm.Size(sig))
	})

	t.Run("max size caps", func(t *testing.T) {
		trading := fastTradingConfig()
		trading.MaxPositionSize = 20
		capped := NewRiskManager(NewBook(newMemPositionStore(), testLogger()), defaultRiskConfig(), trading, testLogger())
		assert.Equal(t, int64(20), capped.Size(riskSignal("mkt-1")))
	})

	t.Run("below minimum is zero", func(t *testing.T) {
		sig := riskSignal("mkt-1")
		sig.Edge = dec("0.0001")
		assert.Equal(t, int64(0), rm.Size(sig))
	})

	t.Run("no edge no size", func(t *testing.T) {
		sig := riskSignal("mkt-1")
		sig.Edge = dec("-0.02")
		assert.Equal(t, int64(0), rm.Size(sig))
	})

	t.Run("degenerate prices", func(t *testing.T) {
		sig := riskSignal("mkt-1")
		sig.LimitPrice = dec("0")
		assert.Equal(t, int64(0), rm.Size(sig))
		sig.LimitPrice = dec("1")
		assert.Equal(t, int64(0), rm.Size(sig))
	})
}

func TestRiskCheckLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("max positions", func(t *testing.T) {
		cfg := defaultRiskConfig()
		cfg.MaxPositions = 2
		rm, book := newRiskFixture(t, cfg)

		require.NoError(t, book.Register(ctx, openPosition("a", domain.SideYes, "0.50", 5)))
		require.NoError(t, book.Register(ctx, openPosition("b", domain.SideYes, "0.50", 5)))

		err := rm.Check(riskSignal("mkt-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max positions")
	})

	t.Run("per-market concentration", func(t *testing.T) {
		rm, book := newRiskFixture(t, defaultRiskConfig())

		held := openPosition("a", domain.SideYes, "0.50", 5)
		held.MarketID = "mkt-1"
		require.NoError(t, book.Register(ctx, held))

		err := rm.Check(riskSignal("mkt-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mkt-1")

		assert.NoError(t, rm.Check(riskSignal("mkt-2")))
	})

	t.Run("exposure limit", func(t *testing.T) {
		cfg := defaultRiskConfig()
		cfg.MaxExposure = 100
		rm, book := newRiskFixture(t, cfg)

		big := openPosition("a", domain.SideYes, "0.50", 300)
		require.NoError(t, book.Register(ctx, big))
		_, err := book.MarkPrice(ctx, "a", dec("0.50"), time.Now().UTC())
		require.NoError(t, err)

		err = rm.Check(riskSignal("mkt-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exposure")
	})

	t.Run("daily loss limit", func(t *testing.T) {
		cfg := defaultRiskConfig()
		cfg.DailyLossLimit = 50
		rm, book := newRiskFixture(t, cfg)

		book.addRealized(dec("-60"))

		err := rm.Check(riskSignal("mkt-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daily realized loss")
	})
}
