package polymarket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/domain"
)

// PriceSource implements domain.PriceFeed. It reads the cache the WebSocket
// feed populates and falls back to a REST midpoint when the cached quote is
// missing or older than maxAge, writing the result back through the cache.
type PriceSource struct {
	cache  domain.PriceCache
	clob   *ClobClient
	maxAge time.Duration
}

// NewPriceSource creates a cache-first price source. A zero maxAge accepts
// cached quotes of any age.
func NewPriceSource(cache domain.PriceCache, clob *ClobClient, maxAge time.Duration) *PriceSource {
	return &PriceSource{cache: cache, clob: clob, maxAge: maxAge}
}

// CurrentPrice returns the freshest known price for a token.
func (s *PriceSource) CurrentPrice(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	price, ts, err := s.cache.GetPrice(ctx, tokenID)
	if err == nil && (s.maxAge == 0 || time.Since(ts) <= s.maxAge) {
		return price, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("polymarket: read price cache %s: %w", tokenID, err)
	}

	mid, err := s.clob.Midpoint(ctx, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket: midpoint fallback %s: %w", tokenID, err)
	}
	// Best effort: the next cache read should not need the fallback again.
	_ = s.cache.SetPrice(ctx, tokenID, mid, time.Now())
	return mid, nil
}

// Compile-time interface check.
var _ domain.PriceFeed = (*PriceSource)(nil)
