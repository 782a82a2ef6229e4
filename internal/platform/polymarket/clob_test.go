package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddsflow/oddsflow/internal/crypto"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// Well-known throwaway development key.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testTokenID = "71321045679252212594626385532706912750332728571942532289631379312455583992563"

func newTestClient(t *testing.T, baseURL string) *ClobClient {
	t.Helper()
	signer, err := crypto.NewSigner(testPrivateKey, 137)
	require.NoError(t, err)
	creds := &crypto.APICreds{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}
	return NewClobClient(baseURL, signer, creds, 0)
}

func orderReq(side domain.OrderSide, orderType domain.OrderType, qty int64, price string) domain.OrderRequest {
	return domain.OrderRequest{
		ClientID: "c1",
		MarketID: "mkt",
		TokenID:  testTokenID,
		Side:     side,
		Quantity: qty,
		Type:     orderType,
		Price:    decimal.RequireFromString(price),
	}
}

func TestBuildSignedOrderAmounts(t *testing.T) {
	c := newTestClient(t, "http://unused")

	t.Run("buy spends collateral for shares", func(t *testing.T) {
		payload, err := c.buildSignedOrder(orderReq(domain.OrderSideBuy, domain.OrderTypeLimit, 10, "0.50"), decimal.RequireFromString("0.50"))
		require.NoError(t, err)

		assert.Equal(t, "BUY", payload.Side)
		assert.Equal(t, "5000000", payload.MakerAmount, "10 * 0.50 in 6-decimal units")
		assert.Equal(t, "10000000", payload.TakerAmount, "10 shares in 6-decimal units")
		assert.Equal(t, testTokenID, payload.TokenID)
		assert.Equal(t, payload.Maker, payload.Signer)
		assert.NotEmpty(t, payload.Signature)
		assert.NotEmpty(t, payload.Salt)
	})

	t.Run("sell is the reverse", func(t *testing.T) {
		payload, err := c.buildSignedOrder(orderReq(domain.OrderSideSell, domain.OrderTypeLimit, 10, "0.50"), decimal.RequireFromString("0.50"))
		require.NoError(t, err)

		assert.Equal(t, "SELL", payload.Side)
		assert.Equal(t, "10000000", payload.MakerAmount)
		assert.Equal(t, "5000000", payload.TakerAmount)
	})

	t.Run("collateral rounded to whole base units", func(t *testing.T) {
		payload, err := c.buildSignedOrder(orderReq(domain.OrderSideBuy, domain.OrderTypeLimit, 3, "0.333333"), decimal.RequireFromString("0.333333"))
		require.NoError(t, err)
		assert.Equal(t, "999999", payload.MakerAmount)
	})

	t.Run("non-numeric token id rejected", func(t *testing.T) {
		req := orderReq(domain.OrderSideBuy, domain.OrderTypeLimit, 1, "0.50")
		req.TokenID = "not-a-number"
		_, err := c.buildSignedOrder(req, decimal.RequireFromString("0.50"))
		assert.Error(t, err)
	})
}

func TestSubmitOrder(t *testing.T) {
	var got orderBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/order", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"), "HMAC headers attached")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(orderResult{Success: true, OrderID: "ord-1"})
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	t.Run("limit rests as GTC", func(t *testing.T) {
		handle, err := c.SubmitOrder(context.Background(), orderReq(domain.OrderSideSell, domain.OrderTypeLimit, 10, "0.55"))
		require.NoError(t, err)
		assert.Equal(t, "ord-1", handle.OrderID)
		assert.Equal(t, "GTC", got.OrderType)
		// 10 * 0.55 collateral on the taker side of a sell.
		assert.Equal(t, "5500000", got.Order.TakerAmount)
	})

	t.Run("market buy is FOK at the marketable bound", func(t *testing.T) {
		_, err := c.SubmitOrder(context.Background(), orderReq(domain.OrderSideBuy, domain.OrderTypeMarket, 10, "0"))
		require.NoError(t, err)
		assert.Equal(t, "FOK", got.OrderType)
		// 10 * 0.99 collateral.
		assert.Equal(t, "9900000", got.Order.MakerAmount)
	})

	t.Run("rejection surfaces the exchange error", func(t *testing.T) {
		rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(orderResult{Success: false, ErrorMsg: "not enough balance"})
		}))
		defer rejecting.Close()

		_, err := newTestClient(t, rejecting.URL).SubmitOrder(context.Background(), orderReq(domain.OrderSideBuy, domain.OrderTypeLimit, 10, "0.50"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not enough balance")
	})
}

func TestPollFill(t *testing.T) {
	cases := []struct {
		name   string
		order  apiOrder
		filled bool
		qty    int64
	}{
		{"fully matched", apiOrder{Price: "0.55", OriginalSize: "10", SizeMatched: "10"}, true, 10},
		{"partially matched", apiOrder{Price: "0.55", OriginalSize: "10", SizeMatched: "4"}, false, 4},
		{"untouched", apiOrder{Price: "0.55", OriginalSize: "10"}, false, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/order/ord-1", r.URL.Path)
				json.NewEncoder(w).Encode(tc.order)
			}))
			defer srv.Close()

			status, err := newTestClient(t, srv.URL).PollFill(context.Background(), domain.OrderHandle{OrderID: "ord-1"})
			require.NoError(t, err)
			assert.Equal(t, tc.filled, status.Filled)
			assert.Equal(t, tc.qty, status.FilledQuantity)
			assert.True(t, status.FillPrice.Equal(decimal.RequireFromString("0.55")))
		})
	}
}

func TestMidpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/midpoint", r.URL.Path)
		require.Equal(t, testTokenID, r.URL.Query().Get("token_id"))
		json.NewEncoder(w).Encode(midpointResponse{Mid: "0.565"})
	}))
	defer srv.Close()

	mid, err := newTestClient(t, srv.URL).Midpoint(context.Background(), testTokenID)
	require.NoError(t, err)
	assert.True(t, mid.Equal(decimal.RequireFromString("0.565")))
}

func TestCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(cancelResult{Success: true})
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).Cancel(context.Background(), domain.OrderHandle{OrderID: "ord-1"})
	assert.NoError(t, err)
}

func TestDeriveAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/derive-api-key", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("POLY_ADDRESS"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		json.NewEncoder(w).Encode(apiKeyResponse{APIKey: "derived-key", Secret: "ZGVyaXZlZA==", Passphrase: "pass"})
	}))
	defer srv.Close()

	signer, err := crypto.NewSigner(testPrivateKey, 137)
	require.NoError(t, err)
	c := NewClobClient(srv.URL, signer, nil, 0)

	require.NoError(t, c.DeriveAPIKey(context.Background()))
	require.NotNil(t, c.creds)
	assert.Equal(t, "derived-key", c.creds.Key)
	assert.Equal(t, "pass", c.creds.Passphrase)
}

func TestCheckStatus(t *testing.T) {
	assert.NoError(t, checkStatus(200, nil))
	assert.ErrorIs(t, checkStatus(404, []byte("gone")), domain.ErrNotFound)
	assert.ErrorIs(t, checkStatus(401, nil), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkStatus(403, nil), domain.ErrUnauthorized)
	assert.ErrorIs(t, checkStatus(429, nil), domain.ErrRateLimited)
	assert.Error(t, checkStatus(500, []byte("oops")))
}
