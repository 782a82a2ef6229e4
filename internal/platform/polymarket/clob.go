// Package polymarket provides the CLOB REST broker and the market-data
// WebSocket feed.
package polymarket

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/crypto"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// tokenScale converts share and collateral quantities to the exchange's
// 6-decimal base units.
var tokenScale = decimal.New(1, 6)

// Marketable bounds used to price market orders as aggressive FOK limits.
var (
	marketBuyPrice  = decimal.NewFromFloat(0.99)
	marketSellPrice = decimal.NewFromFloat(0.01)
)

var zeroAddress = common.HexToAddress("0x0000000000000000000000000000000000000000")

// ClobClient is the REST client for the exchange CLOB API. It implements
// domain.Broker.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	creds      *crypto.APICreds
	feeRateBps int64
}

// NewClobClient creates a CLOB client. creds may be nil when the caller
// intends to run DeriveAPIKey first.
func NewClobClient(baseURL string, signer *crypto.Signer, creds *crypto.APICreds, feeRateBps int64) *ClobClient {
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		creds:      creds,
		feeRateBps: feeRateBps,
	}
}

// DeriveAPIKey runs the L1 auth flow: sign a ClobAuth message and exchange it
// for HMAC credentials used on every subsequent request.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	timestamp := time.Now().Unix()
	sig, err := c.signer.SignAuth(timestamp, 0)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var keyResp apiKeyResponse
	if err := json.Unmarshal(body, &keyResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	c.creds = &crypto.APICreds{
		Key:        keyResp.APIKey,
		Secret:     keyResp.Secret,
		Passphrase: keyResp.Passphrase,
	}
	return nil
}

// SubmitOrder signs and posts one order. Market orders are sent as FOK at a
// marketable bound; limit orders rest as GTC at the requested price.
func (c *ClobClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderHandle, error) {
	price := req.Price
	orderType := "GTC"
	if req.Type == domain.OrderTypeMarket {
		orderType = "FOK"
		if req.Side == domain.OrderSideBuy {
			price = marketBuyPrice
		} else {
			price = marketSellPrice
		}
	}

	payload, err := c.buildSignedOrder(req, price)
	if err != nil {
		return domain.OrderHandle{}, err
	}

	body := orderBody{
		Order:     payload,
		Owner:     c.signer.Address().Hex(),
		OrderType: orderType,
	}
	respBody, err := c.doRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderHandle{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result orderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.OrderHandle{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		return domain.OrderHandle{}, fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}
	return domain.OrderHandle{OrderID: result.OrderID}, nil
}

// PollFill reports the current fill state of an order.
func (c *ClobClient) PollFill(ctx context.Context, h domain.OrderHandle) (domain.FillStatus, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/order/"+h.OrderID, nil)
	if err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: get order %s: %w", h.OrderID, err)
	}

	var order apiOrder
	if err := json.Unmarshal(respBody, &order); err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}

	matched, err := decimal.NewFromString(orDefault(order.SizeMatched, "0"))
	if err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: parse size_matched: %w", err)
	}
	original, err := decimal.NewFromString(orDefault(order.OriginalSize, "0"))
	if err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: parse original_size: %w", err)
	}
	price, err := decimal.NewFromString(orDefault(order.Price, "0"))
	if err != nil {
		return domain.FillStatus{}, fmt.Errorf("polymarket/clob: parse price: %w", err)
	}

	return domain.FillStatus{
		Filled:         original.GreaterThan(decimal.Zero) && matched.GreaterThanOrEqual(original),
		FillPrice:      price,
		FilledQuantity: matched.IntPart(),
	}, nil
}

// Cancel cancels a resting order. Cancelling an already-dead order is not an
// error.
func (c *ClobClient) Cancel(ctx context.Context, h domain.OrderHandle) error {
	respBody, err := c.doRequest(ctx, http.MethodDelete, "/order", map[string]any{"orderID": h.OrderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", h.OrderID, err)
	}

	var result cancelResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("polymarket/clob: cancel %s failed: %s", h.OrderID, result.ErrorMsg)
	}
	return nil
}

// Midpoint fetches the current midpoint price for a token.
func (c *ClobClient) Midpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	path := "/midpoint?token_id=" + url.QueryEscape(tokenID)
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: get midpoint %s: %w", tokenID, err)
	}

	var mid midpointResponse
	if err := json.Unmarshal(respBody, &mid); err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: decode midpoint: %w", err)
	}
	price, err := decimal.NewFromString(mid.Mid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: parse midpoint %q: %w", mid.Mid, err)
	}
	return price, nil
}

// buildSignedOrder converts an order request into the signed wire payload.
// A buy spends collateral for shares; a sell is the reverse.
func (c *ClobClient) buildSignedOrder(req domain.OrderRequest, price decimal.Decimal) (orderPayload, error) {
	qty := decimal.NewFromInt(req.Quantity)
	shares := qty.Mul(tokenScale)
	collateral := qty.Mul(price).Mul(tokenScale).Round(0)

	var makerAmount, takerAmount decimal.Decimal
	var side uint8
	var sideStr string
	if req.Side == domain.OrderSideBuy {
		makerAmount, takerAmount = collateral, shares
		side, sideStr = 0, "BUY"
	} else {
		makerAmount, takerAmount = shares, collateral
		side, sideStr = 1, "SELL"
	}

	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return orderPayload{}, fmt.Errorf("polymarket/clob: invalid token id %q", req.TokenID)
	}
	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return orderPayload{}, fmt.Errorf("polymarket/clob: generate salt: %w", err)
	}

	fields := crypto.OrderFields{
		Salt:        salt,
		Maker:       c.signer.Address(),
		Taker:       zeroAddress,
		TokenID:     tokenID,
		MakerAmount: makerAmount.BigInt(),
		TakerAmount: takerAmount.BigInt(),
		Expiration:  big.NewInt(0),
		Nonce:       big.NewInt(0),
		FeeRateBps:  big.NewInt(c.feeRateBps),
		Side:        side,
	}
	sig, err := c.signer.SignOrder(fields)
	if err != nil {
		return orderPayload{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	addr := c.signer.Address().Hex()
	return orderPayload{
		Salt:        salt.String(),
		Maker:       addr,
		Signer:      addr,
		Taker:       zeroAddress.Hex(),
		TokenID:     req.TokenID,
		MakerAmount: makerAmount.BigInt().String(),
		TakerAmount: takerAmount.BigInt().String(),
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  fmt.Sprintf("%d", c.feeRateBps),
		Side:        sideStr,
		Signature:   sig,
	}, nil
}

// doRequest builds, HMAC-signs, sends, and reads one API request.
func (c *ClobClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		for k, v := range c.creds.Headers(c.signer.Address().Hex(), method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx responses to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, string(body))
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Compile-time interface check.
var _ domain.Broker = (*ClobClient)(nil)
