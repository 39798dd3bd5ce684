// Package pricing quotes USD prices for the accepted payment methods.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-keyshop-backend/internal/domain"
)

// ErrUnavailable is returned when no usable price could be obtained.
var ErrUnavailable = errors.New("price unavailable")

// DefaultBaseURL is the public CoinGecko API.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// coinIDs maps payment methods to CoinGecko coin ids.
var coinIDs = map[domain.Method]string{
	domain.MethodBTC:  "bitcoin",
	domain.MethodETH:  "ethereum",
	domain.MethodUSDT: "tether",
}

// CoinGecko fetches spot prices from the CoinGecko simple price endpoint.
type CoinGecko struct {
	client *resty.Client
}

// NewCoinGecko returns a client for baseURL (DefaultBaseURL when empty).
func NewCoinGecko(baseURL string, timeout time.Duration) *CoinGecko {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &CoinGecko{client: c}
}

// GetUSDPrice returns the USD price of one unit of method.
func (c *CoinGecko) GetUSDPrice(ctx context.Context, method domain.Method) (decimal.Decimal, error) {
	id, ok := coinIDs[method]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no coin id for %s", ErrUnavailable, method)
	}

	var body map[string]map[string]decimal.Decimal
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"ids": id, "vs_currencies": "usd"}).
		SetResult(&body).
		Get("/simple/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("%w: coingecko status %d", ErrUnavailable, resp.StatusCode())
	}

	price, ok := body[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s missing from response", ErrUnavailable, id)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s for %s", ErrUnavailable, price, id)
	}
	return price, nil
}
