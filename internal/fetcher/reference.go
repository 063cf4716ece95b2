package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const referencePricePath = "/v1/spot"

// ReferenceOptions parameterise the reference exchange pricer.
type ReferenceOptions struct {
	BaseURL   string
	UserAgent string
}

// Reference fetches a single spot price per symbol from an external
// market-data endpoint. It backs the cross-check against source consensus.
type Reference struct {
	opts   ReferenceOptions
	client *HTTPClient
	logger zerolog.Logger
}

// NewReference constructs the reference pricer.
func NewReference(opts ReferenceOptions, client *HTTPClient, logger zerolog.Logger) *Reference {
	return &Reference{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "reference_pricer").Logger(),
	}
}

type referenceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// GetPrice returns the exchange spot price for symbol.
func (r *Reference) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if r.opts.BaseURL == "" {
		return decimal.Decimal{}, errors.New("reference base url not configured")
	}

	endpoint := strings.TrimRight(r.opts.BaseURL, "/") + referencePricePath + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := r.client.Do(ctx, req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("reference api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload referenceResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode reference response: %w", err)
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse reference price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, errors.New("reference price is non-positive")
	}
	return price, nil
}

var _ ReferencePricer = (*Reference)(nil)
