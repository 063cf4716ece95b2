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
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

const publisherPricesPath = "/v1/prices"

// PublisherOptions parameterise an off-chain publisher adapter.
type PublisherOptions struct {
	SourceID string
	// BaseURLs is a prioritized list of equivalent API hosts; on failure the
	// adapter retries against the next one exactly once per call.
	BaseURLs  []string
	UserAgent string
}

// Publisher reads a batch price endpoint from an off-chain publisher network
// and normalizes it into observations.
type Publisher struct {
	opts   PublisherOptions
	client *HTTPClient
	logger zerolog.Logger
}

// NewPublisher constructs an off-chain publisher adapter.
func NewPublisher(opts PublisherOptions, client *HTTPClient, logger zerolog.Logger) *Publisher {
	return &Publisher{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "publisher_adapter").Str("source", opts.SourceID).Logger(),
	}
}

// SourceID identifies this adapter's protocol.
func (p *Publisher) SourceID() string {
	return p.opts.SourceID
}

type publisherPrice struct {
	Symbol     string   `json:"symbol"`
	Price      string   `json:"price"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

type publisherResponse struct {
	Prices []publisherPrice `json:"prices"`
}

// FetchPrices queries the publisher's batch endpoint. A failed request is
// retried once against the alternate host; individual symbols missing from
// the response are logged and omitted.
func (p *Publisher) FetchPrices(ctx context.Context, symbols []string) []oracle.PriceObservation {
	if len(p.opts.BaseURLs) == 0 {
		p.logger.Warn().Msg("no base urls configured; all symbols omitted")
		return nil
	}

	payload, err := p.fetchBatch(ctx, p.opts.BaseURLs[0], symbols)
	if err != nil && len(p.opts.BaseURLs) > 1 {
		p.logger.Warn().Err(err).Str("endpoint", p.opts.BaseURLs[0]).Msg("primary endpoint failed; trying alternate")
		payload, err = p.fetchBatch(ctx, p.opts.BaseURLs[1], symbols)
	}
	if err != nil {
		p.logger.Warn().Err(err).Strs("symbols", symbols).Msg("publisher fetch failed; symbols omitted")
		return nil
	}

	fetchedAt := time.Now().UTC()
	requested := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		requested[symbol] = struct{}{}
	}

	observations := make([]oracle.PriceObservation, 0, len(symbols))
	for _, entry := range payload.Prices {
		if _, ok := requested[entry.Symbol]; !ok {
			continue
		}
		price, convErr := decimal.NewFromString(entry.Price)
		if convErr != nil || !price.IsPositive() {
			p.logger.Warn().Str("symbol", entry.Symbol).Str("price", entry.Price).Msg("unusable publisher price; symbol omitted")
			continue
		}
		observations = append(observations, oracle.PriceObservation{
			Source:     p.opts.SourceID,
			Symbol:     entry.Symbol,
			Price:      price,
			Confidence: entry.Confidence,
			ObservedAt: time.Unix(entry.Timestamp, 0).UTC(),
			FetchedAt:  fetchedAt,
		})
		delete(requested, entry.Symbol)
	}

	for symbol := range requested {
		p.logger.Debug().Str("symbol", symbol).Msg("publisher response missing symbol")
	}

	return observations
}

func (p *Publisher) fetchBatch(ctx context.Context, baseURL string, symbols []string) (*publisherResponse, error) {
	endpoint := strings.TrimRight(baseURL, "/") + publisherPricesPath + "?symbols=" + url.QueryEscape(strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("publisher api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload publisherResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode publisher response: %w", err)
	}
	if len(payload.Prices) == 0 {
		return nil, errors.New("publisher returned no prices")
	}
	return &payload, nil
}

var _ SourceAdapter = (*Publisher)(nil)
