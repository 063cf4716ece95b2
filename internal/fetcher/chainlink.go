package fetcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// FeedConfig locates one on-chain aggregator contract for a symbol.
type FeedConfig struct {
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// ChainlinkOptions parameterise the on-chain aggregator adapter.
type ChainlinkOptions struct {
	SourceID string
	// RPCURLs is a prioritized list of equivalent endpoints. On a call
	// failure the adapter retries against the next endpoint exactly once
	// before giving up on that symbol.
	RPCURLs []string
	Feeds   map[string]FeedConfig
	Timeout time.Duration
}

// Chainlink reads latestRoundData from aggregator contracts over Ethereum RPC.
type Chainlink struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	endpoint  int
}

// NewChainlink builds a new on-chain aggregator adapter.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	if opts.SourceID == "" {
		opts.SourceID = "chainlink"
	}
	return &Chainlink{
		opts:   opts,
		logger: logger.With().Str("component", "chainlink_adapter").Str("source", opts.SourceID).Logger(),
	}
}

// SourceID identifies this adapter's protocol.
func (c *Chainlink) SourceID() string {
	return c.opts.SourceID
}

// FetchPrices reads the latest round for each requested symbol. Symbols
// without a configured feed or whose call fails on both endpoints are
// omitted and logged.
func (c *Chainlink) FetchPrices(ctx context.Context, symbols []string) []oracle.PriceObservation {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	observations := make([]oracle.PriceObservation, 0, len(symbols))
	for _, symbol := range symbols {
		feed, ok := c.opts.Feeds[symbol]
		if !ok {
			c.logger.Debug().Str("symbol", symbol).Msg("no feed configured; skipping")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		obs, err := c.fetchOne(callCtx, symbol, feed)
		if err != nil {
			// One alternate-endpoint retry per call, then the symbol is
			// dropped from this cycle.
			c.rotateEndpoint()
			obs, err = c.fetchOne(callCtx, symbol, feed)
		}
		cancel()

		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("feed read failed; symbol omitted")
			continue
		}
		observations = append(observations, obs)
	}
	return observations
}

func (c *Chainlink) fetchOne(ctx context.Context, symbol string, feed FeedConfig) (oracle.PriceObservation, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return oracle.PriceObservation{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return oracle.PriceObservation{}, err
	}

	addr := common.HexToAddress(feed.Address)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return oracle.PriceObservation{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return oracle.PriceObservation{}, err
	}
	if len(outputs) != 5 {
		return oracle.PriceObservation{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return oracle.PriceObservation{}, errors.New("failed to decode answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return oracle.PriceObservation{}, errors.New("failed to decode updatedAt")
	}

	decimals := feed.Decimals
	if decimals == 0 {
		decimals = 8
	}

	price := decimal.NewFromBigInt(answer, -decimals)
	if !price.IsPositive() {
		return oracle.PriceObservation{}, errors.New("aggregator returned non-positive answer")
	}

	return oracle.PriceObservation{
		Source:     c.opts.SourceID,
		Symbol:     symbol,
		Price:      price,
		ObservedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if len(c.opts.RPCURLs) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURLs[c.endpoint%len(c.opts.RPCURLs)])
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Chainlink) rotateEndpoint() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.endpoint++
}

var _ SourceAdapter = (*Chainlink)(nil)
