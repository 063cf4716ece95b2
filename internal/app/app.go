package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/imokokok/Insight-beta-sub000/internal/alerting"
	"github.com/imokokok/Insight-beta-sub000/internal/config"
	"github.com/imokokok/Insight-beta-sub000/internal/consensus"
	"github.com/imokokok/Insight-beta-sub000/internal/detector"
	"github.com/imokokok/Insight-beta-sub000/internal/fetcher"
	"github.com/imokokok/Insight-beta-sub000/internal/health"
	"github.com/imokokok/Insight-beta-sub000/internal/ids"
	"github.com/imokokok/Insight-beta-sub000/internal/oracle"
	"github.com/imokokok/Insight-beta-sub000/internal/rules"
	"github.com/imokokok/Insight-beta-sub000/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Stores bundles the storage interfaces the pipeline consumes.
type Stores struct {
	Observations storage.ObservationStore
	Samples      storage.SampleStore
	Alerts       storage.AlertStore
	Rules        storage.RuleStore
}

// openStores wires PostgreSQL persistence when a DSN is configured and falls
// back to the in-memory store otherwise. Rules always live in process memory
// and are seeded on startup.
func (a *App) openStores(ctx context.Context) (Stores, func(), error) {
	memory := storage.NewMemory()
	stores := Stores{
		Observations: memory,
		Samples:      memory,
		Alerts:       memory,
		Rules:        memory,
	}

	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory storage")
		return stores, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return Stores{}, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return Stores{}, nil, err
	}
	stores.Observations = store
	stores.Samples = store
	stores.Alerts = store
	return stores, store.Close, nil
}

func (a *App) newHTTPClient() *fetcher.HTTPClient {
	return fetcher.NewHTTPClient(fetcher.HTTPClientOptions{
		Timeout:         a.Config.HTTP.Timeout,
		RequestsPerSec:  a.Config.HTTP.RequestsPerSec,
		MaxRetryElapsed: a.Config.HTTP.MaxRetryElapsed,
	})
}

// newAdapters builds every configured source adapter behind the shared TTL
// cache, plus the cached reference pricer when enabled.
func (a *App) newAdapters() ([]fetcher.SourceAdapter, fetcher.ReferencePricer) {
	cache := fetcher.NewCache(a.Config.Cache.TTL)
	client := a.newHTTPClient()

	var adapters []fetcher.SourceAdapter
	if a.Config.Chainlink.Enabled {
		chainlink := fetcher.NewChainlink(fetcher.ChainlinkOptions{
			SourceID: a.Config.Chainlink.SourceID,
			RPCURLs:  a.Config.Chainlink.RPCURLs,
			Feeds:    a.Config.Chainlink.Feeds,
			Timeout:  a.Config.Chainlink.RequestTimeout,
		}, a.Logger)
		adapters = append(adapters, fetcher.NewCachedAdapter(chainlink, cache))
	}

	for _, pub := range a.Config.Publishers {
		publisher := fetcher.NewPublisher(fetcher.PublisherOptions{
			SourceID:  pub.SourceID,
			BaseURLs:  pub.BaseURLs,
			UserAgent: pub.UserAgent,
		}, client, a.Logger)
		adapters = append(adapters, fetcher.NewCachedAdapter(publisher, cache))
	}

	var reference fetcher.ReferencePricer
	if a.Config.Reference.Enabled {
		pricer := fetcher.NewReference(fetcher.ReferenceOptions{
			BaseURL:   a.Config.Reference.BaseURL,
			UserAgent: a.Config.Reference.UserAgent,
		}, client, a.Logger)
		reference = fetcher.NewCachedReference(pricer, a.Config.Cache.TTL)
	}

	return adapters, reference
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	var channels []alerting.Channel
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		channels = append(channels, alerting.NewWebhookChannel(cfg.URL, cfg.Timeout, a.Logger))
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		channels = append(channels, alerting.NewTelegramChannel(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if a.Config.Alerting.Email.Enabled {
		cfg := a.Config.Alerting.Email
		channels = append(channels, alerting.NewEmailChannel(alerting.EmailOptions{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			To:       cfg.To,
		}, a.Logger))
	}
	return alerting.NewDispatcher(a.Logger, channels...)
}

func decimalFromFloat(v float64) decimal.Decimal {
	if v <= 0 {
		return decimal.Decimal{}
	}
	return decimal.NewFromFloat(v)
}

func parseChannels(names []string) ([]oracle.ChannelType, error) {
	channels := make([]oracle.ChannelType, 0, len(names))
	for _, name := range names {
		switch oracle.ChannelType(name) {
		case oracle.ChannelWebhook, oracle.ChannelTelegram, oracle.ChannelEmail:
			channels = append(channels, oracle.ChannelType(name))
		default:
			return nil, fmt.Errorf("unknown notification channel %q", name)
		}
	}
	return channels, nil
}

// newPipeline assembles the full detection pipeline over the given stores.
func (a *App) newPipeline(ctx context.Context, stores Stores) (*detector.Detector, error) {
	idgen := ids.UUID{}

	if err := rules.SeedDefaultRules(ctx, stores.Rules, idgen); err != nil {
		return nil, err
	}

	dispatcher := a.newDispatcher()
	engine := rules.NewEngine(stores.Rules, stores.Alerts, dispatcher, idgen, a.Logger)

	checker := health.New(health.Options{
		Lookback:      a.Config.Health.Lookback,
		MaxRows:       a.Config.Health.MaxRows,
		MaxPriceAge:   a.Config.Health.MaxPriceAge,
		MinDataPoints: a.Config.Health.MinDataPoints,
		MaxDeviation:  decimalFromFloat(a.Config.Health.MaxDeviationPct),
	}, stores.Observations, a.Logger)

	channels, err := parseChannels(a.Config.Detector.Channels)
	if err != nil {
		return nil, err
	}

	adapters, reference := a.newAdapters()

	det := detector.New(detector.Options{
		Interval:          a.Config.Detector.Interval,
		SuppressionWindow: a.Config.Detector.SuppressionWindow,
		CycleTimeout:      a.Config.Detector.CycleTimeout,
		Symbols:           a.Config.Symbols,
		Channels:          channels,
	}, detector.Deps{
		Adapters:     adapters,
		Reference:    reference,
		Consensus:    consensus.New(a.Logger),
		Checker:      checker,
		Engine:       engine,
		Observations: stores.Observations,
		Samples:      stores.Samples,
		Alerts:       stores.Alerts,
		Notifier:     dispatcher,
		IDs:          idgen,
	}, a.Logger)

	return det, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stores, closeStores, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer closeStores()

	det, err := a.newPipeline(ctx, stores)
	if err != nil {
		return err
	}

	a.Logger.Info().Strs("symbols", a.Config.Symbols).Msg("starting oracle monitoring service")
	stop := det.Start(ctx)

	<-ctx.Done()
	a.Logger.Info().Msg("shutdown requested; waiting for in-flight cycle")
	stop()
	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
