package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/actioncable"
	"github.com/chatwoot/chatsync/internal/chatsync"
	"github.com/chatwoot/chatsync/internal/config"
	"github.com/chatwoot/chatsync/internal/feed"
	"github.com/chatwoot/chatsync/internal/store"
	"github.com/chatwoot/chatsync/internal/store/postgres"
	"github.com/chatwoot/chatsync/internal/validation"
)

// openStore connects the configured store. Tests replace it to share one
// in-memory store across commands.
var openStore = func(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	var broker feed.Broker
	if cfg.RedisURL != "" {
		rb, err := feed.DialRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		broker = rb
	}

	if cfg.DatabaseURL == "" {
		logger.Debug("no database configured, using in-memory store")
		return store.NewMemory(broker, logger), nil
	}
	var opts []postgres.Option
	if broker != nil {
		opts = append(opts, postgres.WithBroker(broker))
	}
	s, err := postgres.Open(ctx, cfg.DatabaseURL, logger, opts...)
	if err != nil {
		if broker != nil {
			_ = broker.Close()
		}
		return nil, err
	}
	return s, nil
}

// errFeedWithoutDatabase rejects a websocket feed over the in-memory store:
// reads and writes would hit a private store the feed server never sees.
var errFeedWithoutDatabase = errors.New("a feed URL requires a shared database: set " +
	config.EnvDatabaseURL + " (or \"chatsync secrets set " + config.SecretDatabaseURL + "\") to the database the feed server uses")

// runtime is the set of long-lived objects a command works with.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	store  store.Store
	svc    *chatsync.Service
}

type runtimeOptions struct {
	// FeedURL overrides the configured websocket feed.
	FeedURL string
}

// feedSource returns the websocket source for rawURL, or nil when the
// store's own feed should be used.
func feedSource(rawURL string, logger *slog.Logger) (feed.Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	if err := validation.ValidateFeedURL(rawURL); err != nil {
		return nil, err
	}
	return actioncable.NewDialer(validation.WebsocketURL(rawURL), logger), nil
}

func newRuntime(cmd *cobra.Command, opts runtimeOptions) (*runtime, error) {
	ctx := cmdContext(cmd)
	cfg := configFrom(ctx)
	logger := slog.Default()

	feedURL := opts.FeedURL
	if feedURL == "" {
		feedURL = cfg.FeedURL
	}
	src, err := feedSource(feedURL, logger)
	if err != nil {
		return nil, err
	}
	if src != nil && cfg.DatabaseURL == "" {
		return nil, errFeedWithoutDatabase
	}

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	svc := chatsync.New(s, chatsync.Options{
		Source:      src,
		Notifier:    chatsync.LogNotifier{Logger: logger},
		Logger:      logger,
		AckDelay:    cfg.AckDelay,
		AckCooldown: cfg.AckCooldown,
		AckText:     cfg.AckText,
	})
	return &runtime{cfg: cfg, logger: logger, store: s, svc: svc}, nil
}

// Close stops pending acknowledgements and closes the store.
func (r *runtime) Close() {
	r.svc.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("closing store", "error", err)
	}
}
