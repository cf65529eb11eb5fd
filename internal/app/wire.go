package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/iotmart/internal/blob/s3"
	"github.com/alanyoungcy/iotmart/internal/cache/redis"
	"github.com/alanyoungcy/iotmart/internal/compute/localfhe"
	"github.com/alanyoungcy/iotmart/internal/compute/relayer"
	"github.com/alanyoungcy/iotmart/internal/config"
	"github.com/alanyoungcy/iotmart/internal/crypto"
	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/ledger/ethledger"
	"github.com/alanyoungcy/iotmart/internal/ledger/memledger"
	"github.com/alanyoungcy/iotmart/internal/notify"
	"github.com/alanyoungcy/iotmart/internal/server/handler"
	"github.com/alanyoungcy/iotmart/internal/store/postgres"
)

// demoAccount signs demo-mode writes when no wallet key is configured.
const demoAccount = "0x00000000000000000000000000000000000de110"

// Dependencies bundles every collaborator the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Account is the connected wallet address; empty means read-only.
	Account string

	Ledger  domain.LedgerGateway
	Compute domain.ComputeService

	// Optional infrastructure. Each is nil when its backend is disabled.
	Locks        domain.LockManager
	Bus          domain.SignalBus
	Cache        domain.ListingCache
	RateLimiter  domain.RateLimiter
	HistoryStore domain.HistoryStore
	Archiver     *s3blob.Archiver
	Notifier     *notify.Notifier

	// Checks probe the backends for the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Wallet ---
	var wallet *crypto.Wallet
	if cfg.Wallet.HasKey() {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
		wallet, err = crypto.NewWallet(key, cfg.Chain.ChainID)
		if err != nil {
			return fail(fmt.Errorf("wire: wallet: %w", err))
		}
		deps.Account = wallet.Address().Hex()
	}

	// --- Redis (before the relayer, which paces itself with the limiter) ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc)
		deps.Cache = redis.NewListingCache(rc, cfg.Redis.SnapshotTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(rc, cfg.Relayer.RatePerSecond, time.Second)
		deps.Checks["redis"] = rc.Ping
	}

	// --- Ledger and compute ---
	if cfg.Mode == "demo" {
		engine := localfhe.New()
		if deps.Account == "" {
			deps.Account = demoAccount
		}
		deps.Ledger = memledger.New(memledger.Options{Sender: deps.Account, Verifier: engine.Verifier()})
		deps.Compute = engine
	} else {
		var signer ethledger.TransactorSource
		if wallet != nil {
			signer = wallet
		}
		gw, closeRPC, err := ethledger.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ContractAddress, signer, ethledger.Options{
			PollInterval:  cfg.Chain.PollInterval.Duration,
			Confirmations: cfg.Chain.Confirmations,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: ledger: %w", err))
		}
		closers = append(closers, closeRPC)
		deps.Ledger = gw

		var limiter domain.RateLimiter
		if cfg.Relayer.RatePerSecond > 0 {
			limiter = deps.RateLimiter
		}
		var auth *crypto.RelayerAuth
		if cfg.Relayer.APIKey != "" {
			auth = &crypto.RelayerAuth{Key: cfg.Relayer.APIKey, Secret: cfg.Relayer.APISecret}
		}
		deps.Compute = relayer.NewClient(relayer.Options{
			BaseURL: cfg.Relayer.BaseURL,
			Timeout: cfg.Relayer.Timeout.Duration,
			Wallet:  wallet,
			Auth:    auth,
			Limiter: limiter,
		}, logger)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.HistoryStore = postgres.NewHistoryStore(pg.Pool())
		deps.Checks["postgres"] = pg.Pool().Ping
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		writer := s3blob.NewWriter(sc, int64(cfg.S3.PartSizeMB)<<20)
		deps.Archiver = s3blob.NewArchiver(writer, cfg.S3.Prefix)
		deps.Checks["s3"] = sc.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("account", deps.Account),
		slog.String("contract", deps.Ledger.ContractAddress()),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
		slog.Bool("notify", deps.Notifier.Enabled()),
	)
	return deps, cleanup, nil
}
