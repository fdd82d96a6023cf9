// Package bootstrap wires the application together for the api and
// worker run modes.
package bootstrap

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"unibox_worker/adapter/out/mongodb"
	"unibox_worker/adapter/out/persistence"
	"unibox_worker/adapter/out/provider"
	"unibox_worker/config"
	"unibox_worker/core/domain"
	"unibox_worker/core/port/out"
	"unibox_worker/core/service/auth"
	"unibox_worker/core/service/sync"
	"unibox_worker/infra/database"
	"unibox_worker/pkg/crypto"
	"unibox_worker/pkg/logger"
	"unibox_worker/pkg/ratelimit"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	Vault *crypto.Vault

	// Repositories
	AccountRepo   out.AccountRepository
	SyncStateRepo out.SyncStateRepository
	MessageRepo   out.MessageRepository
	BodyStore     out.BodyStore

	// Providers
	Providers *provider.Factory

	// Guard shared by the engine and trigger debounce
	Guard *ratelimit.ProviderGuard

	// Services
	TokenService *auth.TokenService
	SyncEngine   *sync.Engine
	ReplyService *sync.ReplyService

	// Queue indirection: the engine needs a job queue before the worker
	// pool exists, and the pool needs the engine through its handler.
	Queue *QueueProxy
}

// QueueProxy forwards Enqueue to the real queue once one is attached.
// Triggers that arrive before attachment are dropped with a warning.
type QueueProxy struct {
	target out.JobQueue
}

func (q *QueueProxy) Attach(target out.JobQueue) { q.target = target }

func (q *QueueProxy) Enqueue(ctx context.Context, job *domain.SyncJob) error {
	if q.target == nil {
		logger.Warn("job queue not attached yet, dropping job: type=%s account=%s", job.Type, job.AccountID)
		return nil
	}
	return q.target.Enqueue(ctx, job)
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	// Token vault
	vault, err := crypto.NewVault(cfg.EncryptionKeys)
	if err != nil {
		return nil, nil, err
	}
	deps.Vault = vault

	// Database (pgxpool, for health checks and pool-level metrics)
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Database (sqlx for the adapters). Simple protocol avoids prepared
	// statement conflicts behind PgBouncer.
	sqlxURL := cfg.DatabaseURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })

	// Redis. Optional: rate limiting and debounce fall back to local
	// in-process state without it.
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis connection failed, falling back to local rate limiting: %v", err)
	} else {
		deps.Redis = redisClient
		cleanups = append(cleanups, func() { redisClient.Close() })
	}

	// MongoDB body store. Optional: cycles run without bodies.
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed, message bodies disabled: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				mongoClient.Disconnect(context.Background())
			})

			bodyAdapter := mongodb.NewBodyAdapter(mongoClient.Database(cfg.MongoDBName))
			if err := bodyAdapter.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("failed to ensure MongoDB indexes: %v", err)
			}
			deps.BodyStore = bodyAdapter
		}
	}

	// Repositories
	deps.AccountRepo = persistence.NewAccountAdapter(sqlDB)
	deps.SyncStateRepo = persistence.NewSyncStateAdapter(sqlDB, cfg.SyncMaxRetries)
	deps.MessageRepo = persistence.NewMessageAdapter(sqlDB)

	// Providers
	factoryCfg := &provider.FactoryConfig{}
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		factoryCfg.Gmail = &provider.GmailConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		}
	}
	if cfg.MicrosoftClientID != "" && cfg.MicrosoftClientSecret != "" {
		factoryCfg.Outlook = &provider.OutlookConfig{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			RedirectURL:  cfg.MicrosoftRedirectURL,
			TenantID:     cfg.MicrosoftTenantID,
		}
	}
	deps.Providers = provider.NewFactory(factoryCfg)

	// Provider guard
	deps.Guard = ratelimit.NewProviderGuard(deps.Redis, &ratelimit.Config{
		MaxConcurrent:     cfg.ProviderMaxConcurrent,
		RequestsPerSecond: cfg.ProviderRequestsPerSecond,
		BurstSize:         cfg.ProviderBurstSize,
		DebounceDuration:  cfg.TriggerDebounce,
	})

	// Services
	deps.TokenService = auth.NewTokenService(deps.AccountRepo, deps.Providers, vault)

	deps.Queue = &QueueProxy{}
	deps.SyncEngine = sync.NewEngine(
		deps.AccountRepo,
		deps.SyncStateRepo,
		deps.MessageRepo,
		deps.BodyStore,
		deps.Providers,
		deps.TokenService,
		deps.Queue,
		deps.Guard,
		&sync.EngineConfig{
			InitialWindow: cfg.SyncInitialWindow,
			Backoff:       ratelimit.DefaultBackoffPolicy(),
		},
	)

	deps.ReplyService = sync.NewReplyService(
		deps.AccountRepo,
		deps.MessageRepo,
		deps.Providers,
		deps.TokenService,
		deps.SyncEngine,
	)

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return deps, cleanup, nil
}

func (d *Dependencies) HealthCheck(ctx context.Context) error {
	if err := d.DB.Ping(ctx); err != nil {
		return err
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}
