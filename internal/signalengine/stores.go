package signalengine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tadams95/4ex.ninja-sub000/config"
	"github.com/tadams95/4ex.ninja-sub000/internal/metrics"
	"github.com/tadams95/4ex.ninja-sub000/internal/model"
	"github.com/tadams95/4ex.ninja-sub000/internal/store/postgres"
	redisstore "github.com/tadams95/4ex.ninja-sub000/internal/store/redis"
	sqlitestore "github.com/tadams95/4ex.ninja-sub000/internal/store/sqlite"
)

// Stores are the storage dependencies of the engine process.
type Stores struct {
	Redis   goredis.UniversalClient
	SQL     *sql.DB
	Pool    *pgxpool.Pool // nil unless SIGNAL_STORE=postgres
	Candles *sqlitestore.CandleStore
	Signals model.SignalRepository
}

// OpenStores connects the Candle Store, the Signal Repository and Redis.
// The repository is required. Redis is not: when it cannot be reached the
// client is kept and reconnects on its own, while the engine runs on cold
// starts.
func OpenStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sqlitestore.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &Stores{SQL: db, Candles: sqlitestore.NewCandleStore(db)}

	switch cfg.SignalStore {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Pool = pool
		repo, err := postgres.NewSignalRepository(ctx, pool)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Signals = repo
	default:
		s.Signals = sqlitestore.NewSignalRepository(db)
	}

	rcfg := redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	client, err := redisstore.NewClient(ctx, rcfg)
	if err != nil {
		logger.Warn("redis unavailable at startup, continuing on cold starts", "addr", cfg.RedisAddr, "error", err)
		client = redisstore.Dial(rcfg)
	}
	s.Redis = client

	logger.Info("stores ready", "signal_store", cfg.SignalStore, "sqlite", cfg.SQLitePath, "redis", cfg.RedisAddr)
	return s, nil
}

// StorePing probes the Signal Repository backend.
func (s *Stores) StorePing() func(context.Context) error {
	if s.Pool != nil {
		return s.Pool.Ping
	}
	return metrics.SQLPing(s.SQL)
}

// Close releases every connection.
func (s *Stores) Close() {
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.SQL != nil {
		s.SQL.Close()
	}
}
