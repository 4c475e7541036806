package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/crypto-trade-stream/pkg/config"
	"github.com/shubham-shewale/crypto-trade-stream/pkg/models"
)

var ErrShortWrite = errors.New("copied fewer rows than the batch holds")

// TradeStore durably stores one batch, all or nothing.
type TradeStore interface {
	SaveBatch(ctx context.Context, batch []models.TradeRecord) error
}

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var tradeColumns = []string{"ticker", "ts", "exchange", "size", "price"}

type PostgresStore struct {
	db     DB
	table  pgx.Identifier
	logger *zap.Logger
}

// NewPostgresStore writes to table, which may be schema-qualified ("market.trades").
func NewPostgresStore(db DB, table string, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		table:  pgx.Identifier(strings.Split(table, ".")),
		logger: logger,
	}
}

// EnsureSchema creates the trades table and its lookup index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := s.table.Sanitize()
	index := pgx.Identifier{s.table[len(s.table)-1] + "_ticker_ts_idx"}.Sanitize()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			ticker TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			exchange TEXT NOT NULL,
			size NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (ticker, ts)`, index, table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// SaveBatch copies the batch inside one transaction. Any error rolls the
// whole batch back.
func (s *PostgresStore) SaveBatch(ctx context.Context, batch []models.TradeRecord) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	// no-op once committed
	defer tx.Rollback(ctx)

	copied, err := tx.CopyFrom(ctx, s.table, tradeColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			r := batch[i]
			return []any{r.Ticker, r.Timestamp, r.Exchange, numeric(r.Size), numeric(r.Price)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy %d trades: %w", len(batch), err)
	}
	if copied != int64(len(batch)) {
		return fmt.Errorf("%w: %d of %d", ErrShortWrite, copied, len(batch))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("Persisted batch", zap.Int("trades", len(batch)))
	return nil
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// NewPool builds a connection pool and checks it can reach the server.
func NewPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pgxConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgresql config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pgxConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pgxConfig.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgresql pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgresql: %w", err)
	}
	return pool, nil
}
