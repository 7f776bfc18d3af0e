package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	apperrors "github.com/jittakal/kafeventledger/internal/errors"
	"github.com/jittakal/kafeventledger/pkg/event"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS event_records (
		id           BIGSERIAL PRIMARY KEY,
		event_id     VARCHAR(255) NOT NULL,
		topic_name   VARCHAR(255) NOT NULL,
		payload      JSONB NOT NULL,
		status       VARCHAR(16) NOT NULL,
		received_at  TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS event_records_event_topic_key
		ON event_records (event_id, topic_name)`,
	`CREATE INDEX IF NOT EXISTS event_records_status_received_idx
		ON event_records (status, received_at)`,
	`CREATE INDEX IF NOT EXISTS event_records_processed_idx
		ON event_records (processed_at)`,
}

const recordColumns = `event_id, topic_name, payload, status, received_at, processed_at`

// PostgresStore is the ledger on a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, pings and optionally migrates the schema.
func NewPostgresStore(ctx context.Context, cfg dto.LedgerConfig, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create ledger pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Info("Connected to postgres ledger",
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Bool("auto_migrate", cfg.AutoMigrate))
	return s, nil
}

// Migrate creates the event_records table and its indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, key event.Key) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM event_records WHERE event_id = $1 AND topic_name = $2)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, key.EventID, key.Topic).Scan(&exists); err != nil {
		return false, wrap("exists", key, err)
	}
	return exists, nil
}

func (s *PostgresStore) Insert(ctx context.Context, record *event.Record) error {
	const query = `
		INSERT INTO event_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id, topic_name) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		record.EventID, record.TopicName, string(record.Payload), string(record.Status),
		record.ReceivedAt.UTC(), record.ProcessedAt)
	if err != nil {
		return wrap("insert", record.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrDuplicateEvent
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, key event.Key, at time.Time) error {
	const query = `
		UPDATE event_records SET status = $3, processed_at = $4
		WHERE event_id = $1 AND topic_name = $2
	`
	return s.update(ctx, "mark_processed", key, query, string(event.StatusProcessed), at.UTC())
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key event.Key) error {
	const query = `UPDATE event_records SET status = $3 WHERE event_id = $1 AND topic_name = $2`
	return s.update(ctx, "mark_failed", key, query, string(event.StatusFailed))
}

func (s *PostgresStore) update(ctx context.Context, op string, key event.Key, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{key.EventID, key.Topic}, args...)...)
	if err != nil {
		return wrap(op, key, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap(op, key, apperrors.ErrRecordNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key event.Key) (*event.Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM event_records WHERE event_id = $1 AND topic_name = $2`

	r, err := scanRecord(s.pool.QueryRow(ctx, query, key.EventID, key.Topic))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("get", key, apperrors.ErrRecordNotFound)
	}
	if err != nil {
		return nil, wrap("get", key, err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*event.Record, error) {
	query, args := listQuery(filter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list", event.Key{Topic: filter.Topic}, err)
	}
	defer rows.Close()

	var records []*event.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, wrap("list", event.Key{Topic: filter.Topic}, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", event.Key{Topic: filter.Topic}, err)
	}
	return records, nil
}

// listQuery renders the filter as SQL with positional arguments.
func listQuery(f Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		args = append(args, f.statusStrings())
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.Topic != "" {
		args = append(args, f.Topic)
		where = append(where, fmt.Sprintf("topic_name = $%d", len(args)))
	}
	if f.byProcessed() {
		args = append(args, f.ProcessedAfter.UTC())
		where = append(where, fmt.Sprintf("processed_at > $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + recordColumns + " FROM event_records")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if f.byProcessed() {
		b.WriteString(" ORDER BY processed_at, topic_name, event_id")
	} else {
		b.WriteString(" ORDER BY received_at, topic_name, event_id")
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanRecord(row pgx.Row) (*event.Record, error) {
	var (
		r       event.Record
		payload []byte
		status  string
	)
	if err := row.Scan(&r.EventID, &r.TopicName, &payload, &status, &r.ReceivedAt, &r.ProcessedAt); err != nil {
		return nil, err
	}
	r.Payload = payload
	r.Status = event.Status(status)
	return &r, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
