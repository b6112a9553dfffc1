package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertCycleSampleSQL = `INSERT INTO cycle_samples (
        started_at,
        btc_price,
        btc_change_pct,
        eth_price,
        eth_change_pct,
        outcome,
        stage,
        reason
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    ) RETURNING id;`

	listRecentCyclesSQL = `SELECT
        id,
        started_at,
        btc_price,
        btc_change_pct,
        eth_price,
        eth_change_pct,
        outcome,
        stage,
        reason,
        created_at
    FROM cycle_samples
    ORDER BY started_at DESC
    LIMIT $1;`

	listCyclesBetweenSQL = `SELECT
        id,
        started_at,
        btc_price,
        btc_change_pct,
        eth_price,
        eth_change_pct,
        outcome,
        stage,
        reason,
        created_at
    FROM cycle_samples
    WHERE started_at >= $1
      AND started_at < $2
    ORDER BY started_at;`

	countCyclesSQL = `SELECT COUNT(*) FROM cycle_samples;`

	insertPublishSQL = `INSERT INTO publish_log (
        fingerprint,
        btc_price,
        eth_price,
        channels,
        posted_at
    ) VALUES (
        $1,$2,$3,$4,$5
    ) RETURNING id, created_at;`

	listRecentPublishesSQL = `SELECT
        id,
        fingerprint,
        btc_price,
        eth_price,
        channels,
        posted_at,
        created_at
    FROM publish_log
    ORDER BY posted_at DESC
    LIMIT $1;`

	deletePublishesBeforeSQL = `DELETE FROM publish_log WHERE posted_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// CycleStore defines operations for per-cycle auditing.
type CycleStore interface {
	InsertCycleSample(ctx context.Context, sample CycleSample) (int64, error)
	ListRecentCycles(ctx context.Context, limit int) ([]CycleSample, error)
	ListCyclesBetween(ctx context.Context, from, to time.Time) ([]CycleSample, error)
	CountCycles(ctx context.Context) (int64, error)
}

// PublishLogStore defines operations for the publish audit log.
type PublishLogStore interface {
	InsertPublish(ctx context.Context, entry PublishEntry) (PublishEntry, error)
	ListRecentPublishes(ctx context.Context, limit int) ([]PublishEntry, error)
	DeletePublishesBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to cycle samples and the publish log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertCycleSample persists one cycle outcome and returns its id.
func (s *Store) InsertCycleSample(ctx context.Context, sample CycleSample) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var stage interface{}
	if sample.Stage != nil {
		stage = *sample.Stage
	}
	var reason interface{}
	if sample.Reason != nil {
		reason = *sample.Reason
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertCycleSampleSQL,
		sample.StartedAt,
		sample.BTCPrice.String(),
		sample.BTCChangePct.String(),
		sample.ETHPrice.String(),
		sample.ETHChangePct.String(),
		sample.Outcome,
		stage,
		reason,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert cycle sample: %w", scanErr)
	}
	return id, nil
}

// ListRecentCycles lists the most recent cycles ordered by descending start.
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]CycleSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanCycleSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListCyclesBetween lists cycles within a time window.
func (s *Store) ListCyclesBetween(ctx context.Context, from, to time.Time) ([]CycleSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCyclesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list cycles between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]CycleSample, 0)
	for rows.Next() {
		sample, scanErr := scanCycleSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountCycles counts stored cycle samples.
func (s *Store) CountCycles(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countCyclesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count cycles: %w", scanErr)
	}
	return count, nil
}

// InsertPublish persists a publish log entry.
func (s *Store) InsertPublish(ctx context.Context, entry PublishEntry) (PublishEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return PublishEntry{}, err
	}

	row := pool.QueryRow(ctx, insertPublishSQL,
		entry.Fingerprint,
		entry.BTCPrice.String(),
		entry.ETHPrice.String(),
		entry.Channels,
		entry.PostedAt,
	)

	rec := entry
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return PublishEntry{}, fmt.Errorf("insert publish: %w", scanErr)
	}
	return rec, nil
}

// ListRecentPublishes lists the most recent publish entries, newest first.
func (s *Store) ListRecentPublishes(ctx context.Context, limit int) ([]PublishEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPublishesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent publishes: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]PublishEntry, 0, limit)
	for rows.Next() {
		var rec PublishEntry
		var btcStr, ethStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Fingerprint,
			&btcStr,
			&ethStr,
			&rec.Channels,
			&rec.PostedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.BTCPrice, convErr = decimal.NewFromString(btcStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse btc price: %w", convErr)
		}
		rec.ETHPrice, convErr = decimal.NewFromString(ethStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse eth price: %w", convErr)
		}

		entries = append(entries, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// DeletePublishesBefore deletes historical publish entries.
func (s *Store) DeletePublishesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deletePublishesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete publishes before: %w", execErr)
	}
	return nil
}

func scanCycleSample(rows pgx.Rows) (CycleSample, error) {
	var (
		id        int64
		startedAt time.Time
		btcStr    string
		btcChgStr string
		ethStr    string
		ethChgStr string
		outcome   string
		stage     sql.NullString
		reason    sql.NullString
		createdAt time.Time
	)

	if err := rows.Scan(
		&id,
		&startedAt,
		&btcStr,
		&btcChgStr,
		&ethStr,
		&ethChgStr,
		&outcome,
		&stage,
		&reason,
		&createdAt,
	); err != nil {
		return CycleSample{}, err
	}

	btc, err := decimal.NewFromString(btcStr)
	if err != nil {
		return CycleSample{}, fmt.Errorf("parse btc price: %w", err)
	}
	btcChg, err := decimal.NewFromString(btcChgStr)
	if err != nil {
		return CycleSample{}, fmt.Errorf("parse btc change pct: %w", err)
	}
	eth, err := decimal.NewFromString(ethStr)
	if err != nil {
		return CycleSample{}, fmt.Errorf("parse eth price: %w", err)
	}
	ethChg, err := decimal.NewFromString(ethChgStr)
	if err != nil {
		return CycleSample{}, fmt.Errorf("parse eth change pct: %w", err)
	}

	sample := CycleSample{
		ID:           id,
		StartedAt:    startedAt,
		BTCPrice:     btc,
		BTCChangePct: btcChg,
		ETHPrice:     eth,
		ETHChangePct: ethChg,
		Outcome:      outcome,
		CreatedAt:    createdAt,
	}

	if stage.Valid {
		value := stage.String
		sample.Stage = &value
	}
	if reason.Valid {
		value := reason.String
		sample.Reason = &value
	}

	return sample, nil
}
