package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kjstillabower/sale-price-service/internal/models"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS median_sale_price (
		id               BIGSERIAL   PRIMARY KEY,
		city             TEXT        NOT NULL,
		state            TEXT        NOT NULL,
		region_name      TEXT        NOT NULL DEFAULT '',
		last_updated_at  TIMESTAMPTZ NOT NULL,
		median_sale_data JSONB       NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_median_sale_price_city  ON median_sale_price(city);
	CREATE INDEX IF NOT EXISTS idx_median_sale_price_state ON median_sale_price(state);
`

// PostgresStore keeps records in a table shaped like the Mongo documents, with
// the series in a jsonb column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database, pings it and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres: DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindOne(ctx context.Context, city, state string) (models.MedianSalePriceRecord, bool, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT city, state, region_name, last_updated_at, median_sale_data
		FROM median_sale_price
		WHERE city = $1 AND state = $2
		ORDER BY id
		LIMIT 1`, city, state)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		observe(BackendPostgres, "find", start, nil)
		return models.MedianSalePriceRecord{}, false, nil
	}
	observe(BackendPostgres, "find", start, err)
	if err != nil {
		return models.MedianSalePriceRecord{}, false, fmt.Errorf("postgres: find %s, %s: %w", city, state, err)
	}
	return record, true, nil
}

func (s *PostgresStore) Insert(ctx context.Context, record models.MedianSalePriceRecord) error {
	start := time.Now()
	data, err := json.Marshal(record.MedianSaleData)
	if err != nil {
		return fmt.Errorf("postgres: encode median_sale_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO median_sale_price (city, state, region_name, last_updated_at, median_sale_data)
		VALUES ($1, $2, $3, $4, $5)`,
		record.City, record.State, record.RegionName, record.LastUpdatedAt, string(data))
	observe(BackendPostgres, "insert", start, err)
	if err != nil {
		return fmt.Errorf("postgres: insert %s, %s: %w", record.City, record.State, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close(context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.MedianSalePriceRecord, error) {
	var (
		record models.MedianSalePriceRecord
		raw    []byte
	)
	if err := row.Scan(&record.City, &record.State, &record.RegionName, &record.LastUpdatedAt, &raw); err != nil {
		return models.MedianSalePriceRecord{}, err
	}
	if err := json.Unmarshal(raw, &record.MedianSaleData); err != nil {
		return models.MedianSalePriceRecord{}, fmt.Errorf("decode median_sale_data: %w", err)
	}
	return record, nil
}
