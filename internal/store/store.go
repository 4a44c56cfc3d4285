package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kjstillabower/sale-price-service/internal/models"
	"github.com/kjstillabower/sale-price-service/internal/observability"
)

// CollectionName is the collection (or table) holding one record per (city, state).
const CollectionName = "median_sale_price"

// Backend names accepted by New.
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendInMemory = "in_memory"
)

// RecordStore persists sale-price records. Records are insert-only; FindOne
// matches city and state exactly and returns ok=false when nothing matches.
type RecordStore interface {
	FindOne(ctx context.Context, city, state string) (models.MedianSalePriceRecord, bool, error)
	Insert(ctx context.Context, record models.MedianSalePriceRecord) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config selects and configures a backend.
type Config struct {
	Backend        string
	MongoURI       string
	MongoDatabase  string
	PostgresDSN    string
	ConnectTimeout time.Duration
}

// New opens the configured backend and prepares its indexes.
func New(ctx context.Context, cfg Config) (RecordStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case BackendMongo, "":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.ConnectTimeout)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	case BackendInMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func observe(backend, operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.StoreOperationDuration.WithLabelValues(backend, operation, status).Observe(time.Since(start).Seconds())
}
