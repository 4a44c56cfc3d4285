package store

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/sale-price-service/internal/models"
)

// MemoryStore keeps records in process memory. Used in dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.MedianSalePriceRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FindOne returns the first record inserted for (city, state).
func (s *MemoryStore) FindOne(ctx context.Context, city, state string) (models.MedianSalePriceRecord, bool, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		observe(BackendInMemory, "find", start, err)
		return models.MedianSalePriceRecord{}, false, err
	}
	for _, r := range s.records {
		if r.City == city && r.State == state {
			observe(BackendInMemory, "find", start, nil)
			return copyRecord(r), true, nil
		}
	}
	observe(BackendInMemory, "find", start, nil)
	return models.MedianSalePriceRecord{}, false, nil
}

func (s *MemoryStore) Insert(ctx context.Context, record models.MedianSalePriceRecord) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		observe(BackendInMemory, "insert", start, err)
		return err
	}
	s.mu.Lock()
	s.records = append(s.records, copyRecord(record))
	s.mu.Unlock()
	observe(BackendInMemory, "insert", start, nil)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close(context.Context) error { return nil }

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyRecord(r models.MedianSalePriceRecord) models.MedianSalePriceRecord {
	data := make(map[string]float64, len(r.MedianSaleData))
	for k, v := range r.MedianSaleData {
		data[k] = v
	}
	r.MedianSaleData = data
	return r
}
