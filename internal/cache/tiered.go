// Package cache provides the tiered accessor for market-data records: an
// in-process memory layer over the persistent store. The memory layer only
// exists to absorb repeated reads within a single execution window; it is
// discarded with the process and is never authoritative.
package cache

import (
	"context"
	"sync"

	"marketcache/internal/marketdata"
)

// Store is the durable layer underneath the memory tier.
type Store interface {
	Get(ctx context.Context, ticker string, year int) (*marketdata.Record, error)
	BatchGet(ctx context.Context, keys []marketdata.Key) (map[marketdata.Key]marketdata.Record, error)
	BatchSet(ctx context.Context, records []marketdata.Record) error
}

type Tiered struct {
	store Store

	mu  sync.RWMutex
	mem map[marketdata.Key]marketdata.Record
}

func NewTiered(store Store) *Tiered {
	return &Tiered{
		store: store,
		mem:   make(map[marketdata.Key]marketdata.Record),
	}
}

// Get checks memory first, then the store, populating memory on a store hit.
// Returns nil on a miss in both layers.
func (t *Tiered) Get(ctx context.Context, ticker string, year int) (*marketdata.Record, error) {
	key := marketdata.Key{Ticker: ticker, Year: year}

	t.mu.RLock()
	rec, ok := t.mem[key]
	t.mu.RUnlock()
	if ok {
		return &rec, nil
	}

	found, err := t.store.Get(ctx, ticker, year)
	if err != nil || found == nil {
		return nil, err
	}

	t.mu.Lock()
	t.mem[key] = *found
	t.mu.Unlock()
	return found, nil
}

// BatchGet resolves as many keys as possible from memory and fetches the rest
// from the store in one round trip. Missing keys are absent from the result.
func (t *Tiered) BatchGet(ctx context.Context, keys []marketdata.Key) (map[marketdata.Key]marketdata.Record, error) {
	out := make(map[marketdata.Key]marketdata.Record, len(keys))
	var misses []marketdata.Key

	t.mu.RLock()
	for _, k := range keys {
		if rec, ok := t.mem[k]; ok {
			out[k] = rec
		} else {
			misses = append(misses, k)
		}
	}
	t.mu.RUnlock()

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := t.store.BatchGet(ctx, misses)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	for k, rec := range fetched {
		t.mem[k] = rec
		out[k] = rec
	}
	t.mu.Unlock()

	return out, nil
}

// Set writes through to the store first; the memory layer is only updated
// once the write is durable.
func (t *Tiered) Set(ctx context.Context, rec marketdata.Record) error {
	return t.BatchSet(ctx, []marketdata.Record{rec})
}

// BatchSet writes through both layers synchronously.
func (t *Tiered) BatchSet(ctx context.Context, records []marketdata.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := t.store.BatchSet(ctx, records); err != nil {
		return err
	}

	t.mu.Lock()
	for _, rec := range records {
		t.mem[rec.Key()] = rec
	}
	t.mu.Unlock()
	return nil
}
