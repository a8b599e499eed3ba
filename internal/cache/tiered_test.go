package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketcache/internal/marketdata"
)

// fakeStore counts round trips so tests can assert the memory layer absorbs
// repeated reads.
type fakeStore struct {
	mu       sync.Mutex
	records  map[marketdata.Key]marketdata.Record
	gets     int
	batchGet int
	setErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[marketdata.Key]marketdata.Record)}
}

func (s *fakeStore) Get(_ context.Context, ticker string, year int) (*marketdata.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if rec, ok := s.records[marketdata.Key{Ticker: ticker, Year: year}]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *fakeStore) BatchGet(_ context.Context, keys []marketdata.Key) (map[marketdata.Key]marketdata.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchGet++
	out := make(map[marketdata.Key]marketdata.Record)
	for _, k := range keys {
		if rec, ok := s.records[k]; ok {
			out[k] = rec
		}
	}
	return out, nil
}

func (s *fakeStore) BatchSet(_ context.Context, records []marketdata.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	for _, rec := range records {
		s.records[rec.Key()] = rec
	}
	return nil
}

func record(ticker string, year int, price float64) marketdata.Record {
	return marketdata.Record{Ticker: ticker, Year: year, Price: price, AdjustedPrice: price, FetchedAt: time.Now().UTC()}
}

func TestGet_ReadThroughPopulatesMemory(t *testing.T) {
	store := newFakeStore()
	_ = store.BatchSet(context.Background(), []marketdata.Record{record("AAPL", 2023, 192.5)})
	tiered := NewTiered(store)
	ctx := context.Background()

	got, err := tiered.Get(ctx, "AAPL", 2023)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.Price != 192.5 {
		t.Fatalf("expected price 192.5, got %+v", got)
	}

	// Second read must come from memory.
	if _, err := tiered.Get(ctx, "AAPL", 2023); err != nil {
		t.Fatal(err)
	}
	if store.gets != 1 {
		t.Errorf("expected 1 store read, got %d", store.gets)
	}
}

func TestGet_MissReturnsNil(t *testing.T) {
	tiered := NewTiered(newFakeStore())
	got, err := tiered.Get(context.Background(), "MSFT", 2020)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil on miss, got %+v", got)
	}
}

func TestBatchGet_MixedHits(t *testing.T) {
	store := newFakeStore()
	_ = store.BatchSet(context.Background(), []marketdata.Record{
		record("AAPL", 2022, 130),
		record("AAPL", 2023, 192),
	})
	tiered := NewTiered(store)
	ctx := context.Background()

	keys := marketdata.Keys("AAPL", 2021, 2023)
	got, err := tiered.BatchGet(ctx, keys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if _, ok := got[marketdata.Key{Ticker: "AAPL", Year: 2021}]; ok {
		t.Error("2021 should be a miss")
	}

	// All hits now cached in memory; a repeat should not touch the store.
	before := store.batchGet
	if _, err := tiered.BatchGet(ctx, marketdata.Keys("AAPL", 2022, 2023)); err != nil {
		t.Fatal(err)
	}
	if store.batchGet != before {
		t.Errorf("expected no extra store round trip, got %d -> %d", before, store.batchGet)
	}
}

func TestBatchSet_WritesThroughBothLayers(t *testing.T) {
	store := newFakeStore()
	tiered := NewTiered(store)
	ctx := context.Background()

	if err := tiered.BatchSet(ctx, []marketdata.Record{record("NVDA", 2023, 495)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := store.records[marketdata.Key{Ticker: "NVDA", Year: 2023}]; !ok {
		t.Error("record missing from durable store")
	}

	// Memory hit, no store read.
	got, err := tiered.Get(ctx, "NVDA", 2023)
	if err != nil || got == nil {
		t.Fatalf("expected memory hit, got %+v, %v", got, err)
	}
	if store.gets != 0 {
		t.Errorf("expected 0 store reads, got %d", store.gets)
	}
}

func TestBatchSet_StoreErrorSkipsMemory(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("disk full")
	tiered := NewTiered(store)
	ctx := context.Background()

	if err := tiered.BatchSet(ctx, []marketdata.Record{record("NVDA", 2023, 495)}); err == nil {
		t.Fatal("expected error")
	}

	// The memory layer must not claim a record the store never got.
	store.setErr = nil
	got, err := tiered.Get(ctx, "NVDA", 2023)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected miss after failed write, got %+v", got)
	}
}
