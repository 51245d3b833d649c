package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/eventstore/memstore"
)

func benchEvent(i int) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064d", i),
		PubKey:    fmt.Sprintf("%064d", i%100),
		Kind:      1,
		CreatedAt: nostr.Timestamp(i),
		Content:   "benchmark event",
	}
}

// BenchmarkStoreInsert benchmarks event insertion
func BenchmarkStoreInsert(b *testing.B) {
	s := memstore.New()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.SaveEvent(ctx, benchEvent(i)); err != nil {
			b.Fatalf("SaveEvent: %v", err)
		}
	}
}

// BenchmarkStoreQuery benchmarks filter queries against a populated store
func BenchmarkStoreQuery(b *testing.B) {
	s := memstore.New()
	ctx := context.Background()
	for i := 0; i < 10_000; i++ {
		if _, err := s.SaveEvent(ctx, benchEvent(i)); err != nil {
			b.Fatalf("SaveEvent: %v", err)
		}
	}
	author := fmt.Sprintf("%064d", 42)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Query(ctx, nostr.Filter{Authors: []string{author}, Limit: 20}); err != nil {
			b.Fatalf("Query: %v", err)
		}
	}
}

// BenchmarkNegentropyItems benchmarks building the reconciliation vector
func BenchmarkNegentropyItems(b *testing.B) {
	s := memstore.New()
	ctx := context.Background()
	for i := 0; i < 10_000; i++ {
		if _, err := s.SaveEvent(ctx, benchEvent(i)); err != nil {
			b.Fatalf("SaveEvent: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.NegentropyItems(ctx, nostr.Filter{Kinds: []int{1}}); err != nil {
			b.Fatalf("NegentropyItems: %v", err)
		}
	}
}
