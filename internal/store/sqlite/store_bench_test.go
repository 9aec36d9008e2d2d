package sqlite

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func BenchmarkFindTunnel(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	u, err := store.CreateUser(ctx, "bench@example.com", "hash")
	if err != nil {
		b.Fatal(err)
	}
	if _, err := store.ClaimTunnel(ctx, u.ID, "bench", "https://bench.t.example.com", time.Now()); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.FindTunnel(ctx, "bench"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClaimTunnel(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	u, err := store.CreateUser(ctx, "bench@example.com", "hash")
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		name := "bench-" + strconv.Itoa(i)
		if _, err := store.ClaimTunnel(ctx, u.ID, name, "https://"+name+".t.example.com", time.Now()); err != nil {
			b.Fatal(err)
		}
	}
}
