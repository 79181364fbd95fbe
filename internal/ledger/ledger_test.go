package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

var (
	_ Ledger = (*Redis)(nil)
	_ Ledger = (*Memory)(nil)
)

func ledgers(t *testing.T) map[string]Ledger {
	out := map[string]Ledger{"memory": NewMemory()}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		return out
	}
	rdb := r.NewClient(&r.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	l := NewRedis(rdb, time.Minute)
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("redis ping: %v", err)
	}
	out["redis"] = l
	return out
}

func TestRecordLookup(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.New()

			if _, ok, err := l.Lookup(ctx, id); err != nil || ok {
				t.Fatalf("Lookup before Record = %v, %v", ok, err)
			}

			sentAt := time.Date(2025, 5, 5, 8, 30, 0, 123, time.UTC)
			want := Receipt{MessageID: "1714900000.000200", ChannelID: "C1", SentAt: sentAt}
			if err := l.Record(ctx, id, want); err != nil {
				t.Fatalf("Record: %v", err)
			}

			got, ok, err := l.Lookup(ctx, id)
			if err != nil || !ok {
				t.Fatalf("Lookup = %v, %v", ok, err)
			}
			if got.MessageID != want.MessageID || got.ChannelID != want.ChannelID || !got.SentAt.Equal(sentAt) {
				t.Errorf("receipt = %+v, want %+v", got, want)
			}
		})
	}
}

func TestRedis_ReceiptExpires(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := r.NewClient(&r.Options{Addr: addr})
	defer rdb.Close()
	l := NewRedis(rdb, time.Hour)

	id := uuid.New()
	ctx := context.Background()
	if err := l.Record(ctx, id, Receipt{MessageID: "1.1", SentAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ttl, err := rdb.TTL(ctx, key(id)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %s, want (0, 1h]", ttl)
	}
}
