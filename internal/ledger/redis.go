package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
)

const DefaultTTL = 7 * 24 * time.Hour

type Redis struct {
	rdb *r.Client
	ttl time.Duration
}

func NewRedis(rdb *r.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func key(jobID uuid.UUID) string { return "receipt:" + jobID.String() }

func (l *Redis) Record(ctx context.Context, jobID uuid.UUID, rc Receipt) error {
	k := key(jobID)
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, k,
		"message_id", rc.MessageID,
		"channel_id", rc.ChannelID,
		"sent_at", rc.SentAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, k, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record receipt %s: %w", jobID, err)
	}
	return nil
}

func (l *Redis) Lookup(ctx context.Context, jobID uuid.UUID) (Receipt, bool, error) {
	fields, err := l.rdb.HGetAll(ctx, key(jobID)).Result()
	if err != nil {
		return Receipt{}, false, fmt.Errorf("lookup receipt %s: %w", jobID, err)
	}
	if fields["message_id"] == "" {
		return Receipt{}, false, nil
	}
	sentAt, err := time.Parse(time.RFC3339Nano, fields["sent_at"])
	if err != nil {
		return Receipt{}, false, fmt.Errorf("receipt %s: sent_at: %w", jobID, err)
	}
	return Receipt{
		MessageID: fields["message_id"],
		ChannelID: fields["channel_id"],
		SentAt:    sentAt,
	}, true, nil
}

// Ping reports whether the Redis server is reachable.
func (l *Redis) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}
