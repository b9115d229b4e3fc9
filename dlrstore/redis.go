package dlrstore

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisStore shares DLR mappings between gateway nodes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "smsgw:"}
}

func (r *RedisStore) key(connectorID, carrierMessageID string) string {
	return r.prefix + key(connectorID, carrierMessageID)
}

func (r *RedisStore) Save(ctx context.Context, carrierMessageID string, m Mapping, ttl time.Duration) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(m.ConnectorID, carrierMessageID), data, ttl).Err()
}

func (r *RedisStore) Lookup(ctx context.Context, connectorID, carrierMessageID string) (Mapping, error) {
	data, err := r.client.Get(ctx, r.key(connectorID, carrierMessageID)).Bytes()
	if err == redis.Nil {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, err
	}
	var m Mapping
	return m, json.Unmarshal(data, &m)
}

func (r *RedisStore) Delete(ctx context.Context, connectorID, carrierMessageID string) error {
	return r.client.Del(ctx, r.key(connectorID, carrierMessageID)).Err()
}
