// Package coordinator arbitrates work across API replicas: claim locks with
// TTL for cron and stream ownership, a client-session registry, and pub/sub
// for cross-replica broadcast.
//
// The backend is Redis. When Redis is unconfigured or unreachable the
// coordinator degrades to single-replica mode: every claim succeeds and the
// degradation is logged once per transition. Consumers must accept this mode.
package coordinator

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Health describes coordinator connectivity.
type Health struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latencyMs"`
}

// ClientInfo is one streaming session in the registry.
type ClientInfo struct {
	ClientID  string    `json:"clientId"`
	ReplicaID string    `json:"replicaId"`
	Channels  []string  `json:"channels"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Coordinator is the cross-replica coordination contract.
type Coordinator interface {
	Claim(ctx context.Context, key string, ttl time.Duration) bool
	Refresh(ctx context.Context, key string, ttl time.Duration) bool
	Release(ctx context.Context, key string)
	SetClient(ctx context.Context, info ClientInfo, ttl time.Duration) error
	GetClient(ctx context.Context, clientID string) (*ClientInfo, error)
	RemoveClient(ctx context.Context, clientID string) error
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)
	Health(ctx context.Context) Health
}

// refreshScript extends a claim only while this replica still owns it.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// releaseScript deletes a claim only if this replica owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisCoordinator implements Coordinator on go-redis.
type RedisCoordinator struct {
	client    *redis.Client
	replicaID string
	degraded  atomic.Bool
}

// NewRedis connects to redisURL. An empty URL returns a coordinator that is
// permanently degraded (single-replica deployments need no Redis).
func NewRedis(redisURL, replicaID string) (*RedisCoordinator, error) {
	c := &RedisCoordinator{replicaID: replicaID}
	if redisURL == "" {
		c.degraded.Store(true)
		log.Warn().Msg("No coordinator configured; running in single-replica mode")
		return c, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c.client = redis.NewClient(opts)
	log.Info().Str("addr", opts.Addr).Str("replica", replicaID).Msg("Coordinator connected")
	return c, nil
}

// Claim atomically takes ownership of key for ttl. Exactly one caller across
// all replicas succeeds per key until expiry or release. In degraded mode the
// claim always succeeds.
func (c *RedisCoordinator) Claim(ctx context.Context, key string, ttl time.Duration) bool {
	if c.client == nil {
		return true
	}
	ok, err := c.client.SetNX(ctx, key, c.replicaID, ttl).Result()
	if err != nil {
		c.noteDegraded(err)
		return true
	}
	c.noteHealthy()
	return ok
}

// Refresh extends the TTL, succeeding only while this replica holds the key.
func (c *RedisCoordinator) Refresh(ctx context.Context, key string, ttl time.Duration) bool {
	if c.client == nil {
		return true
	}
	n, err := refreshScript.Run(ctx, c.client, []string{key}, c.replicaID, ttl.Milliseconds()).Int()
	if err != nil {
		c.noteDegraded(err)
		return false
	}
	c.noteHealthy()
	return n == 1
}

// Release drops the claim if this replica owns it.
func (c *RedisCoordinator) Release(ctx context.Context, key string) {
	if c.client == nil {
		return
	}
	if err := releaseScript.Run(ctx, c.client, []string{key}, c.replicaID).Err(); err != nil && err != redis.Nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to release claim")
	}
}

const clientKeyPrefix = "stream-client:"

// SetClient upserts a streaming session with TTL.
func (c *RedisCoordinator) SetClient(ctx context.Context, info ClientInfo, ttl time.Duration) error {
	if c.client == nil {
		return nil
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, clientKeyPrefix+info.ClientID, payload, ttl).Err()
}

// GetClient looks up a streaming session; nil when absent.
func (c *RedisCoordinator) GetClient(ctx context.Context, clientID string) (*ClientInfo, error) {
	if c.client == nil {
		return nil, nil
	}
	payload, err := c.client.Get(ctx, clientKeyPrefix+clientID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info ClientInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RemoveClient drops a streaming session.
func (c *RedisCoordinator) RemoveClient(ctx context.Context, clientID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, clientKeyPrefix+clientID).Err()
}

// Publish broadcasts msg on channel.
func (c *RedisCoordinator) Publish(ctx context.Context, channel string, msg []byte) error {
	if c.client == nil {
		return nil
	}
	return c.client.Publish(ctx, channel, msg).Err()
}

// Subscribe returns a message channel and a cancel func. Messages arrive in
// the broker's delivery order; there is no cross-channel ordering.
func (c *RedisCoordinator) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	if c.client == nil {
		ch := make(chan []byte)
		return ch, func() { close(ch) }, nil
	}
	sub := c.client.Subscribe(ctx, channel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, func() { sub.Close() }, nil
}

// Health pings the backend and reports latency.
func (c *RedisCoordinator) Health(ctx context.Context) Health {
	if c.client == nil {
		return Health{Connected: false}
	}
	start := time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.noteDegraded(err)
		return Health{Connected: false}
	}
	c.noteHealthy()
	return Health{Connected: true, Latency: time.Since(start)}
}

func (c *RedisCoordinator) noteDegraded(err error) {
	if c.degraded.CompareAndSwap(false, true) {
		log.Warn().Err(err).Msg("Coordinator unreachable; claims fall back to single-replica mode")
	}
}

func (c *RedisCoordinator) noteHealthy() {
	if c.degraded.CompareAndSwap(true, false) {
		log.Info().Msg("Coordinator connectivity restored")
	}
}
