// Package cache remembers recovered signing secrets in Redis so a token seen
// before is answered without another brute-force run.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/jwt"
)

const (
	secretPrefix = "gqlcrack:secret:"
	knownSecrets = "gqlcrack:secrets:known"
)

type SecretCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewSecretCache connects to Redis and fails fast when it is unreachable.
func NewSecretCache(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*SecretCache, error) {
	if log == nil {
		log = logger.Nop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &SecretCache{
		client: client,
		ttl:    cfg.TTL,
		logger: log.WithComponent("secret-cache"),
	}, nil
}

// Key identifies a token by algorithm, signing input and signature. Two
// tokens share a key only if they are byte-identical in all three.
func Key(t *jwt.Token) string {
	h := sha256.New()
	h.Write([]byte(t.Algorithm()))
	h.Write([]byte{0})
	h.Write(t.SigningInput())
	h.Write([]byte{0})
	h.Write(t.Signature())
	return secretPrefix + hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the cached secret for t. A cached value that no longer
// verifies is dropped and reported as a miss.
func (c *SecretCache) Lookup(ctx context.Context, t *jwt.Token) ([]byte, bool, error) {
	key := Key(t)
	secret, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Debugw("Secret cache miss", "algorithm", t.Algorithm())
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	if !jwt.Verify(t, secret) {
		c.logger.Warnw("Discarding cached secret that no longer verifies", "algorithm", t.Algorithm())
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return nil, false, fmt.Errorf("redis del: %w", err)
		}
		return nil, false, nil
	}

	c.logger.Debugw("Secret cache hit", "algorithm", t.Algorithm())
	return secret, true, nil
}

// Remember stores secret for t and adds it to the known-secret set that seeds
// later runs against other tokens.
func (c *SecretCache) Remember(ctx context.Context, t *jwt.Token, secret []byte) error {
	if len(secret) == 0 {
		return nil
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, Key(t), secret, c.ttl)
	pipe.SAdd(ctx, knownSecrets, secret)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache secret: %w", err)
	}
	return nil
}

// KnownSecrets returns every secret remembered so far, in no particular order.
func (c *SecretCache) KnownSecrets(ctx context.Context) ([][]byte, error) {
	members, err := c.client.SMembers(ctx, knownSecrets).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out, nil
}

func (c *SecretCache) Forget(ctx context.Context, t *jwt.Token) error {
	return c.client.Del(ctx, Key(t)).Err()
}

func (c *SecretCache) Close() error {
	return c.client.Close()
}
