package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger covers the SQL-backed stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker probes a Pinger-shaped backend.
type StoreChecker struct {
	name     string
	store    Pinger
	critical bool
}

func NewStoreChecker(name string, store Pinger, critical bool) *StoreChecker {
	return &StoreChecker{name: name, store: store, critical: critical}
}

func (c *StoreChecker) Name() string           { return c.name }
func (c *StoreChecker) IsCritical() bool       { return c.critical }
func (c *StoreChecker) Timeout() time.Duration { return 3 * time.Second }

func (c *StoreChecker) Check(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// RedisChecker probes the cache and event-mirror backend. Non-critical: the
// engine runs without caching, just slower.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return false }
func (c *RedisChecker) Timeout() time.Duration { return 2 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// HTTPChecker probes an HTTP service's health endpoint. Used for the model
// service, the embeddings service, and the semantic index.
type HTTPChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
}

func NewHTTPChecker(name, url string, critical bool) *HTTPChecker {
	return &HTTPChecker{
		name:     name,
		url:      url,
		critical: critical,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *HTTPChecker) Name() string           { return c.name }
func (c *HTTPChecker) IsCritical() bool       { return c.critical }
func (c *HTTPChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s returned %d", c.name, resp.StatusCode)
	}
	return nil
}
