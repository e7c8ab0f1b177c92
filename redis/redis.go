package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TELY01-DEV/stardust-my-firstcare-com-sub003/config"

	"github.com/go-redis/redis/v8"
)

type RedisClient struct {
	client *redis.Client
	ctx    context.Context
	ttl    time.Duration
}

func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()

	_, err := rdb.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{
		client: rdb,
		ctx:    ctx,
		ttl:    cfg.HospitalCacheTTL,
	}, nil
}

// NewRedisClientWithAddr is used by tests to point at a local instance.
func NewRedisClientWithAddr(addr string, ttl time.Duration) *RedisClient {
	return &RedisClient{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ctx:    context.Background(),
		ttl:    ttl,
	}
}

// HospitalContext is the cached identity resolution for one device.
type HospitalContext struct {
	PatientID  uint  `json:"patient_id"`
	HospitalID *uint `json:"hospital_id,omitempty"`
}

func hospitalContextKey(identifier string) string {
	return fmt.Sprintf("telemetry:device:%s:context", identifier)
}

// GetHospitalContext returns the cached resolution for an identifier,
// or (nil, nil) on a cache miss.
func (r *RedisClient) GetHospitalContext(identifier string) (*HospitalContext, error) {
	data, err := r.client.Get(r.ctx, hospitalContextKey(identifier)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read hospital context from Redis: %w", err)
	}

	var hctx HospitalContext
	if err := json.Unmarshal([]byte(data), &hctx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hospital context: %w", err)
	}
	return &hctx, nil
}

func (r *RedisClient) SaveHospitalContext(identifier string, hctx *HospitalContext) error {
	data, err := json.Marshal(hctx)
	if err != nil {
		return fmt.Errorf("failed to marshal hospital context: %w", err)
	}
	err = r.client.Set(r.ctx, hospitalContextKey(identifier), data, r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to save hospital context to Redis: %w", err)
	}
	return nil
}

// SaveDeviceStatus records the last known online/offline state of a
// device for dashboards.
func (r *RedisClient) SaveDeviceStatus(identifier, status string) error {
	key := fmt.Sprintf("telemetry:device:%s:status", identifier)
	err := r.client.Set(r.ctx, key, status, 24*time.Hour).Err()
	if err != nil {
		return fmt.Errorf("failed to save device status to Redis: %w", err)
	}
	return nil
}

func (r *RedisClient) GetDeviceStatus(identifier string) (string, error) {
	key := fmt.Sprintf("telemetry:device:%s:status", identifier)
	status, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read device status from Redis: %w", err)
	}
	return status, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
