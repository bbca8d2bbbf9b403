package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"playguard/internal/license"
)

// Connect builds a client from a host:port address or a redis:// URL
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore keeps licenses in a hash keyed by track ID and the violation
// log as a JSON string, both under a shared key prefix.
type RedisStore struct {
	client        *redis.Client
	licensesKey   string
	violationsKey string
}

// NewRedisStore creates a store using client. prefix namespaces all keys.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "playguard"
	}
	return &RedisStore{
		client:        client,
		licensesKey:   prefix + ":licenses",
		violationsKey: prefix + ":violations",
	}
}

func (s *RedisStore) Get(ctx context.Context, trackID string) (*license.License, error) {
	raw, err := s.client.HGet(ctx, s.licensesKey, trackID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license %s: %w", trackID, err)
	}

	l := &license.License{}
	if err := json.Unmarshal(raw, l); err != nil {
		return nil, fmt.Errorf("decode license %s: %w", trackID, err)
	}
	return l, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*license.License, error) {
	data, err := s.client.HGetAll(ctx, s.licensesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}

	out := make([]*license.License, 0, len(data))
	for trackID, raw := range data {
		l := &license.License{}
		if err := json.Unmarshal([]byte(raw), l); err != nil {
			return nil, fmt.Errorf("decode license %s: %w", trackID, err)
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out, nil
}

// PutAll writes every license in one MULTI/EXEC
func (s *RedisStore) PutAll(ctx context.Context, licenses []*license.License) error {
	fields := make([]interface{}, 0, 2*len(licenses))
	for _, l := range licenses {
		if l == nil {
			continue
		}
		raw, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode license %s: %w", l.TrackID, err)
		}
		fields = append(fields, l.TrackID, raw)
	}
	if len(fields) == 0 {
		return nil
	}

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.licensesKey, fields...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put licenses: %w", err)
	}
	return nil
}

func (s *RedisStore) GetViolations(ctx context.Context) ([]license.ComplianceViolation, error) {
	raw, err := s.client.Get(ctx, s.violationsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get violations: %w", err)
	}

	var out []license.ComplianceViolation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode violations: %w", err)
	}
	return out, nil
}

func (s *RedisStore) PutViolations(ctx context.Context, violations []license.ComplianceViolation) error {
	raw, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}
	if err := s.client.Set(ctx, s.violationsKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("put violations: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
