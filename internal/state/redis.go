package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/builder/buildtypes"
)

// DefaultKeyPrefix namespaces every key written by RedisStore
const DefaultKeyPrefix = "packager"

// RedisStore keeps the deployed digests in a Redis set and the latest digest
// of each workload in a hash
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(addr, password string, db int, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	store := NewRedisStoreFromClient(client, DefaultKeyPrefix, logger)
	store.logger.Info().
		Str("addr", addr).
		Int("db", db).
		Msg("Redis state store connected successfully")

	return store, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis-state").Logger(),
	}
}

func (s *RedisStore) digestsKey() string { return s.prefix + ":digests" }
func (s *RedisStore) latestKey() string  { return s.prefix + ":latest" }
func (s *RedisStore) runKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:run:%s", s.prefix, id)
}

// runRecord is the JSON summary kept per run
type runRecord struct {
	Status    string            `json:"status"`
	Workloads int               `json:"workloads"`
	Failed    int               `json:"failed"`
	Digests   map[string]string `json:"digests"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Record adds the run's digests to the deployed set, updates each workload's
// latest digest and stores a run summary
func (s *RedisStore) Record(ctx context.Context, runID uuid.UUID, artifacts []*buildtypes.PackagedArtifact) error {
	record := runRecord{
		Status:    RunSucceeded,
		Workloads: len(artifacts),
		Digests:   make(map[string]string),
		CreatedAt: time.Now().UTC(),
	}

	var digests []interface{}
	latest := make(map[string]interface{})
	for _, a := range artifacts {
		if a == nil {
			record.Failed++
			continue
		}
		digests = append(digests, a.Digest)
		latest[a.Workload] = a.Digest
		record.Digests[a.Workload] = a.Digest
	}
	if record.Failed > 0 {
		record.Status = RunFailed
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(digests) > 0 {
			pipe.SAdd(ctx, s.digestsKey(), digests...)
			pipe.HSet(ctx, s.latestKey(), latest)
		}
		pipe.Set(ctx, s.runKey(runID), data, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record packaging run: %w", err)
	}

	s.logger.Info().
		Str("runId", runID.String()).
		Int("digests", len(digests)).
		Msg("Packaging run recorded")

	return nil
}

// ExistingDigests returns every digest in the deployed set
func (s *RedisStore) ExistingDigests(ctx context.Context) (buildtypes.DigestSet, error) {
	digests, err := s.client.SMembers(ctx, s.digestsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load existing digests: %w", err)
	}
	return buildtypes.NewDigestSet(digests...), nil
}

// LatestDigest returns the digest most recently recorded for workload
func (s *RedisStore) LatestDigest(ctx context.Context, workload string) (string, error) {
	digest, err := s.client.HGet(ctx, s.latestKey(), workload).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound{Workload: workload}
		}
		return "", fmt.Errorf("failed to get latest digest: %w", err)
	}
	return digest, nil
}

// Ping checks if the Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}
