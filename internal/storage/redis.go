package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldCount   = "count"
	fieldLast    = "last"
	fieldUpdated = "updated"
)

// redisStore keeps each usage document in its own hash.
type redisStore struct {
	client *redis.Client
	appID  string
}

// NewRedisStore connects to the Redis server at rawURL (redis://host:port/db)
// and verifies the connection.
func NewRedisStore(ctx context.Context, rawURL, appID string) (Store, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, appID), nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(client *redis.Client, appID string) Store {
	return &redisStore{client: client, appID: appID}
}

func (s *redisStore) GetUsage(ctx context.Context, category, docID string) (*UsageDoc, error) {
	fields, err := s.client.HGetAll(ctx, docKey(s.appID, category, docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage %s/%s: %w", category, docID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	doc, err := decodeHash(fields)
	if err != nil {
		return nil, fmt.Errorf("decode usage %s/%s: %w", category, docID, err)
	}
	return &doc, nil
}

func (s *redisStore) MergeCount(ctx context.Context, category, docID string, count int) error {
	return s.client.HSet(ctx, docKey(s.appID, category, docID),
		fieldCount, count,
		fieldUpdated, time.Now().UnixNano(),
	).Err()
}

func (s *redisStore) MergeLast(ctx context.Context, category, docID string, lastMillis int64) error {
	return s.client.HSet(ctx, docKey(s.appID, category, docID),
		fieldLast, lastMillis,
		fieldUpdated, time.Now().UnixNano(),
	).Err()
}

func (s *redisStore) ListUsage(ctx context.Context, category string) (map[string]UsageDoc, error) {
	result := make(map[string]UsageDoc)
	err := s.scan(ctx, docKey(s.appID, category, "*"), func(key string, doc UsageDoc) error {
		_, docID, ok := splitDocKey(s.appID, key)
		if ok {
			result[docID] = doc
		}
		return nil
	})
	return result, err
}

func (s *redisStore) PruneUsage(ctx context.Context, before time.Time) (int, error) {
	var pruned int
	err := s.scan(ctx, s.appID+"/*", func(key string, doc UsageDoc) error {
		if !doc.UpdatedAt.Before(before) {
			return nil
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return err
		}
		pruned++
		return nil
	})
	return pruned, err
}

// scan walks every key matching pattern and decodes its hash.
func (s *redisStore) scan(ctx context.Context, pattern string, fn func(key string, doc UsageDoc) error) error {
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if errors.Is(err, redis.Nil) || len(fields) == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		doc, err := decodeHash(fields)
		if err != nil {
			continue // skip foreign or corrupt keys
		}
		if err := fn(key, doc); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func decodeHash(fields map[string]string) (UsageDoc, error) {
	var doc UsageDoc
	if v, ok := fields[fieldCount]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return doc, fmt.Errorf("field %s: %w", fieldCount, err)
		}
		doc.Count = n
	}
	if v, ok := fields[fieldLast]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return doc, fmt.Errorf("field %s: %w", fieldLast, err)
		}
		doc.Last = n
	}
	if v, ok := fields[fieldUpdated]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return doc, fmt.Errorf("field %s: %w", fieldUpdated, err)
		}
		doc.UpdatedAt = time.Unix(0, n).UTC()
	}
	return doc, nil
}
