package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

const (
	prefsPrefix = "prefs:"
	credsPrefix = "creds:"

	fieldAPIKey    = "apiKey"
	fieldAccountID = "accountId"
)

// Compile-time check to ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// GetPreferences returns the user's favorite pairs. A user who never saved any gets
// ErrNotFound; an explicitly saved empty list is returned as empty.
func (r *RedisStore) GetPreferences(ctx context.Context, userID string) ([]string, error) {
	raw, err := r.client.Get(ctx, prefsPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var pairs []string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("decode preferences for %s: %w", userID, err)
	}
	return pairs, nil
}

// SetPreferences replaces the stored list.
func (r *RedisStore) SetPreferences(ctx context.Context, userID string, instruments []string) error {
	if instruments == nil {
		instruments = []string{}
	}
	raw, err := json.Marshal(instruments)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, prefsPrefix+userID, raw, 0).Err()
}

// GetCredentials reads the user's broker key and account. Missing or partial records
// are ErrNotFound.
func (r *RedisStore) GetCredentials(ctx context.Context, userID string) (broker.Credentials, error) {
	vals, err := r.client.HGetAll(ctx, credsPrefix+userID).Result()
	if err != nil {
		return broker.Credentials{}, err
	}
	creds := broker.Credentials{APIKey: vals[fieldAPIKey], AccountID: vals[fieldAccountID]}
	if !creds.Valid() {
		return broker.Credentials{}, fmt.Errorf("credentials for %s: %w", userID, ErrNotFound)
	}
	return creds, nil
}

func (r *RedisStore) SetCredentials(ctx context.Context, userID string, creds broker.Credentials) error {
	return r.client.HSet(ctx, credsPrefix+userID, fieldAPIKey, creds.APIKey, fieldAccountID, creds.AccountID).Err()
}

// GetSnapshots fetches the last recorded envelope for each instrument (MGET),
// skipping instruments with nothing recorded.
func (r *RedisStore) GetSnapshots(ctx context.Context, userID string, instruments []string) ([]string, error) {
	if len(instruments) == 0 {
		return nil, nil
	}

	keys := make([]string, len(instruments))
	for i, inst := range instruments {
		keys[i] = models.SnapshotKey(userID, inst)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
