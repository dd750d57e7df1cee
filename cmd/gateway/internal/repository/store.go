package repository

import (
	"context"
	"errors"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
)

// ErrNotFound is returned when a user has no stored preferences or credentials.
var ErrNotFound = errors.New("not found")

// PreferenceStore is the source of truth for a user's desired instruments.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) ([]string, error)
	SetPreferences(ctx context.Context, userID string, instruments []string) error
}

type CredentialStore interface {
	GetCredentials(ctx context.Context, userID string) (broker.Credentials, error)
}

// SnapshotStore reads the last recorded tick per (user, instrument).
type SnapshotStore interface {
	GetSnapshots(ctx context.Context, userID string, instruments []string) ([]string, error)
}

type Store interface {
	PreferenceStore
	CredentialStore
	SnapshotStore
	Ping(ctx context.Context) error
	Close() error
}
