// Package statestore checkpoints the risk state that must survive a restart:
// peak equity, the drawdown rung, psychological values, and per-symbol
// cooldowns. Everything else is rebuilt from market data and the journal.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/equityrun/internal/config"
)

// Checkpoint is the persisted snapshot.
type Checkpoint struct {
	PeakEquity float64              `json:"peak_equity"`
	Equity     float64              `json:"equity"`
	Rung       int                  `json:"rung"`
	PVSValues  PVSValues            `json:"pvs_values"`
	Cooldowns  map[string]time.Time `json:"cooldowns"` // symbol -> expiry
	SavedAt    time.Time            `json:"saved_at"`
}

// PVSValues carries the psychological components for restore.
type PVSValues struct {
	Fear       float64 `json:"fear"`
	Fatigue    float64 `json:"fatigue"`
	Confidence float64 `json:"confidence"`
}

// ErrNoCheckpoint is returned by Load when no checkpoint exists yet.
var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Store persists checkpoints in Redis under a single key.
type Store struct {
	rdb *redis.Client
	key string
}

func New(cfg config.StateStoreConfig) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		key: cfg.Key,
	}
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(rdb *redis.Client, key string) *Store {
	return &Store{rdb: rdb, key: key}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("state store ping: %w", err)
	}
	return nil
}

// Save overwrites the checkpoint.
func (s *Store) Save(ctx context.Context, cp Checkpoint) error {
	cp.SavedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key, string(data), 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored checkpoint or ErrNoCheckpoint.
func (s *Store) Load(ctx context.Context) (Checkpoint, error) {
	data, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Close releases the client.
func (s *Store) Close() error { return s.rdb.Close() }
