// Package presence mirrors the live viewer set into Redis, best-effort. The
// in-memory registry stays authoritative; the mirror exists so external
// tooling can observe viewer counts and the live flag. With no configured
// address every operation is a no-op.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/stream-relay/config"
)

const (
	viewersKey = "relay:viewers"
	liveKey    = "relay:live"
	mirrorTTL  = 24 * time.Hour
)

type Mirror struct {
	client *redis.Client
	log    zerolog.Logger
}

// Connect opens the mirror. An empty Addr yields a disabled mirror and no
// error; a configured but unreachable Redis is an error.
func Connect(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*Mirror, error) {
	m := &Mirror{log: log.With().Str("component", "presence").Logger()}
	if cfg.Addr == "" {
		return m, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	m.client = client
	return m, nil
}

// Close releases the client if one was opened.
func (m *Mirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

// Enabled reports whether a Redis client is connected.
func (m *Mirror) Enabled() bool {
	return m.client != nil
}

// ViewerJoined adds a viewer id to the mirrored set.
func (m *Mirror) ViewerJoined(ctx context.Context, id string) {
	if m.client == nil {
		return
	}
	if err := m.client.SAdd(ctx, viewersKey, id).Err(); err != nil {
		m.log.Warn().Err(err).Msg("failed to mirror viewer join")
		return
	}
	m.client.Expire(ctx, viewersKey, mirrorTTL)
}

// ViewerLeft removes a viewer id from the mirrored set.
func (m *Mirror) ViewerLeft(ctx context.Context, id string) {
	if m.client == nil {
		return
	}
	if err := m.client.SRem(ctx, viewersKey, id).Err(); err != nil {
		m.log.Warn().Err(err).Msg("failed to mirror viewer leave")
	}
}

// SetLive records the active publisher id, or clears it when id is empty.
func (m *Mirror) SetLive(ctx context.Context, id string) {
	if m.client == nil {
		return
	}
	var err error
	if id == "" {
		err = m.client.Del(ctx, liveKey).Err()
	} else {
		err = m.client.Set(ctx, liveKey, id, mirrorTTL).Err()
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to mirror live state")
	}
}

// ViewerCount reads the mirrored set size. Only used by tooling; the server
// itself never consults the mirror.
func (m *Mirror) ViewerCount(ctx context.Context) (int64, error) {
	if m.client == nil {
		return 0, nil
	}
	return m.client.SCard(ctx, viewersKey).Result()
}
