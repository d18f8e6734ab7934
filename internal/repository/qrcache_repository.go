package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QRCacheRepository keeps rendered pass images in Redis so repeat fetches
// from a student's dashboard skip the QR encoder. Images are display-only;
// verification never consults this cache.
type QRCacheRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQRCacheRepository constructs a QR image cache. A nil client degrades to
// a no-op cache.
func NewQRCacheRepository(client *redis.Client, logger *zap.Logger) *QRCacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QRCacheRepository{client: client, logger: logger}
}

// Get returns the cached image for the token, or nil on a miss.
func (r *QRCacheRepository) Get(ctx context.Context, token string) ([]byte, error) {
	if r.client == nil {
		return nil, nil
	}
	raw, err := r.client.Get(ctx, imageKey(token)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get qr image: %w", err)
	}
	return raw, nil
}

// Set stores the rendered image with the given TTL.
func (r *QRCacheRepository) Set(ctx context.Context, token string, image []byte, ttl time.Duration) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.SetEx(ctx, imageKey(token), image, ttl).Err(); err != nil {
		return fmt.Errorf("redis set qr image: %w", err)
	}
	return nil
}

// imageKey hashes the token so the signed value itself never lands in Redis.
func imageKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "qr:img:" + hex.EncodeToString(sum[:])
}
