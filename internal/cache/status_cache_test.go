package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *StatusCache) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.Cache.StatusKey = "wisefido-guard:emergency:active"
	cfg.Cache.StatusTTL = 60

	logger := zap.NewNop()
	return mr, NewStatusCache(cfg, redisClient, logger)
}

func TestStatusCache_SetAndGet(t *testing.T) {
	_, statusCache := setupTestCache(t)

	record := &models.EmergencyRecord{
		ID:         "emg-1",
		Status:     models.EmergencyActive,
		DeclaredAt: time.Now(),
		ChannelResults: map[string]*models.ChannelResult{
			"broadcast": {State: models.ChannelSent, Attempts: 1},
			"cloud":     {State: models.ChannelFailed, Attempts: 2},
		},
		SchemaVersion: models.SchemaVersion,
	}

	ctx := context.Background()
	err := statusCache.SetActive(ctx, record)
	require.NoError(t, err)

	got, err := statusCache.GetActive(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "emg-1", got.ID)
	assert.Equal(t, models.EmergencyActive, got.Status)
	require.Len(t, got.ChannelResults, 2)
	assert.Equal(t, models.ChannelSent, got.ChannelResults["broadcast"].State)
}

func TestStatusCache_GetActive_Empty(t *testing.T) {
	_, statusCache := setupTestCache(t)

	got, err := statusCache.GetActive(context.Background())

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStatusCache_Clear(t *testing.T) {
	_, statusCache := setupTestCache(t)

	ctx := context.Background()
	record := &models.EmergencyRecord{ID: "emg-1", Status: models.EmergencyActive}
	require.NoError(t, statusCache.SetActive(ctx, record))

	err := statusCache.Clear(ctx)
	require.NoError(t, err)

	got, err := statusCache.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStatusCache_TTLExpires(t *testing.T) {
	mr, statusCache := setupTestCache(t)

	ctx := context.Background()
	record := &models.EmergencyRecord{ID: "emg-1", Status: models.EmergencyActive}
	require.NoError(t, statusCache.SetActive(ctx, record))

	mr.FastForward(61 * time.Second)

	got, err := statusCache.GetActive(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
