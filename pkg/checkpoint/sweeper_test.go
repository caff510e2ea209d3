package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_DeletesExpiredThreads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	clock := fixedTime
	store.now = func() time.Time { return clock }

	_, err := store.Save(ctx, "old", sampleState(), 0)
	require.NoError(t, err)

	clock = fixedTime.Add(48 * time.Hour)
	_, err = store.Save(ctx, "fresh", sampleState(), 0)
	require.NoError(t, err)

	sweeper := NewSweeper(store, 24*time.Hour, "")
	sweeper.now = func() time.Time { return clock.Add(time.Hour) }

	deleted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	threads, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "fresh", threads[0].ThreadID)
}

func TestSweeper_DisabledWithZeroAge(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Save(context.Background(), "thread", sampleState(), 0)
	require.NoError(t, err)

	sweeper := NewSweeper(store, 0, "")
	require.NoError(t, sweeper.Start())
	defer sweeper.Stop()

	deleted, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSweeper_StartStop(t *testing.T) {
	sweeper := NewSweeper(NewMemoryStore(), time.Hour, "@every 1m")

	require.NoError(t, sweeper.Start())
	assert.Error(t, sweeper.Start(), "starting twice must fail")
	sweeper.Stop()
}

func TestSweeper_InvalidSchedule(t *testing.T) {
	sweeper := NewSweeper(NewMemoryStore(), time.Hour, "not a schedule")
	assert.Error(t, sweeper.Start())

	_, err := ParseSchedule("*/5 * * * *")
	assert.NoError(t, err)
}
