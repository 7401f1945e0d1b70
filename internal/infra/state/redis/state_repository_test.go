package redisstate_test

import (
	"context"
	"testing"
	"time"

	"decision-whiteboard/internal/domain"
	redisstate "decision-whiteboard/internal/infra/state/redis"
	"decision-whiteboard/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func newTestRepo(t *testing.T) (*redisstate.RedisStateRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstate.NewRedisStateRepository(client, "test:"), mr
}

func TestBoardCache_RoundTrip(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetBoardCache(ctx, "b1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	team := "team-1"
	board := &domain.Whiteboard{
		ID:      "b1",
		UserID:  3,
		TeamID:  &team,
		Name:    "Plan",
		Data:    datatypes.JSON(`[{"id":"a","type":"rect","x":1,"y":2,"width":100,"height":50,"text":"Step","color":"#ffffff"}]`),
		SaveSeq: 4,
	}
	require.NoError(t, repo.SetBoardCache(ctx, board, time.Minute))
	assert.True(t, mr.Exists("test:board:b1:cache"))

	cached, err := repo.GetBoardCache(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Plan", cached.Name)
	assert.Equal(t, uint64(4), cached.SaveSeq)
	require.NotNil(t, cached.TeamID)
	assert.Equal(t, team, *cached.TeamID)
	shapes, err := cached.Shapes()
	require.NoError(t, err)
	require.Len(t, shapes, 1)
	assert.Equal(t, "Step", shapes[0].Text)

	mr.FastForward(2 * time.Minute)
	_, err = repo.GetBoardCache(ctx, "b1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss, "缓存应过期")

	require.NoError(t, repo.SetBoardCache(ctx, board, 0))
	require.NoError(t, repo.DeleteBoardCache(ctx, "b1"))
	_, err = repo.GetBoardCache(ctx, "b1")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)
}

func TestNextSaveSeq_Monotonic(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 5; i++ {
		seq, err := repo.NextSaveSeq(ctx, "b1", 0)
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
	other, err := repo.NextSaveSeq(ctx, "b2", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), other, "每个白板独立计数")
}

func TestNextSaveSeq_ResumesFromFloorAfterReset(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.NextSaveSeq(ctx, "b1", 0)
		require.NoError(t, err)
	}
	mr.FlushAll()

	seq, err := repo.NextSaveSeq(ctx, "b1", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq, "计数器丢失后从已存储的序号继续")

	seq, err = repo.NextSaveSeq(ctx, "b1", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), seq, "较小的 floor 不会让序号回退")
}

func TestEditLease(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()
	ttl := 10 * time.Second

	ok, err := repo.AcquireEditLease(ctx, "b1", "s1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AcquireEditLease(ctx, "b1", "s2", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "编辑权已被占用")

	ok, err = repo.RefreshEditLease(ctx, "b1", "s2", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "非持有者不能续期")

	mr.FastForward(8 * time.Second)
	ok, err = repo.RefreshEditLease(ctx, "b1", "s1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("test:board:b1:lease"), "续期后不应过期")

	require.NoError(t, repo.ReleaseEditLease(ctx, "b1", "s2"))
	assert.True(t, mr.Exists("test:board:b1:lease"), "非持有者释放无副作用")

	require.NoError(t, repo.ReleaseEditLease(ctx, "b1", "s1"))
	ok, err = repo.AcquireEditLease(ctx, "b1", "s2", ttl)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEditLease_ExpiresWithoutRefresh(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	ok, err := repo.AcquireEditLease(ctx, "b1", "s1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = repo.AcquireEditLease(ctx, "b1", "s2", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckRateLimit(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, err := repo.CheckRateLimit(ctx, "127.0.0.1", 3, time.Second)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	exceeded, err := repo.CheckRateLimit(ctx, "127.0.0.1", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, exceeded)

	mr.FastForward(2 * time.Second)
	exceeded, err = repo.CheckRateLimit(ctx, "127.0.0.1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, exceeded, "窗口结束后计数重置")
}

func TestBoardEvents_PublishSubscribe(t *testing.T) {
	repo, mr := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan domain.BoardEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- repo.SubscribeBoardEvents(ctx, func(evt domain.BoardEvent) { received <- evt })
	}()
	require.Eventually(t, func() bool { return mr.PubSubNumPat() > 0 }, time.Second, 10*time.Millisecond)

	event := domain.BoardEvent{
		Type:    domain.BoardEventSaved,
		BoardID: "b1",
		SavedBy: 2,
		SaveSeq: 9,
		Shapes:  []domain.Shape{domain.PlaceShape("a", domain.KindCircle, 30, 30)},
	}
	require.NoError(t, repo.PublishBoardEvent(context.Background(), event))

	select {
	case got := <-received:
		assert.Equal(t, "b1", got.BoardID)
		assert.Equal(t, uint64(9), got.SaveSeq)
		require.Len(t, got.Shapes, 1)
		assert.Equal(t, domain.KindCircle, got.Shapes[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("board event not received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after cancel")
	}
}
