package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/governance-core/repositories/memory"
	"go.uber.org/zap"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Record(ctx context.Context, scope string, at time.Time) error {
	return m.Called(ctx, scope, at).Error(0)
}

func (m *mockRepo) CountSince(ctx context.Context, scope string, since time.Time) (int, error) {
	args := m.Called(ctx, scope, since)
	return args.Int(0), args.Error(1)
}

func (m *mockRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func newTestLimiter(cfg Config, now *time.Time) *Limiter {
	l := NewLimiter(memory.NewStore().Repositories().RateLimits, cfg, zap.NewNop())
	l.now = func() time.Time { return *now }
	return l
}

func TestLimiter_Disabled(t *testing.T) {
	repo := &mockRepo{}
	l := NewLimiter(repo, Config{}, zap.NewNop())

	assert.False(t, l.Enabled())
	res, err := l.Allow(context.Background(), "principal:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	n, err := l.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	repo.AssertExpectations(t)
}

func TestLimiter_MinuteWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l := newTestLimiter(Config{RequestsPerMinute: 3}, &now)
	ctx := context.Background()

	for i := 2; i >= 0; i-- {
		res, err := l.Allow(ctx, "principal:a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, i, res.Remaining)
	}

	res, err := l.Allow(ctx, "principal:a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.ViolatedWindow)
	assert.Equal(t, "exceeded 3 requests per minute", res.ViolationReason)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), res.ResetAt)

	t.Run("scopes are independent", func(t *testing.T) {
		res, err := l.Allow(ctx, "principal:b")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("window slides", func(t *testing.T) {
		now = now.Add(61 * time.Second)
		res, err := l.Allow(ctx, "principal:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})
}

func TestLimiter_HourWindowWins(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(Config{RequestsPerMinute: 10, RequestsPerHour: 2}, &now)
	ctx := context.Background()

	res, err := l.Allow(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)

	now = now.Add(2 * time.Minute)
	_, err = l.Allow(ctx, "s")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	res, err = l.Allow(ctx, "s")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "hour", res.ViolatedWindow)
	assert.Equal(t, time.Hour, l.Retention())
}

func TestLimiter_RepositoryErrors(t *testing.T) {
	boom := errors.New("db down")

	t.Run("count failure", func(t *testing.T) {
		repo := &mockRepo{}
		repo.On("CountSince", mock.Anything, "s", mock.Anything).Return(0, boom)
		l := NewLimiter(repo, Config{RequestsPerMinute: 1}, zap.NewNop())

		_, err := l.Allow(context.Background(), "s")
		assert.ErrorIs(t, err, boom)
		repo.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("record failure", func(t *testing.T) {
		repo := &mockRepo{}
		repo.On("CountSince", mock.Anything, "s", mock.Anything).Return(0, nil)
		repo.On("Record", mock.Anything, "s", mock.Anything).Return(boom)
		l := NewLimiter(repo, Config{RequestsPerMinute: 1}, zap.NewNop())

		_, err := l.Allow(context.Background(), "s")
		assert.ErrorIs(t, err, boom)
	})
}

func TestLimiter_Cleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(Config{RequestsPerMinute: 5}, &now)
	ctx := context.Background()

	_, err := l.Allow(ctx, "s")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = l.Allow(ctx, "s")
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	n, err := l.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
