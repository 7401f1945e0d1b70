package mocks

import (
	"context"
	"time"

	"decision-whiteboard/internal/domain"

	"github.com/stretchr/testify/mock"
)

// StateRepository 是 repository.StateRepository 的 mock。
type StateRepository struct {
	mock.Mock
}

func (m *StateRepository) GetBoardCache(ctx context.Context, boardID string) (*domain.Whiteboard, error) {
	args := m.Called(ctx, boardID)
	board, _ := args.Get(0).(*domain.Whiteboard)
	return board, args.Error(1)
}

func (m *StateRepository) SetBoardCache(ctx context.Context, board *domain.Whiteboard, ttl time.Duration) error {
	return m.Called(ctx, board, ttl).Error(0)
}

func (m *StateRepository) DeleteBoardCache(ctx context.Context, boardID string) error {
	return m.Called(ctx, boardID).Error(0)
}

func (m *StateRepository) NextSaveSeq(ctx context.Context, boardID string, floor uint64) (uint64, error) {
	args := m.Called(ctx, boardID, floor)
	seq, _ := args.Get(0).(uint64)
	return seq, args.Error(1)
}

func (m *StateRepository) AcquireEditLease(ctx context.Context, boardID, sessionID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, boardID, sessionID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *StateRepository) RefreshEditLease(ctx context.Context, boardID, sessionID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, boardID, sessionID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *StateRepository) ReleaseEditLease(ctx context.Context, boardID, sessionID string) error {
	return m.Called(ctx, boardID, sessionID).Error(0)
}

func (m *StateRepository) CheckRateLimit(ctx context.Context, key string, limit int, duration time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, duration)
	return args.Bool(0), args.Error(1)
}

func (m *StateRepository) PublishBoardEvent(ctx context.Context, event domain.BoardEvent) error {
	return m.Called(ctx, event).Error(0)
}

// SubscribeBoardEvents 在未设置 Run 时阻塞到 ctx 取消。
func (m *StateRepository) SubscribeBoardEvents(ctx context.Context, handle func(domain.BoardEvent)) error {
	args := m.Called(ctx, handle)
	if err := args.Error(0); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
