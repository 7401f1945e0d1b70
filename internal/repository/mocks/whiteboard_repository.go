package mocks

import (
	"context"

	"decision-whiteboard/internal/domain"

	"github.com/stretchr/testify/mock"
)

// WhiteboardRepository 是 repository.WhiteboardRepository 的 mock。
type WhiteboardRepository struct {
	mock.Mock
}

func (m *WhiteboardRepository) FindByID(ctx context.Context, id string) (*domain.Whiteboard, error) {
	args := m.Called(ctx, id)
	board, _ := args.Get(0).(*domain.Whiteboard)
	return board, args.Error(1)
}

func (m *WhiteboardRepository) ListByOwner(ctx context.Context, userID uint) ([]domain.Whiteboard, error) {
	args := m.Called(ctx, userID)
	boards, _ := args.Get(0).([]domain.Whiteboard)
	return boards, args.Error(1)
}

func (m *WhiteboardRepository) ListByTeam(ctx context.Context, teamID string) ([]domain.Whiteboard, error) {
	args := m.Called(ctx, teamID)
	boards, _ := args.Get(0).([]domain.Whiteboard)
	return boards, args.Error(1)
}

func (m *WhiteboardRepository) Create(ctx context.Context, board *domain.Whiteboard) error {
	return m.Called(ctx, board).Error(0)
}

func (m *WhiteboardRepository) Update(ctx context.Context, board *domain.Whiteboard) error {
	return m.Called(ctx, board).Error(0)
}

func (m *WhiteboardRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *WhiteboardRepository) UpdateShapes(ctx context.Context, id string, data []byte, seq uint64) (bool, error) {
	args := m.Called(ctx, id, data, seq)
	return args.Bool(0), args.Error(1)
}

// TeamRepository 是 repository.TeamRepository 的 mock。
type TeamRepository struct {
	mock.Mock
}

func (m *TeamRepository) IsMember(ctx context.Context, teamID string, userID uint) (bool, error) {
	args := m.Called(ctx, teamID, userID)
	return args.Bool(0), args.Error(1)
}
