package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultBoardCacheTTL 是白板缓存的默认过期时间
const DefaultBoardCacheTTL = 10 * time.Minute

// WhiteboardService 负责白板资源的访问控制、持久化与缓存。
// 访问规则：团队白板要求团队成员身份，个人白板只有创建者可以访问；删除只允许创建者。
type WhiteboardService struct {
	boardRepo repository.WhiteboardRepository
	teamRepo  repository.TeamRepository
	stateRepo repository.StateRepository
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewWhiteboardService 创建 WhiteboardService 实例
func NewWhiteboardService(boardRepo repository.WhiteboardRepository, teamRepo repository.TeamRepository, stateRepo repository.StateRepository) *WhiteboardService {
	if boardRepo == nil {
		panic("WhiteboardRepository cannot be nil for WhiteboardService")
	}
	if teamRepo == nil {
		panic("TeamRepository cannot be nil for WhiteboardService")
	}
	if stateRepo == nil {
		panic("StateRepository cannot be nil for WhiteboardService")
	}
	return &WhiteboardService{
		boardRepo: boardRepo,
		teamRepo:  teamRepo,
		stateRepo: stateRepo,
		cacheTTL:  DefaultBoardCacheTTL,
		now:       time.Now,
	}
}

// List 返回用户的个人白板；teamID 非空时返回该团队的白板 (需要成员身份)。
func (s *WhiteboardService) List(ctx context.Context, userID uint, teamID string) ([]domain.Whiteboard, error) {
	if teamID == "" {
		boards, err := s.boardRepo.ListByOwner(ctx, userID)
		if err != nil {
			return nil, mapRepoError(err, ErrWhiteboardNotFound)
		}
		return boards, nil
	}

	if err := s.checkMembership(ctx, teamID, userID); err != nil {
		return nil, err
	}
	boards, err := s.boardRepo.ListByTeam(ctx, teamID)
	if err != nil {
		return nil, mapRepoError(err, ErrWhiteboardNotFound)
	}
	return boards, nil
}

// Get 获取白板，优先读取缓存。
func (s *WhiteboardService) Get(ctx context.Context, userID uint, id string) (*domain.Whiteboard, error) {
	board, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, board); err != nil {
		return nil, err
	}
	return board, nil
}

// Create 创建白板。teamID 为 nil 时为个人白板。shapes 为 nil 时内容为空数组。
func (s *WhiteboardService) Create(ctx context.Context, userID uint, name string, teamID *string, shapes []domain.Shape) (*domain.Whiteboard, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "operation": "CreateWhiteboard"})

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if teamID != nil && *teamID == "" {
		teamID = nil
	}
	if teamID != nil {
		if err := s.checkMembership(ctx, *teamID, userID); err != nil {
			return nil, err
		}
	}

	board := &domain.Whiteboard{
		ID:     uuid.NewString(),
		UserID: userID,
		TeamID: teamID,
		Name:   name,
	}
	if err := s.setShapes(board, shapes); err != nil {
		return nil, err
	}
	if err := s.boardRepo.Create(ctx, board); err != nil {
		logCtx.WithError(err).Error("Failed to create whiteboard")
		return nil, mapRepoError(err, ErrWhiteboardNotFound)
	}

	logCtx.WithField("board_id", board.ID).Info("Whiteboard created")
	return board, nil
}

// Update 修改白板名称和/或内容，nil 表示不修改。没有保存序号检查，最后写入者获胜。
func (s *WhiteboardService) Update(ctx context.Context, userID uint, id string, name *string, shapes []domain.Shape) (*domain.Whiteboard, error) {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "board_id": id, "operation": "UpdateWhiteboard"})

	board, err := s.findFresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, board); err != nil {
		return nil, err
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		board.Name = trimmed
	}
	if shapes != nil {
		if err := s.setShapes(board, shapes); err != nil {
			return nil, err
		}
	}

	if err := s.boardRepo.Update(ctx, board); err != nil {
		logCtx.WithError(err).Error("Failed to update whiteboard")
		return nil, mapRepoError(err, ErrWhiteboardNotFound)
	}
	s.invalidate(ctx, id)

	logCtx.Info("Whiteboard updated")
	return board, nil
}

// Delete 删除白板，只有创建者可以删除。
func (s *WhiteboardService) Delete(ctx context.Context, userID uint, id string) error {
	logCtx := logrus.WithFields(logrus.Fields{"user_id": userID, "board_id": id, "operation": "DeleteWhiteboard"})

	board, err := s.findFresh(ctx, id)
	if err != nil {
		return err
	}
	if board.UserID != userID {
		return ErrNotCreator
	}
	if err := s.boardRepo.Delete(ctx, id); err != nil {
		return mapRepoError(err, ErrWhiteboardNotFound)
	}
	s.invalidate(ctx, id)

	logCtx.Info("Whiteboard deleted")
	return nil
}

// NextSaveSeq 分配下一个保存序号。以数据库中已存储的 save_seq 为下限，
// Redis 计数器丢失后新的保存不会被当作过期保存丢弃。
func (s *WhiteboardService) NextSaveSeq(ctx context.Context, id string) (uint64, error) {
	board, err := s.findFresh(ctx, id)
	if err != nil {
		return 0, err
	}
	seq, err := s.stateRepo.NextSaveSeq(ctx, id, board.SaveSeq)
	if err != nil {
		return 0, fmt.Errorf("allocate save seq for board %s: %w", id, err)
	}
	return seq, nil
}

// SaveShapes 是编辑会话的持久化目标：只有 seq 比已存储的保存序号新时才写入，
// 写入成功后广播 board_saved 事件。返回是否实际写入。
func (s *WhiteboardService) SaveShapes(ctx context.Context, userID uint, id string, seq uint64, shapes []domain.Shape) (bool, error) {
	logCtx := logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"board_id":  id,
		"save_seq":  seq,
		"operation": "SaveShapes",
	})

	if err := domain.ValidateShapes(shapes); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidShapes, err)
	}
	data, err := domain.MarshalShapes(shapes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidShapes, err)
	}

	board, err := s.findFresh(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.authorize(ctx, userID, board); err != nil {
		return false, err
	}

	applied, err := s.boardRepo.UpdateShapes(ctx, id, data, seq)
	if err != nil {
		logCtx.WithError(err).Error("Failed to persist shapes")
		return false, mapRepoError(err, ErrWhiteboardNotFound)
	}
	if !applied {
		logCtx.Info("Stale save dropped, a newer save is already stored")
		return false, nil
	}
	s.invalidate(ctx, id)

	event := domain.BoardEvent{
		Type:    domain.BoardEventSaved,
		BoardID: id,
		SavedBy: userID,
		SaveSeq: seq,
		Shapes:  domain.CloneShapes(shapes),
		SavedAt: s.now(),
	}
	if err := s.stateRepo.PublishBoardEvent(ctx, event); err != nil {
		// 广播失败不影响保存结果
		logCtx.WithError(err).Warn("Failed to publish board saved event")
	}

	logCtx.WithField("shape_count", len(shapes)).Debug("Shapes saved")
	return true, nil
}

// --- 私有辅助函数 ---

// load 读取白板，缓存未命中时回源数据库并回填缓存
func (s *WhiteboardService) load(ctx context.Context, id string) (*domain.Whiteboard, error) {
	logCtx := logrus.WithField("board_id", id)

	board, err := s.stateRepo.GetBoardCache(ctx, id)
	if err == nil && board != nil {
		return board, nil
	}
	if err != nil && !errors.Is(err, repository.ErrCacheMiss) {
		logCtx.WithError(err).Warn("Board cache read failed, falling back to database")
	}

	board, err = s.findFresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.stateRepo.SetBoardCache(ctx, board, s.cacheTTL); err != nil {
		logCtx.WithError(err).Warn("Failed to backfill board cache")
	}
	return board, nil
}

// findFresh 直接从数据库读取白板
func (s *WhiteboardService) findFresh(ctx context.Context, id string) (*domain.Whiteboard, error) {
	board, err := s.boardRepo.FindByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, ErrWhiteboardNotFound)
	}
	return board, nil
}

func (s *WhiteboardService) authorize(ctx context.Context, userID uint, board *domain.Whiteboard) error {
	if board.IsTeamBoard() {
		return s.checkMembership(ctx, *board.TeamID, userID)
	}
	if board.UserID != userID {
		return ErrForbidden
	}
	return nil
}

func (s *WhiteboardService) checkMembership(ctx context.Context, teamID string, userID uint) error {
	ok, err := s.teamRepo.IsMember(ctx, teamID, userID)
	if err != nil {
		logrus.WithFields(logrus.Fields{"team_id": teamID, "user_id": userID}).WithError(err).Error("Failed to check team membership")
		return ErrInternalServer
	}
	if !ok {
		return ErrNotTeamMember
	}
	return nil
}

func (s *WhiteboardService) setShapes(board *domain.Whiteboard, shapes []domain.Shape) error {
	if err := domain.ValidateShapes(shapes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShapes, err)
	}
	if err := board.SetShapes(shapes); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShapes, err)
	}
	return nil
}

func (s *WhiteboardService) invalidate(ctx context.Context, id string) {
	if err := s.stateRepo.DeleteBoardCache(ctx, id); err != nil {
		logrus.WithField("board_id", id).WithError(err).Warn("Failed to invalidate board cache")
	}
}
