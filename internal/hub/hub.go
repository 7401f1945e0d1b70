package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"decision-whiteboard/internal/canvas"
	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/repository"
	"decision-whiteboard/internal/service"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192 // 文本标签最多 1000 字符

	sendBufferSize = 256
)

// DefaultLeaseTTL 是编辑权的默认有效期，Hub 每 1/3 TTL 续期一次。
const DefaultLeaseTTL = 30 * time.Second

// Hub 内部消息类型
const (
	msgRegister   = "register"
	msgUnregister = "unregister"
	msgBoardEvent = "board_event"
)

// HubMessage 定义了在 Hub 内部通道传递的消息
type HubMessage struct {
	Type    string
	BoardID string
	Session *Session          // register/unregister
	Event   *domain.BoardEvent // board_event
}

// BoardLoader 加载白板并校验访问权限，由 WhiteboardService 实现。
type BoardLoader interface {
	Get(ctx context.Context, userID uint, id string) (*domain.Whiteboard, error)
}

// Config 配置 Hub 中编辑会话的行为。
type Config struct {
	QuietPeriod time.Duration // 自动保存安静期
	LeaseTTL    time.Duration // 编辑权有效期
	Clock       canvas.Clock  // 为 nil 时使用真实时钟
}

// Hub 维护按白板分组的会话，协调编辑权、镜像编辑内容以及推送保存事件。
type Hub struct {
	messageChan chan HubMessage

	// map[boardID]map[*Session]bool
	boards   map[string]map[*Session]bool
	boardsMu sync.RWMutex

	loader BoardLoader
	saver  service.BoardSaver
	state  repository.StateRepository
	cfg    Config
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(loader BoardLoader, saver service.BoardSaver, state repository.StateRepository, cfg Config) *Hub {
	if loader == nil {
		panic("BoardLoader cannot be nil for Hub")
	}
	if saver == nil {
		panic("BoardSaver cannot be nil for Hub")
	}
	if state == nil {
		panic("StateRepository cannot be nil for Hub")
	}
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = canvas.DefaultQuietPeriod
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = canvas.RealClock
	}
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		boards:      make(map[string]map[*Session]bool),
		loader:      loader,
		saver:       saver,
		state:       state,
		cfg:         cfg,
	}
}

// Open 为用户在白板上创建会话：校验访问权限，非 view 模式下尝试获取编辑权。
// 拿不到编辑权的会话以只读方式打开。返回的会话需要通过 Register 加入 Hub。
func (h *Hub) Open(ctx context.Context, userID uint, boardID string, viewOnly bool) (*Session, error) {
	logCtx := logrus.WithFields(logrus.Fields{
		"board_id":  boardID,
		"user_id":   userID,
		"operation": "Open",
	})

	board, err := h.loader.Get(ctx, userID, boardID)
	if err != nil {
		return nil, err
	}
	shapes, err := board.Shapes()
	if err != nil {
		logCtx.WithError(err).Error("Stored whiteboard data is corrupted")
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidShapes, err)
	}

	sessionID := uuid.NewString()
	mode := ModeView
	if !viewOnly {
		acquired, err := h.state.AcquireEditLease(ctx, boardID, sessionID, h.cfg.LeaseTTL)
		switch {
		case err != nil:
			logCtx.WithError(err).Warn("Failed to acquire edit lease, opening read-only")
		case acquired:
			mode = ModeEdit
		default:
			logCtx.Info("Board is being edited by another session, opening read-only")
		}
	}

	surface, err := canvas.New(shapes, canvas.WithReadOnly(mode == ModeView))
	if err != nil {
		h.releaseLease(sessionID, boardID, mode)
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidShapes, err)
	}

	s := newSession(h, sessionID, boardID, userID, mode, surface)
	s.sendState()
	logCtx.WithFields(logrus.Fields{"session_id": sessionID, "mode": mode}).Info("Session opened")
	return s, nil
}

// Register 将会话加入 Hub (非阻塞)。队列已满时返回 false。
func (h *Hub) Register(s *Session) bool {
	return h.QueueMessage(HubMessage{Type: msgRegister, BoardID: s.boardID, Session: s})
}

// Unregister 请求 Hub 注销会话 (非阻塞)。
func (h *Hub) Unregister(s *Session) bool {
	return h.QueueMessage(HubMessage{Type: msgUnregister, BoardID: s.boardID, Session: s})
}

// Discard 同步拆除会话，用于连接升级失败等尚未交给 Hub 的会话。
func (h *Hub) Discard(s *Session) {
	h.unregisterSession(s)
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 true 如果消息成功入队，false 如果队列已满。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"message_type": msg.Type,
			"board_id":     msg.BoardID,
		}).Warn("Hub message channel full, dropping message")
		return false
	}
}

// Run 启动 Hub 的主事件循环，同时订阅白板事件并定期续期编辑权。
// 阻塞直到 ctx 取消。
func (h *Hub) Run(ctx context.Context) {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.subscribe(ctx)
	}()
	go func() {
		defer wg.Done()
		h.maintainLeases(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("Hub is shutting down...")
			return
		case msg := <-h.messageChan:
			switch msg.Type {
			case msgRegister:
				h.registerSession(msg.Session)
			case msgUnregister:
				h.unregisterSession(msg.Session)
			case msgBoardEvent:
				h.handleBoardEvent(msg.Event)
			default:
				log.Warnf("Hub: Received unknown message type: %s for board %s", msg.Type, msg.BoardID)
			}
		}
	}
}

// Shutdown 立即保存所有编辑会话中尚未保存的修改，然后关闭全部会话。
// 返回第一个保存失败的错误。
func (h *Hub) Shutdown(ctx context.Context) error {
	sessions := h.sessions()
	logrus.WithField("session_count", len(sessions)).Info("Hub: flushing editor sessions")

	var g errgroup.Group
	for _, s := range sessions {
		if !s.Editing() {
			continue
		}
		s := s
		g.Go(func() error {
			if err := s.editor.Flush(ctx); err != nil && !errors.Is(err, canvas.ErrClosed) {
				return fmt.Errorf("flush board %s: %w", s.boardID, err)
			}
			return nil
		})
	}
	err := g.Wait()

	for _, s := range sessions {
		h.unregisterSession(s)
	}
	return err
}

// registerSession 把会话加入白板分组。只读会话会先同步本实例编辑者的最新内容。
func (h *Hub) registerSession(s *Session) {
	if s == nil {
		logrus.Error("Hub: Attempted to register a nil session")
		return
	}
	logCtx := s.log.WithField("action", "registerSession")

	h.boardsMu.Lock()
	if _, ok := h.boards[s.boardID]; !ok {
		h.boards[s.boardID] = make(map[*Session]bool)
		logCtx.Info("Session list created for board")
	}
	h.boards[s.boardID][s] = true
	editor := h.editorLocked(s.boardID)
	h.boardsMu.Unlock()
	logCtx.Info("Session registered to Hub")

	if !s.Editing() && editor != nil {
		s.sync(editor.Shapes())
	}
}

// unregisterSession 移除会话并拆除它：丢弃挂起的自动保存，释放编辑权，关闭发送通道。
// 重复调用无副作用。
func (h *Hub) unregisterSession(s *Session) {
	if s == nil {
		logrus.Error("Hub: Attempted to unregister a nil session")
		return
	}
	logCtx := s.log.WithField("action", "unregisterSession")

	h.boardsMu.Lock()
	if sessions, ok := h.boards[s.boardID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.boards, s.boardID)
			logCtx.Info("Board has no sessions, removed from Hub")
		}
	}
	h.boardsMu.Unlock()

	if s.close() {
		h.releaseLease(s.id, s.boardID, s.mode)
		logCtx.Info("Session unregistered from Hub")
	}
}

// mirror 把编辑者的最新内容推送给同一白板上的只读会话。
func (h *Hub) mirror(from *Session) {
	viewers := h.viewers(from.boardID)
	if len(viewers) == 0 {
		return
	}
	shapes := from.Shapes()
	for _, v := range viewers {
		v.sync(shapes)
	}
}

// handleBoardEvent 把其他实例 (或 REST 更新) 的保存结果推送给只读会话。
// 本实例有编辑者时以编辑者的镜像为准，忽略该事件。
func (h *Hub) handleBoardEvent(evt *domain.BoardEvent) {
	if evt == nil || evt.Type != domain.BoardEventSaved {
		return
	}
	h.boardsMu.RLock()
	editor := h.editorLocked(evt.BoardID)
	h.boardsMu.RUnlock()
	if editor != nil {
		return
	}

	viewers := h.viewers(evt.BoardID)
	if len(viewers) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"board_id":        evt.BoardID,
		"save_seq":        evt.SaveSeq,
		"recipient_count": len(viewers),
	}).Debug("Pushing saved board to viewers")
	for _, v := range viewers {
		v.sync(evt.Shapes)
	}
}

// subscribe 订阅白板事件，连接中断时以指数退避重新订阅。
func (h *Hub) subscribe(ctx context.Context) {
	log := logrus.WithField("component", "hub_subscriber")
	handle := func(evt domain.BoardEvent) {
		h.QueueMessage(HubMessage{Type: msgBoardEvent, BoardID: evt.BoardID, Event: &evt})
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	op := func() error {
		err := h.state.SubscribeBoardEvents(ctx, handle)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Board event subscription failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("Board event subscription stopped")
	}
}

// maintainLeases 定期续期编辑权，并重试保存失败的编辑会话。
func (h *Hub) maintainLeases(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range h.sessions() {
				if s.Editing() {
					h.maintainSession(ctx, s)
				}
			}
		}
	}
}

func (h *Hub) maintainSession(ctx context.Context, s *Session) {
	logCtx := s.log.WithField("operation", "maintainSession")

	ok, err := h.state.RefreshEditLease(ctx, s.boardID, s.id, h.cfg.LeaseTTL)
	if err != nil {
		logCtx.WithError(err).Warn("Failed to refresh edit lease")
		return
	}
	if !ok {
		// 租约已过期，尝试重新获取
		ok, err = h.state.AcquireEditLease(ctx, s.boardID, s.id, h.cfg.LeaseTTL)
		if err != nil {
			logCtx.WithError(err).Warn("Failed to reacquire edit lease")
			return
		}
		if !ok {
			// 编辑权已属于其他会话：不再保存本会话的修改，避免覆盖新编辑者的内容
			logCtx.Warn("Edit lease taken by another session, revoking without saving")
			s.sendError("edit lease lost, unsaved changes discarded, reconnect to continue")
			h.unregisterSession(s)
			return
		}
		logCtx.Info("Edit lease reacquired")
	}

	if status, _ := s.editor.Status(); status == canvas.StatusFailed {
		logCtx.Info("Retrying failed save")
		if err := s.editor.Flush(ctx); err != nil {
			logCtx.WithError(err).Warn("Retry of failed save did not succeed")
		}
	}
}

func (h *Hub) releaseLease(sessionID, boardID, mode string) {
	if mode != ModeEdit {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.state.ReleaseEditLease(ctx, boardID, sessionID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"board_id":   boardID,
			"session_id": sessionID,
		}).Warn("Failed to release edit lease")
	}
}

// editorLocked 返回白板上的编辑会话，调用方需持有 boardsMu。
func (h *Hub) editorLocked(boardID string) *Session {
	for s := range h.boards[boardID] {
		if s.Editing() {
			return s
		}
	}
	return nil
}

func (h *Hub) viewers(boardID string) []*Session {
	h.boardsMu.RLock()
	defer h.boardsMu.RUnlock()
	out := make([]*Session, 0, len(h.boards[boardID]))
	for s := range h.boards[boardID] {
		if !s.Editing() {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) sessions() []*Session {
	h.boardsMu.RLock()
	defer h.boardsMu.RUnlock()
	var out []*Session
	for _, sessions := range h.boards {
		for s := range sessions {
			out = append(out, s)
		}
	}
	return out
}

// SessionCount 返回白板上已注册的会话数量。
func (h *Hub) SessionCount(boardID string) int {
	h.boardsMu.RLock()
	defer h.boardsMu.RUnlock()
	return len(h.boards[boardID])
}
