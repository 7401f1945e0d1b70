package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"decision-whiteboard/internal/canvas"
	"decision-whiteboard/internal/domain"
	"decision-whiteboard/internal/dto"

	"github.com/sirupsen/logrus"
)

// 会话模式
const (
	ModeEdit = "edit"
	ModeView = "view"
)

// Session 是一个用户在某块白板上的编辑会话，持有自己的 Editor 与发送队列。
type Session struct {
	id      string
	boardID string
	userID  uint
	mode    string
	hub     *Hub
	editor  *canvas.Editor
	log     *logrus.Entry

	mu     sync.Mutex // 保护 send 与 closed
	send   chan []byte
	closed bool
}

func newSession(h *Hub, id, boardID string, userID uint, mode string, surface *canvas.Surface) *Session {
	s := &Session{
		id:      id,
		boardID: boardID,
		userID:  userID,
		mode:    mode,
		hub:     h,
		send:    make(chan []byte, sendBufferSize),
		log: logrus.WithFields(logrus.Fields{
			"board_id":   boardID,
			"user_id":    userID,
			"session_id": id,
		}),
	}
	s.editor = canvas.NewEditor(surface, s.persist,
		canvas.WithQuietPeriod(h.cfg.QuietPeriod),
		canvas.WithClock(h.cfg.Clock),
		canvas.WithStatusListener(s.onStatus),
		canvas.WithLogger(s.log.WithField("component", "canvas_editor")),
	)
	return s
}

func (s *Session) ID() string      { return s.id }
func (s *Session) BoardID() string { return s.boardID }
func (s *Session) UserID() uint    { return s.userID }
func (s *Session) Mode() string    { return s.mode }

// Editing 报告会话是否持有编辑权。
func (s *Session) Editing() bool { return s.mode == ModeEdit }

// Shapes 返回会话当前的图形列表。
func (s *Session) Shapes() []domain.Shape {
	var shapes []domain.Shape
	s.editor.View(func(sf *canvas.Surface) { shapes = sf.Shapes() })
	return shapes
}

// Send 返回发往客户端的消息通道，会话关闭时通道被关闭。
func (s *Session) Send() <-chan []byte { return s.send }

// Handle 解析并执行一条客户端命令，然后回复最新状态。
// 编辑者的修改会镜像给同一白板上的只读会话。
func (s *Session) Handle(ctx context.Context, raw []byte) {
	var cmd dto.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.log.WithError(err).Debug("Malformed command")
		s.sendError("malformed command")
		return
	}
	if err := cmd.Validate(); err != nil {
		s.sendError(fmt.Sprintf("invalid command: %v", err))
		return
	}

	before := s.revision()
	if err := s.apply(ctx, cmd); err != nil {
		if errors.Is(err, canvas.ErrClosed) {
			return
		}
		s.log.WithError(err).WithField("command", cmd.Type).Debug("Command rejected")
		s.sendError(err.Error())
	}
	s.sendState()

	if s.Editing() && s.revision() != before {
		s.hub.mirror(s)
	}
}

func (s *Session) apply(ctx context.Context, cmd dto.Command) error {
	if cmd.Type == dto.CmdSave {
		return s.editor.Save(ctx)
	}
	p := canvas.Point{X: cmd.X, Y: cmd.Y}
	return s.editor.Do(func(sf *canvas.Surface) error {
		switch cmd.Type {
		case dto.CmdSelectTool:
			return sf.SelectTool(canvas.Tool(cmd.Tool))
		case dto.CmdPointerDown:
			_, err := sf.PointerDown(p, cmd.Target)
			return err
		case dto.CmdPointerMove:
			sf.PointerMove(p)
		case dto.CmdPointerUp:
			sf.PointerUp()
		case dto.CmdPointerLeave:
			sf.PointerLeave()
		case dto.CmdEditLabel:
			return sf.EditLabel(cmd.ShapeID, cmd.Text)
		case dto.CmdDeleteSelected:
			_, err := sf.DeleteSelected()
			return err
		case dto.CmdKeyDown:
			_, err := sf.KeyDown(cmd.Key, cmd.InTextInput)
			return err
		}
		return nil
	})
}

// sync 用外部内容覆盖只读会话的白板并推送状态。
func (s *Session) sync(shapes []domain.Shape) {
	if err := s.editor.Replace(shapes); err != nil {
		if !errors.Is(err, canvas.ErrClosed) {
			s.log.WithError(err).Warn("Failed to sync board into session")
		}
		return
	}
	s.sendState()
}

func (s *Session) persist(ctx context.Context, shapes []domain.Shape) error {
	return s.hub.saver.SaveBoard(ctx, s.userID, s.boardID, shapes)
}

func (s *Session) onStatus(evt canvas.StatusEvent) {
	msg := dto.StatusMessage{Type: dto.MsgStatus, Status: string(evt.Status)}
	if evt.Err != nil {
		msg.Error = evt.Err.Error()
	}
	s.sendJSON(msg)
}

func (s *Session) revision() uint64 {
	var rev uint64
	s.editor.View(func(sf *canvas.Surface) { rev = sf.Revision() })
	return rev
}

func (s *Session) stateMessage() dto.StateMessage {
	msg := dto.StateMessage{Type: dto.MsgState, BoardID: s.boardID, Mode: s.mode}
	s.editor.View(func(sf *canvas.Surface) {
		msg.Shapes = sf.Shapes()
		msg.Tool = string(sf.Tool())
		msg.SelectedID, _ = sf.Selected()
		if ghost, ok := sf.Ghost(); ok {
			msg.Ghost = &ghost
		}
		msg.ReadOnly = sf.ReadOnly()
	})
	status, _ := s.editor.Status()
	msg.Status = string(status)
	return msg
}

func (s *Session) sendState() { s.sendJSON(s.stateMessage()) }

func (s *Session) sendError(message string) { s.sendJSON(dto.NewError(message)) }

func (s *Session) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("Failed to marshal outgoing message")
		return
	}
	s.enqueue(data)
}

// enqueue 非阻塞地放入发送队列，慢客户端的消息会被丢弃。
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		s.log.Warn("Session send channel full, message dropped")
		return false
	}
}

// close 拆除会话并关闭发送通道。只有第一次调用返回 true。
func (s *Session) close() bool {
	s.editor.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}
