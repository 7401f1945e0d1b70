package dto

import (
	"decision-whiteboard/internal/domain"

	"github.com/go-playground/validator/v10"
)

// 客户端命令类型
const (
	CmdSelectTool     = "select_tool"
	CmdPointerDown    = "pointer_down"
	CmdPointerMove    = "pointer_move"
	CmdPointerUp      = "pointer_up"
	CmdPointerLeave   = "pointer_leave"
	CmdEditLabel      = "edit_label"
	CmdDeleteSelected = "delete_selected"
	CmdKeyDown        = "key_down"
	CmdSave           = "save"
)

// 服务端消息类型
const (
	MsgState  = "state"
	MsgStatus = "status"
	MsgError  = "error"
)

var validate = validator.New()

// Command 表示从客户端 WebSocket 消息中接收的编辑命令。
// 坐标为画布坐标，Target 为被按下图形的 ID (空表示空白处)。
type Command struct {
	Type        string  `json:"type" validate:"required,oneof=select_tool pointer_down pointer_move pointer_up pointer_leave edit_label delete_selected key_down save"`
	Tool        string  `json:"tool,omitempty" validate:"required_if=Type select_tool"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Target      string  `json:"target,omitempty" validate:"max=64"`
	ShapeID     string  `json:"shape_id,omitempty" validate:"required_if=Type edit_label,max=64"`
	Text        string  `json:"text,omitempty" validate:"max=1000"`
	Key         string  `json:"key,omitempty" validate:"required_if=Type key_down,max=32"`
	InTextInput bool    `json:"in_text_input,omitempty"`
}

// Validate 校验命令字段。
func (c *Command) Validate() error {
	return validate.Struct(c)
}

// StateMessage 是发送给客户端的完整编辑面状态。
type StateMessage struct {
	Type       string         `json:"type"`
	BoardID    string         `json:"board_id"`
	Shapes     []domain.Shape `json:"shapes"`
	Tool       string         `json:"tool"`
	Mode       string         `json:"mode"`
	SelectedID string         `json:"selected_id,omitempty"`
	Ghost      *domain.Shape  `json:"ghost,omitempty"`
	ReadOnly   bool           `json:"read_only"`
	Status     string         `json:"status"`
}

// StatusMessage 通知客户端保存状态 ("未保存修改" 指示器)。
type StatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorDTO 表示发送给客户端的错误消息数据结构
type ErrorDTO struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError 构造错误消息。
func NewError(message string) ErrorDTO {
	return ErrorDTO{Type: MsgError, Message: message}
}
