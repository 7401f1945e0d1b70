package domain

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Whiteboard 表示一个白板资源，Data 字段存储图形数组的 JSON。
type Whiteboard struct {
	ID        string         `gorm:"primaryKey;size:36"`         // UUID
	UserID    uint           `gorm:"index;not null"`             // 创建者
	TeamID    *string        `gorm:"index;size:36"`              // 所属团队，个人白板为 nil
	Name      string         `gorm:"size:255;not null"`
	Data      datatypes.JSON `gorm:"not null"`                   // 图形数组 JSON
	SaveSeq   uint64         `gorm:"not null;default:0"`         // 最近一次应用的保存序号，用于丢弃过期保存
	CreatedAt time.Time      `gorm:"autoCreateTime"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime;index"`
}

// Shapes 解析并校验 Data 中的图形。
func (w *Whiteboard) Shapes() ([]Shape, error) {
	shapes, err := ParseShapes(w.Data)
	if err != nil {
		return nil, fmt.Errorf("whiteboard %s: %w", w.ID, err)
	}
	return shapes, nil
}

// SetShapes 将图形序列化到 Data 字段。
func (w *Whiteboard) SetShapes(shapes []Shape) error {
	data, err := MarshalShapes(shapes)
	if err != nil {
		return fmt.Errorf("failed to marshal shapes: %w", err)
	}
	w.Data = datatypes.JSON(data)
	return nil
}

// IsTeamBoard 报告白板是否属于某个团队。
func (w *Whiteboard) IsTeamBoard() bool {
	return w.TeamID != nil && *w.TeamID != ""
}

// BoardEvent 是白板保存后通过 Pub/Sub 广播的事件。
type BoardEvent struct {
	Type    string    `json:"type"` // "board_saved"
	BoardID string    `json:"board_id"`
	SavedBy uint      `json:"saved_by"`
	SaveSeq uint64    `json:"save_seq"`
	Shapes  []Shape   `json:"shapes"`
	SavedAt time.Time `json:"saved_at"`
}

// BoardEventSaved 表示白板内容已持久化。
const BoardEventSaved = "board_saved"
