package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ShapeKind 表示白板上图形的种类，创建后不可更改。
type ShapeKind string

const (
	KindRect    ShapeKind = "rect"    // 流程步骤
	KindCircle  ShapeKind = "circle"  // 开始/结束
	KindDiamond ShapeKind = "diamond" // 决策点
	KindText    ShapeKind = "text"    // 文本标签
	KindArrow   ShapeKind = "arrow"   // 流向箭头
)

// 默认颜色
const (
	DefaultFillColor  = "#ffffff"
	DefaultArrowColor = "var(--text-primary)"
)

// ErrInvalidShape 表示图形数据结构不合法 (未知种类、负尺寸、重复 ID 等)。
var ErrInvalidShape = errors.New("invalid shape")

// Shape 是白板上的一个可绘制元素。
// JSON 字段与前端存储格式保持一致。
type Shape struct {
	ID     string    `json:"id"`
	Kind   ShapeKind `json:"type"`
	X      float64   `json:"x"`
	Y      float64   `json:"y"`
	Width  float64   `json:"width"`
	Height float64   `json:"height"`
	Text   string    `json:"text,omitempty"`
	Color  string    `json:"color"`
}

// Valid 报告 kind 是否为已知的图形种类。
func (k ShapeKind) Valid() bool {
	switch k {
	case KindRect, KindCircle, KindDiamond, KindText, KindArrow:
		return true
	}
	return false
}

// HasLabel 报告该种类的图形是否带有可编辑文本。箭头没有标签。
func (k ShapeKind) HasLabel() bool {
	return k.Valid() && k != KindArrow
}

// DefaultSize 返回新建图形的默认宽高。
func (k ShapeKind) DefaultSize() (width, height float64) {
	switch k {
	case KindCircle:
		return 60, 60
	case KindText:
		return 120, 40
	case KindArrow:
		return 100, 40
	default: // rect, diamond
		return 100, 50
	}
}

// DefaultLabel 返回新建图形的默认文本。
func (k ShapeKind) DefaultLabel() string {
	switch k {
	case KindRect:
		return "Step"
	case KindDiamond:
		return "Decision?"
	case KindText:
		return "New Label"
	default: // circle, arrow
		return ""
	}
}

// DefaultColor 返回新建图形的默认颜色。
func (k ShapeKind) DefaultColor() string {
	if k == KindArrow {
		return DefaultArrowColor
	}
	return DefaultFillColor
}

// PlaceShape 以 (cx, cy) 为中心构造一个带默认属性的新图形。
func PlaceShape(id string, kind ShapeKind, cx, cy float64) Shape {
	w, h := kind.DefaultSize()
	return Shape{
		ID:     id,
		Kind:   kind,
		X:      cx - w/2,
		Y:      cy - h/2,
		Width:  w,
		Height: h,
		Text:   kind.DefaultLabel(),
		Color:  kind.DefaultColor(),
	}
}

// Validate 检查单个图形的结构约束。
func (s Shape) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidShape)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: shape %s has unknown type %q", ErrInvalidShape, s.ID, s.Kind)
	}
	if !finite(s.X) || !finite(s.Y) {
		return fmt.Errorf("%w: shape %s has non-finite position", ErrInvalidShape, s.ID)
	}
	if !finite(s.Width) || !finite(s.Height) || s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("%w: shape %s has invalid size %gx%g", ErrInvalidShape, s.ID, s.Width, s.Height)
	}
	return nil
}

// ValidateShapes 校验整块白板：每个图形合法且 ID 在白板内唯一。
func ValidateShapes(shapes []Shape) error {
	seen := make(map[string]struct{}, len(shapes))
	for i, s := range shapes {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("shape #%d: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("shape #%d: %w: duplicate id %s", i, ErrInvalidShape, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ParseShapes 将存储的 JSON 数组解析为图形列表并校验。
// 空数据或 "null" 视为空白板。
func ParseShapes(data []byte) ([]Shape, error) {
	if len(data) == 0 || string(data) == "null" {
		return []Shape{}, nil
	}
	var shapes []Shape
	if err := json.Unmarshal(data, &shapes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	if shapes == nil {
		shapes = []Shape{}
	}
	if err := ValidateShapes(shapes); err != nil {
		return nil, err
	}
	return shapes, nil
}

// MarshalShapes 序列化图形列表，nil 输出为 "[]"。
func MarshalShapes(shapes []Shape) ([]byte, error) {
	if shapes == nil {
		shapes = []Shape{}
	}
	return json.Marshal(shapes)
}

// CloneShapes 返回图形列表的副本。
func CloneShapes(shapes []Shape) []Shape {
	out := make([]Shape, len(shapes))
	copy(out, shapes)
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
