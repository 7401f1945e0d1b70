// Package canvas 实现白板的图形编辑面：工具选择、放置图形、拖拽、文本编辑、删除，
// 以及带防抖自动保存的编辑器。
package canvas

import (
	"fmt"

	"decision-whiteboard/internal/domain"

	"github.com/google/uuid"
)

// Tool 是当前的输入模式，决定 pointer-down 的行为。
type Tool string

const (
	ToolSelect  Tool = "select"
	ToolRect    Tool = Tool(domain.KindRect)
	ToolDiamond Tool = Tool(domain.KindDiamond)
	ToolCircle  Tool = Tool(domain.KindCircle)
	ToolText    Tool = Tool(domain.KindText)
	ToolArrow   Tool = Tool(domain.KindArrow)
)

// Valid 报告 t 是否为已知工具。
func (t Tool) Valid() bool {
	return t == ToolSelect || domain.ShapeKind(t).Valid()
}

// Kind 返回工具对应的图形种类；select 工具返回 false。
func (t Tool) Kind() (domain.ShapeKind, bool) {
	if t == ToolSelect || !t.Valid() {
		return "", false
	}
	return domain.ShapeKind(t), true
}

// State 是编辑面的交互状态。
type State string

const (
	StateIdleSelect     State = "idle-select"
	StateShapeToolArmed State = "shape-tool-armed"
	StateDragging       State = "dragging"
)

// Point 是画布坐标系中的一个点。
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Surface 持有白板图形、当前工具、选中与拖拽状态。
// Surface 不是并发安全的，调用方需保证串行访问 (见 Editor)。
type Surface struct {
	shapes     []domain.Shape
	tool       Tool
	selectedID string
	dragging   bool
	dragOffset Point
	hover      *Point
	readOnly   bool
	newID      func() string
	revision   uint64 // 每次图形列表变更递增
}

// Option 配置 Surface。
type Option func(*Surface)

// WithReadOnly 设置只读模式：所有变更操作都会返回 ErrReadOnly。
func WithReadOnly(readOnly bool) Option {
	return func(s *Surface) { s.readOnly = readOnly }
}

// WithIDGenerator 替换新图形 ID 的生成函数。
func WithIDGenerator(fn func() string) Option {
	return func(s *Surface) { s.newID = fn }
}

// New 用调用方提供的图形初始化编辑面。结构不合法的图形会直接返回错误。
func New(initial []domain.Shape, opts ...Option) (*Surface, error) {
	if err := domain.ValidateShapes(initial); err != nil {
		return nil, fmt.Errorf("canvas: initialize: %w", err)
	}
	s := &Surface{
		shapes: domain.CloneShapes(initial),
		tool:   ToolSelect,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Shapes 返回当前图形列表的副本 (按 z 序)。
func (s *Surface) Shapes() []domain.Shape { return domain.CloneShapes(s.shapes) }

// Tool 返回当前工具。
func (s *Surface) Tool() Tool { return s.tool }

// ReadOnly 报告是否只读。
func (s *Surface) ReadOnly() bool { return s.readOnly }

// Revision 返回图形列表的变更计数。
func (s *Surface) Revision() uint64 { return s.revision }

// Selected 返回当前选中的图形 ID。
func (s *Surface) Selected() (string, bool) {
	return s.selectedID, s.selectedID != ""
}

// Dragging 报告是否正在拖拽。
func (s *Surface) Dragging() bool { return s.dragging }

// State 返回当前交互状态。
func (s *Surface) State() State {
	switch {
	case s.dragging:
		return StateDragging
	case s.tool != ToolSelect:
		return StateShapeToolArmed
	default:
		return StateIdleSelect
	}
}

// Shape 按 ID 查找图形。
func (s *Surface) Shape(id string) (domain.Shape, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.shapes[i], true
	}
	return domain.Shape{}, false
}

// Ghost 返回当前工具在悬停位置将会创建的图形预览。
// 只有形状工具激活且指针在画布内时才有预览。
func (s *Surface) Ghost() (domain.Shape, bool) {
	kind, ok := s.tool.Kind()
	if !ok || s.hover == nil {
		return domain.Shape{}, false
	}
	return domain.PlaceShape("", kind, s.hover.X, s.hover.Y), true
}

// SelectTool 切换当前工具，不影响已有图形与选中状态。
func (s *Surface) SelectTool(t Tool) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTool, t)
	}
	s.tool = t
	return nil
}

// PointerDown 处理画布上的按下事件。target 为被按下的图形 ID，空字符串表示空白处。
// 形状工具激活时会在 p 处创建新图形并返回它，随后工具恢复为 select。
func (s *Surface) PointerDown(p Point, target string) (*domain.Shape, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}

	if kind, ok := s.tool.Kind(); ok {
		shape := domain.PlaceShape(s.newID(), kind, p.X, p.Y)
		s.shapes = append(s.shapes, shape)
		s.selectedID = shape.ID
		s.tool = ToolSelect
		s.hover = nil
		s.changed()
		return &shape, nil
	}

	if target == "" {
		s.selectedID = ""
		return nil, nil
	}
	i := s.indexOf(target)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrShapeNotFound, target)
	}
	shape := s.shapes[i]
	s.selectedID = shape.ID
	s.dragging = true
	s.dragOffset = Point{X: p.X - shape.X, Y: p.Y - shape.Y}
	return nil, nil
}

// PointerMove 更新悬停位置；拖拽中时移动选中的图形，保持抓取点不变。
// 返回图形列表是否发生变化。
func (s *Surface) PointerMove(p Point) bool {
	hover := p
	s.hover = &hover

	if !s.dragging || s.selectedID == "" || s.readOnly {
		return false
	}
	i := s.indexOf(s.selectedID)
	if i < 0 {
		s.dragging = false
		return false
	}
	x, y := p.X-s.dragOffset.X, p.Y-s.dragOffset.Y
	if s.shapes[i].X == x && s.shapes[i].Y == y {
		return false
	}
	s.shapes[i].X, s.shapes[i].Y = x, y
	s.changed()
	return true
}

// PointerUp 结束拖拽，没有拖拽时无副作用。
func (s *Surface) PointerUp() {
	s.dragging = false
	s.dragOffset = Point{}
}

// PointerLeave 结束拖拽并清除预览位置。
func (s *Surface) PointerLeave() {
	s.PointerUp()
	s.hover = nil
}

// EditLabel 修改选中图形的文本。只能编辑当前选中的图形，箭头没有文本。
func (s *Surface) EditLabel(id, text string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	i := s.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrShapeNotFound, id)
	}
	if s.selectedID != id {
		return fmt.Errorf("%w: %s", ErrNotSelected, id)
	}
	if !s.shapes[i].Kind.HasLabel() {
		return fmt.Errorf("%w: %s", ErrNoLabel, s.shapes[i].Kind)
	}
	if s.shapes[i].Text == text {
		return nil
	}
	s.shapes[i].Text = text
	s.changed()
	return nil
}

// DeleteSelected 删除选中的图形并清空选中状态。没有选中时为空操作。
func (s *Surface) DeleteSelected() (bool, error) {
	if s.readOnly {
		return false, ErrReadOnly
	}
	if s.selectedID == "" {
		return false, nil
	}
	i := s.indexOf(s.selectedID)
	s.selectedID = ""
	s.dragging = false
	if i < 0 {
		return false, nil
	}
	s.shapes = append(s.shapes[:i], s.shapes[i+1:]...)
	s.changed()
	return true, nil
}

// KeyDown 处理键盘事件：焦点不在文本输入框时，Delete/Backspace 删除选中图形。
// 没有选中图形时按键被忽略，只读模式下也不报错。
func (s *Surface) KeyDown(key string, inTextInput bool) (bool, error) {
	if inTextInput || (key != "Delete" && key != "Backspace") || s.selectedID == "" {
		return false, nil
	}
	return s.DeleteSelected()
}

// Replace 用外部来源的图形覆盖当前白板，只读模式下同样允许。
// 选中的图形不存在时清空选中，并结束拖拽。
func (s *Surface) Replace(shapes []domain.Shape) error {
	if err := domain.ValidateShapes(shapes); err != nil {
		return fmt.Errorf("canvas: replace: %w", err)
	}
	s.shapes = domain.CloneShapes(shapes)
	if s.selectedID != "" && s.indexOf(s.selectedID) < 0 {
		s.selectedID = ""
	}
	s.PointerUp()
	s.changed()
	return nil
}

func (s *Surface) indexOf(id string) int {
	for i := range s.shapes {
		if s.shapes[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Surface) changed() { s.revision++ }
