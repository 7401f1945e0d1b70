package canvas

import "errors"

var (
	ErrReadOnly      = errors.New("canvas: board is read-only")
	ErrUnknownTool   = errors.New("canvas: unknown tool")
	ErrShapeNotFound = errors.New("canvas: shape not found")
	ErrNotSelected   = errors.New("canvas: shape is not selected")
	ErrNoLabel       = errors.New("canvas: shape kind has no editable label")
	ErrClosed        = errors.New("canvas: editor closed")
)
