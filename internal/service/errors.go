package service

import (
	"errors"
	"fmt"

	"decision-whiteboard/internal/repository"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username or email already exists")
	ErrInternalServer       = errors.New("internal server error")
	ErrInvalidInput         = errors.New("invalid input")
	ErrWhiteboardNotFound   = errors.New("whiteboard not found")
	ErrForbidden            = errors.New("not authorized")
	ErrNotTeamMember        = fmt.Errorf("%w: not a member of this team", ErrForbidden)
	ErrNotCreator           = fmt.Errorf("%w: only the creator can delete this whiteboard", ErrForbidden)
	ErrInvalidShapes        = errors.New("invalid whiteboard data")
	ErrInvalidToken         = errors.New("invalid or expired token")
)

// mapRepoError 将仓库层的错误映射到服务层定义的错误。
// notFound 指定 repository.ErrNotFound 对应的业务错误。
func mapRepoError(err, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return notFound
	}
	return fmt.Errorf("%w: %v", ErrInternalServer, err)
}
