package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict 用户名已被占用（仅在远端检查后出现）
	ErrConflict = errors.New("username already taken")
	// ErrTransientNetwork 超时或网络不可用，调用方应降级为本地状态
	ErrTransientNetwork = errors.New("transient network error")
	// ErrCorruptLocalState 本地存储不可读，等同于没有资料
	ErrCorruptLocalState = errors.New("corrupt local state")
	// ErrConcurrentCreateRejected 已有一次创建资料的请求在进行中
	ErrConcurrentCreateRejected = errors.New("profile creation already pending")
	// ErrProfileAlreadyExists 本机已经有资料
	ErrProfileAlreadyExists = errors.New("profile already exists")
	// ErrNoProfile 需要资料的操作在首次设置前被调用
	ErrNoProfile = errors.New("no local profile")
	// ErrAlbumNotFound 专辑不在当前列表中
	ErrAlbumNotFound = errors.New("album not found")
)

// ValidationError is a local constraint violation on a profile field. It is
// never produced by the network path.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Transient wraps err so errors.Is(err, ErrTransientNetwork) holds.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransientNetwork, err)
}
