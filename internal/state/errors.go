package state

import (
	"context"
	"errors"
	"fmt"

	"xraytun/internal/coreconfig"
	"xraytun/internal/profile"
)

// ErrorKind классифицирует ошибки контроллера сессии.
type ErrorKind string

const (
	KindInvalidConfig  ErrorKind = "InvalidConfig"
	KindTimeout        ErrorKind = "Timeout"
	KindEngineFailure  ErrorKind = "EngineFailure"
	KindBusy           ErrorKind = "Busy"
	KindAlreadyInState ErrorKind = "AlreadyInState"
)

// ErrNoProfile возвращается источником, когда профиль не выбран.
var ErrNoProfile = errors.New("no profile selected")

// Sentinel-значения для errors.Is.
var (
	ErrBusy           = &Error{Kind: KindBusy}
	ErrAlreadyInState = &Error{Kind: KindAlreadyInState}
	ErrInvalidConfig  = &Error{Kind: KindInvalidConfig}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrEngineFailure  = &Error{Kind: KindEngineFailure}
)

// Error описывает ошибку операции контроллера для UI и логов.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает по Kind, поэтому errors.Is(err, ErrBusy) работает для любой ошибки Busy.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf возвращает Kind ошибки контроллера или пустую строку.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func busy(message string) *Error {
	return &Error{Kind: KindBusy, Message: message}
}

// classify переводит ошибки материализатора, адаптера и движка в таксономию контроллера.
func classify(err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, coreconfig.ErrInvalid),
		errors.Is(err, ErrNoProfile),
		errors.Is(err, profile.ErrNotFound):
		return &Error{Kind: KindInvalidConfig, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindEngineFailure, Err: err}
}
