package coreconfig

import (
	"errors"
	"fmt"
)

// ErrInvalid помечает любые ошибки валидации профиля и настроек.
var ErrInvalid = errors.New("invalid config")

// Error описывает конкретное поле, не прошедшее проверку.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e == nil {
		return ErrInvalid.Error()
	}
	return fmt.Sprintf("%v: %s: %s", ErrInvalid, e.Field, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}
