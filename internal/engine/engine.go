// Package engine управляет прокси-движком xray-core: встроенным экземпляром
// или внешним процессом.
package engine

import (
	"context"
	"errors"
)

// ErrNotRunning возвращается операциями, которым нужен запущенный движок.
var ErrNotRunning = errors.New("engine is not running")

// Engine описывает жизненный цикл движка, которым управляет контроллер сессии.
type Engine interface {
	Start(ctx context.Context, configPath string) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Version(ctx context.Context) (string, error)
	// Check проверяет конфигурацию без запуска сессии.
	Check(ctx context.Context, configPath string) error
}
