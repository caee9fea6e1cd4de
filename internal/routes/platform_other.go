//go:build !windows && !linux

package routes

import (
	"context"
	"os/exec"
)

func defaultPlatform() platform { return unsupportedPlatform{} }

func applyCommandAttributes(*exec.Cmd) {}

// DefaultGateway не реализован на этой платформе.
func (m *Manager) DefaultGateway(context.Context, bool, string) (Gateway, error) {
	return Gateway{}, ErrUnsupported
}
