//go:build windows

package routes

import (
	"os/exec"
	"syscall"
)

func defaultPlatform() platform { return windowsPlatform{} }

func applyCommandAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
