//go:build windows

package dns

import (
	"net/netip"
	"os/exec"
	"syscall"
)

func applyCommandAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

func platformCommands() (func(string, []netip.Addr) ([]command, error), func(string) ([]command, error)) {
	return powershellSet, powershellReset
}
