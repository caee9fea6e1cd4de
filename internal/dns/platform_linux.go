//go:build linux

package dns

import (
	"net/netip"
	"os/exec"
)

func applyCommandAttributes(*exec.Cmd) {}

func platformCommands() (func(string, []netip.Addr) ([]command, error), func(string) ([]command, error)) {
	return resolvectlSet, resolvectlReset
}
