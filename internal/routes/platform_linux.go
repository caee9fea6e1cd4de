//go:build linux

package routes

import "os/exec"

func defaultPlatform() platform { return linuxPlatform{} }

func applyCommandAttributes(*exec.Cmd) {}
