//go:build linux

package pty

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// currentTitle resolves the pty's foreground process group leader and reads
// its command name from /proc. The foreground group changes as the user runs
// programs inside the shell, so this tracks what a terminal emulator would
// show in its tab title. Any failure falls back to the spawned executable's
// name rather than erroring: a missing /proc entry just means the group
// leader already exited.
func (h *Handle) currentTitle() (string, error) {
	pgid, err := unix.IoctlGetInt(int(h.ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil || pgid <= 0 {
		return h.fallbackTitle(), nil
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pgid))
	if err != nil {
		return h.fallbackTitle(), nil
	}
	title := strings.TrimSpace(string(comm))
	if title == "" {
		return h.fallbackTitle(), nil
	}
	return title, nil
}
